package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/device-test-orchestrator/internal/config"
	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	rootCmd    = &cobra.Command{
		Use:   "testorch",
		Short: "Device test orchestrator - runs multi-device test sessions",
		Long: `testorch schedules test jobs onto a pool of devices. Each job is a
session of roles (server, clients, editor) launched together on reserved
devices, ticked until it passes, fails or times out, and repeated over
one or more passes.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func newLogger() (*slog.Logger, error) {
	return newLoggerTo(os.Stderr)
}

func newLoggerTo(w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	switch logging.Format(logFormat) {
	case logging.FormatText, logging.FormatJSON:
	default:
		return nil, fmt.Errorf("unknown log format %q", logFormat)
	}
	return logging.New(logging.Format(logFormat), w, level), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
