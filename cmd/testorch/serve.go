package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/device-test-orchestrator/internal/devicepool"
	"github.com/hochfrequenz/device-test-orchestrator/web/api"
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API over the result store",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func (a *app) apiServer(port int) *api.Server {
	if port == 0 {
		port = a.cfg.Web.Port
	}
	server := api.NewServer(a.store, a.bus, fmt.Sprintf("%s:%d", a.cfg.Web.Host, port), a.log)
	server.SetObserver(a.observer)
	server.SetDevices(func() []devicepool.DeviceStatus {
		if pool := a.pool.Load(); pool != nil {
			return pool.Snapshot()
		}
		return nil
	})
	return server
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()
	return a.apiServer(servePort).Start(ctx)
}
