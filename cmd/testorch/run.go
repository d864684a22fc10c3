package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/device-test-orchestrator/internal/plan"
	"github.com/hochfrequenz/device-test-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/device-test-orchestrator/tui"
)

var runOpts runOptions

func init() {
	runCmd := &cobra.Command{
		Use:   "run PLAN",
		Short: "Run a test plan",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui PLAN",
		Short: "Run a test plan with the live dashboard",
		Args:  cobra.ExactArgs(1),
		RunE:  runTUI,
	}
	addRunFlags(tuiCmd)
	rootCmd.AddCommand(tuiCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&runOpts.Parallel, "parallel", 0, "jobs in flight at once (default from config)")
	cmd.Flags().IntVar(&runOpts.Loops, "loops", 0, "number of passes (default from config)")
	cmd.Flags().BoolVar(&runOpts.StopOnError, "stop-on-error", false, "stop after a pass with failures")
	cmd.Flags().BoolVar(&runOpts.NoTimeout, "no-timeout", false, "ignore job max durations")
	cmd.Flags().BoolVar(&runOpts.Lease, "lease", false, "lease devices from the reservation service")
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, p, err := setupRun(args[0])
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	summary, err := a.executePlan(ctx, p, runOpts)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), summary)
	if !summary.Success() {
		return fmt.Errorf("run %s", summary.Result())
	}
	return nil
}

func setupRun(path string) (*app, *plan.Plan, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	p, err := plan.Load(path)
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return a, p, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	a, p, err := setupRun(args[0])
	if err != nil {
		return err
	}
	defer a.Close()

	// Logs would tear the dashboard
	logFile, err := os.CreateTemp("", "testorch-*.log")
	if err != nil {
		return err
	}
	defer logFile.Close()
	if a.log, err = newLoggerTo(logFile); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	evs, unsubscribe := a.bus.Subscribe(1024)
	defer unsubscribe()

	names := make([]string, 0, len(p.Jobs))
	for _, j := range p.Jobs {
		names = append(names, j.Name)
	}
	sopts := scheduler.OptionsFromConfig(a.cfg.Scheduler)
	runOpts.apply(&sopts)

	model := tui.NewModel(tui.ModelConfig{
		Plan:     p.Name,
		Jobs:     names,
		Passes:   sopts.TestLoops,
		Parallel: sopts.Parallel,
		Events:   evs,
		OnQuit:   cancel,
	})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	type result struct {
		summary *scheduler.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := a.executePlan(ctx, p, runOpts)
		done <- result{s, err}
	}()

	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		cancel()
		<-done
		return err
	}
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(a.cfg.Scheduler.CancelGracePeriod.Std() + time.Minute):
		return fmt.Errorf("run did not stop, see %s", logFile.Name())
	}
	if res.err != nil {
		return res.err
	}
	printSummary(cmd.OutOrStdout(), res.summary)
	fmt.Fprintf(cmd.OutOrStdout(), "Log: %s\n", logFile.Name())
	if !res.summary.Success() {
		return fmt.Errorf("run %s", res.summary.Result())
	}
	return nil
}

func printSummary(w io.Writer, s *scheduler.Summary) {
	fmt.Fprintf(w, "Run %s: %s (%s)\n", s.RunID, s.Result(), s.EndedAt.Sub(s.StartedAt).Round(time.Second))
	for _, p := range s.Passes {
		fmt.Fprintf(w, "  Pass %d: %s\n", p.Pass, p.Tally())
		for _, e := range p.Executions {
			line := fmt.Sprintf("    %-24s %-11s", e.Name, e.Result)
			if e.Started() {
				line += fmt.Sprintf(" %s", e.Duration().Round(time.Second))
			}
			if e.Restarts > 0 {
				line += fmt.Sprintf(" restarts=%d", e.Restarts)
			}
			if e.Detail != "" {
				line += " " + e.Detail
			}
			fmt.Fprintln(w, line)
		}
	}
}
