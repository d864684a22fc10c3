package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/device-test-orchestrator/internal/resultstore"
)

var historyLimit int

func init() {
	historyCmd := &cobra.Command{
		Use:   "history [RUN]",
		Short: "List stored runs, or the executions of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to list")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := resultstore.New(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		return printRun(cmd.OutOrStdout(), store, args[0])
	}
	return printRuns(cmd.OutOrStdout(), store, historyLimit, time.Now())
}

func printRuns(w io.Writer, store *resultstore.Store, limit int, now time.Time) error {
	runs, err := store.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}
	for _, r := range runs {
		took := "-"
		if r.FinishedAt != nil {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s  %-16s %-10s passes=%d failed=%d  %-8s %s\n",
			r.ID, r.Plan, r.Status, r.Passes, r.FailedPasses, took, humanize.RelTime(r.StartedAt, now, "ago", "from now"))
	}
	return nil
}

func printRun(w io.Writer, store *resultstore.Store, id string) error {
	run, err := store.GetRun(id)
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	execs, err := store.ListExecutions(id)
	if err != nil {
		return err
	}
	problems, err := store.ListProblemDevices(id)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run %s (%s): %s, started %s\n", run.ID, run.Plan, run.Status, run.StartedAt.Local().Format(time.DateTime))
	pass := 0
	for _, e := range execs {
		if e.Pass != pass {
			pass = e.Pass
			fmt.Fprintf(w, "  Pass %d\n", pass)
		}
		line := fmt.Sprintf("    %-24s %-11s wait=%s", e.Name, e.Result, e.WaitDuration().Round(time.Second))
		if e.Started() {
			line += fmt.Sprintf(" ran=%s", e.Duration().Round(time.Second))
		}
		if e.Restarts > 0 {
			line += fmt.Sprintf(" restarts=%d", e.Restarts)
		}
		if e.Cancelled {
			line += " cancelled"
		}
		if e.Detail != "" {
			line += " " + e.Detail
		}
		fmt.Fprintln(w, line)
	}
	if len(problems) > 0 {
		fmt.Fprintln(w, "  Problem devices")
		for _, p := range problems {
			fmt.Fprintf(w, "    %s in %s\n", p.ProblemDevice, p.Job)
		}
	}
	return nil
}
