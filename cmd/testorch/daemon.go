package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/device-test-orchestrator/internal/batch"
	"github.com/hochfrequenz/device-test-orchestrator/internal/plan"
)

var (
	daemonServe bool
	daemonLease bool
)

func init() {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the configured [[batch]] plans on their cron schedules",
		RunE:  runDaemon,
	}
	daemonCmd.Flags().BoolVar(&daemonServe, "serve", true, "also serve the status API")
	daemonCmd.Flags().BoolVar(&daemonLease, "lease", false, "lease devices for every run")
	rootCmd.AddCommand(daemonCmd)
}

// planCache keeps the latest valid version of each watched plan
type planCache struct {
	mu    sync.Mutex
	plans map[string]*plan.Plan
}

func newPlanCache() *planCache {
	return &planCache{plans: make(map[string]*plan.Plan)}
}

func (c *planCache) key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func (c *planCache) Put(p *plan.Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[c.key(p.Path)] = p
}

// Get returns the cached plan, loading it on first use
func (c *planCache) Get(path string) (*plan.Plan, error) {
	c.mu.Lock()
	p, ok := c.plans[c.key(path)]
	c.mu.Unlock()
	if ok {
		return p, nil
	}
	p, err := plan.Load(path)
	if err != nil {
		return nil, err
	}
	c.Put(p)
	return p, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	batches := batch.FromConfig(cfg.Batches)
	if len(batches) == 0 {
		return errors.New("no [[batch]] entries configured")
	}

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	plans := newPlanCache()
	watcher, err := plan.NewWatcher(plans.Put, log)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if _, err := plans.Get(b.Plan); err != nil {
			return fmt.Errorf("batch %s: %w", b.Name, err)
		}
		if err := watcher.Add(b.Plan); err != nil {
			return fmt.Errorf("watching %s: %w", b.Plan, err)
		}
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	sched, err := batch.NewScheduler(batches, nil, log)
	if err != nil {
		return err
	}

	// Batches share the configured devices, so runs never overlap
	var runMu sync.Mutex
	sched.Start(ctx, func(ctx context.Context, b batch.Batch) error {
		runMu.Lock()
		defer runMu.Unlock()

		p, err := plans.Get(b.Plan)
		if err != nil {
			return err
		}
		summary, err := a.executePlan(ctx, p, runOptions{Lease: daemonLease})
		if err != nil {
			return err
		}
		if !summary.Success() {
			return fmt.Errorf("run %s %s", summary.RunID, summary.Result())
		}
		return nil
	})
	defer sched.Stop()

	for _, name := range sched.ListBatches() {
		log.Info("batch scheduled", "batch", name, "next", sched.NextRun(name))
	}

	if daemonServe {
		return a.apiServer(0).Start(ctx)
	}
	<-ctx.Done()
	return nil
}
