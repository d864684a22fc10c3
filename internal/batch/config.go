package batch

import (
	"fmt"
	"time"

	"github.com/hochfrequenz/device-test-orchestrator/internal/config"
)

// DefaultMaxDuration bounds a batch run when the config sets no limit
const DefaultMaxDuration = 8 * time.Hour

// Batch is a recurring run of a plan
type Batch struct {
	Name        string
	Cron        string
	Plan        string
	MaxDuration time.Duration
}

// FromConfig converts the [[batch]] config sections
func FromConfig(cfgs []config.BatchConfig) []Batch {
	out := make([]Batch, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, Batch{
			Name:        c.Name,
			Cron:        c.Cron,
			Plan:        c.Plan,
			MaxDuration: c.MaxDuration.Std(),
		})
	}
	return out
}

// Validate checks the batch and fills defaults
func (b *Batch) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("batch name is required")
	}
	if b.Cron == "" {
		return fmt.Errorf("batch %s: cron expression is required", b.Name)
	}
	if _, err := ParseCron(b.Cron); err != nil {
		return fmt.Errorf("batch %s: invalid cron expression: %w", b.Name, err)
	}
	if b.Plan == "" {
		return fmt.Errorf("batch %s: plan is required", b.Name)
	}
	if b.MaxDuration <= 0 {
		b.MaxDuration = DefaultMaxDuration
	}
	return nil
}
