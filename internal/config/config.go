package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as "30s" or "10m" in TOML
type Duration time.Duration

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration as a Go duration string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard library duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all application configuration
type Config struct {
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Session       SessionConfig       `toml:"session"`
	Lease         LeaseConfig         `toml:"lease"`
	Devices       []DeviceConfig      `toml:"device"`
	Store         StoreConfig         `toml:"store"`
	Web           WebConfig           `toml:"web"`
	Notifications NotificationsConfig `toml:"notifications"`
	Batches       []BatchConfig       `toml:"batch"`
}

// SchedulerConfig holds pass scheduling settings
type SchedulerConfig struct {
	Parallel           int      `toml:"parallel"`
	TestLoops          int      `toml:"test_loops"`
	StopOnError        bool     `toml:"stop_on_error"`
	NoTimeout          bool     `toml:"no_timeout"`
	Wait               Duration `toml:"wait"`
	ReadyCheckPeriod   Duration `toml:"ready_check_period"`
	TickInterval       Duration `toml:"tick_interval"`
	InterPassDelay     Duration `toml:"inter_pass_delay"`
	CancelGracePeriod  Duration `toml:"cancel_grace_period"`
	ElapsedLogInterval Duration `toml:"elapsed_log_interval"`
}

// SessionConfig holds device reservation and artifact settings
type SessionConfig struct {
	ReserveRetries     int      `toml:"reserve_retries"`
	ReserveRetryWait   Duration `toml:"reserve_retry_wait"`
	Reboot             bool     `toml:"reboot"`
	ShutdownFlushDelay Duration `toml:"shutdown_flush_delay"`
	ArtifactDir        string   `toml:"artifact_dir"`
	SandboxDir         string   `toml:"sandbox_dir"`
}

// LeaseConfig holds reservation service settings. An empty BaseURI
// disables leasing and the run uses the local [[device]] entries.
type LeaseConfig struct {
	BaseURI        string   `toml:"base_uri"`
	DeviceTypes    []string `toml:"device_types"`
	Hostname       string   `toml:"hostname"`
	Duration       Duration `toml:"duration"`
	RenewInterval  Duration `toml:"renew_interval"`
	MaxRetries     int      `toml:"max_retries"`
	RetryWait      Duration `toml:"retry_wait"`
	RenewRetries   int      `toml:"renew_retries"`
	RenewRetryWait Duration `toml:"renew_retry_wait"`
}

// DeviceConfig declares a host-process device for local runs
type DeviceConfig struct {
	Name     string `toml:"name"`
	Platform string `toml:"platform"`
	Pool     string `toml:"pool"`
}

// StoreConfig holds result persistence settings
type StoreConfig struct {
	DatabasePath string `toml:"database_path"`
}

// WebConfig holds status server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// BatchConfig is a recurring run of a plan
type BatchConfig struct {
	Name        string   `toml:"name"`
	Cron        string   `toml:"cron"`
	Plan        string   `toml:"plan"`
	MaxDuration Duration `toml:"max_duration"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	hostname, _ := os.Hostname()
	base := filepath.Join(home, ".device-test-orchestrator")
	return &Config{
		Scheduler: SchedulerConfig{
			Parallel:           1,
			TestLoops:          1,
			Wait:               Duration(30 * time.Minute),
			ReadyCheckPeriod:   Duration(30 * time.Second),
			TickInterval:       Duration(500 * time.Millisecond),
			InterPassDelay:     Duration(10 * time.Second),
			CancelGracePeriod:  Duration(30 * time.Second),
			ElapsedLogInterval: Duration(time.Minute),
		},
		Session: SessionConfig{
			ReserveRetries:     5,
			ReserveRetryWait:   Duration(120 * time.Second),
			ShutdownFlushDelay: Duration(3 * time.Second),
			ArtifactDir:        filepath.Join(base, "artifacts"),
			SandboxDir:         filepath.Join(base, "sandbox"),
		},
		Lease: LeaseConfig{
			Hostname:       hostname,
			Duration:       Duration(10 * time.Minute),
			RenewInterval:  Duration(5 * time.Minute),
			MaxRetries:     5,
			RetryWait:      Duration(time.Minute),
			RenewRetries:   3,
			RenewRetryWait: Duration(time.Minute),
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(base, "results.db"),
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.Session.ArtifactDir = ExpandPath(cfg.Session.ArtifactDir)
	cfg.Session.SandboxDir = ExpandPath(cfg.Session.SandboxDir)
	cfg.Store.DatabasePath = ExpandPath(cfg.Store.DatabasePath)
	for i := range cfg.Batches {
		cfg.Batches[i].Plan = ExpandPath(cfg.Batches[i].Plan)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make a run impossible
func (c *Config) Validate() error {
	if c.Scheduler.Parallel < 1 {
		return fmt.Errorf("scheduler.parallel must be at least 1")
	}
	if c.Scheduler.TestLoops < 1 {
		return fmt.Errorf("scheduler.test_loops must be at least 1")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Lease.BaseURI != "" {
		if len(c.Lease.DeviceTypes) == 0 {
			return fmt.Errorf("lease.device_types is required when lease.base_uri is set")
		}
		if c.Lease.RenewInterval >= c.Lease.Duration {
			return fmt.Errorf("lease.renew_interval (%s) must be shorter than lease.duration (%s)",
				c.Lease.RenewInterval.Std(), c.Lease.Duration.Std())
		}
	}
	for i, d := range c.Devices {
		if d.Name == "" || d.Platform == "" {
			return fmt.Errorf("device %d: name and platform are required", i)
		}
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "device-test-orchestrator", "config.toml")
}
