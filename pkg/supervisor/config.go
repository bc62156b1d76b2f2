package supervisor

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/coder/quartz"

	"github.com/jzx17/gofleet/pkg/retry"
)

// Defaults for the supervisor
const (
	DefaultShutdownTimeout = 15 * time.Second
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultStableAfter     = 10 * time.Second
	DefaultBackoffInitial  = 100 * time.Millisecond
	DefaultBackoffMax      = 5 * time.Second
)

// Config contains configuration for the supervisor
type Config struct {
	// Workers is the fleet size
	Workers int

	// ShutdownTimeout bounds the fleet drain before remaining workers are killed
	ShutdownTimeout time.Duration

	// PollInterval is how often the drain reports progress
	PollInterval time.Duration

	// StableAfter is how long a worker must live for its exit to reset the
	// crash-loop backoff of its slot
	StableAfter time.Duration

	// BackoffInitial and BackoffMax bound the crash-loop respawn delay
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// BackoffJitter spreads crash-loop delays so slots that failed together
	// do not respawn in lockstep (optional)
	BackoffJitter retry.JitterFunc

	// Clock for time operations (optional, defaults to real clock)
	Clock quartz.Clock

	// Logger receives fleet events (optional)
	Logger *slog.Logger

	// Metrics receives fleet observations (optional)
	Metrics Metrics
}

// DefaultConfig returns one worker per CPU
func DefaultConfig() *Config {
	return &Config{
		Workers:         runtime.NumCPU(),
		ShutdownTimeout: DefaultShutdownTimeout,
		PollInterval:    DefaultPollInterval,
		StableAfter:     DefaultStableAfter,
		BackoffInitial:  DefaultBackoffInitial,
		BackoffMax:      DefaultBackoffMax,
		BackoffJitter:   retry.EqualJitter,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %v", c.ShutdownTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	if c.StableAfter < 0 {
		return fmt.Errorf("stable-after must not be negative, got %v", c.StableAfter)
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("invalid respawn backoff %v..%v", c.BackoffInitial, c.BackoffMax)
	}
	return nil
}

// Metrics observes fleet activity
type Metrics interface {
	// RecordSpawn records a process started into slot
	RecordSpawn(slot int)

	// RecordExit records a process exit; crashed is false for drained exits
	RecordExit(slot int, crashed bool)

	// RecordWorkers records the number of processes in state
	RecordWorkers(state string, count int)

	// RecordShutdown records whether the fleet drain hit its timeout
	RecordShutdown(timedOut bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordSpawn(int)           {}
func (noopMetrics) RecordExit(int, bool)      {}
func (noopMetrics) RecordWorkers(string, int) {}
func (noopMetrics) RecordShutdown(bool)       {}
