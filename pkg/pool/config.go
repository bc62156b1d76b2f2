package pool

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/coder/quartz"
)

// Default limits for worker task pools
const (
	DefaultMaxQueueDepth = 1000
	DefaultIdleTimeout   = 30 * time.Second
)

// Config contains configuration for a task pool
type Config struct {
	// Name labels the pool in logs and metrics
	Name string

	// MinThreads is the number of goroutines kept alive while idle
	MinThreads int

	// MaxThreads is the upper bound of concurrently executing goroutines
	MaxThreads int

	// MaxQueueDepth is the number of tasks that may wait for a goroutine
	MaxQueueDepth int

	// IdleTimeout is how long a goroutine beyond MinThreads may stay idle
	IdleTimeout time.Duration

	// Clock for time operations (optional, defaults to real clock)
	Clock quartz.Clock

	// Logger receives lifecycle and failure records (optional)
	Logger *slog.Logger

	// Metrics receives task and capacity observations (optional)
	Metrics Metrics
}

// DefaultConfig returns the configuration used by worker processes
func DefaultConfig() *Config {
	cpus := runtime.NumCPU()
	return &Config{
		Name:          "default",
		MinThreads:    cpus,
		MaxThreads:    cpus * 2,
		MaxQueueDepth: DefaultMaxQueueDepth,
		IdleTimeout:   DefaultIdleTimeout,
	}
}

// Validate checks the limits
func (c *Config) Validate() error {
	if c.MinThreads <= 0 {
		return fmt.Errorf("min threads must be positive, got %d", c.MinThreads)
	}
	if c.MaxThreads < c.MinThreads {
		return fmt.Errorf("max threads (%d) must be >= min threads (%d)",
			c.MaxThreads, c.MinThreads)
	}
	if c.MaxQueueDepth < 0 {
		return fmt.Errorf("max queue depth must not be negative, got %d", c.MaxQueueDepth)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %v", c.IdleTimeout)
	}
	return nil
}
