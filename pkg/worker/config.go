package worker

import (
	"fmt"
	"time"

	"github.com/jzx17/gofleet/pkg/pool"
)

// Defaults for a worker process
const (
	DefaultAddr            = ":3000"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxN            = 100000
)

// Config contains configuration for a worker process
type Config struct {
	// Addr is the TCP address every worker of the fleet binds
	Addr string

	// ReusePort sets SO_REUSEPORT so sibling workers share Addr
	ReusePort bool

	// Pool configures the worker's task pool
	Pool *pool.Config

	// ShutdownTimeout bounds the drain before termination is forced
	ShutdownTimeout time.Duration

	// MaxN is the largest Fibonacci index accepted; zero accepts any
	MaxN int
}

// DefaultConfig returns the standard worker configuration
func DefaultConfig() *Config {
	poolConfig := pool.DefaultConfig()
	poolConfig.Name = "fibonacci"
	return &Config{
		Addr:            DefaultAddr,
		ReusePort:       true,
		Pool:            poolConfig,
		ShutdownTimeout: DefaultShutdownTimeout,
		MaxN:            DefaultMaxN,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("worker address cannot be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown timeout must be positive, got %v", c.ShutdownTimeout)
	}
	if c.MaxN < 0 {
		return fmt.Errorf("worker max n must not be negative, got %d", c.MaxN)
	}
	if c.Pool == nil {
		return fmt.Errorf("worker pool config cannot be nil")
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}
