// Package shutdown implements the per-process drain sequence shared by the
// supervisor and its workers: Running, then Draining once triggered, then
// Terminated when every registered step has finished or the watchdog fired.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"github.com/jzx17/gofleet/internal/logging"
	"github.com/jzx17/gofleet/pkg/types"
)

// Phase is the shutdown state of a process
type Phase int32

const (
	// Running accepts work
	Running Phase = iota
	// Draining rejects new work while steps finish what is in flight
	Draining
	// Terminated is final
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Step is one stage of the drain sequence. Its context is cancelled when
// the watchdog fires.
type Step func(ctx context.Context) error

type namedStep struct {
	name string
	fn   Step
}

// Coordinator runs registered steps once, in registration order, bounded by a
// watchdog
type Coordinator struct {
	watchdog time.Duration
	clock    quartz.Clock
	logger   *slog.Logger

	phase atomic.Int32

	mu     sync.Mutex
	steps  []namedStep
	reason string
	err    error

	done chan struct{}
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock sets the clock driving the watchdog
func WithClock(clock quartz.Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logging.OrDiscard(logger)
	}
}

// NewCoordinator creates a coordinator whose drain may take at most watchdog
func NewCoordinator(watchdog time.Duration, opts ...Option) (*Coordinator, error) {
	if watchdog <= 0 {
		return nil, fmt.Errorf("shutdown watchdog must be positive, got %v", watchdog)
	}
	c := &Coordinator{
		watchdog: watchdog,
		clock:    quartz.NewReal(),
		logger:   logging.Discard(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Register appends a step. Steps registered after Trigger are ignored.
func (c *Coordinator) Register(name string, step Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if Phase(c.phase.Load()) != Running {
		c.logger.Warn("[Shutdown] step registered after trigger", slog.String("step", name))
		return
	}
	c.steps = append(c.steps, namedStep{name: name, fn: step})
}

// Trigger starts the drain. Only the first call has an effect and returns
// true; later calls, from any entry point, return false.
func (c *Coordinator) Trigger(reason string) bool {
	c.mu.Lock()
	if !c.phase.CompareAndSwap(int32(Running), int32(Draining)) {
		c.mu.Unlock()
		return false
	}
	c.reason = reason
	steps := c.steps
	c.mu.Unlock()

	c.logger.Info("[Shutdown] draining",
		slog.String("reason", reason),
		slog.Duration("watchdog", c.watchdog),
		slog.Int("steps", len(steps)))

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	watchdog := c.clock.NewTimer(c.watchdog, "shutdown", "watchdog")

	go func() {
		finished <- c.runSteps(ctx, steps)
	}()

	go func() {
		defer cancel()
		select {
		case err := <-finished:
			watchdog.Stop()
			c.finish(err)
		case <-watchdog.C:
			cancel()
			c.logger.Error("[Shutdown] watchdog expired, forcing termination",
				slog.Duration("watchdog", c.watchdog))
			c.finish(types.ErrShutdownTimeout)
		}
	}()
	return true
}

func (c *Coordinator) runSteps(ctx context.Context, steps []namedStep) error {
	var errs []error
	for _, s := range steps {
		start := c.clock.Now()
		if err := s.fn(ctx); err != nil {
			c.logger.Warn("[Shutdown] step failed",
				slog.String("step", s.name),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		c.logger.Debug("[Shutdown] step finished",
			slog.String("step", s.name),
			slog.Duration("elapsed", c.clock.Since(start)))
	}
	return errors.Join(errs...)
}

func (c *Coordinator) finish(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.phase.Store(int32(Terminated))
	close(c.done)

	if err == nil {
		c.logger.Info("[Shutdown] terminated")
	}
}

// Phase returns the current phase
func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

// Reason returns the reason given to the first Trigger
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done is closed once the phase is Terminated
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns nil after a clean drain, types.ErrShutdownTimeout if the
// watchdog fired, or the joined step errors. It is nil before Done closes.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the phase is Terminated or ctx is done
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
