package retry

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy defines the backoff strategy interface
type BackoffStrategy interface {
	// NextDelay calculates the delay before the given attempt, starting at 1
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff strategy
type ExponentialBackoff struct {
	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration
	jitter       JitterFunc
}

// NewExponentialBackoff creates an exponential backoff strategy
func NewExponentialBackoff(initialDelay time.Duration, opts ...BackoffOption) *ExponentialBackoff {
	b := &ExponentialBackoff{
		initialDelay: initialDelay,
		multiplier:   2.0,
		maxDelay:     30 * time.Second,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// NextDelay calculates the delay for the given attempt
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	delay := time.Duration(float64(b.initialDelay) * math.Pow(b.multiplier, float64(attempt-1)))
	// math.Pow overflows into a negative duration for large attempts
	if delay > b.maxDelay || delay < 0 {
		delay = b.maxDelay
	}

	if b.jitter != nil {
		delay = b.jitter(delay)
	}

	return delay
}

// JitterFunc jitter function type
type JitterFunc func(time.Duration) time.Duration

// EqualJitter equal jitter function - delay/2 + random(0, delay/2)
func EqualJitter(delay time.Duration) time.Duration {
	if delay <= 1 {
		return delay
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(delay-half)+1))
}

// BackoffOption configures an ExponentialBackoff
type BackoffOption func(*ExponentialBackoff)

// WithBackoffMaxDelay sets maximum delay time
func WithBackoffMaxDelay(maxDelay time.Duration) BackoffOption {
	return func(b *ExponentialBackoff) {
		b.maxDelay = maxDelay
	}
}

// WithBackoffJitter sets jitter function
func WithBackoffJitter(jitter JitterFunc) BackoffOption {
	return func(b *ExponentialBackoff) {
		b.jitter = jitter
	}
}

// Streak tracks consecutive failures of one restartable unit. It is not safe
// for concurrent use.
type Streak struct {
	strategy    BackoffStrategy
	stableAfter time.Duration
	failures    int
}

// NewStreak creates a streak; a run lasting at least stableAfter resets it
func NewStreak(strategy BackoffStrategy, stableAfter time.Duration) *Streak {
	return &Streak{
		strategy:    strategy,
		stableAfter: stableAfter,
	}
}

// Failure records a run that started at started and ended at ended and
// returns how long to wait before the next start. The first failure after a
// stable run restarts immediately.
func (s *Streak) Failure(started, ended time.Time) time.Duration {
	if ended.Sub(started) >= s.stableAfter {
		s.failures = 0
	}
	s.failures++
	if s.failures == 1 {
		return 0
	}
	return s.strategy.NextDelay(s.failures - 1)
}

// Failures returns the length of the current streak
func (s *Streak) Failures() int {
	return s.failures
}
