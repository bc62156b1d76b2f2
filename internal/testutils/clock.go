package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
)

// NewMockClock creates a mock clock for testing
func NewMockClock(t testing.TB) *quartz.Mock {
	return quartz.NewMock(t)
}

// Advance moves the mock clock forward by d and waits until every timer,
// ticker and tick function due within d has fired
func Advance(t testing.TB, clock *quartz.Mock, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock.Advance(d).MustWait(ctx)
}

// AdvanceThrough moves the mock clock forward by total in steps that never
// skip a pending timer or ticker event
func AdvanceThrough(t testing.TB, clock *quartz.Mock, total time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for total > 0 {
		step := total
		if next, ok := clock.Peek(); ok && next < step {
			step = next
		}
		clock.Advance(step).MustWait(ctx)
		total -= step
	}
}
