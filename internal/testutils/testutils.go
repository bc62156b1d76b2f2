// Package testutils provides simplified testing utilities and helper functions
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// DefaultTimeout bounds every blocking helper
const DefaultTimeout = 5 * time.Second

// Context returns a context cancelled when the test ends or after timeout
func Context(t testing.TB, timeout time.Duration) context.Context {
	t.Helper()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// RequireClosed fails the test unless ch is closed within timeout
func RequireClosed[T any](t testing.TB, ch <-chan T, timeout time.Duration, msgAndArgs ...interface{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.FailNow(t, "channel was not closed in time", msgAndArgs...)
	}
}

// RequireReceive waits for a value on ch
func RequireReceive[T any](t testing.TB, ch <-chan T, timeout time.Duration, msgAndArgs ...interface{}) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		require.FailNow(t, "no value received in time", msgAndArgs...)
	}
	var zero T
	return zero
}

// RequireNotClosed fails the test if ch closes within wait
func RequireNotClosed[T any](t testing.TB, ch <-chan T, wait time.Duration, msgAndArgs ...interface{}) {
	t.Helper()
	select {
	case <-ch:
		require.FailNow(t, "channel closed unexpectedly", msgAndArgs...)
	case <-time.After(wait):
	}
}
