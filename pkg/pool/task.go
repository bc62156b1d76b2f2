package pool

import (
	"context"
	"sync"
	"time"
)

// Func is the function a pool goroutine runs for each task. The context is
// cancelled only by a forced Terminate.
type Func[T, R any] func(ctx context.Context, input T) (R, error)

// Task is a unit of work accepted by a pool
type Task[T any] struct {
	// ID is the correlation id assigned on submission
	ID string

	// Input is handed to the task function unchanged
	Input T

	// SubmittedAt is the clock time of submission
	SubmittedAt time.Time
}

// job pairs a task with the future that receives its outcome
type job[T, R any] struct {
	task   Task[T]
	parent context.Context
	future *Future[R]
}

// Future is the pending outcome of a submitted task
type Future[R any] struct {
	taskID string
	done   chan struct{}
	once   sync.Once
	value  R
	err    error
}

func newFuture[R any](taskID string) *Future[R] {
	return &Future[R]{
		taskID: taskID,
		done:   make(chan struct{}),
	}
}

// resolve delivers the outcome; only the first call has an effect
func (f *Future[R]) resolve(value R, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// TaskID returns the correlation id of the task
func (f *Future[R]) TaskID() string {
	return f.taskID
}

// Done is closed when the outcome is available
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the outcome is available or ctx is done. Giving up on
// the wait does not cancel the task.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
