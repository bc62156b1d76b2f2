// Package types defines error types
package types

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrInvalidInput indicates a client supplied an argument that cannot be processed
	ErrInvalidInput = errors.New("invalid input")

	// ErrQueueFull indicates the pool has no idle thread, no thread headroom and a full queue
	ErrQueueFull = errors.New("task queue is full")

	// ErrPoolTerminated indicates the pool is terminating or terminated
	ErrPoolTerminated = errors.New("task pool is terminated")

	// ErrPoolNotStarted indicates Submit was called before Start
	ErrPoolNotStarted = errors.New("task pool is not started")

	// ErrExecutionFailure indicates the task function returned an error or panicked
	ErrExecutionFailure = errors.New("task execution failed")

	// ErrShutdownTimeout indicates a graceful drain exceeded its watchdog
	ErrShutdownTimeout = errors.New("graceful shutdown timed out")

	// ErrWorkerCrash indicates a worker process exited outside an orchestrated shutdown
	ErrWorkerCrash = errors.New("worker process crashed")
)

// TaskError represents a failure raised while executing a task
type TaskError struct {
	// Operation is the name of the operation where the error occurred
	Operation string

	// TaskID is the correlation id of the failed task
	TaskID string

	// Cause is the underlying error
	Cause error

	// Context contains error context information
	Context map[string]interface{}
}

// Error implements the error interface
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed in %s: %v", e.TaskID, e.Operation, e.Cause)
}

// Unwrap returns the underlying error
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// Is reports ErrExecutionFailure for every TaskError, and otherwise defers to the cause
func (e *TaskError) Is(target error) bool {
	if target == ErrExecutionFailure {
		return true
	}
	return errors.Is(e.Cause, target)
}

// NewTaskError creates a new task error
func NewTaskError(operation, taskID string, cause error) *TaskError {
	return &TaskError{
		Operation: operation,
		TaskID:    taskID,
		Cause:     cause,
		Context:   make(map[string]interface{}),
	}
}

// WithContext adds error context
func (e *TaskError) WithContext(key string, value interface{}) *TaskError {
	e.Context[key] = value
	return e
}

// CrashError describes an unexpected worker process exit
type CrashError struct {
	PID    int
	Slot   int
	Code   int
	Signal string
}

// Error implements the error interface
func (e *CrashError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("worker %d (slot %d) killed by signal %s", e.PID, e.Slot, e.Signal)
	}
	return fmt.Sprintf("worker %d (slot %d) exited with code %d", e.PID, e.Slot, e.Code)
}

// Is matches ErrWorkerCrash
func (e *CrashError) Is(target error) bool {
	return target == ErrWorkerCrash
}
