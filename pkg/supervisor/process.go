package supervisor

import (
	"context"
	"fmt"
	"time"
)

// State is the lifecycle state of a worker process
type State int

const (
	// StateStarting is a spawned process that has not reported online yet
	StateStarting State = iota
	// StateOnline is a process accepting requests
	StateOnline
	// StateDraining is a process that was asked to shut down
	StateDraining
	// StateExited is a reaped process
	StateExited
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateOnline:
		return "online"
	case StateDraining:
		return "draining"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ExitStatus describes how a worker process ended
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was killed by a signal
	Code int

	// Signal names the terminating signal, if any
	Signal string

	// Err is set when the process could not be waited on
	Err error
}

// String returns a short description of the exit
func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("wait failed: %v", s.Err)
	case s.Signal != "":
		return fmt.Sprintf("signal %s", s.Signal)
	default:
		return fmt.Sprintf("code %d", s.Code)
	}
}

// Clean reports a zero exit code without a signal
func (s ExitStatus) Clean() bool {
	return s.Err == nil && s.Signal == "" && s.Code == 0
}

// Process is a handle to one running worker process
type Process interface {
	// PID returns the operating system process id
	PID() int

	// Online is closed once the worker reports that it accepts requests
	Online() <-chan struct{}

	// Exited is closed once the process has been reaped
	Exited() <-chan struct{}

	// ExitStatus is valid after Exited is closed
	ExitStatus() ExitStatus

	// RequestShutdown asks the worker to drain and exit
	RequestShutdown() error

	// Kill terminates the process immediately
	Kill() error
}

// Spawner starts worker processes
type Spawner interface {
	// Spawn starts a worker for slot
	Spawn(ctx context.Context, slot int) (Process, error)
}

// SpawnerFunc adapts a function to Spawner
type SpawnerFunc func(ctx context.Context, slot int) (Process, error)

// Spawn calls f
func (f SpawnerFunc) Spawn(ctx context.Context, slot int) (Process, error) {
	return f(ctx, slot)
}

// WorkerRecord is the supervisor's view of one worker process
type WorkerRecord struct {
	// Slot is the fleet position the process fills; replacements reuse it
	Slot int

	PID       int
	State     State
	StartedAt time.Time

	// Restarts counts replacements spawned into Slot so far
	Restarts int

	// LastExit is the exit of the previous process in Slot, if any
	LastExit *ExitStatus
}
