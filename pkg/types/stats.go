package types

// PoolStats defines a point-in-time view of a task pool
type PoolStats struct {
	// Threads is the number of live execution goroutines
	Threads int

	// IdleThreads is the number of goroutines parked waiting for work
	IdleThreads int

	// ActiveThreads is the number of goroutines executing a task
	ActiveThreads int

	// QueuedTasks is the number of accepted tasks waiting for a goroutine
	QueuedTasks int

	// Limits
	MinThreads    int
	MaxThreads    int
	MaxQueueDepth int

	// Counters since Start
	Submitted int64
	Completed int64
	Failed    int64
	Rejected  int64
}

// Saturated reports whether a new submission would be rejected with ErrQueueFull
func (s PoolStats) Saturated() bool {
	return s.IdleThreads == 0 && s.Threads >= s.MaxThreads && s.QueuedTasks >= s.MaxQueueDepth
}

// Outstanding returns the number of accepted tasks that have not completed
func (s PoolStats) Outstanding() int {
	return s.ActiveThreads + s.QueuedTasks
}
