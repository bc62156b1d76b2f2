package pool

import "time"

// Rejection reasons reported to Metrics
const (
	ReasonQueueFull  = "queue_full"
	ReasonTerminated = "terminated"
)

// Metrics observes pool activity
type Metrics interface {
	// RecordTaskDuration records how long a task function ran
	RecordTaskDuration(pool string, d time.Duration, failed bool)

	// RecordTaskRejected records a refused submission
	RecordTaskRejected(pool string, reason string)

	// RecordQueueDepth records the number of waiting tasks
	RecordQueueDepth(pool string, depth int)

	// RecordThreads records goroutine counts
	RecordThreads(pool string, active, idle int)
}

type noopMetrics struct{}

func (noopMetrics) RecordTaskDuration(string, time.Duration, bool) {}
func (noopMetrics) RecordTaskRejected(string, string)              {}
func (noopMetrics) RecordQueueDepth(string, int)                   {}
func (noopMetrics) RecordThreads(string, int, int)                 {}
