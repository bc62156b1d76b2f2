// Package metrics exports pool and supervisor activity as Prometheus collectors
package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/jzx17/gofleet/pkg/pool"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "fleet"

// Options controls collector configuration
type Options struct {
	Namespace       string
	DurationBuckets []float64
}

func (o Options) namespace() string {
	if o.Namespace == "" {
		return DefaultNamespace
	}
	return o.Namespace
}

// PoolExporter adapts pool.Metrics to Prometheus collectors
type PoolExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskRejectedTotal   *prom.CounterVec
	queueDepth          *prom.GaugeVec
	threads             *prom.GaugeVec
}

var _ pool.Metrics = (*PoolExporter)(nil)

// NewPoolExporter creates and registers the task pool collectors
func NewPoolExporter(reg prom.Registerer, opts Options) (*PoolExporter, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}
	namespace := opts.namespace()

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "task_duration_seconds",
		Help:      "Task execution duration in seconds.",
		Buckets:   buckets,
	}, []string{"pool", "outcome"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "task_rejected_total",
		Help:      "Total number of rejected task submissions.",
	}, []string{"pool", "reason"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "queue_depth",
		Help:      "Number of tasks waiting for a thread.",
	}, []string{"pool"})
	threadsVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "threads",
		Help:      "Number of pool threads by state.",
	}, []string{"pool", "state"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}
	if threadsVec, err = registerCollector(reg, threadsVec); err != nil {
		return nil, err
	}

	return &PoolExporter{
		taskDurationSeconds: durationVec,
		taskRejectedTotal:   rejectedVec,
		queueDepth:          queueDepthVec,
		threads:             threadsVec,
	}, nil
}

// RecordTaskDuration records task execution duration
func (m *PoolExporter) RecordTaskDuration(poolName string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(poolName, "unknown"), outcome).Observe(d.Seconds())
}

// RecordTaskRejected records refused submissions
func (m *PoolExporter) RecordTaskRejected(poolName string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(poolName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// RecordQueueDepth records queue depth
func (m *PoolExporter) RecordQueueDepth(poolName string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(poolName, "unknown")).Set(float64(depth))
}

// RecordThreads records active and idle thread counts
func (m *PoolExporter) RecordThreads(poolName string, active, idle int) {
	if m == nil {
		return
	}
	name := normalizeLabel(poolName, "unknown")
	m.threads.WithLabelValues(name, "active").Set(float64(active))
	m.threads.WithLabelValues(name, "idle").Set(float64(idle))
}

// SupervisorExporter records fleet lifecycle events
type SupervisorExporter struct {
	spawnsTotal    *prom.CounterVec
	exitsTotal     *prom.CounterVec
	workers        *prom.GaugeVec
	shutdownsTotal *prom.CounterVec
}

// NewSupervisorExporter creates and registers the supervisor collectors
func NewSupervisorExporter(reg prom.Registerer, opts Options) (*SupervisorExporter, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	namespace := opts.namespace()

	spawnsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "spawns_total",
		Help:      "Total number of worker processes started, by slot.",
	}, []string{"slot"})
	exitsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "exits_total",
		Help:      "Total number of worker exits, by slot and whether the exit was unexpected.",
	}, []string{"slot", "crashed"})
	workersVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "workers",
		Help:      "Number of worker processes by state.",
	}, []string{"state"})
	shutdownsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "shutdowns_total",
		Help:      "Fleet shutdowns by outcome.",
	}, []string{"outcome"})

	var err error
	if spawnsVec, err = registerCollector(reg, spawnsVec); err != nil {
		return nil, err
	}
	if exitsVec, err = registerCollector(reg, exitsVec); err != nil {
		return nil, err
	}
	if workersVec, err = registerCollector(reg, workersVec); err != nil {
		return nil, err
	}
	if shutdownsVec, err = registerCollector(reg, shutdownsVec); err != nil {
		return nil, err
	}

	return &SupervisorExporter{
		spawnsTotal:    spawnsVec,
		exitsTotal:     exitsVec,
		workers:        workersVec,
		shutdownsTotal: shutdownsVec,
	}, nil
}

// RecordSpawn records a worker start in slot
func (m *SupervisorExporter) RecordSpawn(slot int) {
	if m == nil {
		return
	}
	m.spawnsTotal.WithLabelValues(strconv.Itoa(slot)).Inc()
}

// RecordExit records a worker exit
func (m *SupervisorExporter) RecordExit(slot int, crashed bool) {
	if m == nil {
		return
	}
	m.exitsTotal.WithLabelValues(strconv.Itoa(slot), strconv.FormatBool(crashed)).Inc()
}

// RecordWorkers records the number of workers in state
func (m *SupervisorExporter) RecordWorkers(state string, count int) {
	if m == nil {
		return
	}
	m.workers.WithLabelValues(normalizeLabel(state, "unknown")).Set(float64(count))
}

// RecordShutdown records the outcome of a fleet shutdown
func (m *SupervisorExporter) RecordShutdown(timedOut bool) {
	if m == nil {
		return
	}
	outcome := "clean"
	if timedOut {
		outcome = "timeout"
	}
	m.shutdownsTotal.WithLabelValues(outcome).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
