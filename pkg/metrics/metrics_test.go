package metrics

import (
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExporter_RecordMethods(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewPoolExporter(reg, Options{})
	require.NoError(t, err)

	exporter.RecordTaskDuration("worker", 250*time.Millisecond, false)
	exporter.RecordTaskDuration("worker", time.Second, true)
	exporter.RecordTaskRejected("worker", "queue_full")
	exporter.RecordTaskRejected("worker", "queue_full")
	exporter.RecordQueueDepth("worker", 7)
	exporter.RecordThreads("worker", 3, 1)

	assert.Equal(t, float64(2), testutil.ToFloat64(exporter.taskRejectedTotal.WithLabelValues("worker", "queue_full")))
	assert.Equal(t, float64(7), testutil.ToFloat64(exporter.queueDepth.WithLabelValues("worker")))
	assert.Equal(t, float64(3), testutil.ToFloat64(exporter.threads.WithLabelValues("worker", "active")))
	assert.Equal(t, float64(1), testutil.ToFloat64(exporter.threads.WithLabelValues("worker", "idle")))
	assert.Equal(t, 2, testutil.CollectAndCount(exporter.taskDurationSeconds))

	expected := `
# HELP fleet_pool_queue_depth Number of tasks waiting for a thread.
# TYPE fleet_pool_queue_depth gauge
fleet_pool_queue_depth{pool="worker"} 7
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "fleet_pool_queue_depth"))
}

func TestPoolExporter_EmptyLabels(t *testing.T) {
	exporter, err := NewPoolExporter(prom.NewRegistry(), Options{Namespace: "custom"})
	require.NoError(t, err)

	exporter.RecordTaskRejected("", "")
	assert.Equal(t, float64(1), testutil.ToFloat64(exporter.taskRejectedTotal.WithLabelValues("unknown", "unknown")))
}

func TestPoolExporter_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewPoolExporter(reg, Options{})
	require.NoError(t, err)
	second, err := NewPoolExporter(reg, Options{})
	require.NoError(t, err)

	first.RecordQueueDepth("worker", 1)
	second.RecordQueueDepth("worker", 5)
	assert.Equal(t, float64(5), testutil.ToFloat64(first.queueDepth.WithLabelValues("worker")))
}

func TestPoolExporter_NilSafe(t *testing.T) {
	var exporter *PoolExporter
	assert.NotPanics(t, func() {
		exporter.RecordTaskDuration("worker", time.Second, false)
		exporter.RecordTaskRejected("worker", "queue_full")
		exporter.RecordQueueDepth("worker", 1)
		exporter.RecordThreads("worker", 1, 1)
	})
}

func TestSupervisorExporter_RecordMethods(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewSupervisorExporter(reg, Options{})
	require.NoError(t, err)

	exporter.RecordSpawn(0)
	exporter.RecordSpawn(0)
	exporter.RecordSpawn(1)
	exporter.RecordExit(0, true)
	exporter.RecordWorkers("online", 4)
	exporter.RecordShutdown(false)
	exporter.RecordShutdown(true)

	assert.Equal(t, float64(2), testutil.ToFloat64(exporter.spawnsTotal.WithLabelValues("0")))
	assert.Equal(t, float64(1), testutil.ToFloat64(exporter.spawnsTotal.WithLabelValues("1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(exporter.exitsTotal.WithLabelValues("0", "true")))
	assert.Equal(t, float64(4), testutil.ToFloat64(exporter.workers.WithLabelValues("online")))
	assert.Equal(t, float64(1), testutil.ToFloat64(exporter.shutdownsTotal.WithLabelValues("clean")))
	assert.Equal(t, float64(1), testutil.ToFloat64(exporter.shutdownsTotal.WithLabelValues("timeout")))
}

func TestRegisterCollector_TypeMismatch(t *testing.T) {
	reg := prom.NewRegistry()
	gauge := prom.NewGaugeVec(prom.GaugeOpts{Namespace: DefaultNamespace, Subsystem: "pool", Name: "queue_depth", Help: "Number of tasks waiting for a thread."}, []string{"pool"})
	require.NoError(t, reg.Register(gauge))

	counter := prom.NewCounterVec(prom.CounterOpts{Namespace: DefaultNamespace, Subsystem: "pool", Name: "queue_depth", Help: "Number of tasks waiting for a thread."}, []string{"pool"})
	_, err := registerCollector(reg, counter)
	assert.Error(t, err)
}
