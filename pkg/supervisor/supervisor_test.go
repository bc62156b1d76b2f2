package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/gofleet/internal/testutils"
	"github.com/jzx17/gofleet/pkg/types"
)

type fakeProcess struct {
	pid  int
	slot int
	hang bool

	online     chan struct{}
	onlineOnce sync.Once
	exited     chan struct{}
	exitOnce   sync.Once
	status     ExitStatus

	shutdowns atomic.Int32
	killed    atomic.Bool
}

func (p *fakeProcess) PID() int                { return p.pid }
func (p *fakeProcess) Online() <-chan struct{} { return p.online }
func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }
func (p *fakeProcess) ExitStatus() ExitStatus  { return p.status }

func (p *fakeProcess) RequestShutdown() error {
	p.shutdowns.Add(1)
	if !p.hang {
		go p.exit(ExitStatus{Code: 0})
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(ExitStatus{Code: -1, Signal: "SIGKILL"})
	return nil
}

func (p *fakeProcess) goOnline() {
	p.onlineOnce.Do(func() {
		close(p.online)
	})
}

func (p *fakeProcess) exit(status ExitStatus) {
	p.exitOnce.Do(func() {
		p.status = status
		close(p.exited)
	})
}

type fakeSpawner struct {
	autoOnline bool
	hang       bool

	mu       sync.Mutex
	nextPID  int
	failures int
	procs    []*fakeProcess
	spawned  chan *fakeProcess
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		autoOnline: true,
		nextPID:    1000,
		spawned:    make(chan *fakeProcess, 100),
	}
}

func (s *fakeSpawner) Spawn(ctx context.Context, slot int) (Process, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("fork failed")
	}
	s.nextPID++
	p := &fakeProcess{
		pid:    s.nextPID,
		slot:   slot,
		hang:   s.hang,
		online: make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	if s.autoOnline {
		p.goOnline()
	}
	s.spawned <- p
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) all() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

func testConfig(workers int) *Config {
	config := DefaultConfig()
	config.Workers = workers
	config.ShutdownTimeout = 2 * time.Second
	config.PollInterval = 10 * time.Millisecond
	config.BackoffJitter = nil
	return config
}

// runSupervisor starts sup and returns a cancel func and the channel receiving Run's result
func runSupervisor(t *testing.T, sup *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result <- sup.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
	return cancel, result
}

func waitOnline(t *testing.T, sup *Supervisor, n int) []WorkerRecord {
	t.Helper()
	var records []WorkerRecord
	require.Eventually(t, func() bool {
		records = sup.Snapshot()
		if len(records) != n {
			return false
		}
		for _, r := range records {
			if r.State != StateOnline {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return records
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		spawner     Spawner
		mutate      func(*Config)
		expectError bool
	}{
		{"valid", newFakeSpawner(), func(*Config) {}, false},
		{"nil spawner", nil, func(*Config) {}, true},
		{"zero workers", newFakeSpawner(), func(c *Config) { c.Workers = 0 }, true},
		{"zero shutdown timeout", newFakeSpawner(), func(c *Config) { c.ShutdownTimeout = 0 }, true},
		{"zero poll interval", newFakeSpawner(), func(c *Config) { c.PollInterval = 0 }, true},
		{"negative stable-after", newFakeSpawner(), func(c *Config) { c.StableAfter = -time.Second }, true},
		{"inverted backoff", newFakeSpawner(), func(c *Config) { c.BackoffMax = c.BackoffInitial / 2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig(2)
			tt.mutate(config)
			sup, err := New(tt.spawner, config)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, sup)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, sup)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, 15*time.Second, config.ShutdownTimeout)
	assert.Equal(t, 500*time.Millisecond, config.PollInterval)
	assert.NotNil(t, config.BackoffJitter)
}

func TestSupervisor_StartsFleetAndDrains(t *testing.T) {
	spawner := newFakeSpawner()
	sup, err := New(spawner, testConfig(3))
	require.NoError(t, err)

	cancel, result := runSupervisor(t, sup)
	records := waitOnline(t, sup, 3)
	for i, r := range records {
		assert.Equal(t, i, r.Slot)
		assert.Equal(t, 0, r.Restarts)
		assert.Nil(t, r.LastExit)
	}

	cancel()
	require.NoError(t, testutils.RequireReceive(t, result, 3*time.Second))
	assert.True(t, sup.Draining())
	assert.Empty(t, sup.Snapshot())
	for _, p := range spawner.all() {
		assert.Equal(t, int32(1), p.shutdowns.Load())
		assert.False(t, p.killed.Load())
	}
	assert.Equal(t, 3, spawner.count(), "no respawn for drained workers")
}

func TestSupervisor_RunTwice(t *testing.T) {
	sup, err := New(newFakeSpawner(), testConfig(1))
	require.NoError(t, err)

	_, _ = runSupervisor(t, sup)
	waitOnline(t, sup, 1)
	assert.Error(t, sup.Run(context.Background()))
}

func TestSupervisor_StartingUntilOnline(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.autoOnline = false
	sup, err := New(spawner, testConfig(1))
	require.NoError(t, err)

	_, _ = runSupervisor(t, sup)
	p := testutils.RequireReceive(t, spawner.spawned, time.Second)

	require.Eventually(t, func() bool { return len(sup.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStarting, sup.Snapshot()[0].State)

	p.goOnline()
	waitOnline(t, sup, 1)
}

func TestSupervisor_RespawnOnCrash(t *testing.T) {
	tests := []struct {
		name   string
		status ExitStatus
	}{
		{"exit code", ExitStatus{Code: 1}},
		{"signal", ExitStatus{Code: -1, Signal: "SIGSEGV"}},
		{"clean exit", ExitStatus{Code: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spawner := newFakeSpawner()
			sup, err := New(spawner, testConfig(2))
			require.NoError(t, err)

			_, _ = runSupervisor(t, sup)
			before := waitOnline(t, sup, 2)
			testutils.RequireReceive(t, spawner.spawned, time.Second)
			victim := testutils.RequireReceive(t, spawner.spawned, time.Second)
			require.Equal(t, 1, victim.slot)

			victim.exit(tt.status)

			replacement := testutils.RequireReceive(t, spawner.spawned, time.Second)
			assert.Equal(t, 1, replacement.slot)
			assert.NotEqual(t, victim.pid, replacement.pid)

			after := waitOnline(t, sup, 2)
			assert.Equal(t, before[0], after[0], "other slots are untouched")
			assert.Equal(t, replacement.pid, after[1].PID)
			assert.Equal(t, 1, after[1].Restarts)
			require.NotNil(t, after[1].LastExit)
			assert.Equal(t, tt.status, *after[1].LastExit)

			testutils.RequireNotClosed(t, spawner.spawned, 50*time.Millisecond, "exactly one replacement")
			assert.Equal(t, 3, spawner.count())
		})
	}
}

func TestSupervisor_CrashLoopBackoff(t *testing.T) {
	mClock := testutils.NewMockClock(t)
	spawner := newFakeSpawner()
	config := testConfig(1)
	config.Clock = mClock
	config.StableAfter = 10 * time.Second
	config.BackoffInitial = 100 * time.Millisecond
	config.BackoffMax = time.Second
	sup, err := New(spawner, config)
	require.NoError(t, err)

	_, _ = runSupervisor(t, sup)
	first := testutils.RequireReceive(t, spawner.spawned, time.Second)

	timerPending := func() bool {
		_, ok := mClock.Peek()
		return ok
	}

	// first crash respawns immediately
	first.exit(ExitStatus{Code: 1})
	second := testutils.RequireReceive(t, spawner.spawned, time.Second)

	// a quick second crash waits BackoffInitial
	second.exit(ExitStatus{Code: 1})
	require.Eventually(t, timerPending, time.Second, 5*time.Millisecond)
	testutils.RequireNotClosed(t, spawner.spawned, 20*time.Millisecond)
	testutils.Advance(t, mClock, 100*time.Millisecond)
	third := testutils.RequireReceive(t, spawner.spawned, time.Second)

	// and the next one twice as long
	third.exit(ExitStatus{Code: 1})
	require.Eventually(t, timerPending, time.Second, 5*time.Millisecond)
	testutils.Advance(t, mClock, 100*time.Millisecond)
	testutils.RequireNotClosed(t, spawner.spawned, 20*time.Millisecond)
	testutils.Advance(t, mClock, 100*time.Millisecond)
	fourth := testutils.RequireReceive(t, spawner.spawned, time.Second)

	// a worker that stayed up past StableAfter resets the streak
	waitOnline(t, sup, 1)
	testutils.Advance(t, mClock, 10*time.Second)
	fourth.exit(ExitStatus{Code: 1})
	fifth := testutils.RequireReceive(t, spawner.spawned, time.Second)
	assert.Equal(t, 0, fifth.slot)

	records := waitOnline(t, sup, 1)
	assert.Equal(t, 4, records[0].Restarts)
}

func TestSupervisor_CrashLoopJitter(t *testing.T) {
	mClock := testutils.NewMockClock(t)
	spawner := newFakeSpawner()
	config := testConfig(1)
	config.Clock = mClock
	config.BackoffInitial = 100 * time.Millisecond
	config.BackoffJitter = func(d time.Duration) time.Duration { return d / 2 }
	sup, err := New(spawner, config)
	require.NoError(t, err)

	_, _ = runSupervisor(t, sup)
	first := testutils.RequireReceive(t, spawner.spawned, time.Second)
	first.exit(ExitStatus{Code: 1})
	second := testutils.RequireReceive(t, spawner.spawned, time.Second)

	second.exit(ExitStatus{Code: 1})
	require.Eventually(t, func() bool {
		_, ok := mClock.Peek()
		return ok
	}, time.Second, 5*time.Millisecond)
	next, _ := mClock.Peek()
	assert.Equal(t, 50*time.Millisecond, next)

	testutils.Advance(t, mClock, 50*time.Millisecond)
	testutils.RequireReceive(t, spawner.spawned, time.Second)
}

func TestSupervisor_SpawnFailureRetried(t *testing.T) {
	mClock := testutils.NewMockClock(t)
	spawner := newFakeSpawner()
	spawner.failures = 1
	config := testConfig(1)
	config.Clock = mClock
	sup, err := New(spawner, config)
	require.NoError(t, err)

	_, _ = runSupervisor(t, sup)
	require.Eventually(t, func() bool {
		_, ok := mClock.Peek()
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, sup.Snapshot())

	testutils.Advance(t, mClock, config.BackoffInitial)
	testutils.RequireReceive(t, spawner.spawned, time.Second)
	waitOnline(t, sup, 1)
}

func TestSupervisor_NoRespawnWhileDraining(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.hang = true
	sup, err := New(spawner, testConfig(2))
	require.NoError(t, err)

	cancel, result := runSupervisor(t, sup)
	waitOnline(t, sup, 2)
	procs := spawner.all()

	cancel()
	require.Eventually(t, sup.Draining, time.Second, 5*time.Millisecond)
	for _, r := range sup.Snapshot() {
		assert.Equal(t, StateDraining, r.State)
	}

	procs[0].exit(ExitStatus{Code: 1})
	require.Eventually(t, func() bool { return len(sup.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, spawner.count(), "a crash during the drain is not replaced")

	procs[1].exit(ExitStatus{Code: 0})
	require.NoError(t, testutils.RequireReceive(t, result, 2*time.Second))
	assert.Equal(t, 2, spawner.count())
}

func TestSupervisor_PendingRespawnDiscarded(t *testing.T) {
	mClock := testutils.NewMockClock(t)
	spawner := newFakeSpawner()
	config := testConfig(1)
	config.Clock = mClock
	sup, err := New(spawner, config)
	require.NoError(t, err)

	cancel, result := runSupervisor(t, sup)
	first := testutils.RequireReceive(t, spawner.spawned, time.Second)
	first.exit(ExitStatus{Code: 1})
	second := testutils.RequireReceive(t, spawner.spawned, time.Second)
	second.exit(ExitStatus{Code: 1})
	require.Eventually(t, func() bool {
		_, ok := mClock.Peek()
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, testutils.RequireReceive(t, result, 2*time.Second))
	assert.Equal(t, 2, spawner.count())
}

func TestSupervisor_ShutdownTimeout(t *testing.T) {
	mClock := testutils.NewMockClock(t)
	spawner := newFakeSpawner()
	spawner.hang = true
	config := testConfig(3)
	config.Clock = mClock
	config.ShutdownTimeout = 15 * time.Second
	config.PollInterval = 500 * time.Millisecond
	sup, err := New(spawner, config)
	require.NoError(t, err)

	cancel, result := runSupervisor(t, sup)
	waitOnline(t, sup, 3)

	cancel()
	require.Eventually(t, sup.Draining, time.Second, 5*time.Millisecond)
	testutils.AdvanceThrough(t, mClock, 15*time.Second-time.Millisecond)
	testutils.RequireNotClosed(t, result, 20*time.Millisecond)

	testutils.AdvanceThrough(t, mClock, time.Millisecond)
	err = testutils.RequireReceive(t, result, 2*time.Second)
	assert.ErrorIs(t, err, types.ErrShutdownTimeout)

	for _, p := range spawner.all() {
		assert.Equal(t, int32(1), p.shutdowns.Load())
		assert.True(t, p.killed.Load())
	}
}

type recordingMetrics struct {
	mu        sync.Mutex
	spawns    map[int]int
	crashes   int
	clean     int
	shutdowns []bool
	workers   map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{spawns: map[int]int{}, workers: map[string]int{}}
}

func (m *recordingMetrics) RecordSpawn(slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawns[slot]++
}

func (m *recordingMetrics) RecordExit(_ int, crashed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if crashed {
		m.crashes++
	} else {
		m.clean++
	}
}

func (m *recordingMetrics) RecordWorkers(state string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[state] = count
}

func (m *recordingMetrics) RecordShutdown(timedOut bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns = append(m.shutdowns, timedOut)
}

func TestSupervisor_Metrics(t *testing.T) {
	metrics := newRecordingMetrics()
	spawner := newFakeSpawner()
	config := testConfig(2)
	config.Metrics = metrics
	sup, err := New(spawner, config)
	require.NoError(t, err)

	cancel, result := runSupervisor(t, sup)
	waitOnline(t, sup, 2)

	require.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return metrics.workers["online"] == 2
	}, time.Second, 5*time.Millisecond)

	spawner.all()[0].exit(ExitStatus{Code: 2})
	testutils.RequireReceive(t, spawner.spawned, time.Second)
	testutils.RequireReceive(t, spawner.spawned, time.Second)
	testutils.RequireReceive(t, spawner.spawned, time.Second)
	waitOnline(t, sup, 2)

	// a clean exit outside a drain is replaced but is not a crash
	spawner.all()[1].exit(ExitStatus{Code: 0})
	testutils.RequireReceive(t, spawner.spawned, time.Second)
	waitOnline(t, sup, 2)

	cancel()
	require.NoError(t, testutils.RequireReceive(t, result, 2*time.Second))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, map[int]int{0: 2, 1: 2}, metrics.spawns)
	assert.Equal(t, 1, metrics.crashes)
	assert.Equal(t, 3, metrics.clean)
	assert.Equal(t, []bool{false}, metrics.shutdowns)
	assert.Equal(t, 0, metrics.workers["draining"])
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		status ExitStatus
		want   string
		clean  bool
	}{
		{ExitStatus{Code: 0}, "code 0", true},
		{ExitStatus{Code: 1}, "code 1", false},
		{ExitStatus{Code: -1, Signal: "SIGKILL"}, "signal SIGKILL", false},
		{ExitStatus{Code: -1, Err: errors.New("no child")}, "wait failed: no child", false},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
			assert.Equal(t, tt.clean, tt.status.Clean())
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "online", StateOnline.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "exited", StateExited.String())
	assert.Equal(t, "unknown", State(42).String())
}
