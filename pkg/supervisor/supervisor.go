package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"github.com/jzx17/gofleet/internal/logging"
	"github.com/jzx17/gofleet/pkg/retry"
	"github.com/jzx17/gofleet/pkg/types"
)

type eventKind int

const (
	eventOnline eventKind = iota
	eventExit
	eventRespawn
)

type event struct {
	kind eventKind
	slot int
	proc Process
}

type record struct {
	WorkerRecord
	proc Process
}

// slotState is owned by the control loop
type slotState struct {
	streak   *retry.Streak
	restarts int
	lastExit *ExitStatus
	pending  *quartz.Timer
}

// Supervisor keeps a fixed-size fleet of worker processes alive and drains
// it on shutdown
type Supervisor struct {
	spawner Spawner
	config  *Config
	clock   quartz.Clock
	logger  *slog.Logger
	metrics Metrics

	mu      sync.RWMutex
	records map[int]*record // by pid

	draining atomic.Bool
	running  atomic.Bool

	slots    []*slotState
	spawnCtx context.Context
	events   chan event
	stopped  chan struct{}
}

// New creates a supervisor that starts workers through spawner
func New(spawner Spawner, config *Config) (*Supervisor, error) {
	if spawner == nil {
		return nil, fmt.Errorf("spawner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	clock := config.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	var metrics Metrics = noopMetrics{}
	if config.Metrics != nil {
		metrics = config.Metrics
	}

	backoffOpts := []retry.BackoffOption{retry.WithBackoffMaxDelay(config.BackoffMax)}
	if config.BackoffJitter != nil {
		backoffOpts = append(backoffOpts, retry.WithBackoffJitter(config.BackoffJitter))
	}
	backoff := retry.NewExponentialBackoff(config.BackoffInitial, backoffOpts...)
	slots := make([]*slotState, config.Workers)
	for i := range slots {
		slots[i] = &slotState{streak: retry.NewStreak(backoff, config.StableAfter)}
	}

	return &Supervisor{
		spawner: spawner,
		config:  config,
		clock:   clock,
		logger:  logging.OrDiscard(config.Logger).With(slog.String("module", "supervisor")),
		metrics: metrics,
		records: make(map[int]*record),
		slots:   slots,
		events:  make(chan event),
		stopped: make(chan struct{}),
	}, nil
}

// Run starts the fleet and keeps it at full size until ctx is cancelled,
// then drains it. It returns nil when every worker exited within
// ShutdownTimeout and types.ErrShutdownTimeout when stragglers were killed.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("supervisor is already running")
	}
	defer close(s.stopped)

	s.spawnCtx = context.WithoutCancel(ctx)
	s.logger.Info("[Supervisor] forking worker processes", slog.Int("workers", s.config.Workers))
	for slot := range s.slots {
		s.spawn(slot)
	}

	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// Draining reports whether the fleet drain has started
func (s *Supervisor) Draining() bool {
	return s.draining.Load()
}

// Snapshot returns copies of the live worker records ordered by slot
func (s *Supervisor) Snapshot() []WorkerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WorkerRecord, 0, len(s.records))
	for _, rec := range s.records {
		wr := rec.WorkerRecord
		if wr.LastExit != nil {
			last := *wr.LastExit
			wr.LastExit = &last
		}
		out = append(out, wr)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Slot < out[j].Slot
	})
	return out
}

func (s *Supervisor) spawn(slot int) {
	st := s.slots[slot]
	proc, err := s.spawner.Spawn(s.spawnCtx, slot)
	if err != nil {
		now := s.clock.Now()
		delay := st.streak.Failure(now, now)
		if delay == 0 {
			delay = s.config.BackoffInitial
		}
		s.logger.Error("[Supervisor] failed to start worker",
			slog.Int("slot", slot),
			slog.Any("error", err))
		s.scheduleRespawn(slot, delay)
		return
	}

	rec := &record{
		WorkerRecord: WorkerRecord{
			Slot:      slot,
			PID:       proc.PID(),
			State:     StateStarting,
			StartedAt: s.clock.Now(),
			Restarts:  st.restarts,
			LastExit:  st.lastExit,
		},
		proc: proc,
	}
	s.mu.Lock()
	s.records[rec.PID] = rec
	s.mu.Unlock()

	s.metrics.RecordSpawn(slot)
	s.recordGauges()
	s.logger.Info("[Supervisor] worker started",
		slog.Int("pid", rec.PID),
		slog.Int("slot", slot),
		slog.Int("restarts", st.restarts))

	go s.watch(slot, proc)
}

// watch forwards the lifecycle of proc to the control loop
func (s *Supervisor) watch(slot int, proc Process) {
	select {
	case <-proc.Online():
		if !s.post(event{kind: eventOnline, slot: slot, proc: proc}) {
			return
		}
		select {
		case <-proc.Exited():
		case <-s.stopped:
			return
		}
	case <-proc.Exited():
	case <-s.stopped:
		return
	}
	s.post(event{kind: eventExit, slot: slot, proc: proc})
}

func (s *Supervisor) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Supervisor) handle(ev event) {
	switch ev.kind {
	case eventOnline:
		s.handleOnline(ev)
	case eventExit:
		s.handleExit(ev)
	case eventRespawn:
		s.slots[ev.slot].pending = nil
		if !s.draining.Load() {
			s.spawn(ev.slot)
		}
	}
}

func (s *Supervisor) handleOnline(ev event) {
	pid := ev.proc.PID()
	s.mu.Lock()
	rec, ok := s.records[pid]
	if ok && rec.State == StateStarting {
		rec.State = StateOnline
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.recordGauges()
	s.logger.Info("[Supervisor] worker is online",
		slog.Int("pid", pid),
		slog.Int("slot", ev.slot))
}

func (s *Supervisor) handleExit(ev event) {
	pid := ev.proc.PID()
	s.mu.Lock()
	rec, ok := s.records[pid]
	delete(s.records, pid)
	s.mu.Unlock()
	if !ok {
		return
	}

	status := ev.proc.ExitStatus()
	st := s.slots[ev.slot]
	st.lastExit = &status

	draining := s.draining.Load()
	exitErr := exitError(pid, ev.slot, status)
	crashed := errors.Is(exitErr, types.ErrWorkerCrash)
	s.metrics.RecordExit(ev.slot, crashed && !draining)
	s.recordGauges()

	if draining {
		s.logger.Info("[Supervisor] worker exited",
			slog.Int("pid", pid),
			slog.Int("slot", ev.slot),
			slog.String("status", status.String()))
		return
	}

	if crashed {
		s.logger.Warn("[Supervisor] worker died, starting a new worker",
			slog.Int("pid", pid),
			slog.Int("slot", ev.slot),
			slog.Any("error", exitErr))
	} else {
		s.logger.Info("[Supervisor] worker exited on its own, starting a new worker",
			slog.Int("pid", pid),
			slog.Int("slot", ev.slot))
	}

	delay := st.streak.Failure(rec.StartedAt, s.clock.Now())
	st.restarts++
	if delay == 0 {
		s.spawn(ev.slot)
		return
	}
	s.scheduleRespawn(ev.slot, delay)
}

// exitError returns nil for a clean exit and a *types.CrashError otherwise
func exitError(pid, slot int, status ExitStatus) error {
	if status.Clean() {
		return nil
	}
	return &types.CrashError{PID: pid, Slot: slot, Code: status.Code, Signal: status.Signal}
}

func (s *Supervisor) scheduleRespawn(slot int, delay time.Duration) {
	st := s.slots[slot]
	if st.pending != nil {
		st.pending.Stop()
	}
	s.logger.Warn("[Supervisor] worker crash loop, delaying respawn",
		slog.Int("slot", slot),
		slog.Int("failures", st.streak.Failures()),
		slog.Duration("delay", delay))
	st.pending = s.clock.AfterFunc(delay, func() {
		s.post(event{kind: eventRespawn, slot: slot})
	}, "supervisor", "respawn")
}

// drain asks every worker to shut down and waits until the table is empty or
// ShutdownTimeout elapses
func (s *Supervisor) drain() error {
	watchdog := s.clock.NewTimer(s.config.ShutdownTimeout, "supervisor", "watchdog")
	defer watchdog.Stop()
	poll := s.clock.NewTicker(s.config.PollInterval, "supervisor", "poll")
	defer poll.Stop()

	s.draining.Store(true)
	for _, st := range s.slots {
		if st.pending != nil {
			st.pending.Stop()
			st.pending = nil
		}
	}

	s.mu.Lock()
	procs := make([]Process, 0, len(s.records))
	for _, rec := range s.records {
		rec.State = StateDraining
		procs = append(procs, rec.proc)
	}
	s.mu.Unlock()
	s.recordGauges()

	s.logger.Info("[Supervisor] shutdown requested, shutting down all workers",
		slog.Int("workers", len(procs)),
		slog.Duration("timeout", s.config.ShutdownTimeout))
	for _, proc := range procs {
		if err := proc.RequestShutdown(); err != nil {
			s.logger.Warn("[Supervisor] failed to send shutdown",
				slog.Int("pid", proc.PID()),
				slog.Any("error", err))
		}
	}

	for {
		remaining := s.live()
		if remaining == 0 {
			s.logger.Info("[Supervisor] all workers terminated")
			s.metrics.RecordShutdown(false)
			return nil
		}

		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-poll.C:
			s.logger.Debug("[Supervisor] waiting for workers", slog.Int("remaining", remaining))
		case <-watchdog.C:
			s.killRemaining()
			s.metrics.RecordShutdown(true)
			return types.ErrShutdownTimeout
		}
	}
}

func (s *Supervisor) killRemaining() {
	s.mu.RLock()
	procs := make([]Process, 0, len(s.records))
	for _, rec := range s.records {
		procs = append(procs, rec.proc)
	}
	s.mu.RUnlock()

	s.logger.Warn("[Supervisor] forcefully terminating remaining workers", slog.Int("workers", len(procs)))
	for _, proc := range procs {
		if err := proc.Kill(); err != nil {
			s.logger.Error("[Supervisor] failed to kill worker",
				slog.Int("pid", proc.PID()),
				slog.Any("error", err))
		}
	}
}

func (s *Supervisor) live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Supervisor) recordGauges() {
	counts := map[State]int{StateStarting: 0, StateOnline: 0, StateDraining: 0}
	s.mu.RLock()
	for _, rec := range s.records {
		counts[rec.State]++
	}
	s.mu.RUnlock()

	for state, n := range counts {
		s.metrics.RecordWorkers(state.String(), n)
	}
}
