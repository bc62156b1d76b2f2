package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/jzx17/gofleet/internal/logging"
	"github.com/jzx17/gofleet/pkg/types"
)

type poolState int32

const (
	stateNew poolState = iota
	stateRunning
	stateDraining
	stateTerminated
)

func (s poolState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Pool is a bounded pool of execution goroutines with a bounded task queue
type Pool[T, R any] struct {
	fn     Func[T, R]
	config *Config
	clock  quartz.Clock
	logger *slog.Logger
	stats  Metrics

	// guarded by mu
	mu           sync.Mutex
	state        poolState
	forced       bool
	threads      int
	idle         []*thread[T, R] // oldest parked first
	queue        []*job[T, R]
	nextThreadID int

	execCtx     context.Context
	cancelExec  context.CancelFunc
	stopReaper  context.CancelFunc
	wg          sync.WaitGroup
	released    chan struct{}
	releaseOnce sync.Once

	submitted int64
	completed int64
	failed    int64
	rejected  int64
}

// New creates a task pool running fn for every submitted input
func New[T, R any](fn Func[T, R], config *Config) (*Pool[T, R], error) {
	if fn == nil {
		return nil, fmt.Errorf("task function cannot be nil")
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

	return &Pool[T, R]{
		fn:       fn,
		config:   config,
		clock:    clock,
		logger:   logging.OrDiscard(config.Logger).With(slog.String("module", "pool"), slog.String("pool", config.Name)),
		stats:    metrics,
		released: make(chan struct{}),
	}, nil
}

// Start spins up MinThreads idle goroutines and the idle reaper. Task
// contexts derive from ctx without its cancellation.
func (p *Pool[T, R]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateRunning:
		return fmt.Errorf("task pool is already running")
	case stateDraining, stateTerminated:
		return types.ErrPoolTerminated
	}

	p.execCtx, p.cancelExec = context.WithCancel(context.WithoutCancel(ctx))
	reaperCtx, stopReaper := context.WithCancel(p.execCtx)
	p.stopReaper = stopReaper

	now := p.clock.Now()
	for i := 0; i < p.config.MinThreads; i++ {
		t := p.spawnLocked()
		t.lastActive = now
		p.idle = append(p.idle, t)
		go p.loop(t, nil)
	}
	p.state = stateRunning

	p.clock.TickerFunc(reaperCtx, p.config.IdleTimeout, p.reapIdle, "pool", "reaper")

	p.logger.Debug("[Pool] started",
		slog.Int("min_threads", p.config.MinThreads),
		slog.Int("max_threads", p.config.MaxThreads),
		slog.Int("max_queue_depth", p.config.MaxQueueDepth))
	p.stats.RecordThreads(p.config.Name, 0, len(p.idle))
	return nil
}

// Submit hands input to an idle goroutine, a new goroutine, or the queue, in
// that order. It never blocks: a saturated pool returns types.ErrQueueFull and
// a terminating pool returns types.ErrPoolTerminated. ctx only carries
// request-scoped values such as the active span into the task.
func (p *Pool[T, R]) Submit(ctx context.Context, input T) (*Future[R], error) {
	j := &job[T, R]{
		task: Task[T]{
			ID:          uuid.NewString(),
			Input:       input,
			SubmittedAt: p.clock.Now(),
		},
		parent: ctx,
	}
	j.future = newFuture[R](j.task.ID)

	p.mu.Lock()
	switch p.state {
	case stateNew:
		p.mu.Unlock()
		return nil, types.ErrPoolNotStarted
	case stateDraining, stateTerminated:
		p.mu.Unlock()
		p.reject(ReasonTerminated)
		return nil, types.ErrPoolTerminated
	}

	if n := len(p.idle); n > 0 {
		t := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		t.jobs <- j
		active, idle := p.threads-len(p.idle), len(p.idle)
		p.mu.Unlock()

		atomic.AddInt64(&p.submitted, 1)
		p.stats.RecordThreads(p.config.Name, active, idle)
		return j.future, nil
	}

	if p.threads < p.config.MaxThreads {
		t := p.spawnLocked()
		active, idle := p.threads-len(p.idle), len(p.idle)
		p.mu.Unlock()

		go p.loop(t, j)
		atomic.AddInt64(&p.submitted, 1)
		p.stats.RecordThreads(p.config.Name, active, idle)
		return j.future, nil
	}

	if len(p.queue) < p.config.MaxQueueDepth {
		p.queue = append(p.queue, j)
		depth := len(p.queue)
		p.mu.Unlock()

		atomic.AddInt64(&p.submitted, 1)
		p.stats.RecordQueueDepth(p.config.Name, depth)
		return j.future, nil
	}

	p.mu.Unlock()
	p.reject(ReasonQueueFull)
	return nil, types.ErrQueueFull
}

// Run submits input and waits for its outcome
func (p *Pool[T, R]) Run(ctx context.Context, input T) (R, error) {
	future, err := p.Submit(ctx, input)
	if err != nil {
		var zero R
		return zero, err
	}
	return future.Wait(ctx)
}

func (p *Pool[T, R]) reject(reason string) {
	atomic.AddInt64(&p.rejected, 1)
	p.stats.RecordTaskRejected(p.config.Name, reason)
}

// Terminate stops the pool. A graceful terminate rejects new submissions and
// lets active and queued tasks finish; a forced terminate also fails every
// queued task with types.ErrPoolTerminated and cancels the context of running
// tasks. Terminate returns once every goroutine is released, or with
// ctx.Err() if ctx ends first, in which case release continues in the
// background. A graceful terminate may be escalated by a forced call.
func (p *Pool[T, R]) Terminate(ctx context.Context, graceful bool) error {
	p.mu.Lock()
	switch p.state {
	case stateNew:
		p.state = stateTerminated
		p.mu.Unlock()
		p.markReleased()
		return nil
	case stateRunning:
		p.state = stateDraining
		p.stopReaper()
		for _, t := range p.idle {
			close(t.quit)
		}
		p.threads -= len(p.idle)
		p.idle = nil
		go func() {
			p.wg.Wait()
			p.mu.Lock()
			p.state = stateTerminated
			p.mu.Unlock()
			p.cancelExec()
			p.markReleased()
		}()
		p.logger.Info("[Pool] terminating",
			slog.Bool("graceful", graceful),
			slog.Int("queued", len(p.queue)),
			slog.Int("active", p.threads))
	}

	var abandoned []*job[T, R]
	if !graceful && !p.forced && p.state == stateDraining {
		p.forced = true
		abandoned = p.queue
		p.queue = nil
		p.cancelExec()
	}
	p.mu.Unlock()

	if len(abandoned) > 0 {
		var zero R
		for _, j := range abandoned {
			j.future.resolve(zero, types.ErrPoolTerminated)
		}
		p.stats.RecordQueueDepth(p.config.Name, 0)
		p.logger.Warn("[Pool] abandoned queued tasks", slog.Int("count", len(abandoned)))
	}

	select {
	case <-p.released:
		p.stats.RecordThreads(p.config.Name, 0, 0)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the pool gracefully and waits for every goroutine
func (p *Pool[T, R]) Close() error {
	return p.Terminate(context.Background(), true)
}

// Released is closed once every goroutine has exited after Terminate
func (p *Pool[T, R]) Released() <-chan struct{} {
	return p.released
}

func (p *Pool[T, R]) markReleased() {
	p.releaseOnce.Do(func() {
		close(p.released)
	})
}

// IsRunning checks if the pool accepts submissions
func (p *Pool[T, R]) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning
}

// IsTerminated checks if every goroutine has been released
func (p *Pool[T, R]) IsTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateTerminated
}

// Stats returns a snapshot of the pool state
func (p *Pool[T, R]) Stats() types.PoolStats {
	p.mu.Lock()
	threads, idle, queued := p.threads, len(p.idle), len(p.queue)
	p.mu.Unlock()

	return types.PoolStats{
		Threads:       threads,
		IdleThreads:   idle,
		ActiveThreads: threads - idle,
		QueuedTasks:   queued,
		MinThreads:    p.config.MinThreads,
		MaxThreads:    p.config.MaxThreads,
		MaxQueueDepth: p.config.MaxQueueDepth,
		Submitted:     atomic.LoadInt64(&p.submitted),
		Completed:     atomic.LoadInt64(&p.completed),
		Failed:        atomic.LoadInt64(&p.failed),
		Rejected:      atomic.LoadInt64(&p.rejected),
	}
}
