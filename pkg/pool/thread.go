package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jzx17/gofleet/pkg/tracing"
	"github.com/jzx17/gofleet/pkg/types"
)

// thread is one execution goroutine of the pool
type thread[T, R any] struct {
	id   int
	jobs chan *job[T, R]
	quit chan struct{}

	// guarded by the pool mutex
	lastActive time.Time
}

// spawnLocked registers a new goroutine; the caller starts it with loop
func (p *Pool[T, R]) spawnLocked() *thread[T, R] {
	p.nextThreadID++
	p.threads++
	p.wg.Add(1)
	return &thread[T, R]{
		id:   p.nextThreadID,
		jobs: make(chan *job[T, R], 1),
		quit: make(chan struct{}),
	}
}

// loop executes j, then keeps taking queued work, parking while idle. A nil j
// means t is already on the idle list.
func (p *Pool[T, R]) loop(t *thread[T, R], j *job[T, R]) {
	defer p.wg.Done()

	for {
		if j == nil {
			select {
			case j = <-t.jobs:
			case <-t.quit:
				return
			}
		}

		p.execute(t, j)

		var alive bool
		j, alive = p.next(t)
		if !alive {
			return
		}
	}
}

// next pops the oldest queued job. With an empty queue it either parks t on
// the idle list or, once the pool is draining, retires it.
func (p *Pool[T, R]) next(t *thread[T, R]) (*job[T, R], bool) {
	p.mu.Lock()
	if len(p.queue) > 0 {
		j := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		depth := len(p.queue)
		p.mu.Unlock()

		p.stats.RecordQueueDepth(p.config.Name, depth)
		return j, true
	}

	if p.state != stateRunning {
		p.threads--
		p.mu.Unlock()
		return nil, false
	}

	t.lastActive = p.clock.Now()
	p.idle = append(p.idle, t)
	active, idle := p.threads-len(p.idle), len(p.idle)
	p.mu.Unlock()

	p.stats.RecordThreads(p.config.Name, active, idle)
	return nil, true
}

// execute runs one job and resolves its future
func (p *Pool[T, R]) execute(t *thread[T, R], j *job[T, R]) {
	ctx := tracing.Detach(j.parent, p.execCtx)
	ctx, span := tracing.StartSpan(ctx, "pool.execute",
		attribute.String("task.id", j.task.ID),
		attribute.String("pool.name", p.config.Name),
		attribute.Int("pool.thread", t.id),
	)

	start := p.clock.Now()
	value, err := p.invoke(ctx, t, j.task)
	elapsed := p.clock.Since(start)
	tracing.EndSpan(span, err)

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Warn("[Pool] task failed",
			slog.String("task_id", j.task.ID),
			slog.Int("thread_id", t.id),
			slog.Any("error", err))
	} else {
		atomic.AddInt64(&p.completed, 1)
	}
	p.stats.RecordTaskDuration(p.config.Name, elapsed, err != nil)

	j.future.resolve(value, err)
}

// invoke calls the task function, converting errors and panics into a
// *types.TaskError so a faulting task never takes the process down
func (p *Pool[T, R]) invoke(ctx context.Context, t *thread[T, R], task Task[T]) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			var buf [4096]byte
			n := runtime.Stack(buf[:], false)

			var cause error
			switch v := r.(type) {
			case error:
				cause = fmt.Errorf("panic: %w", v)
			default:
				cause = fmt.Errorf("panic: %v", v)
			}

			var zero R
			value = zero
			err = types.NewTaskError("execute", task.ID, cause).
				WithContext("stack_trace", string(buf[:n])).
				WithContext("thread_id", t.id)
		}
	}()

	value, err = p.fn(ctx, task.Input)
	if err != nil {
		err = types.NewTaskError("execute", task.ID, err).
			WithContext("thread_id", t.id)
	}
	return value, err
}

// reapIdle retires goroutines beyond MinThreads that have been parked for at
// least IdleTimeout
func (p *Pool[T, R]) reapIdle() error {
	now := p.clock.Now()

	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		return nil
	}
	reaped := 0
	for len(p.idle) > 0 && p.threads > p.config.MinThreads {
		t := p.idle[0]
		if now.Sub(t.lastActive) < p.config.IdleTimeout {
			break
		}
		p.idle[0] = nil
		p.idle = p.idle[1:]
		p.threads--
		close(t.quit)
		reaped++
	}
	active, idle := p.threads-len(p.idle), len(p.idle)
	p.mu.Unlock()

	if reaped > 0 {
		p.logger.Debug("[Pool] reclaimed idle threads", slog.Int("count", reaped))
		p.stats.RecordThreads(p.config.Name, active, idle)
	}
	return nil
}
