// Package pool provides the bounded task pool each worker process uses to run
// CPU-bound work off its request goroutines.
//
// A pool keeps between MinThreads and MaxThreads execution goroutines. A
// submission goes to an idle goroutine first, then to a newly spawned one,
// then to a FIFO queue of at most MaxQueueDepth tasks. Once all three are
// exhausted Submit fails immediately with types.ErrQueueFull. Goroutines
// beyond MinThreads that stay idle for IdleTimeout are reclaimed.
//
// Basic usage:
//
//	p, err := pool.New(compute.Execute, pool.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	if err := p.Start(ctx); err != nil {
//		return err
//	}
//	defer p.Close()
//
//	result, err := p.Run(ctx, compute.Request{N: 10})
//
// Terminate(ctx, true) drains active and queued work; Terminate(ctx, false)
// abandons the queue and cancels running tasks.
package pool
