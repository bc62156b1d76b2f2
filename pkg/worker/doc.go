// Package worker implements one process of the fleet.
//
// A Worker binds the shared HTTP port, answers I/O-bound requests in place
// and offloads Fibonacci computations to its task pool:
//
//	GET /               plain text naming the serving process
//	GET /fibonacci/{n}  Fibonacci(n), computed on the task pool
//	GET /metrics        Prometheus exposition, when a registry is attached
//
// Invalid input is answered with 400 without touching the pool; a saturated
// or terminating pool and failed tasks are answered with 500.
//
// A worker drains when its context is cancelled, when the supervisor sends
// a shutdown command, or when the control channel closes. The drain closes
// the HTTP server, waits for in-flight requests, then terminates the pool
// gracefully. If that takes longer than ShutdownTimeout the worker drops
// connections, abandons the pool and Run returns types.ErrShutdownTimeout.
package worker
