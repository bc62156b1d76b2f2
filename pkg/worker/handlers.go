package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jzx17/gofleet/pkg/compute"
	"github.com/jzx17/gofleet/pkg/tracing"
	"github.com/jzx17/gofleet/pkg/types"
)

func (w *Worker) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", w.handleRoot)
	mux.HandleFunc("GET /fibonacci/{n}", w.handleFibonacci)
	if w.gatherer != nil {
		mux.Handle("GET /metrics", w.metricsHandler())
	}
	return w.logRequests(mux)
}

// logRequests logs every request before it is routed
func (w *Worker) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := w.clock.Now()
		next.ServeHTTP(rw, r)
		w.logger.Debug("[Worker] request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", w.clock.Since(start)))
	})
}

func (w *Worker) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(rw, "Hello from worker %d\n", w.pid)
}

func (w *Worker) handleFibonacci(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")

	raw := r.PathValue("n")
	n, err := compute.ParseN(raw, w.config.MaxN)
	if err != nil {
		http.Error(rw, fmt.Sprintf("Please provide a valid non-negative integer for Fibonacci: %v", err), http.StatusBadRequest)
		return
	}

	req := compute.Request{
		N:         n,
		RequestID: uuid.NewString(),
		WorkerPID: w.pid,
	}
	ctx, span := tracing.StartServerSpan(r.Context(), "GET /fibonacci/{n}",
		attribute.Int("fibonacci.n", n),
		attribute.String("request.id", req.RequestID),
		attribute.Int("worker.pid", w.pid),
	)

	w.logger.Debug("[Worker] offloading to task pool",
		slog.Int("n", n),
		slog.String("request_id", req.RequestID))

	start := w.clock.Now()
	result, err := w.pool.Run(ctx, req)
	tracing.EndSpan(span, err)
	if err != nil {
		w.logger.Error("[Worker] fibonacci failed",
			slog.Int("n", n),
			slog.String("request_id", req.RequestID),
			slog.Any("error", err))
		http.Error(rw, fmt.Sprintf("Error processing Fibonacci: %v", err), statusFor(err))
		return
	}

	w.logger.Debug("[Worker] fibonacci done",
		slog.Int("n", n),
		slog.String("request_id", req.RequestID),
		slog.Duration("elapsed", w.clock.Since(start)))
	fmt.Fprintf(rw, "Fibonacci(%d) = %s (Processed by worker %d)\n", n, result, w.pid)
}

// statusFor maps task errors to a response status
func statusFor(err error) int {
	if errors.Is(err, types.ErrInvalidInput) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
