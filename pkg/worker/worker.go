package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jzx17/gofleet/internal/logging"
	"github.com/jzx17/gofleet/pkg/compute"
	"github.com/jzx17/gofleet/pkg/control"
	"github.com/jzx17/gofleet/pkg/metrics"
	"github.com/jzx17/gofleet/pkg/pool"
	"github.com/jzx17/gofleet/pkg/shutdown"
	"github.com/jzx17/gofleet/pkg/types"
)

// Shutdown reasons
const (
	ReasonSignal         = "signal"
	ReasonControl        = "control"
	ReasonSupervisorGone = "supervisor-gone"
	ReasonServeError     = "serve-error"
)

// Worker is one process of the fleet: an HTTP endpoint backed by a task pool
type Worker struct {
	config *Config
	pid    int
	clock  quartz.Clock
	logger *slog.Logger

	control  *control.Channel
	listener net.Listener
	taskFn   pool.Func[compute.Request, string]

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	pool        *pool.Pool[compute.Request, string]
	coordinator *shutdown.Coordinator

	mu     sync.Mutex
	server *http.Server
	closed bool

	addrOnce sync.Once
	ready    chan struct{}
	addr     net.Addr
}

// Option configures a Worker
type Option func(*Worker)

// WithControl attaches the channel to the supervisor
func WithControl(ch *control.Channel) Option {
	return func(w *Worker) {
		w.control = ch
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logging.OrDiscard(logger)
	}
}

// WithClock sets the clock used by the pool and the shutdown watchdog
func WithClock(clock quartz.Clock) Option {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithListener serves on ln instead of binding Config.Addr
func WithListener(ln net.Listener) Option {
	return func(w *Worker) {
		w.listener = ln
	}
}

// WithTaskFunc replaces the function run by the task pool
func WithTaskFunc(fn pool.Func[compute.Request, string]) Option {
	return func(w *Worker) {
		if fn != nil {
			w.taskFn = fn
		}
	}
}

// WithRegistry registers pool collectors with reg and serves it on /metrics
func WithRegistry(reg *prometheus.Registry) Option {
	return func(w *Worker) {
		if reg != nil {
			w.registerer = reg
			w.gatherer = reg
		}
	}
}

// New creates a worker
func New(config *Config, opts ...Option) (*Worker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	w := &Worker{
		config: config,
		pid:    os.Getpid(),
		clock:  quartz.NewReal(),
		logger: logging.Discard(),
		taskFn: compute.Execute,
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("module", "worker"), slog.Int("pid", w.pid))

	poolConfig := *config.Pool
	poolConfig.Clock = w.clock
	poolConfig.Logger = w.logger
	if w.registerer != nil {
		exporter, err := metrics.NewPoolExporter(w.registerer, metrics.Options{})
		if err != nil {
			return nil, fmt.Errorf("pool metrics: %w", err)
		}
		poolConfig.Metrics = exporter
	}

	p, err := pool.New(w.taskFn, &poolConfig)
	if err != nil {
		return nil, err
	}
	w.pool = p

	coordinator, err := shutdown.NewCoordinator(config.ShutdownTimeout,
		shutdown.WithClock(w.clock),
		shutdown.WithLogger(w.logger))
	if err != nil {
		return nil, err
	}
	w.coordinator = coordinator

	// Registered before Run so a drain triggered at any point still closes
	// whatever Run has started.
	coordinator.Register("http-server", w.closeServer)
	coordinator.Register("task-pool", func(ctx context.Context) error {
		err := w.pool.Terminate(ctx, true)
		w.logger.Info("[Worker] task pool terminated")
		return err
	})
	return w, nil
}

// closeServer stops accepting requests and waits for in-flight ones
func (w *Worker) closeServer(ctx context.Context) error {
	w.mu.Lock()
	server := w.server
	w.closed = true
	w.mu.Unlock()
	if server == nil {
		return nil
	}

	err := server.Shutdown(ctx)
	w.logger.Info("[Worker] HTTP server closed")
	return err
}

// Handler returns the HTTP routes of the worker
func (w *Worker) Handler() http.Handler {
	return w.routes()
}

func (w *Worker) metricsHandler() http.Handler {
	return promhttp.HandlerFor(w.gatherer, promhttp.HandlerOpts{})
}

// Shutdown starts the drain; it is equivalent to a shutdown command from the
// supervisor. It reports whether this call started the drain.
func (w *Worker) Shutdown(reason string) bool {
	return w.coordinator.Trigger(reason)
}

// Phase returns the shutdown phase of the worker
func (w *Worker) Phase() shutdown.Phase {
	return w.coordinator.Phase()
}

// Ready is closed once the worker accepts requests
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// Addr returns the bound address; it is nil before Ready closes
func (w *Worker) Addr() net.Addr {
	select {
	case <-w.ready:
		return w.addr
	default:
		return nil
	}
}

// Run serves requests until ctx is cancelled, the supervisor sends a shutdown
// command, or the control channel closes. It returns nil after a clean drain
// and types.ErrShutdownTimeout when the watchdog forced termination.
func (w *Worker) Run(ctx context.Context) error {
	if w.coordinator.Phase() != shutdown.Running {
		return w.abandon(nil)
	}

	ln := w.listener
	if ln == nil {
		var err error
		ln, err = listen(ctx, w.config.Addr, w.config.ReusePort)
		if err != nil {
			return err
		}
	}

	server := &http.Server{
		Handler:  w.routes(),
		ErrorLog: slog.NewLogLogger(w.logger.Handler(), slog.LevelWarn),
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return w.abandon(ln)
	}
	w.server = server
	w.mu.Unlock()

	if err := w.pool.Start(ctx); err != nil {
		if errors.Is(err, types.ErrPoolTerminated) {
			return w.abandon(ln)
		}
		ln.Close()
		return fmt.Errorf("start task pool: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()

	w.addrOnce.Do(func() {
		w.addr = ln.Addr()
		close(w.ready)
	})
	w.logger.Info("[Worker] listening", slog.String("addr", ln.Addr().String()))

	if w.control != nil {
		defer w.control.Close()
		if err := w.control.Send(control.Online(w.pid)); err != nil {
			w.logger.Warn("[Worker] failed to report online", slog.Any("error", err))
		}
		go w.watchControl()
	}

	select {
	case <-ctx.Done():
		if w.Shutdown(ReasonSignal) {
			w.logger.Info("[Worker] signal received, initiating graceful shutdown")
		}
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("[Worker] server failed", slog.Any("error", err))
			w.Shutdown(ReasonServeError)
		}
	case <-w.coordinator.Done():
	}

	<-w.coordinator.Done()
	err := w.coordinator.Err()
	if err != nil {
		w.logger.Warn("[Worker] forcefully shutting down", slog.Any("error", err))
		w.forceStop(server)
	}
	return err
}

// abandon returns the outcome of a drain that began before Run started
// serving, closing ln if Run already bound it
func (w *Worker) abandon(ln net.Listener) error {
	if ln == nil {
		ln = w.listener
	}
	if ln != nil {
		ln.Close()
	}
	w.logger.Info("[Worker] shutdown requested before serving")
	<-w.coordinator.Done()
	return w.coordinator.Err()
}

// watchControl turns supervisor commands, or the loss of the supervisor, into
// a shutdown
func (w *Worker) watchControl() {
	for {
		msg, err := w.control.Receive()
		switch {
		case errors.Is(err, io.EOF):
			if w.Shutdown(ReasonSupervisorGone) {
				w.logger.Warn("[Worker] control channel closed, initiating graceful shutdown")
			}
			return
		case err != nil:
			// the decoder cannot resync after a malformed line
			w.logger.Error("[Worker] control channel failed", slog.Any("error", err))
			w.Shutdown(ReasonSupervisorGone)
			return
		}

		if msg.Type == control.TypeShutdown {
			if w.Shutdown(ReasonControl) {
				w.logger.Info("[Worker] supervisor requested shutdown, initiating graceful shutdown")
			}
		}
	}
}

// forceStop drops open connections and abandons the pool without waiting
func (w *Worker) forceStop(server *http.Server) {
	server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = w.pool.Terminate(ctx, false)
}
