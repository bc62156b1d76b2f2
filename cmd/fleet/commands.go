package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/jzx17/gofleet/internal/logging"
	"github.com/jzx17/gofleet/pkg/config"
	"github.com/jzx17/gofleet/pkg/control"
	"github.com/jzx17/gofleet/pkg/metrics"
	"github.com/jzx17/gofleet/pkg/supervisor"
	"github.com/jzx17/gofleet/pkg/tracing"
	"github.com/jzx17/gofleet/pkg/types"
	"github.com/jzx17/gofleet/pkg/worker"
)

func superviseCommand() *cli.Command {
	return &cli.Command{
		Name:  "supervise",
		Usage: "start the worker fleet and keep it running until SIGTERM",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"n"},
				Usage:   "number of worker processes (default: number of CPUs)",
				EnvVars: []string{"FLEET_WORKERS"},
			},
		},
		Action: superviseAction,
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Usage:  "run one worker process",
		Hidden: true,
		Action: workerAction,
	}
}

// loadRuntime reads the configuration file and applies flag overrides
func loadRuntime(c *cli.Context) (*config.File, *slog.Logger, error) {
	file, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if v := c.String("log-level"); v != "" {
		file.Log.Level = v
	}
	if v := c.String("log-format"); v != "" {
		file.Log.Format = v
	}
	if v := c.String("listen"); v != "" {
		file.Listen = v
	}
	if err := file.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(os.Stderr, file.Log.Level, file.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return file, logger, nil
}

// workerArgs forwards the global flags that shape a worker
func workerArgs(c *cli.Context) []string {
	var args []string
	for _, name := range []string{"config", "log-level", "log-format", "listen"} {
		if v := c.String(name); v != "" {
			args = append(args, "--"+name, v)
		}
	}
	return append(args, "worker")
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, unix.SIGTERM, unix.SIGINT)
}

func superviseAction(c *cli.Context) error {
	file, logger, err := loadRuntime(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to load configuration: %v", err), 1)
	}
	if n := c.Int("workers"); n > 0 {
		file.Workers = n
	}
	logger = logger.With(slog.Int("pid", os.Getpid()))

	supConfig := file.SupervisorConfig()
	supConfig.Logger = logger
	if file.Metrics.Enabled && file.Metrics.SupervisorListen != "" {
		reg := prometheus.NewRegistry()
		exporter, err := metrics.NewSupervisorExporter(reg, metrics.Options{})
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to register metrics: %v", err), 1)
		}
		supConfig.Metrics = exporter
		go serveMetrics(logger, file.Metrics.SupervisorListen, reg)
	}

	sup, err := supervisor.New(&supervisor.ExecSpawner{
		Args:   workerArgs(c),
		Logger: logger,
	}, supConfig)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid supervisor configuration: %v", err), 1)
	}

	ctx, stop := signalContext(c.Context)
	defer stop()

	logger.Info("[Supervisor] master process is running", slog.String("version", version))
	if err := sup.Run(ctx); err != nil {
		if errors.Is(err, types.ErrShutdownTimeout) {
			return cli.Exit("[Supervisor] workers did not exit in time and were killed", 1)
		}
		return cli.Exit(fmt.Sprintf("[Supervisor] %v", err), 1)
	}
	logger.Info("[Supervisor] all workers terminated, exiting")
	return nil
}

func serveMetrics(logger *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("[Supervisor] metrics endpoint failed", slog.Any("error", err))
	}
}

func workerAction(c *cli.Context) error {
	file, logger, err := loadRuntime(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to load configuration: %v", err), 1)
	}
	if slot, err := strconv.Atoi(os.Getenv(supervisor.EnvSlot)); err == nil {
		logger = logger.With(slog.Int("slot", slot))
	}

	if file.Tracing.Enabled {
		shutdownTracing, err := tracing.Init("fleet-worker", version, file.Tracing.Output)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to start tracing: %v", err), 1)
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Warn("[Worker] failed to flush spans", slog.Any("error", err))
			}
		}()
	}

	ch, err := control.FromEnv()
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to open control channel: %v", err), 1)
	}

	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithControl(ch),
	}
	if file.Metrics.Enabled {
		opts = append(opts, worker.WithRegistry(prometheus.NewRegistry()))
	}
	w, err := worker.New(file.WorkerConfig(), opts...)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid worker configuration: %v", err), 1)
	}

	ctx, stop := signalContext(c.Context)
	defer stop()

	if err := w.Run(ctx); err != nil {
		if errors.Is(err, types.ErrShutdownTimeout) {
			return cli.Exit("[Worker] forcefully shut down after timeout", 1)
		}
		return cli.Exit(fmt.Sprintf("[Worker] %v", err), 1)
	}
	return nil
}
