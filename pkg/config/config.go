// Package config loads the fleet configuration file
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jzx17/gofleet/pkg/pool"
	"github.com/jzx17/gofleet/pkg/retry"
	"github.com/jzx17/gofleet/pkg/supervisor"
	"github.com/jzx17/gofleet/pkg/worker"
)

// Duration is a time.Duration written as a string such as "500ms" or "15s"
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// File is the fleet configuration file
type File struct {
	// Listen is the address every worker binds
	Listen string `yaml:"listen"`

	// Workers is the fleet size
	Workers int `yaml:"workers"`

	// MaxN is the largest Fibonacci index a worker accepts; 0 accepts any
	MaxN int `yaml:"max_n"`

	Pool     PoolSection     `yaml:"pool"`
	Shutdown ShutdownSection `yaml:"shutdown"`
	Respawn  RespawnSection  `yaml:"respawn"`
	Log      LogSection      `yaml:"log"`
	Tracing  TracingSection  `yaml:"tracing"`
	Metrics  MetricsSection  `yaml:"metrics"`
}

// PoolSection configures the task pool of every worker
type PoolSection struct {
	MinThreads    int      `yaml:"min_threads"`
	MaxThreads    int      `yaml:"max_threads"`
	MaxQueueDepth int      `yaml:"max_queue_depth"`
	IdleTimeout   Duration `yaml:"idle_timeout"`
}

// ShutdownSection bounds the two drain phases
type ShutdownSection struct {
	Worker       Duration `yaml:"worker"`
	Supervisor   Duration `yaml:"supervisor"`
	PollInterval Duration `yaml:"poll_interval"`
}

// RespawnSection tunes crash-loop backoff
type RespawnSection struct {
	StableAfter    Duration `yaml:"stable_after"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`

	// Jitter randomizes each delay within its upper half
	Jitter bool `yaml:"jitter"`
}

// LogSection selects the log level and format
type LogSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingSection enables span export
type TracingSection struct {
	Enabled bool `yaml:"enabled"`

	// Output is a file path; empty means stdout
	Output string `yaml:"output"`
}

// MetricsSection enables the /metrics route of workers
type MetricsSection struct {
	Enabled bool `yaml:"enabled"`

	// SupervisorListen serves the supervisor's own metrics when not empty
	SupervisorListen string `yaml:"supervisor_listen"`
}

// Default returns the configuration used without a file
func Default() *File {
	cpus := runtime.NumCPU()
	return &File{
		Listen:  worker.DefaultAddr,
		Workers: cpus,
		MaxN:    worker.DefaultMaxN,
		Pool: PoolSection{
			MinThreads:    cpus,
			MaxThreads:    cpus * 2,
			MaxQueueDepth: pool.DefaultMaxQueueDepth,
			IdleTimeout:   Duration(pool.DefaultIdleTimeout),
		},
		Shutdown: ShutdownSection{
			Worker:       Duration(worker.DefaultShutdownTimeout),
			Supervisor:   Duration(supervisor.DefaultShutdownTimeout),
			PollInterval: Duration(supervisor.DefaultPollInterval),
		},
		Respawn: RespawnSection{
			StableAfter:    Duration(supervisor.DefaultStableAfter),
			InitialBackoff: Duration(supervisor.DefaultBackoffInitial),
			MaxBackoff:     Duration(supervisor.DefaultBackoffMax),
			Jitter:         true,
		},
		Log: LogSection{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsSection{
			Enabled: true,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*File, error) {
	file := Default()
	if path == "" {
		return file, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return file, nil
}

// Validate checks the file by building every component configuration
func (f *File) Validate() error {
	if err := f.WorkerConfig().Validate(); err != nil {
		return err
	}
	return f.SupervisorConfig().Validate()
}

// PoolConfig returns the task pool configuration
func (f *File) PoolConfig() *pool.Config {
	return &pool.Config{
		Name:          "fibonacci",
		MinThreads:    f.Pool.MinThreads,
		MaxThreads:    f.Pool.MaxThreads,
		MaxQueueDepth: f.Pool.MaxQueueDepth,
		IdleTimeout:   f.Pool.IdleTimeout.Std(),
	}
}

// WorkerConfig returns the worker process configuration
func (f *File) WorkerConfig() *worker.Config {
	return &worker.Config{
		Addr:            f.Listen,
		ReusePort:       true,
		Pool:            f.PoolConfig(),
		ShutdownTimeout: f.Shutdown.Worker.Std(),
		MaxN:            f.MaxN,
	}
}

// SupervisorConfig returns the supervisor configuration
func (f *File) SupervisorConfig() *supervisor.Config {
	var jitter retry.JitterFunc
	if f.Respawn.Jitter {
		jitter = retry.EqualJitter
	}
	return &supervisor.Config{
		Workers:         f.Workers,
		ShutdownTimeout: f.Shutdown.Supervisor.Std(),
		PollInterval:    f.Shutdown.PollInterval.Std(),
		StableAfter:     f.Respawn.StableAfter.Std(),
		BackoffInitial:  f.Respawn.InitialBackoff.Std(),
		BackoffMax:      f.Respawn.MaxBackoff.Std(),
		BackoffJitter:   jitter,
	}
}
