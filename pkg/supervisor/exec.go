package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/jzx17/gofleet/internal/logging"
	"github.com/jzx17/gofleet/pkg/control"
)

// EnvSlot names the environment variable carrying a worker's slot
const EnvSlot = "FLEET_WORKER_SLOT"

// ExecSpawner starts workers by re-executing a binary with the control
// channel attached as fd 3
type ExecSpawner struct {
	// Path is the binary to run; empty means the current executable
	Path string

	// Args are passed to the binary, typically the worker subcommand
	Args []string

	// Env is appended to the supervisor's environment
	Env []string

	// Stdout and Stderr default to the supervisor's own
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// Spawn starts one worker process
func (e *ExecSpawner) Spawn(ctx context.Context, slot int) (Process, error) {
	path := e.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = self
	}

	parent, childFile, err := control.Pair()
	if err != nil {
		return nil, err
	}

	// workers are stopped through the control channel, never through ctx
	cmd := exec.Command(path, e.Args...)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		control.EnvFD+"="+strconv.Itoa(control.ChildFD),
		EnvSlot+"="+strconv.Itoa(slot),
	)
	cmd.Stdout = e.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = e.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	err = cmd.Start()
	childFile.Close()
	if err != nil {
		parent.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	p := &execProcess{
		cmd:     cmd,
		control: parent,
		logger:  logging.OrDiscard(e.Logger).With(slog.Int("pid", cmd.Process.Pid), slog.Int("slot", slot)),
		online:  make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go p.readControl()
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	control *control.Channel
	logger  *slog.Logger

	onlineOnce sync.Once
	online     chan struct{}
	exited     chan struct{}
	status     ExitStatus
}

func (p *execProcess) PID() int                { return p.cmd.Process.Pid }
func (p *execProcess) Online() <-chan struct{} { return p.online }
func (p *execProcess) Exited() <-chan struct{} { return p.exited }

// ExitStatus is valid after Exited is closed
func (p *execProcess) ExitStatus() ExitStatus {
	return p.status
}

func (p *execProcess) RequestShutdown() error {
	return p.control.Send(control.Shutdown())
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Signal(unix.SIGKILL)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) readControl() {
	for {
		msg, err := p.control.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("[Supervisor] control channel failed", slog.Any("error", err))
			}
			return
		}
		if msg.Type == control.TypeOnline {
			p.onlineOnce.Do(func() {
				close(p.online)
			})
		}
	}
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.status = exitStatusOf(p.cmd.ProcessState, err)
	p.control.Close()
	close(p.exited)
}

// exitStatusOf decodes the exit code and terminating signal of a reaped process
func exitStatusOf(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: waitErr}
	}

	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = unix.SignalName(ws.Signal())
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		status.Err = waitErr
	}
	return status
}
