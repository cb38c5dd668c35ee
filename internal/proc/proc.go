// Package proc launches worker programs and wraps them into handles the
// supervisor can probe and terminate without ever blocking on them.
//
// ExecLauncher is a thin wrapper around os/exec:
//   - opens the worker log file in append mode (if requested)
//   - starts the process with inherited or redirected streams
//   - spawns a goroutine which waits for the process and stores its exit code
//
// A Handle never waits. Exited reads the state recorded by the wait
// goroutine, Terminate sends a graceful termination request, and
// Descendants lists the process subtree at the moment of the call.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/CZERTAINLY/conductor/internal/model"
)

// Process is an OS process which can be asked to terminate.
type Process interface {
	Pid() int
	Terminate() error
}

// Handle is a started worker process.
type Handle interface {
	Process
	// Started is the time the process was spawned.
	Started() time.Time
	// Exited returns the exit code and true once the process has exited.
	// It never blocks.
	Exited() (code int, exited bool)
	// Descendants enumerates the transitive children of the process.
	Descendants() ([]Process, error)
}

// Launcher starts a worker process.
type Launcher interface {
	Launch(ctx context.Context, w model.Worker) (Handle, error)
}

// LaunchError is returned when a worker process could not be spawned.
type LaunchError struct {
	Worker string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Worker, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExecLauncher starts workers as child processes of the supervisor.
type ExecLauncher struct {
	// Stdout and Stderr are the inherited streams, os.Stdout and os.Stderr if nil.
	Stdout io.Writer
	Stderr io.Writer
}

func NewExecLauncher() ExecLauncher {
	return ExecLauncher{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Launch starts the worker. The returned handle is owned by the caller.
func (l ExecLauncher) Launch(ctx context.Context, w model.Worker) (Handle, error) {
	if len(w.Command) == 0 {
		return nil, &LaunchError{Worker: w.Name, Err: errors.New("empty command")}
	}

	// The process outlives any tick, so it is not bound to ctx.
	cmd := exec.Command(w.Command[0], w.Command[1:]...)
	cmd.Env = w.Environ()
	cmd.Dir = w.Dir

	var logFile *os.File
	if w.Output.Appends() {
		f, err := os.OpenFile(w.Output.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, &LaunchError{Worker: w.Name, Err: fmt.Errorf("opening output file: %w", err)}
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	} else {
		cmd.Stdout = l.stdout()
		cmd.Stderr = l.stderr()
	}

	started := time.Now().UTC()
	err := cmd.Start()
	// the child holds its own descriptor now
	if logFile != nil {
		if cerr := logFile.Close(); cerr != nil {
			slog.WarnContext(ctx, "closing output file", "worker", w.Name, "path", w.Output.Path, "error", cerr)
		}
	}
	if err != nil {
		return nil, &LaunchError{Worker: w.Name, Err: err}
	}

	h := &execHandle{
		cmd:     cmd,
		started: started,
		done:    make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func (l ExecLauncher) stdout() io.Writer {
	if l.Stdout == nil {
		return os.Stdout
	}
	return l.Stdout
}

func (l ExecLauncher) stderr() io.Writer {
	if l.Stderr == nil {
		return os.Stderr
	}
	return l.Stderr
}

type execHandle struct {
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}

	mx   sync.Mutex
	code int
}

// wait reaps the process. The error of Wait carries nothing ProcessState
// does not: a non-zero exit or a signal, both reflected in ExitCode.
func (h *execHandle) wait() {
	_ = h.cmd.Wait()

	h.mx.Lock()
	h.code = -1
	if h.cmd.ProcessState != nil {
		h.code = h.cmd.ProcessState.ExitCode()
	}
	h.mx.Unlock()
	close(h.done)
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Started() time.Time {
	return h.started
}

func (h *execHandle) Exited() (int, bool) {
	select {
	case <-h.done:
	default:
		return 0, false
	}
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.code, true
}

// Terminate sends a graceful termination request. A process which has
// already exited is not an error.
func (h *execHandle) Terminate() error {
	err := terminate(h.cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (h *execHandle) Descendants() ([]Process, error) {
	return descendants(h.Pid())
}

// Wait blocks until the process exits or ctx is done. It exists for callers
// outside of the supervisor loop.
func Wait(ctx context.Context, h Handle) (int, error) {
	if eh, ok := h.(*execHandle); ok {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-eh.done:
			code, _ := eh.Exited()
			return code, nil
		}
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if code, ok := h.Exited(); ok {
			return code, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
