package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/CZERTAINLY/conductor/internal/proc"
	"github.com/CZERTAINLY/conductor/internal/registry"
)

var ErrTickPanic = errors.New("tick panicked")

// Event is a worker lifecycle transition passed to a Recorder.
type Event struct {
	Worker   string
	State    model.State
	Pid      int
	At       time.Time
	ExitCode *int
	Reason   string
}

// Recorder persists worker lifecycle events. It is called from the
// supervisor loop, so it must return quickly.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

type runInfo struct {
	pid      int
	started  time.Time
	stopped  time.Time
	exitCode *int
	reason   string
}

// Supervisor owns the runtime state of all workers. All the state is
// mutated by the goroutine running Do (or calling Tick, Poll, Stop and
// StopAll directly); other goroutines read it through Snapshot.
type Supervisor struct {
	workers  []model.Worker
	launcher proc.Launcher
	recorder Recorder
	now      func() time.Time
	cfg      model.Supervisor
	policy   Policy

	states  map[string]model.State
	handles map[string]proc.Handle
	anchors map[string]time.Time
	runs    map[string]*runInfo

	snapshot atomic.Pointer[Snapshot]
}

type Option func(*Supervisor)

// WithOptions applies intervals and policies, zero values keep the defaults.
func WithOptions(cfg model.Supervisor) Option {
	return func(s *Supervisor) {
		s.cfg = cfg.WithDefaults()
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Supervisor) {
		s.recorder = r
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

func New(reg *registry.Registry, launcher proc.Launcher, opts ...Option) *Supervisor {
	workers := reg.Workers()
	s := &Supervisor{
		workers:  workers,
		launcher: launcher,
		now:      time.Now,
		cfg:      model.Supervisor{}.WithDefaults(),
		states:   make(map[string]model.State, len(workers)),
		handles:  make(map[string]proc.Handle, len(workers)),
		anchors:  make(map[string]time.Time, len(workers)),
		runs:     make(map[string]*runInfo, len(workers)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.policy = Policy{
		FailurePolicy: s.cfg.FailurePolicy,
		DelayAnchor:   s.cfg.DelayAnchor,
	}
	for _, w := range workers {
		s.states[w.Name] = model.Pending
		s.runs[w.Name] = &runInfo{}
	}
	s.publish(s.now())
	return s
}

// Do runs the supervisor loop until ctx is done. On cancellation every
// running worker is stopped and nil is returned. With the shutdown failure
// policy the first worker failure stops all workers and its error is
// returned.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor",
		"workers", len(s.workers),
		"fast_interval", s.cfg.FastInterval.String(),
		"slow_interval", s.cfg.SlowInterval.String(),
		"failure_policy", s.cfg.FailurePolicy,
		"delay_anchor", s.cfg.DelayAnchor)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "gracefully shutting down all workers")
			s.StopAll(context.WithoutCancel(ctx))
			return nil
		case <-timer.C:
		}

		interval, err := s.safeTick(ctx)
		switch {
		case errors.Is(err, model.ErrWorkerFailed):
			slog.ErrorContext(ctx, "shutting down after worker failure", "error", err)
			s.StopAll(context.WithoutCancel(ctx))
			return err
		case err != nil:
			interval = s.cfg.BackoffInterval.Std()
			slog.ErrorContext(ctx, "tick failed: backing off", "error", err, "backoff", interval.String())
		}
		timer.Reset(interval)
	}
}

func (s *Supervisor) safeTick(ctx context.Context) (interval time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTickPanic, r)
		}
	}()
	return s.Tick(ctx)
}

// Tick runs one scheduling round: health poll of running workers, then a
// launch attempt of every pending worker in registration order. It returns
// the interval to sleep before the next round, the slow one once every
// worker is Running or Finished.
func (s *Supervisor) Tick(ctx context.Context) (time.Duration, error) {
	failed := s.poll(ctx)

	now := s.now()
	for _, w := range s.workers {
		d := Decide(w, s.states, s.anchors, now, s.policy)
		if d.SetAnchor {
			s.anchors[w.Name] = d.Anchor
		}
		switch {
		case d.Fail:
			s.failPending(ctx, w.Name, "dependency "+d.FailedDep+" failed", now)
		case d.Launch:
			if !s.launch(ctx, w) {
				failed = append(failed, w.Name)
			}
		}
	}

	s.publish(now)

	if len(failed) > 0 && s.policy.FailurePolicy == model.FailureShutdown {
		return 0, fmt.Errorf("%w: %s", model.ErrWorkerFailed, strings.Join(failed, ", "))
	}
	if s.Settled() {
		return s.cfg.SlowInterval.Std(), nil
	}
	return s.cfg.FastInterval.Std(), nil
}

// Poll checks every running worker without waiting on it. An exit with
// model.ExitSuccess makes the worker Finished, any other exit Failed.
func (s *Supervisor) Poll(ctx context.Context) {
	_ = s.poll(ctx)
	s.publish(s.now())
}

func (s *Supervisor) poll(ctx context.Context) (failed []string) {
	for _, w := range s.workers {
		h, ok := s.handles[w.Name]
		if !ok {
			continue
		}
		code, exited := h.Exited()
		if !exited {
			continue
		}

		delete(s.handles, w.Name)
		run := s.runs[w.Name]
		run.stopped = s.now()
		run.exitCode = &code
		if code == model.ExitSuccess {
			slog.InfoContext(ctx, "worker finished successfully", "worker", w.Name, "pid", run.pid)
			s.states[w.Name] = model.Finished
		} else {
			slog.ErrorContext(ctx, "worker exited with error", "worker", w.Name, "pid", run.pid, "exit_code", code)
			s.states[w.Name] = model.Failed
			run.reason = fmt.Sprintf("exit code %d", code)
			failed = append(failed, w.Name)
		}
		s.record(ctx, w.Name)
	}
	return failed
}

func (s *Supervisor) launch(ctx context.Context, w model.Worker) bool {
	slog.InfoContext(ctx, "starting worker", "worker", w.Name, "command", w.Command)
	run := s.runs[w.Name]

	h, err := s.launcher.Launch(ctx, w)
	if err != nil {
		slog.ErrorContext(ctx, "failed to start worker", "worker", w.Name, "error", err)
		s.states[w.Name] = model.Failed
		run.stopped = s.now()
		run.reason = err.Error()
		s.record(ctx, w.Name)
		return false
	}

	s.handles[w.Name] = h
	s.states[w.Name] = model.Running
	run.pid = h.Pid()
	run.started = h.Started()
	slog.InfoContext(ctx, "worker started", "worker", w.Name, "pid", run.pid)
	s.record(ctx, w.Name)
	return true
}

func (s *Supervisor) failPending(ctx context.Context, name, reason string, now time.Time) {
	slog.WarnContext(ctx, "worker will not start", "worker", name, "reason", reason)
	s.states[name] = model.Failed
	run := s.runs[name]
	run.stopped = now
	run.reason = reason
	s.record(ctx, name)
}

// Stop asks the named worker and every process it spawned to terminate.
// Failures are logged and do not interrupt the sequence. The worker is
// marked Stopped and its handle released right away, without waiting for
// the processes to exit. Stop reports whether the worker was running.
func (s *Supervisor) Stop(ctx context.Context, name string) bool {
	h, ok := s.handles[name]
	if !ok {
		slog.DebugContext(ctx, "worker is not running", "worker", name)
		return false
	}

	// enumerate first, the tree may fall apart once the parent is gone
	descendants, err := h.Descendants()
	if err != nil {
		slog.WarnContext(ctx, "listing worker descendants", "worker", name, "pid", h.Pid(), "error", err)
	}

	if err := h.Terminate(); err != nil {
		slog.ErrorContext(ctx, "terminating worker", "worker", name, "pid", h.Pid(), "error", err)
	}
	for _, d := range descendants {
		if err := d.Terminate(); err != nil {
			slog.ErrorContext(ctx, "terminating worker descendant", "worker", name, "pid", d.Pid(), "error", err)
		}
	}

	delete(s.handles, name)
	s.states[name] = model.Stopped
	run := s.runs[name]
	run.stopped = s.now()
	run.reason = "stopped"
	slog.InfoContext(ctx, "terminated worker", "worker", name, "pid", h.Pid(), "descendants", len(descendants))
	s.record(ctx, name)
	s.publish(s.now())
	return true
}

// StopAll stops every running worker.
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, w := range s.workers {
		if _, ok := s.handles[w.Name]; ok {
			s.Stop(ctx, w.Name)
		}
	}
	s.publish(s.now())
}

// Settled reports whether every worker is Running or Finished.
func (s *Supervisor) Settled() bool {
	for _, st := range s.states {
		if !st.Satisfies() {
			return false
		}
	}
	return true
}

// State returns the state of the named worker.
func (s *Supervisor) State(name string) (model.State, bool) {
	st, ok := s.states[name]
	return st, ok
}

// Running returns the names of workers with a tracked process handle.
func (s *Supervisor) Running() []string {
	var names []string
	for _, w := range s.workers {
		if _, ok := s.handles[w.Name]; ok {
			names = append(names, w.Name)
		}
	}
	return names
}

// Snapshot returns the state published by the last tick. It is safe to
// call from any goroutine.
func (s *Supervisor) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

func (s *Supervisor) publish(now time.Time) {
	snap := &Snapshot{
		Taken:   now.UTC(),
		Settled: s.Settled(),
		Workers: make([]WorkerStatus, 0, len(s.workers)),
	}
	for _, w := range s.workers {
		snap.Workers = append(snap.Workers, s.status(w))
	}
	s.snapshot.Store(snap)
}

func (s *Supervisor) status(w model.Worker) WorkerStatus {
	run := s.runs[w.Name]
	st := WorkerStatus{
		Name:         w.Name,
		State:        s.states[w.Name],
		Dependencies: w.Dependencies,
		Pid:          run.pid,
		Reason:       run.reason,
	}
	if !run.started.IsZero() {
		started := run.started.UTC()
		st.Started = &started
	}
	if !run.stopped.IsZero() {
		stopped := run.stopped.UTC()
		st.Stopped = &stopped
	}
	if run.exitCode != nil {
		code := *run.exitCode
		st.ExitCode = &code
	}
	return st
}

func (s *Supervisor) record(ctx context.Context, name string) {
	if s.recorder == nil {
		return
	}
	run := s.runs[name]
	e := Event{
		Worker:   name,
		State:    s.states[name],
		Pid:      run.pid,
		ExitCode: run.exitCode,
		Reason:   run.reason,
		At:       run.stopped,
	}
	if e.State == model.Running {
		e.At = run.started
	}
	if err := s.recorder.Record(ctx, e); err != nil {
		slog.WarnContext(ctx, "recording worker event failed", "worker", name, "state", e.State.String(), "error", err)
	}
}
