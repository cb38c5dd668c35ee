package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/CZERTAINLY/conductor/internal/proc"
	"github.com/CZERTAINLY/conductor/internal/registry"
	"github.com/CZERTAINLY/conductor/internal/supervisor"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	mx         sync.Mutex
	pid        int
	terminated int
	err        error
}

func (p *fakeProcess) Pid() int {
	return p.pid
}

func (p *fakeProcess) Terminate() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.terminated++
	return p.err
}

func (p *fakeProcess) Terminated() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.terminated
}

type fakeHandle struct {
	fakeProcess
	started     time.Time
	exited      bool
	code        int
	polls       int
	children    []proc.Process
	childrenErr error
}

func (h *fakeHandle) Started() time.Time {
	return h.started
}

func (h *fakeHandle) Exited() (int, bool) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.polls++
	return h.code, h.exited
}

func (h *fakeHandle) Descendants() ([]proc.Process, error) {
	return h.children, h.childrenErr
}

// Exit makes the next Exited call report code.
func (h *fakeHandle) Exit(code int) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.exited = true
	h.code = code
}

func (h *fakeHandle) Polls() int {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.polls
}

// fakeLauncher never starts a process. Launch fails for names listed in
// fail, panics for names listed in panics.
type fakeLauncher struct {
	mx       sync.Mutex
	now      func() time.Time
	nextPid  int
	fail     map[string]error
	panics   map[string]bool
	handles  map[string]*fakeHandle
	launches []string
	at       map[string]time.Time
	children map[string][]proc.Process
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		now:      time.Now,
		nextPid:  100,
		fail:     make(map[string]error),
		panics:   make(map[string]bool),
		handles:  make(map[string]*fakeHandle),
		at:       make(map[string]time.Time),
		children: make(map[string][]proc.Process),
	}
}

func (l *fakeLauncher) Launch(_ context.Context, w model.Worker) (proc.Handle, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.launches = append(l.launches, w.Name)
	if l.panics[w.Name] {
		panic("launcher exploded")
	}
	if err, ok := l.fail[w.Name]; ok {
		return nil, &proc.LaunchError{Worker: w.Name, Err: err}
	}
	l.nextPid++
	h := &fakeHandle{
		fakeProcess: fakeProcess{pid: l.nextPid},
		started:     l.now(),
		children:    l.children[w.Name],
	}
	l.handles[w.Name] = h
	l.at[w.Name] = l.now()
	return h, nil
}

func (l *fakeLauncher) Handle(name string) *fakeHandle {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.handles[name]
}

func (l *fakeLauncher) Launches() []string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]string(nil), l.launches...)
}

func (l *fakeLauncher) LaunchedAt(name string) (time.Time, bool) {
	l.mx.Lock()
	defer l.mx.Unlock()
	at, ok := l.at[name]
	return at, ok
}

var errNoExec = errors.New("executable file not found in $PATH")

// clock is a manually advanced clock for Tick driven tests.
type clock struct {
	t time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func worker(name string, delay time.Duration, deps ...string) model.Worker {
	return model.Worker{
		Name:         name,
		Command:      []string{name},
		Dependencies: deps,
		Delay:        model.Duration(delay),
	}
}

func mustRegistry(t *testing.T, workers ...model.Worker) *registry.Registry {
	t.Helper()
	reg, err := registry.New(workers)
	require.NoError(t, err)
	return reg
}

func requireState(t *testing.T, s *supervisor.Supervisor, name string, want model.State) {
	t.Helper()
	got, ok := s.State(name)
	require.True(t, ok, "unknown worker %s", name)
	require.Equal(t, want.String(), got.String(), "worker %s", name)
}

type recorder struct {
	mx     sync.Mutex
	events []supervisor.Event
	err    error
}

func (r *recorder) Record(_ context.Context, e supervisor.Event) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) Events() []supervisor.Event {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]supervisor.Event(nil), r.events...)
}
