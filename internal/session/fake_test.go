package session

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loppo-llc/runner/internal/backend"
	"github.com/loppo-llc/runner/internal/config"
	"github.com/loppo-llc/runner/internal/store"
)

type fakeAdapter struct {
	out  chan []byte
	done chan struct{}
	info backend.Info

	ignoreGraceful bool
	ignoreForce    bool

	mu    sync.Mutex
	code  int
	input bytes.Buffer
	stops []bool
	once  sync.Once
}

func newFakeAdapter(command string) *fakeAdapter {
	return &fakeAdapter{
		out:  make(chan []byte, 256),
		done: make(chan struct{}),
		info: backend.Info{Command: command, TTY: true},
	}
}

func (a *fakeAdapter) Output() <-chan []byte { return a.out }
func (a *fakeAdapter) Done() <-chan struct{} { return a.done }
func (a *fakeAdapter) Info() backend.Info    { return a.info }

func (a *fakeAdapter) ExitCode() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.code
}

func (a *fakeAdapter) Write(p []byte) error {
	a.mu.Lock()
	a.input.Write(p)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Resize(cols, rows uint16) error { return nil }

func (a *fakeAdapter) Stop(_ context.Context, force bool) error {
	a.mu.Lock()
	a.stops = append(a.stops, force)
	a.mu.Unlock()
	switch {
	case force && !a.ignoreForce:
		go a.exit(137)
	case !force && !a.ignoreGraceful:
		go a.exit(130)
	}
	return nil
}

func (a *fakeAdapter) emit(s string) { a.out <- []byte(s) }

func (a *fakeAdapter) exit(code int) {
	a.once.Do(func() {
		a.mu.Lock()
		a.code = code
		a.mu.Unlock()
		close(a.out)
		close(a.done)
	})
}

func (a *fakeAdapter) stopCalls() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.stops...)
}

func (a *fakeAdapter) written() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.input.String()
}

type fakeRuntime struct {
	mu             sync.Mutex
	starts         int
	adapters       []*fakeAdapter
	delay          time.Duration
	fail           error
	ignoreGraceful bool
	ignoreForce    bool
	onStart        func(*fakeAdapter)
	running        map[string]bool
	residual       []string
	removed        []string
	started        chan *fakeAdapter
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		running: make(map[string]bool),
		started: make(chan *fakeAdapter, 64),
	}
}

func (r *fakeRuntime) Start(_ context.Context, inst *store.Instance, _ string) (backend.Adapter, error) {
	r.mu.Lock()
	r.starts++
	delay, fail := r.delay, r.fail
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail != nil {
		return nil, fail
	}
	a := newFakeAdapter(inst.Command)
	a.ignoreGraceful = r.ignoreGraceful
	a.ignoreForce = r.ignoreForce

	r.mu.Lock()
	r.adapters = append(r.adapters, a)
	onStart := r.onStart
	r.mu.Unlock()
	if onStart != nil {
		onStart(a)
	}
	r.started <- a
	return a, nil
}

func (r *fakeRuntime) Running(_ context.Context, inst *store.Instance, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[inst.ID], nil
}

func (r *fakeRuntime) StopResidual(_ context.Context, inst *store.Instance, _ string, _ bool) error {
	r.mu.Lock()
	r.residual = append(r.residual, inst.ID)
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) Remove(_ context.Context, inst *store.Instance, _ string) error {
	r.mu.Lock()
	r.removed = append(r.removed, inst.ID)
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *fakeRuntime) next(t *testing.T) *fakeAdapter {
	t.Helper()
	select {
	case a := <-r.started:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("backend was not started")
		return nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 256)}
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

// wait returns the next event of type typ, skipping others.
func (r *recorder) wait(t *testing.T, typ EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", typ, timeout)
			return Event{}
		}
	}
}

// none asserts that no event of type typ arrives within d.
func (r *recorder) none(t *testing.T, typ EventType, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				t.Fatalf("unexpected %s event for %s", typ, ev.ID)
			}
		case <-deadline:
			return
		}
	}
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fakeSub struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	limit  int
	sends  int
	closed string
}

func (s *fakeSub) Send(_ string, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && s.sends >= s.limit {
		return false
	}
	s.sends++
	s.buf.Write(data)
	return true
}

func (s *fakeSub) Close(reason string) {
	s.mu.Lock()
	s.closed = reason
	s.mu.Unlock()
}

func (s *fakeSub) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings(dir string) config.Settings {
	return config.Settings{
		DataDir:            dir,
		WorkspacesDir:      filepath.Join(dir, "workspaces"),
		RestartWatchdog:    time.Second,
		BackoffStep:        20 * time.Millisecond,
		BackoffMax:         100 * time.Millisecond,
		RestartStableAfter: 150 * time.Millisecond,
		ForceRestartDelay:  10 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, rt Runtime, insts ...store.Instance) (*Manager, *recorder, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st := store.New(dir, testLogger())
	for _, inst := range insts {
		if err := st.Put(inst); err != nil {
			t.Fatal(err)
		}
	}
	m := NewManager(rt, st, testSettings(dir), testLogger())
	m.killGrace = 100 * time.Millisecond
	rec := newRecorder()
	m.OnEvent = rec.record
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.StopAll(ctx)
	})
	return m, rec, st
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
