package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/loppo-llc/runner/internal/backend"
	"github.com/loppo-llc/runner/internal/config"
	"github.com/loppo-llc/runner/internal/permission"
	"github.com/loppo-llc/runner/internal/session"
	"github.com/loppo-llc/runner/internal/store"
)

type fakeAdapter struct {
	out  chan []byte
	done chan struct{}

	mu     sync.Mutex
	input  bytes.Buffer
	resize [2]uint16
	code   int
	once   sync.Once
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{out: make(chan []byte, 64), done: make(chan struct{})}
}

func (a *fakeAdapter) Output() <-chan []byte { return a.out }
func (a *fakeAdapter) Done() <-chan struct{} { return a.done }
func (a *fakeAdapter) Info() backend.Info    { return backend.Info{Command: "fake", TTY: true} }

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

func (a *fakeAdapter) Resize(cols, rows uint16) error {
	a.mu.Lock()
	a.resize = [2]uint16{cols, rows}
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Stop(_ context.Context, _ bool) error {
	go a.exit(0)
	return nil
}

func (a *fakeAdapter) exit(code int) {
	a.once.Do(func() {
		a.mu.Lock()
		a.code = code
		a.mu.Unlock()
		close(a.out)
		close(a.done)
	})
}

func (a *fakeAdapter) written() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.input.String()
}

type fakeRuntime struct {
	mu       sync.Mutex
	adapters map[string]*fakeAdapter
}

func (r *fakeRuntime) Start(_ context.Context, inst *store.Instance, _ string) (backend.Adapter, error) {
	a := newFakeAdapter()
	r.mu.Lock()
	r.adapters[inst.ID] = a
	r.mu.Unlock()
	return a, nil
}

func (r *fakeRuntime) adapter(id string) *fakeAdapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapters[id]
}

func (r *fakeRuntime) Running(context.Context, *store.Instance, string) (bool, error) {
	return false, nil
}

func (r *fakeRuntime) StopResidual(context.Context, *store.Instance, string, bool) error {
	return nil
}

func (r *fakeRuntime) Remove(context.Context, *store.Instance, string) error {
	return nil
}

type fixture struct {
	ts  *httptest.Server
	mgr *session.Manager
	rt  *fakeRuntime
	st  *store.Store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture serves two instances: "a" visible to viewer (read-only) and
// writer (read-write), "b" visible to admins only.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	users := []map[string]string{
		{"id": "u-admin", "username": "admin", "role": "admin", "token": "admin-token"},
		{"id": "u-viewer", "username": "viewer", "role": "user", "token": "viewer-token"},
		{"id": "u-writer", "username": "writer", "role": "user", "token": "writer-token"},
	}
	data, _ := json.Marshal(users)
	if err := os.WriteFile(filepath.Join(dir, "users.json"), data, 0o600); err != nil {
		t.Fatal(err)
	}

	st := store.New(dir, testLogger())
	for _, inst := range []store.Instance{
		{ID: "a", Name: "alpha", Kind: store.KindShell, Command: "run a", Permissions: map[string]permission.Grant{
			"u-viewer": {Terminal: permission.ReadOnly},
			"u-writer": {Terminal: permission.ReadWrite},
		}},
		{ID: "b", Name: "beta", Kind: store.KindShell, Command: "run b"},
	} {
		if err := st.Put(inst); err != nil {
			t.Fatal(err)
		}
	}

	rt := &fakeRuntime{adapters: make(map[string]*fakeAdapter)}
	cfg := config.Settings{
		DataDir:            dir,
		WorkspacesDir:      filepath.Join(dir, "workspaces"),
		RestartWatchdog:    time.Second,
		BackoffStep:        20 * time.Millisecond,
		BackoffMax:         100 * time.Millisecond,
		RestartStableAfter: 100 * time.Millisecond,
		ForceRestartDelay:  10 * time.Millisecond,
	}
	mgr := session.NewManager(rt, st, cfg, testLogger())
	srv := New(Config{
		Logger:   testLogger(),
		Version:  "test",
		Sessions: mgr,
		Store:    st,
		Users:    store.NewUsers(dir),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.StopAll(ctx)
	})
	return &fixture{ts: ts, mgr: mgr, rt: rt, st: st}
}

func (f *fixture) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/ws?token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func (f *fixture) start(t *testing.T, id string) *fakeAdapter {
	t.Helper()
	if err := f.mgr.Start(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	a := f.rt.adapter(id)
	if a == nil {
		t.Fatal("backend not started")
	}
	return a
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatal(err)
	}
}

type frame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Data    string `json:"data"`
	Event   string `json:"event"`
	Message string `json:"message"`
}

// next reads frames until match accepts one.
func next(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f frame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("bad frame %q: %v", b, err)
		}
		if match(f) {
			return f
		}
	}
}

func ofType(typ string) func(frame) bool {
	return func(f frame) bool { return f.Type == typ }
}

func TestServer_WebSocketRequiresToken(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/ws?token=bogus"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("dial with a bad token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v", resp)
	}
}

func TestServer_SubscribeReplaysThenStreams(t *testing.T) {
	f := newFixture(t)
	a := f.start(t, "a")
	a.out <- []byte("hello ")

	// let the pump record the chunk before subscribing
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, _ := f.mgr.Get("a")
		if strings.Contains(string(s.Replay()), "hello") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("output never reached the replay buffer")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn := f.dial(t, "viewer-token")
	send(t, conn, map[string]string{"type": "subscribe", "id": "a"})
	replay := next(t, conn, ofType("output"))
	if replay.ID != "a" || !strings.Contains(replay.Data, "Instance started: fake") || !strings.HasSuffix(replay.Data, "hello ") {
		t.Fatalf("replay = %+v", replay)
	}

	a.out <- []byte("world")
	live := next(t, conn, ofType("output"))
	if live.Data != "world" {
		t.Errorf("live = %q", live.Data)
	}

	send(t, conn, map[string]string{"type": "unsubscribe", "id": "a"})
	// a no-op resize round-trips through the read loop, so the unsubscribe
	// has been applied by the time its error comes back
	send(t, conn, map[string]any{"type": "resize", "id": "a", "cols": 0, "rows": 0})
	next(t, conn, ofType("error"))
	a.out <- []byte("unseen")
	send(t, conn, map[string]any{"type": "bogus"})
	got := next(t, conn, func(f frame) bool { return f.Type == "output" || f.Type == "error" })
	if got.Type != "error" {
		t.Errorf("output delivered after unsubscribe: %+v", got)
	}
}

// A read-only user may watch but not type.
func TestServer_ReadOnlyInputDenied(t *testing.T) {
	f := newFixture(t)
	a := f.start(t, "a")

	viewer := f.dial(t, "viewer-token")
	send(t, viewer, map[string]string{"type": "subscribe", "id": "a"})
	next(t, viewer, ofType("output"))

	send(t, viewer, map[string]string{"type": "input", "id": "a", "data": "rm -rf /\n"})
	e := next(t, viewer, ofType("error"))
	if !strings.Contains(e.Message, permission.ErrDenied.Error()) {
		t.Errorf("error = %q", e.Message)
	}
	if a.written() != "" {
		t.Fatalf("backend received %q", a.written())
	}

	// the connection is still usable
	send(t, viewer, map[string]any{"type": "resize", "id": "a", "cols": 100, "rows": 40})
	deadline := time.Now().Add(5 * time.Second)
	for {
		a.mu.Lock()
		size := a.resize
		a.mu.Unlock()
		if size == [2]uint16{100, 40} {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("resize not applied: %v", size)
		}
		time.Sleep(5 * time.Millisecond)
	}

	writer := f.dial(t, "writer-token")
	send(t, writer, map[string]string{"type": "input", "id": "a", "data": "ls\n"})
	deadline = time.Now().Add(5 * time.Second)
	for a.written() != "ls\n" {
		if time.Now().After(deadline) {
			t.Fatalf("writer input not delivered: %q", a.written())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_SubscribeDeniedWithoutGrant(t *testing.T) {
	f := newFixture(t)
	f.start(t, "b")
	conn := f.dial(t, "viewer-token")
	send(t, conn, map[string]string{"type": "subscribe", "id": "b"})
	e := next(t, conn, func(f frame) bool { return f.Type == "error" || f.Type == "output" })
	if e.Type != "error" {
		t.Fatalf("got %+v, want error", e)
	}
	send(t, conn, "not an object")
	if e := next(t, conn, ofType("error")); e.Message != "malformed message" {
		t.Errorf("malformed frame error = %q", e.Message)
	}
}

func TestServer_LifecycleEventsReachEveryClient(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "viewer-token")

	resp, _ := f.request(t, http.MethodPost, "/api/v1/instances/b/action", "admin-token", map[string]string{"action": "start"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	ev := next(t, conn, ofType("event"))
	if ev.Event != string(session.EventStarted) || ev.ID != "b" {
		t.Errorf("event = %+v", ev)
	}

	resp, _ = f.request(t, http.MethodPost, "/api/v1/instances/b/action", "admin-token", map[string]string{"action": "stop"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	ev = next(t, conn, ofType("event"))
	if ev.Event != string(session.EventStopped) || ev.ID != "b" {
		t.Errorf("event = %+v", ev)
	}
}

func TestServer_SubscribeStoppedInstanceSendsHistory(t *testing.T) {
	f := newFixture(t)
	a := f.start(t, "a")
	a.out <- []byte("last words")
	a.exit(0)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := f.mgr.History("a"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no history recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn := f.dial(t, "viewer-token")
	send(t, conn, map[string]string{"type": "subscribe", "id": "a"})
	out := next(t, conn, ofType("output"))
	if !strings.HasSuffix(out.Data, "last words") {
		t.Errorf("history = %q", out.Data)
	}
}

func TestServer_ListInstancesFiltersByPermission(t *testing.T) {
	f := newFixture(t)
	f.start(t, "a")

	resp, body := f.request(t, http.MethodGet, "/api/v1/instances", "viewer-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	list := body["instances"].([]any)
	if len(list) != 1 {
		t.Fatalf("viewer sees %d instances", len(list))
	}
	inst := list[0].(map[string]any)
	if inst["id"] != "a" || inst["status"] != "running" || inst["permission"] != "read-only" {
		t.Errorf("instance = %v", inst)
	}
	if _, ok := inst["permissions"]; ok {
		t.Error("grants leaked to a non-admin")
	}

	_, body = f.request(t, http.MethodGet, "/api/v1/instances", "admin-token", nil)
	if n := len(body["instances"].([]any)); n != 2 {
		t.Errorf("admin sees %d instances", n)
	}

	resp, _ = f.request(t, http.MethodGet, "/api/v1/instances", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d", resp.StatusCode)
	}
}

func TestServer_ActionPermissions(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.request(t, http.MethodPost, "/api/v1/instances/a/action", "writer-token", map[string]string{"action": "start"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("read-write start status = %d", resp.StatusCode)
	}
	resp, _ = f.request(t, http.MethodPost, "/api/v1/instances/a/action", "admin-token", map[string]string{"action": "explode"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown action status = %d", resp.StatusCode)
	}
	resp, _ = f.request(t, http.MethodPost, "/api/v1/instances/a/action", "admin-token", map[string]string{"action": "interrupt"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("interrupt of stopped instance status = %d, want a no-op", resp.StatusCode)
	}
	resp, _ = f.request(t, http.MethodPost, "/api/v1/instances/zzz/action", "admin-token", map[string]string{"action": "start"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown instance status = %d", resp.StatusCode)
	}
	if f.mgr.IsRunning("a") {
		t.Error("denied action started the instance")
	}
}

func TestServer_PutAndDeleteInstance(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "admin-token")

	inst := map[string]any{"name": "gamma", "type": "shell", "command": "sleep 1"}
	resp, _ := f.request(t, http.MethodPut, "/api/v1/instances/c", "viewer-token", inst)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin put status = %d", resp.StatusCode)
	}
	resp, body := f.request(t, http.MethodPut, "/api/v1/instances/c", "admin-token", inst)
	if resp.StatusCode != http.StatusOK || body["id"] != "c" {
		t.Fatalf("put status = %d body = %v", resp.StatusCode, body)
	}
	if ev := next(t, conn, ofType("event")); ev.Event != string(session.EventCreated) || ev.ID != "c" {
		t.Errorf("event = %+v", ev)
	}
	f.request(t, http.MethodPut, "/api/v1/instances/c", "admin-token", inst)
	if ev := next(t, conn, ofType("event")); ev.Event != string(session.EventUpdated) {
		t.Errorf("event = %+v", ev)
	}

	resp, _ = f.request(t, http.MethodPut, "/api/v1/instances/d", "admin-token", map[string]any{"type": "vm"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad type status = %d", resp.StatusCode)
	}

	resp, _ = f.request(t, http.MethodDelete, "/api/v1/instances/c", "admin-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if ev := next(t, conn, ofType("event")); ev.Event != string(session.EventDeleted) {
		t.Errorf("event = %+v", ev)
	}
	if _, err := f.st.Get("c"); err == nil {
		t.Error("instance still stored")
	}
}

func TestServer_InstanceOutput(t *testing.T) {
	f := newFixture(t)
	a := f.start(t, "a")
	a.out <- []byte("progress 50%")

	deadline := time.Now().Add(5 * time.Second)
	for {
		req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/v1/instances/a/output", nil)
		req.Header.Set("Authorization", "Bearer viewer-token")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if strings.HasSuffix(string(b), "progress 50%") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("output = %q", b)
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, _ := f.request(t, http.MethodGet, "/api/v1/instances/b/output", "viewer-token", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("ungranted output status = %d", resp.StatusCode)
	}
}

func TestHub_BroadcastExclusion(t *testing.T) {
	h := NewHub()
	a := &client{id: "a", queue: make(chan []byte, 4), done: make(chan struct{}), logger: testLogger()}
	b := &client{id: "b", queue: make(chan []byte, 1), done: make(chan struct{}), logger: testLogger()}
	h.add(a)
	h.add(b)

	h.Broadcast(map[string]string{"type": "system-stats"}, map[string]bool{"a": true})
	if len(a.queue) != 0 || len(b.queue) != 1 {
		t.Fatalf("queues a=%d b=%d", len(a.queue), len(b.queue))
	}

	// b's queue is full: the next frame disconnects it
	h.Broadcast(map[string]string{"type": "system-stats"}, nil)
	select {
	case <-b.done:
	default:
		t.Fatal("overflowing client was not closed")
	}
	if b.reason == "" {
		t.Error("close reason not recorded")
	}

	h.SendTo([]string{"a", "missing"}, map[string]string{"type": "instance-stats"})
	if len(a.queue) != 2 {
		t.Errorf("a queue = %d", len(a.queue))
	}
}
