package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loppo-llc/runner/internal/backend"
	"github.com/loppo-llc/runner/internal/config"
	"github.com/loppo-llc/runner/internal/store"
)

var (
	ErrNotFound     = store.ErrNotFound
	ErrNotRunning   = errors.New("instance not running")
	ErrShuttingDown = errors.New("manager is shutting down")
)

const (
	startTimeout = 5 * time.Minute
	// how long an explicit stop waits for the exit handler before giving up
	exitWait = 10 * time.Second
	// how long the watchdog waits for an exit after its forced kill
	defaultKillGrace = 10 * time.Second
)

// Runtime creates and manages instance backends.
type Runtime interface {
	Start(ctx context.Context, inst *store.Instance, workDir string) (backend.Adapter, error)
	Running(ctx context.Context, inst *store.Instance, workDir string) (bool, error)
	StopResidual(ctx context.Context, inst *store.Instance, workDir string, force bool) error
	Remove(ctx context.Context, inst *store.Instance, workDir string) error
}

// Instances is the persisted instance config.
type Instances interface {
	List() ([]store.Instance, error)
	Get(id string) (*store.Instance, error)
	SetContainerID(id, containerID string) error
	Delete(id string) error
}

type EventType string

const (
	EventCreated EventType = "instance-created"
	EventUpdated EventType = "instance-updated"
	EventDeleted EventType = "instance-deleted"
	EventStarted EventType = "instance-started"
	EventStopped EventType = "instance-stopped"
)

type Event struct {
	Type     EventType `json:"event"`
	ID       string    `json:"id"`
	ExitCode *int      `json:"exitCode,omitempty"`
}

// Manager is the session registry and lifecycle controller.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	states   map[string]*instanceState
	history  map[string][]byte
	deleting map[string]bool
	closed   bool

	starts    singleflight.Group
	runtime   Runtime
	store     Instances
	cfg       config.Settings
	logger    *slog.Logger
	killGrace time.Duration

	// OnEvent receives lifecycle events for broadcast to every client.
	OnEvent func(Event)
	// OnSessionExit is called after a session is removed. unexpected is
	// true when no user stop or restart caused the exit.
	OnSessionExit func(s *Session, exitCode int, unexpected bool)
	// OnWatchdog is called when a restart has to be forced.
	OnWatchdog func(id string)
}

func NewManager(rt Runtime, instances Instances, cfg config.Settings, logger *slog.Logger) *Manager {
	return &Manager{
		sessions:  make(map[string]*Session),
		states:    make(map[string]*instanceState),
		history:   make(map[string][]byte),
		deleting:  make(map[string]bool),
		runtime:   rt,
		store:     instances,
		cfg:       cfg,
		logger:    logger,
		killGrace: defaultKillGrace,
	}
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) IsRunning(id string) bool {
	_, ok := m.Get(id)
	return ok
}

func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	return list
}

// History returns the output of the instance's last session, if it has
// stopped since the server started.
func (m *Manager) History(id string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[id]
	return h, ok
}

// Start launches the instance unless it is already live. Concurrent calls
// for one id share a single launch.
func (m *Manager) Start(ctx context.Context, id string) error {
	_, err, _ := m.starts.Do(id, func() (any, error) {
		return nil, m.start(context.WithoutCancel(ctx), id, false)
	})
	return err
}

// adopt attaches to a backend that is already running. Unlike Start it
// writes no banner and emits no started event.
func (m *Manager) adopt(ctx context.Context, id string) error {
	_, err, _ := m.starts.Do(id, func() (any, error) {
		return nil, m.start(context.WithoutCancel(ctx), id, true)
	})
	return err
}

func (m *Manager) start(ctx context.Context, id string, adopted bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if s, ok := m.sessions[id]; ok {
		s.mu.Lock()
		s.userStop = false
		s.mu.Unlock()
		m.mu.Unlock()
		return nil
	}
	st := m.state(id)
	st.phase = PhaseStarting
	st.pendingStop = nil
	st.discard = false
	m.mu.Unlock()

	s, inst, err := m.launch(ctx, id, !adopted)

	m.mu.Lock()
	if err != nil {
		st.phase = PhaseStopped
		m.mu.Unlock()
		return err
	}
	// a delete or shutdown ran while the backend was being created
	if deleted, closed := st.discard || m.states[id] != st, m.closed; deleted || closed {
		st.phase = PhaseStopped
		m.mu.Unlock()
		m.abandonLaunch(ctx, s, inst, deleted)
		if deleted {
			return fmt.Errorf("%w: %s deleted while starting", ErrNotFound, id)
		}
		return ErrShuttingDown
	}
	m.sessions[id] = s
	delete(m.history, id)
	m.cancelTimers(st)
	st.phase = PhaseRunning
	if st.attempts > 0 {
		m.armStable(st, s)
	}
	pending := st.pendingStop
	st.pendingStop = nil
	m.mu.Unlock()

	if cid := s.adapter.Info().ContainerID; cid != "" {
		if err := m.store.SetContainerID(id, cid); err != nil {
			m.logger.Warn("failed to record container id", "id", id, "err", err)
		}
	}
	go m.pump(s)
	if adopted {
		m.logger.Info("instance adopted", "id", id, "kind", s.Kind)
	} else {
		m.emit(Event{Type: EventStarted, ID: id})
		m.logger.Info("instance started", "id", id, "kind", s.Kind)
	}

	if pending != nil {
		return m.Stop(ctx, id, *pending)
	}
	return nil
}

// abandonLaunch disposes of a backend that was never registered. A deleted
// instance loses it outright. On shutdown it is treated like StopAll
// treats live sessions: local processes are killed, containers are left
// for Reconcile.
func (m *Manager) abandonLaunch(ctx context.Context, s *Session, inst *store.Instance, deleted bool) {
	if !deleted && s.Kind.IsContainer() {
		return
	}
	go func() {
		for range s.adapter.Output() {
		}
	}()
	if err := s.adapter.Stop(ctx, true); err != nil {
		m.logger.Warn("failed to kill abandoned backend", "id", s.ID, "err", err)
	}
	if deleted {
		if err := m.runtime.Remove(ctx, inst, m.WorkDir(inst)); err != nil {
			m.logger.Warn("failed to remove abandoned backend", "id", s.ID, "err", err)
		}
	}
	m.logger.Info("abandoned backend started during delete or shutdown", "id", s.ID, "deleted", deleted)
}

func (m *Manager) launch(ctx context.Context, id string, banner bool) (*Session, *store.Instance, error) {
	inst, err := m.store.Get(id)
	if err != nil {
		return nil, nil, err
	}
	workDir := m.WorkDir(inst)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create working directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	adapter, err := m.runtime.Start(ctx, inst, workDir)
	if err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", id, err)
	}
	return newSession(inst, adapter, m.cfg.ScrollbackLimit, banner), inst, nil
}

// WorkDir returns the instance's configured directory, or its directory
// under the workspaces root.
func (m *Manager) WorkDir(inst *store.Instance) string {
	if inst.Cwd != "" {
		return inst.Cwd
	}
	return filepath.Join(m.cfg.WorkspacesDir, inst.ID)
}

func (m *Manager) pump(s *Session) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in session pump", "id", s.ID, "panic", r)
		}
	}()
	s.pump(m.handleExit)
}

// handleExit runs the exit state machine at most once per session.
func (m *Manager) handleExit(s *Session, code int) {
	s.exitOnce.Do(func() {
		defer close(s.exited)
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("panic in exit handler", "id", s.ID, "panic", r)
			}
		}()
		m.onExit(s, code)
	})
}

func (m *Manager) onExit(s *Session, code int) {
	id := s.ID
	m.mu.Lock()
	if m.sessions[id] != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	m.history[id] = s.Replay()
	st := m.state(id)
	m.cancelTimers(st)
	st.phase = PhaseStopped
	deleting := m.deleting[id]
	closed := m.closed
	m.mu.Unlock()

	userStop, userRestart := s.tags()
	m.logger.Info("instance exited", "id", id, "exitCode", code, "userStop", userStop, "restart", userRestart)

	if s.Kind.IsContainer() && !deleting {
		if err := m.store.SetContainerID(id, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failed to clear container id", "id", id, "err", err)
		}
	}
	exitCode := code
	m.emit(Event{Type: EventStopped, ID: id, ExitCode: &exitCode})
	if m.OnSessionExit != nil {
		m.OnSessionExit(s, code, !userStop && !userRestart)
	}
	if deleting || closed {
		return
	}

	inst, err := m.store.Get(id)
	if err != nil {
		return
	}
	if inst.AutoDeleteOnExit {
		if err := m.Delete(context.Background(), id, true); err != nil {
			m.logger.Warn("auto delete failed", "id", id, "err", err)
		}
		return
	}

	if (!userStop && inst.AutoRestart) || userRestart {
		m.scheduleRestart(id)
		return
	}
	m.mu.Lock()
	st.attempts = 0
	m.mu.Unlock()
}

type StopOptions struct {
	Force bool
	// UserTriggered suppresses auto-restart.
	UserTriggered bool
	// Restart makes the exit handler start the instance again.
	Restart bool
}

// Stop ends the instance's session. With no live session it still stops
// a container backend left running outside our bookkeeping.
func (m *Manager) Stop(ctx context.Context, id string, opts StopOptions) error {
	m.mu.Lock()
	s := m.sessions[id]
	st := m.state(id)
	if opts.UserTriggered && !opts.Restart {
		// an explicit stop wins over any scheduled restart
		m.cancelTimers(st)
		if st.phase == PhaseRestarting {
			st.phase = PhaseStopped
			st.attempts = 0
		}
	} else {
		m.cancelRestart(st)
	}
	if s == nil {
		if st.phase == PhaseStarting {
			o := opts
			st.pendingStop = &o
		}
		m.mu.Unlock()

		inst, err := m.store.Get(id)
		if err != nil {
			return err
		}
		return m.runtime.StopResidual(ctx, inst, m.WorkDir(inst), opts.Force)
	}
	s.tag(opts.UserTriggered, opts.Restart)
	st.phase = PhaseStopping
	m.mu.Unlock()

	if err := s.Stop(ctx, opts.Force); err != nil {
		return fmt.Errorf("stop %s: %w", id, err)
	}
	return nil
}

// Restart gracefully stops the instance and starts it again from the exit
// handler. A watchdog forces the restart if the backend does not exit.
func (m *Manager) Restart(ctx context.Context, id string) error {
	m.mu.Lock()
	s := m.sessions[id]
	if s == nil {
		m.mu.Unlock()
		return m.Start(ctx, id)
	}
	m.armWatchdog(m.state(id), s)
	m.mu.Unlock()

	return m.Stop(ctx, id, StopOptions{UserTriggered: true, Restart: true})
}

// ForceRestart kills the instance, waits for the exit to be handled plus
// the configured delay, and starts it again.
func (m *Manager) ForceRestart(ctx context.Context, id string) error {
	s, live := m.Get(id)
	if err := m.Stop(ctx, id, StopOptions{Force: true, UserTriggered: true}); err != nil {
		return err
	}
	if live {
		select {
		case <-s.Exited():
		case <-time.After(exitWait):
			m.logger.Warn("force restart: exit not observed", "id", id)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-time.After(m.cfg.ForceRestartDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.Start(ctx, id)
}

// Interrupt sends Ctrl-C to the instance. It does nothing when the
// instance is not running.
func (m *Manager) Interrupt(id string) error {
	s, ok := m.Get(id)
	if !ok {
		m.logger.Debug("interrupt ignored, instance not running", "id", id)
		return nil
	}
	return s.Write([]byte{0x03})
}

// Delete force-stops the instance, removes its runtime resources and
// persisted config, and with deleteData its working directory when that
// lies under the workspaces root. It is safe without a live session.
func (m *Manager) Delete(ctx context.Context, id string, deleteData bool) error {
	inst, err := m.store.Get(id)
	if err != nil {
		return err
	}
	workDir := m.WorkDir(inst)

	m.mu.Lock()
	m.deleting[id] = true
	s := m.sessions[id]
	st := m.state(id)
	m.cancelTimers(st)
	if st.phase == PhaseStarting {
		st.discard = true
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.deleting, id)
		delete(m.states, id)
		delete(m.history, id)
		m.mu.Unlock()
	}()

	if s != nil {
		s.tag(true, false)
		if err := s.Stop(ctx, true); err != nil {
			m.logger.Warn("delete: kill failed", "id", id, "err", err)
		}
		select {
		case <-s.Exited():
		case <-time.After(exitWait):
			m.logger.Warn("delete: exit not observed", "id", id)
		}
	} else if err := m.runtime.StopResidual(ctx, inst, workDir, true); err != nil {
		m.logger.Warn("delete: stop residual backend failed", "id", id, "err", err)
	}

	if err := m.runtime.Remove(ctx, inst, workDir); err != nil {
		m.logger.Warn("delete: remove backend resources failed", "id", id, "err", err)
	}
	if deleteData {
		m.removeWorkDir(id, workDir)
	}
	if err := m.store.Delete(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	m.emit(Event{Type: EventDeleted, ID: id})
	m.logger.Info("instance deleted", "id", id, "deleteData", deleteData)
	return nil
}

func (m *Manager) removeWorkDir(id, workDir string) {
	root, err := filepath.Abs(m.cfg.WorkspacesDir)
	if err != nil {
		return
	}
	dir, err := filepath.Abs(workDir)
	if err != nil {
		return
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		m.logger.Info("working directory outside workspaces kept", "id", id, "dir", workDir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("failed to remove working directory", "id", id, "err", err)
	}
}

// StopAll ends local sessions on shutdown. Container sessions are left
// running; Reconcile adopts them on the next boot.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	for _, st := range m.states {
		m.cancelTimers(st)
	}
	var local []*Session
	for _, s := range m.sessions {
		if !s.Kind.IsContainer() {
			local = append(local, s)
		}
	}
	m.mu.Unlock()

	for _, s := range local {
		s.tag(true, false)
		if err := s.Stop(ctx, false); err != nil {
			m.logger.Debug("graceful stop failed", "id", s.ID, "err", err)
		}
	}
	for _, s := range local {
		select {
		case <-s.Exited():
		case <-time.After(5 * time.Second):
			_ = s.Stop(ctx, true)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) emit(ev Event) {
	if m.OnEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in event callback", "event", ev.Type, "panic", r)
		}
	}()
	m.OnEvent(ev)
}

// Notify emits an event for changes made outside the manager, such as
// config edits.
func (m *Manager) Notify(ev Event) {
	m.emit(ev)
}
