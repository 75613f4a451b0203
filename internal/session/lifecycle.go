package session

import (
	"context"
	"errors"
	"time"
)

// Phase is the lifecycle state of one instance.
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//	                          \-> (exit) -> Restarting -> Starting
type Phase int

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopping
	PhaseRestarting
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseRestarting:
		return "restarting"
	default:
		return "stopped"
	}
}

// instanceState outlives sessions so the backoff counter keeps growing for
// an instance that never stabilizes. Guarded by Manager.mu.
type instanceState struct {
	phase    Phase
	attempts int

	restart    *time.Timer
	restartSeq uint64
	watchdog   *time.Timer
	stable     *time.Timer

	pendingStop *StopOptions
	// discard is set by Delete while a launch is in flight
	discard bool
}

func (m *Manager) state(id string) *instanceState {
	st, ok := m.states[id]
	if !ok {
		st = &instanceState{}
		m.states[id] = st
	}
	return st
}

// Phase reports the lifecycle phase of an instance.
func (m *Manager) Phase(id string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[id]; ok {
		return st.phase
	}
	return PhaseStopped
}

// Attempts reports the current auto-restart attempt count.
func (m *Manager) Attempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[id]; ok {
		return st.attempts
	}
	return 0
}

// backoff is attempts*step, capped at the configured maximum.
func (m *Manager) backoff(attempts int) time.Duration {
	d := time.Duration(attempts) * m.cfg.BackoffStep
	if d > m.cfg.BackoffMax || d <= 0 {
		return m.cfg.BackoffMax
	}
	return d
}

func (m *Manager) cancelRestart(st *instanceState) {
	if st.restart != nil {
		st.restart.Stop()
		st.restart = nil
	}
	st.restartSeq++
	if st.stable != nil {
		st.stable.Stop()
		st.stable = nil
	}
}

func (m *Manager) cancelTimers(st *instanceState) {
	m.cancelRestart(st)
	if st.watchdog != nil {
		st.watchdog.Stop()
		st.watchdog = nil
	}
}

// scheduleRestart bumps the attempt counter and arms the backoff timer.
func (m *Manager) scheduleRestart(id string) {
	m.mu.Lock()
	st := m.state(id)
	if m.closed || st.phase != PhaseStopped || m.sessions[id] != nil {
		m.mu.Unlock()
		return
	}
	st.attempts++
	delay := m.backoff(st.attempts)
	attempt := st.attempts
	st.restartSeq++
	seq := st.restartSeq
	st.phase = PhaseRestarting
	st.restart = time.AfterFunc(delay, func() { m.fireRestart(id, seq) })
	m.mu.Unlock()

	m.logger.Info("instance will restart", "id", id, "attempt", attempt, "delay", delay)
}

func (m *Manager) fireRestart(id string, seq uint64) {
	m.mu.Lock()
	st, ok := m.states[id]
	if !ok || st.restartSeq != seq || st.phase != PhaseRestarting {
		m.mu.Unlock()
		return
	}
	st.restart = nil
	st.phase = PhaseStopped
	m.mu.Unlock()

	err := m.Start(context.Background(), id)
	if err == nil || errors.Is(err, ErrShuttingDown) {
		return
	}
	m.logger.Warn("restart failed", "id", id, "err", err)
	inst, gerr := m.store.Get(id)
	if gerr == nil && inst.AutoRestart {
		m.scheduleRestart(id)
	}
}

// armStable resets the attempt counter once s has stayed up long enough.
func (m *Manager) armStable(st *instanceState, s *Session) {
	if st.stable != nil {
		st.stable.Stop()
	}
	id := s.ID
	st.stable = time.AfterFunc(m.cfg.RestartStableAfter, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sessions[id] != s {
			return
		}
		st.attempts = 0
		st.stable = nil
	})
}

func (m *Manager) armWatchdog(st *instanceState, s *Session) {
	if st.watchdog != nil {
		st.watchdog.Stop()
	}
	st.watchdog = time.AfterFunc(m.cfg.RestartWatchdog, func() { m.fireWatchdog(s) })
}

// fireWatchdog escalates a restart whose graceful stop did not end the
// session. If even the kill produces no exit, the session is abandoned so
// the exit handler still runs exactly once.
func (m *Manager) fireWatchdog(s *Session) {
	id := s.ID
	m.mu.Lock()
	if m.sessions[id] != s {
		m.mu.Unlock()
		return
	}
	m.state(id).watchdog = nil
	m.mu.Unlock()

	m.logger.Warn("restart watchdog expired, forcing kill", "id", id, "after", m.cfg.RestartWatchdog)
	if m.OnWatchdog != nil {
		m.OnWatchdog(id)
	}

	s.tag(true, true)
	ctx, cancel := context.WithTimeout(context.Background(), m.killGrace)
	defer cancel()
	if err := s.Stop(ctx, true); err != nil {
		m.logger.Warn("watchdog kill failed", "id", id, "err", err)
	}

	select {
	case <-s.adapter.Done():
		return
	case <-time.After(m.killGrace):
	}
	m.logger.Warn("backend did not exit after kill, abandoning session", "id", id)
	m.handleExit(s, -1)
}
