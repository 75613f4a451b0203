package session

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loppo-llc/runner/internal/backend"
	"github.com/loppo-llc/runner/internal/store"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Subscriber receives a session's output. Send must not block; it reports
// false when the subscriber cannot keep up, after which the session drops
// it and calls Close.
type Subscriber interface {
	Send(id string, data []byte) bool
	Close(reason string)
}

// Session is the live runtime of one instance.
type Session struct {
	ID        string
	Name      string
	Kind      store.Kind
	CreatedAt time.Time

	adapter backend.Adapter

	mu          sync.Mutex
	replay      *RingBuffer
	subscribers map[Subscriber]struct{}

	// read by the exit handler
	userStop    bool
	userRestart bool

	// owned by the pump goroutine
	carry []byte

	exitOnce sync.Once
	exited   chan struct{}
}

type SessionInfo struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Kind        store.Kind   `json:"type"`
	Status      Status       `json:"status"`
	Backend     backend.Info `json:"backend"`
	Subscribers int          `json:"subscribers"`
	CreatedAt   string       `json:"createdAt"`
}

func startedBanner(command string) []byte {
	return []byte("\x1b[32mInstance started: " + command + "\x1b[0m\r\n\r\n")
}

// newSession wraps a started backend. banner seeds the replay buffer with
// the started line; adopted backends get none.
func newSession(inst *store.Instance, adapter backend.Adapter, scrollback int, banner bool) *Session {
	s := &Session{
		ID:          inst.ID,
		Name:        inst.Name,
		Kind:        inst.Kind,
		CreatedAt:   time.Now(),
		adapter:     adapter,
		replay:      NewRingBuffer(scrollback),
		subscribers: make(map[Subscriber]struct{}),
		exited:      make(chan struct{}),
	}
	if banner {
		s.replay.Write(startedBanner(adapter.Info().Command))
	}
	return s
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	n := len(s.subscribers)
	s.mu.Unlock()
	return SessionInfo{
		ID:          s.ID,
		Name:        s.Name,
		Kind:        s.Kind,
		Status:      StatusRunning,
		Backend:     s.adapter.Info(),
		Subscribers: n,
		CreatedAt:   s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Subscribe adds sub and hands it the whole replay buffer as one chunk.
// Both happen under the lock that orders appends, so nothing emitted
// between the snapshot and the first live chunk can be missed or repeated.
func (s *Session) Subscribe(sub Subscriber) bool {
	s.mu.Lock()
	snapshot := trimLeadingPartialRune(s.replay.Bytes())
	if !sub.Send(s.ID, snapshot) {
		s.mu.Unlock()
		sub.Close("replay too large for client queue")
		return false
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()
	return true
}

func (s *Session) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
}

// Replay returns a copy of the output so far.
func (s *Session) Replay() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return trimLeadingPartialRune(s.replay.Bytes())
}

func (s *Session) Write(data []byte) error {
	return s.adapter.Write(data)
}

func (s *Session) Resize(cols, rows uint16) error {
	return s.adapter.Resize(cols, rows)
}

func (s *Session) Stop(ctx context.Context, force bool) error {
	return s.adapter.Stop(ctx, force)
}

// Exited is closed once the exit handler for this session has finished.
func (s *Session) Exited() <-chan struct{} {
	return s.exited
}

func (s *Session) tag(userStop, userRestart bool) {
	s.mu.Lock()
	s.userStop = userStop
	s.userRestart = userRestart
	s.mu.Unlock()
}

func (s *Session) tags() (userStop, userRestart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userStop, s.userRestart
}

// append records data and fans it out in one critical section.
func (s *Session) append(data []byte) {
	var dropped []Subscriber
	s.mu.Lock()
	s.replay.Write(data)
	for sub := range s.subscribers {
		if !sub.Send(s.ID, data) {
			delete(s.subscribers, sub)
			dropped = append(dropped, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range dropped {
		sub.Close("output queue overflow")
	}
}

// pump forwards adapter output until the stream ends, then calls onExit
// with the exit code.
func (s *Session) pump(onExit func(*Session, int)) {
	for chunk := range s.adapter.Output() {
		if text := s.decode(chunk); len(text) > 0 {
			s.append(text)
		}
	}
	if len(s.carry) > 0 {
		s.append(s.carry)
		s.carry = nil
	}
	<-s.adapter.Done()
	onExit(s, s.adapter.ExitCode())
}

// decode holds back a trailing incomplete UTF-8 sequence until the next
// chunk so a rune is never split across two output messages.
func (s *Session) decode(p []byte) []byte {
	if len(s.carry) > 0 {
		p = append(s.carry, p...)
		s.carry = nil
	}
	cut := incompleteTail(p)
	if cut < len(p) {
		s.carry = append([]byte(nil), p[cut:]...)
		p = p[:cut]
	}
	return p
}

// incompleteTail returns the offset where a trailing, not yet complete
// rune starts, or len(p) if p ends on a rune boundary.
func incompleteTail(p []byte) int {
	for i := len(p) - 1; i >= 0 && i > len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return len(p)
		}
		return i
	}
	return len(p)
}

// trimLeadingPartialRune drops continuation bytes left at the front of a
// bounded buffer after wrap-around.
func trimLeadingPartialRune(p []byte) []byte {
	for i := 0; i < len(p) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(p[i]) {
			return p[i:]
		}
	}
	return p
}
