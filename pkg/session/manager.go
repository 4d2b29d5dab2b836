package session

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is how long a session may go without activity.
const DefaultTimeout = 3 * time.Minute

// ErrDuplicate is returned when registering an id that is already live.
var ErrDuplicate = errors.New("session already registered")

var (
	activeSessions  = expvar.NewInt("sessions_active")
	evictedSessions = expvar.NewMap("sessions_evicted")
)

// Clock returns the current time. Tests inject a fake.
type Clock func() time.Time

// Manager is the registry of live sessions. It is safe for concurrent use.
type Manager struct {
	timeout time.Duration
	now     Clock
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(c Clock) Option { return func(m *Manager) { m.now = c } }

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager returns a manager that treats sessions idle for longer than
// timeout as expired. A non-positive timeout uses DefaultTimeout.
func NewManager(timeout time.Duration, opts ...Option) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Manager{
		timeout:  timeout,
		now:      time.Now,
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Timeout is the idle limit.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Register adds s, assigning a random id when s.ID is empty.
func (m *Manager) Register(s *Session) (string, error) {
	if s == nil {
		return "", errors.New("register: nil session")
	}
	s.init()
	now := m.now()

	m.mu.Lock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := m.sessions[s.ID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicate, s.ID)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.touch(now)
	m.sessions[s.ID] = s
	m.mu.Unlock()

	activeSessions.Add(1)
	m.logger.Info("session registered",
		slog.String("session_id", s.ID),
		slog.String("agent", s.AgentName),
		slog.String("transport", s.Transport))
	return s.ID, nil
}

// Touch records activity. It reports whether the session is live.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.touch(m.now())
	}
	return ok
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns snapshots ordered by creation time.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Evict removes the session. The first call for an id returns it and runs
// its hook; later calls return (nil, false).
func (m *Manager) Evict(id string, reason State) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok || !s.markEvicted(reason) {
		return nil, false
	}
	m.evicted(s, reason)
	return s, true
}

func (m *Manager) evicted(s *Session, reason State) {
	activeSessions.Add(-1)
	evictedSessions.Add(string(reason), 1)
	m.logger.Info("session evicted",
		slog.String("session_id", s.ID),
		slog.String("reason", string(reason)))
	s.finish(reason, m.logger)
}

// Sweep evicts every session idle for longer than the timeout and returns them.
func (m *Manager) Sweep() []*Session {
	cutoff := m.now().Add(-m.timeout)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	out := expired[:0]
	for _, s := range expired {
		if s.markEvicted(StateIdleTimeout) {
			m.evicted(s, StateIdleTimeout)
			out = append(out, s)
		}
	}
	return out
}

// CloseAll evicts every live session with reason.
func (m *Manager) CloseAll(reason State) int {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		delete(m.sessions, id)
		all = append(all, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range all {
		if s.markEvicted(reason) {
			m.evicted(s, reason)
			n++
		}
	}
	return n
}

// Run sweeps on every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := len(m.Sweep()); n > 0 {
				m.logger.Info("swept idle sessions", slog.Int("count", n))
			}
		}
	}
}
