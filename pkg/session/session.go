// Package session keeps the in-memory registry of live conversations and
// evicts them on disconnect, idle timeout or process shutdown.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chriscow/foundation-voice-go/pkg/config"
)

// State is a session's lifecycle position. The three terminal reasons are
// also the eviction reasons.
type State string

const (
	StateActive             State = "active"
	StateIdleTimeout        State = "idle_timeout"
	StateExplicitDisconnect State = "explicit_disconnect"
	StateShutdown           State = "shutdown"
	StateEvicted            State = "evicted"
)

// TranscriptEntry is one utterance. Timestamp is ISO-8601 UTC.
type TranscriptEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// NewEntry stamps an entry with the current UTC time.
func NewEntry(role, content string) TranscriptEntry {
	return TranscriptEntry{Role: role, Content: content, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

// Session is one live conversation.
type Session struct {
	ID        string
	AgentName string
	Transport string
	Config    *config.AgentConfig
	CreatedAt time.Time

	// OnEvict runs exactly once, outside the registry lock, with the
	// eviction reason. It is set before Register.
	OnEvict func(s *Session, reason State)

	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	lastActivity time.Time
	transcript   []TranscriptEntry
	metadata     map[string]any
	reason       State
	evicted      bool
}

// New creates an active session whose context derives from parent.
func New(parent context.Context, id string) *Session {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:       id,
		ctx:      ctx,
		cancel:   cancel,
		metrics:  NewMetrics(),
		metadata: make(map[string]any),
	}
}

// init fills in what New sets, so a literal &Session{} can be registered.
func (s *Session) init() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
}

// Context is cancelled when the session is evicted.
func (s *Session) Context() context.Context { return s.ctx }

// Metrics returns the session's call metrics.
func (s *Session) Metrics() *Metrics { return s.metrics }

// LastActivity is the time of the latest Touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// AppendTranscript records entries in order.
func (s *Session) AppendTranscript(entries ...TranscriptEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, entries...)
}

// Transcript returns a copy of the entries recorded so far.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// SetMetadata stores a host-visible value.
func (s *Session) SetMetadata(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = v
}

// Metadata returns a shallow copy of the stored values.
func (s *Session) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// State reports StateActive or StateEvicted.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return StateEvicted
	}
	return StateActive
}

// EvictReason is empty until the session is evicted.
func (s *Session) EvictReason() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// markEvicted claims the eviction. Only the first caller gets true.
func (s *Session) markEvicted(reason State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false
	}
	s.evicted = true
	s.reason = reason
	return true
}

// finish runs the hook and cancels the context. A panicking hook is logged.
func (s *Session) finish(reason State, logger *slog.Logger) {
	defer s.cancel()
	if s.OnEvict == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("evict hook panicked",
				slog.String("session_id", s.ID),
				slog.Any("panic", r))
		}
	}()
	s.OnEvict(s, reason)
}

// Snapshot is a read-only view for listings.
type Snapshot struct {
	ID           string    `json:"session_id"`
	AgentName    string    `json:"agent_name"`
	Transport    string    `json:"transport"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Turns        int       `json:"turns"`
}

// Snapshot copies the listing fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := StateActive
	if s.evicted {
		state = StateEvicted
	}
	return Snapshot{
		ID:           s.ID,
		AgentName:    s.AgentName,
		Transport:    s.Transport,
		State:        state,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Turns:        len(s.transcript),
	}
}
