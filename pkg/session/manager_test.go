package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegisterAssignsID(t *testing.T) {
	is := is.New(t)
	m := NewManager(time.Minute)

	id, err := m.Register(New(context.Background(), ""))
	is.NoErr(err)
	is.True(id != "")
	is.Equal(m.Len(), 1)

	s, ok := m.Get(id)
	is.True(ok)
	is.Equal(s.State(), StateActive)
	is.True(!s.CreatedAt.IsZero())
}

func TestRegisterDuplicate(t *testing.T) {
	is := is.New(t)
	m := NewManager(time.Minute)

	_, err := m.Register(New(context.Background(), "abc"))
	is.NoErr(err)
	_, err = m.Register(New(context.Background(), "abc"))
	is.True(errors.Is(err, ErrDuplicate))
	is.Equal(m.Len(), 1)
}

func TestEvictIsIdempotent(t *testing.T) {
	is := is.New(t)
	m := NewManager(time.Minute)

	var calls atomic.Int32
	s := New(context.Background(), "s1")
	s.OnEvict = func(got *Session, reason State) {
		calls.Add(1)
		is.Equal(reason, StateExplicitDisconnect)
	}
	_, err := m.Register(s)
	is.NoErr(err)

	got, ok := m.Evict("s1", StateExplicitDisconnect)
	is.True(ok)
	is.Equal(got, s)

	got, ok = m.Evict("s1", StateExplicitDisconnect)
	is.True(!ok)
	is.True(got == nil)

	is.Equal(calls.Load(), int32(1))
	is.Equal(s.State(), StateEvicted)
	is.Equal(s.EvictReason(), StateExplicitDisconnect)
	is.True(s.Context().Err() != nil) // context cancelled
	is.Equal(m.Len(), 0)
}

func TestRegisterZeroValueSession(t *testing.T) {
	is := is.New(t)
	m := NewManager(time.Minute)

	s := &Session{AgentName: "support"}
	s.SetMetadata("call_sid", "CA1")
	id, err := m.Register(s)
	is.NoErr(err)
	is.True(id != "")
	is.True(s.Metrics() != nil)
	is.Equal(s.Metadata()["call_sid"], "CA1")

	got, ok := m.Evict(id, StateIdleTimeout)
	is.True(ok)
	is.Equal(got, s)
	is.True(s.Context().Err() != nil)
	is.Equal(s.EvictReason(), StateIdleTimeout)
}

func TestEvictUnknown(t *testing.T) {
	is := is.New(t)
	got, ok := NewManager(time.Minute).Evict("missing", StateIdleTimeout)
	is.True(!ok)
	is.True(got == nil)
}

// An idle session is swept and its hook sees the transcript so far.
func TestSweepIdleSession(t *testing.T) {
	is := is.New(t)
	clock := newFakeClock()
	m := NewManager(3*time.Minute, WithClock(clock.Now))

	var (
		calls      atomic.Int32
		transcript []TranscriptEntry
		reason     State
	)
	s := New(context.Background(), "idle")
	s.OnEvict = func(got *Session, r State) {
		calls.Add(1)
		transcript = got.Transcript()
		reason = r
	}
	_, err := m.Register(s)
	is.NoErr(err)

	s.AppendTranscript(NewEntry("user", "hello"), NewEntry("assistant", "hi, how can I help?"))

	fresh := New(context.Background(), "fresh")
	_, err = m.Register(fresh)
	is.NoErr(err)

	clock.Advance(2 * time.Minute)
	is.True(m.Touch("fresh"))
	is.Equal(len(m.Sweep()), 0) // nobody past the timeout yet

	clock.Advance(90 * time.Second)
	swept := m.Sweep()
	is.Equal(len(swept), 1)
	is.Equal(swept[0].ID, "idle")
	is.Equal(calls.Load(), int32(1))
	is.Equal(reason, StateIdleTimeout)
	is.Equal(len(transcript), 2)
	is.Equal(transcript[0].Role, "user")
	is.Equal(transcript[1].Content, "hi, how can I help?")

	_, ok := m.Get("fresh")
	is.True(ok)

	_, ok = m.Evict("idle", StateExplicitDisconnect)
	is.True(!ok) // already gone
	is.Equal(calls.Load(), int32(1))
}

// Sweep and explicit disconnect race; the hook still fires once.
func TestEvictRace(t *testing.T) {
	is := is.New(t)

	for i := 0; i < 50; i++ {
		clock := newFakeClock()
		m := NewManager(time.Second, WithClock(clock.Now))

		var calls atomic.Int32
		s := New(context.Background(), "")
		s.OnEvict = func(*Session, State) { calls.Add(1) }
		id, err := m.Register(s)
		is.NoErr(err)
		clock.Advance(time.Minute)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); m.Sweep() }()
		go func() { defer wg.Done(); m.Evict(id, StateExplicitDisconnect) }()
		go func() { defer wg.Done(); m.CloseAll(StateShutdown) }()
		wg.Wait()

		is.Equal(calls.Load(), int32(1))
		is.Equal(m.Len(), 0)
	}
}

func TestPanickingHookStillCancels(t *testing.T) {
	is := is.New(t)
	m := NewManager(time.Minute)

	s := New(context.Background(), "p")
	s.OnEvict = func(*Session, State) { panic("boom") }
	_, err := m.Register(s)
	is.NoErr(err)

	_, ok := m.Evict("p", StateExplicitDisconnect)
	is.True(ok)
	is.True(s.Context().Err() != nil)
}

func TestCloseAllAndList(t *testing.T) {
	is := is.New(t)
	clock := newFakeClock()
	m := NewManager(time.Minute, WithClock(clock.Now))

	for _, id := range []string{"a", "b", "c"} {
		s := New(context.Background(), id)
		s.AgentName = "support"
		_, err := m.Register(s)
		is.NoErr(err)
		clock.Advance(time.Second)
	}

	list := m.List()
	is.Equal(len(list), 3)
	is.Equal(list[0].ID, "a")
	is.Equal(list[2].ID, "c")
	is.Equal(list[1].AgentName, "support")

	is.Equal(m.CloseAll(StateShutdown), 3)
	is.Equal(m.Len(), 0)
	is.Equal(len(m.List()), 0)
}

func TestRunSweeps(t *testing.T) {
	is := is.New(t)
	clock := newFakeClock()
	m := NewManager(time.Second, WithClock(clock.Now))

	evicted := make(chan State, 1)
	s := New(context.Background(), "x")
	s.OnEvict = func(_ *Session, r State) { evicted <- r }
	_, err := m.Register(s)
	is.NoErr(err)
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, 5*time.Millisecond)

	select {
	case r := <-evicted:
		is.Equal(r, StateIdleTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not swept")
	}
}

func TestTranscriptCopy(t *testing.T) {
	is := is.New(t)

	s := New(context.Background(), "t")
	s.AppendTranscript(NewEntry("user", "one"))
	tr := s.Transcript()
	tr[0].Content = "changed"
	is.Equal(s.Transcript()[0].Content, "one")

	_, err := time.Parse(time.RFC3339Nano, tr[0].Timestamp)
	is.NoErr(err)
}

func TestMetricsSummary(t *testing.T) {
	is := is.New(t)

	m := NewMetrics()
	sum := m.Summary()
	is.True(sum.AvgTTFB == nil)
	is.Equal(sum.TotalLLMTokens, 0)

	m.ObserveTTFB(100 * time.Millisecond)
	m.ObserveTTFB(300 * time.Millisecond)
	m.ObserveTTFB(0) // ignored
	m.AddUsage(100, 50)
	m.AddTTSCharacters(42)
	now := time.Now()
	m.BotStartedSpeaking(now) // no pending user stop
	m.UserStoppedSpeaking(now)
	m.BotStartedSpeaking(now.Add(700 * time.Millisecond))

	sum = m.Summary()
	is.Equal(sum.TTFBSamples, 2)
	is.True(*sum.AvgTTFB > 0.199 && *sum.AvgTTFB < 0.201)
	is.Equal(sum.TotalLLMTokens, 150)
	is.True(sum.EstimatedCost > 0.00299 && sum.EstimatedCost < 0.00301)
	is.Equal(sum.TotalTTSCharacters, 42)
	is.Equal(sum.UserBotLatencySamples, 1)
	is.True(*sum.AvgUserBotLatency > 0.69 && *sum.AvgUserBotLatency < 0.71)
}
