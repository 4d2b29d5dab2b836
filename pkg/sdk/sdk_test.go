package sdk

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/foundation-voice-go/pkg/agent"
	"github.com/chriscow/foundation-voice-go/pkg/config"
	"github.com/chriscow/foundation-voice-go/pkg/plugin"
	"github.com/chriscow/foundation-voice-go/pkg/plugin/fake"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
	"github.com/chriscow/foundation-voice-go/pkg/session"
	"github.com/chriscow/foundation-voice-go/pkg/transport"
)

// queueConn replays messages, then blocks until closed.
type queueConn struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed chan struct{}
	once   sync.Once
}

func newQueueConn(msgs ...string) *queueConn {
	c := &queueConn{closed: make(chan struct{})}
	for _, m := range msgs {
		c.msgs = append(c.msgs, []byte(m))
	}
	return c
}

func (c *queueConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if len(c.msgs) > 0 {
		m := c.msgs[0]
		c.msgs = c.msgs[1:]
		c.mu.Unlock()
		return 1, m, nil
	}
	c.mu.Unlock()
	<-c.closed
	return 0, nil, io.EOF
}

func (c *queueConn) WriteMessage(int, []byte) error { return nil }

func (c *queueConn) SetReadDeadline(time.Time) error { return nil }

func (c *queueConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// stubAdapter runs until closed or cancelled.
type stubAdapter struct {
	typ    transport.Type
	input  chan transport.Frame
	events chan transport.Event
	done   chan struct{}
	once   sync.Once
	closes int
	mu     sync.Mutex
}

func newStubAdapter(t transport.Type) *stubAdapter {
	return &stubAdapter{
		typ:    t,
		input:  make(chan transport.Frame),
		events: make(chan transport.Event),
		done:   make(chan struct{}),
	}
}

func (a *stubAdapter) Type() transport.Type { return a.typ }

func (a *stubAdapter) Run(ctx context.Context) error {
	defer close(a.input)
	defer close(a.events)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return nil
	}
}

func (a *stubAdapter) Input() <-chan transport.Frame { return a.input }

func (a *stubAdapter) Events() <-chan transport.Event { return a.events }

func (a *stubAdapter) WriteAudio(context.Context, rtc.AudioFrame) error { return nil }

func (a *stubAdapter) Send(context.Context, transport.Frame) error { return nil }

func (a *stubAdapter) Close() error {
	a.mu.Lock()
	a.closes++
	a.mu.Unlock()
	a.once.Do(func() { close(a.done) })
	return nil
}

// answerAdapter negotiates like a WebRTC peer.
type answerAdapter struct {
	*stubAdapter
}

func (a answerAdapter) Answer() transport.Answer {
	return transport.Answer{SDP: "v=0", Type: "answer", PCID: "pc-1"}
}

// scriptRuntime runs fn in place of the voice pipeline.
type scriptRuntime struct {
	mu  sync.Mutex
	rcs []agent.RunConfig
	fn  func(ctx context.Context, rc agent.RunConfig) error
}

func (r *scriptRuntime) Start(ctx context.Context, rc agent.RunConfig) error {
	r.mu.Lock()
	r.rcs = append(r.rcs, rc)
	r.mu.Unlock()
	if r.fn == nil {
		return nil
	}
	return r.fn(ctx, rc)
}

func (r *scriptRuntime) last() agent.RunConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rcs[len(r.rcs)-1]
}

// recorder collects callback invocations.
type recorder struct {
	mu           sync.Mutex
	states       []ConnState
	connected    []ClientInfo
	disconnected []DisconnectInfo
	errs         []error
	transcript   []session.TranscriptEntry
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnClientConnected: func(i ClientInfo) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected = append(r.connected, i)
		},
		OnClientDisconnected: func(i DisconnectInfo) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnected = append(r.disconnected, i)
		},
		OnTranscriptUpdate: func(e session.TranscriptEntry) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transcript = append(r.transcript, e)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnStateChange: func(s ConnState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
	}
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		states:       append([]ConnState(nil), r.states...),
		connected:    append([]ClientInfo(nil), r.connected...),
		disconnected: append([]DisconnectInfo(nil), r.disconnected...),
		errs:         append([]error(nil), r.errs...),
		transcript:   append([]session.TranscriptEntry(nil), r.transcript...),
	}
}

func testAgent(t *testing.T, title string) *config.AgentConfig {
	t.Helper()
	cfg, err := config.LoadMap(map[string]any{
		"agent": map[string]any{
			"title":  title,
			"prompt": "You are " + title + ".",
			"stt":    map[string]any{"provider": "fake"},
			"llm":    map[string]any{"provider": "fake"},
			"tts":    map[string]any{"provider": "fake"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

type harness struct {
	sdk      *SDK
	runtime  *scriptRuntime
	rec      *recorder
	adapters chan transport.Adapter
}

func newHarness(t *testing.T, fn func(ctx context.Context, rc agent.RunConfig) error) *harness {
	t.Helper()
	reg := plugin.NewRegistry()
	fake.Register(reg)

	h := &harness{
		runtime:  &scriptRuntime{fn: fn},
		rec:      &recorder{},
		adapters: make(chan transport.Adapter, 4),
	}
	factory := transport.NewFactory()
	build := func(ctx context.Context, cls transport.Classification, in *transport.Inbound, ser transport.Serializer, opts transport.Options) (transport.Adapter, error) {
		a := newStubAdapter(cls.Type)
		h.adapters <- a
		return a, nil
	}
	factory.Register(transport.StandardWebSocket, build)
	factory.Register(transport.TelephonyStream, build)
	factory.Register(transport.WebRTCOffer, func(ctx context.Context, cls transport.Classification, in *transport.Inbound, ser transport.Serializer, opts transport.Options) (transport.Adapter, error) {
		a := answerAdapter{newStubAdapter(cls.Type)}
		h.adapters <- a
		return a, nil
	})

	h.sdk = New(Options{
		Registry:     reg,
		Transports:   factory,
		Sessions:     session.NewManager(time.Minute),
		Agents:       map[string]*config.AgentConfig{"support": testAgent(t, "support"), "sales": testAgent(t, "sales")},
		DefaultAgent: "support",
		Callbacks:    h.rec.callbacks(),
		Runtime:      h.runtime,
	})
	return h
}

func wsInbound(query url.Values) *transport.Inbound {
	return &transport.Inbound{Query: query, RemoteIP: "127.0.0.1", Conn: newQueueConn()}
}

func TestConnectWebSocket(t *testing.T) {
	is := is.New(t)

	h := newHarness(t, func(ctx context.Context, rc agent.RunConfig) error {
		for _, e := range []session.TranscriptEntry{
			session.NewEntry("user", "hello"),
			session.NewEntry("assistant", "hi there"),
		} {
			rc.Session.AppendTranscript(e)
			rc.Hooks.OnTranscript(e)
		}
		rc.Session.Metrics().AddUsage(10, 5)
		return nil
	})

	resp, err := h.sdk.Connect(context.Background(), wsInbound(url.Values{"session_id": {"s-1"}}), AgentDefinition{})
	is.NoErr(err)
	is.Equal(resp.SessionID, "s-1")
	is.Equal(resp.Transport, transport.StandardWebSocket)
	is.True(resp.Answer == nil)

	got := h.rec.snapshot()
	is.Equal(got.states, []ConnState{
		StateConnecting, StateClassifying, StateTransportReady,
		StateSessionActive, StateDisconnecting, StateClosed,
	})
	is.Equal(len(got.connected), 1)
	is.Equal(got.connected[0].AgentName, "support")
	is.Equal(len(got.transcript), 2)

	is.Equal(len(got.disconnected), 1)
	info := got.disconnected[0]
	is.Equal(info.SessionID, "s-1")
	is.Equal(info.Reason, session.StateExplicitDisconnect)
	is.Equal(len(info.Transcript), 2)
	is.Equal(info.Metrics.TotalLLMTokens, 15)
	is.Equal(len(got.errs), 0)

	is.Equal(h.sdk.Sessions().Len(), 0) // evicted

	rc := h.runtime.last()
	is.Equal(rc.Config.Title, "support")
	is.True(rc.Providers != nil)
	is.True(rc.Providers.VAD == nil) // no vad section
}

func TestConnectAgentSelection(t *testing.T) {
	tests := []struct {
		name  string
		query url.Values
		def   AgentDefinition
		want  string
	}{
		{name: "default", want: "support"},
		{name: "query", query: url.Values{"agent_name": {"sales"}}, want: "sales"},
		{name: "definition name", query: url.Values{"agent_name": {"support"}}, def: AgentDefinition{Name: "sales"}, want: "sales"},
		{name: "inline config", def: AgentDefinition{Source: map[string]any{
			"agent": map[string]any{"title": "inline", "llm": map[string]any{"provider": "fake"}, "stt": map[string]any{"provider": "fake"}, "tts": map[string]any{"provider": "fake"}},
		}}, want: "inline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			h := newHarness(t, nil)
			_, err := h.sdk.Connect(context.Background(), wsInbound(tt.query), tt.def)
			is.NoErr(err)
			is.Equal(h.runtime.last().Config.Title, tt.want)
		})
	}
}

func TestConnectUnknownAgent(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, nil)

	resp, err := h.sdk.Connect(context.Background(), wsInbound(url.Values{"agent_name": {"billing"}}), AgentDefinition{})
	is.True(resp == nil)
	is.True(errors.Is(err, ErrUnknownAgent))

	got := h.rec.snapshot()
	is.Equal(got.states, []ConnState{StateConnecting, StateClassifying, StateClosed})
	is.Equal(len(got.connected), 0)
	is.Equal(len(got.errs), 1)
	is.Equal(h.sdk.Sessions().Len(), 0)
	is.Equal(len(h.adapters), 0) // no transport built
}

func TestConnectUnknownProvider(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, nil)

	cfg := testAgent(t, "broken")
	cfg.TTS = &config.ProviderConfig{Provider: "nope"}
	_, err := h.sdk.Connect(context.Background(), wsInbound(nil), AgentDefinition{Config: cfg})
	is.True(errors.Is(err, plugin.ErrUnknownProvider))
	is.Equal(h.sdk.Sessions().Len(), 0)
}

func TestConnectRuntimeError(t *testing.T) {
	is := is.New(t)
	boom := errors.New("llm exploded")
	h := newHarness(t, func(context.Context, agent.RunConfig) error { return boom })

	resp, err := h.sdk.Connect(context.Background(), wsInbound(nil), AgentDefinition{})
	is.True(resp != nil)
	is.True(errors.Is(err, ErrPipelineRuntime))
	is.True(errors.Is(err, boom))

	var pe *PipelineRuntimeError
	is.True(errors.As(err, &pe))
	is.Equal(pe.SessionID, resp.SessionID)

	got := h.rec.snapshot()
	is.Equal(len(got.errs), 1)
	is.Equal(len(got.disconnected), 1)
	is.Equal(got.states[len(got.states)-1], StateClosed)
}

func TestConnectRuntimePanic(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, func(context.Context, agent.RunConfig) error { panic("nil map") })

	_, err := h.sdk.Connect(context.Background(), wsInbound(nil), AgentDefinition{})
	is.True(errors.Is(err, ErrPipelineRuntime))
	is.Equal(len(h.rec.snapshot().disconnected), 1)
	is.Equal(h.sdk.Sessions().Len(), 0)
}

func TestConnectIdleEviction(t *testing.T) {
	is := is.New(t)
	started := make(chan string, 1)
	h := newHarness(t, func(ctx context.Context, rc agent.RunConfig) error {
		started <- rc.Session.ID
		<-ctx.Done()
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.sdk.Connect(context.Background(), wsInbound(nil), AgentDefinition{})
		done <- err
	}()

	id := <-started
	_, ok := h.sdk.Sessions().Evict(id, session.StateIdleTimeout)
	is.True(ok)

	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not return after eviction")
	}

	got := h.rec.snapshot()
	is.Equal(len(got.disconnected), 1) // fired once
	is.Equal(got.disconnected[0].Reason, session.StateIdleTimeout)

	a := (<-h.adapters).(*stubAdapter)
	a.mu.Lock()
	is.True(a.closes >= 1)
	a.mu.Unlock()
}

func TestConnectWebRTC(t *testing.T) {
	is := is.New(t)
	release := make(chan struct{})
	finished := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, rc agent.RunConfig) error {
		defer close(finished)
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	in := &transport.Inbound{Offer: &transport.Offer{SDP: "v=0", Type: "offer"}}
	resp, err := h.sdk.Connect(ctx, in, AgentDefinition{})
	is.NoErr(err)
	is.Equal(resp.Transport, transport.WebRTCOffer)
	is.True(resp.Answer != nil)
	is.Equal(resp.Answer.PCID, "pc-1")

	cancel() // the request ending must not stop the session
	is.Equal(h.sdk.Sessions().Len(), 1)

	close(release)
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.sdk.Sessions().Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	is.Equal(h.sdk.Sessions().Len(), 0)
}

func TestConnectTelephony(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, nil)

	conn := newQueueConn(
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA9","customParameters":{"agent_name":"sales"},"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`,
	)
	in := &transport.Inbound{Query: url.Values{"transport_type": {"twilio"}}, Conn: conn}
	resp, err := h.sdk.Connect(context.Background(), in, AgentDefinition{})
	is.NoErr(err)
	is.Equal(resp.Transport, transport.TelephonyStream)
	is.Equal(h.runtime.last().Config.Title, "sales")

	got := h.rec.snapshot()
	is.Equal(got.connected[0].CallSID, "CA9")
	is.Equal(got.disconnected[0].Metadata["call_sid"], "CA9")
}

func TestConnectResume(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, nil)

	q := url.Values{"resume": {`{"transcript":[{"role":"user","content":"my order is late"},{"role":"assistant","content":"sorry to hear that"},{"role":"system","content":"x"}]}`}}
	_, err := h.sdk.Connect(context.Background(), wsInbound(q), AgentDefinition{})
	is.NoErr(err)

	hist := h.runtime.last().History
	is.Equal(len(hist), 2)
	is.Equal(hist[0].Content, "my order is late")

	_, err = h.sdk.Connect(context.Background(), wsInbound(url.Values{"resume": {"{bad"}}), AgentDefinition{})
	is.True(err != nil)
}

func TestConnectDefinitionOverrides(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, nil)

	var disconnects int
	tools := agent.NewToolRegistry()
	def := AgentDefinition{
		Tools:   tools,
		Context: map[string]string{"caller": "42"},
		Callbacks: &Callbacks{
			OnClientDisconnected: func(DisconnectInfo) { disconnects++ },
		},
	}
	_, err := h.sdk.Connect(context.Background(), wsInbound(nil), def)
	is.NoErr(err)

	rc := h.runtime.last()
	is.True(rc.Tools == tools)
	is.Equal(rc.Context, map[string]string{"caller": "42"})
	is.Equal(disconnects, 1)

	got := h.rec.snapshot()
	is.Equal(len(got.disconnected), 0) // replaced by the definition
	is.Equal(len(got.connected), 1)    // inherited
}

func TestConnectDuplicateSession(t *testing.T) {
	is := is.New(t)
	started := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, rc agent.RunConfig) error {
		close(started)
		<-ctx.Done()
		return nil
	})

	go func() {
		_, _ = h.sdk.Connect(context.Background(), wsInbound(url.Values{"session_id": {"dup"}}), AgentDefinition{})
	}()
	<-started

	_, err := h.sdk.Connect(context.Background(), wsInbound(url.Values{"session_id": {"dup"}}), AgentDefinition{})
	is.True(errors.Is(err, session.ErrDuplicate))
	is.Equal(h.sdk.Sessions().CloseAll(session.StateShutdown), 1)
}

func TestPipelineRuntimeError(t *testing.T) {
	is := is.New(t)
	cause := errors.New("tts failed")
	err := &PipelineRuntimeError{SessionID: "abc", Err: cause}
	is.Equal(err.Error(), "session abc: pipeline runtime failed: tts failed")
	is.True(errors.Is(err, ErrPipelineRuntime))
	is.True(errors.Is(err, cause))
}
