// Package sdk turns an inbound connection into a running voice session: it
// classifies the transport, resolves the agent, builds providers, registers
// the session and runs the conversation until it ends.
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chriscow/foundation-voice-go/pkg/agent"
	"github.com/chriscow/foundation-voice-go/pkg/config"
	"github.com/chriscow/foundation-voice-go/pkg/plugin"
	"github.com/chriscow/foundation-voice-go/pkg/session"
	"github.com/chriscow/foundation-voice-go/pkg/telephony"
	"github.com/chriscow/foundation-voice-go/pkg/transport"
)

var tracer = otel.Tracer("github.com/chriscow/foundation-voice-go/pkg/sdk")

// Options wire an SDK. Nil fields get defaults: the global provider
// registry, a new transport factory and detector, a session manager with
// the default idle timeout and the built-in pipeline runtime.
type Options struct {
	Registry     *plugin.Registry
	Transports   *transport.Factory
	Detector     *transport.Detector
	Sessions     *session.Manager
	Agents       map[string]*config.AgentConfig
	DefaultAgent string
	Tools        *agent.ToolRegistry
	Callbacks    Callbacks
	Context      any
	Runtime      agent.Runtime
	Logger       *slog.Logger
	Telephony    *telephony.Client
}

// AgentDefinition selects the agent for one connection. Config wins over
// Source, which wins over Name. An empty definition uses the agent_name
// query parameter, the telephony stream's agent_name parameter or the
// default agent, in that order.
type AgentDefinition struct {
	Name      string
	Config    *config.AgentConfig
	Source    any // file path or parsed document
	Tools     *agent.ToolRegistry
	Callbacks *Callbacks
	Context   any
	// Resume seeds the conversation with an earlier transcript.
	Resume []session.TranscriptEntry
}

// Response reports the session a connection created. Answer is set for
// WebRTC offers.
type Response struct {
	SessionID string            `json:"session_id"`
	Transport transport.Type    `json:"transport"`
	Answer    *transport.Answer `json:"answer,omitempty"`
}

// SDK is safe for concurrent use.
type SDK struct {
	registry   *plugin.Registry
	transports *transport.Factory
	detector   *transport.Detector
	sessions   *session.Manager
	agents     map[string]*config.AgentConfig
	defAgent   string
	tools      *agent.ToolRegistry
	callbacks  Callbacks
	hostCtx    any
	runtime    agent.Runtime
	logger     *slog.Logger
	telephony  *telephony.Client
}

// New returns an SDK. The agents map is copied.
func New(opts Options) *SDK {
	s := &SDK{
		registry:   opts.Registry,
		transports: opts.Transports,
		detector:   opts.Detector,
		sessions:   opts.Sessions,
		agents:     make(map[string]*config.AgentConfig, len(opts.Agents)),
		defAgent:   opts.DefaultAgent,
		tools:      opts.Tools,
		callbacks:  opts.Callbacks,
		hostCtx:    opts.Context,
		runtime:    opts.Runtime,
		logger:     opts.Logger,
		telephony:  opts.Telephony,
	}
	for name, cfg := range opts.Agents {
		s.agents[name] = cfg
	}
	if s.registry == nil {
		s.registry = plugin.Default()
	}
	if s.transports == nil {
		s.transports = transport.NewFactory()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.detector == nil {
		s.detector = transport.NewDetector()
		s.detector.Logger = s.logger
	}
	if s.sessions == nil {
		s.sessions = session.NewManager(session.DefaultTimeout, session.WithLogger(s.logger))
	}
	if s.runtime == nil {
		s.runtime = agent.Pipeline{}
	}
	if s.defAgent == "" && len(s.agents) == 1 {
		for name := range s.agents {
			s.defAgent = name
		}
	}
	return s
}

// Sessions returns the session registry.
func (s *SDK) Sessions() *session.Manager { return s.sessions }

// Registry returns the provider registry.
func (s *SDK) Registry() *plugin.Registry { return s.registry }

// Telephony returns the call client, or nil when telephony is not configured.
func (s *SDK) Telephony() *telephony.Client { return s.telephony }

// DefaultAgent is the agent used when a connection names none.
func (s *SDK) DefaultAgent() string { return s.defAgent }

// Agents lists the loaded agent names.
func (s *SDK) Agents() []string {
	out := make([]string, 0, len(s.agents))
	for name := range s.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Agent returns a loaded agent configuration.
func (s *SDK) Agent(name string) (*config.AgentConfig, bool) {
	cfg, ok := s.agents[name]
	return cfg, ok
}

// connection is the per-connection state shared by Connect and serve.
type connection struct {
	in        *transport.Inbound
	cls       transport.Classification
	name      string
	cfg       *config.AgentConfig
	providers *plugin.Providers
	adapter   transport.Adapter
	sess      *session.Session
	tools     *agent.ToolRegistry
	hostCtx   any
	history   []session.TranscriptEntry
	cb        Callbacks
	logger    *slog.Logger
}

// Connect handles one inbound connection. Streaming transports block until
// the session ends; a WebRTC offer returns its answer immediately and the
// session continues in the background. A runtime failure is reported to
// OnError and returned as a *PipelineRuntimeError.
func (s *SDK) Connect(ctx context.Context, in *transport.Inbound, def AgentDefinition) (*Response, error) {
	ctx, span := tracer.Start(ctx, "sdk.handle_connection", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	c := &connection{in: in, cb: s.callbacks, tools: s.tools, hostCtx: s.hostCtx, logger: s.logger}
	if def.Callbacks != nil {
		c.cb = def.Callbacks.merge(s.callbacks)
	}
	if def.Tools != nil {
		c.tools = def.Tools
	}
	if def.Context != nil {
		c.hostCtx = def.Context
	}

	fail := func(err error) (*Response, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.cb.fail(err)
		c.cb.state(StateClosed)
		return nil, err
	}

	c.cb.state(StateConnecting)
	if in == nil {
		return fail(errors.New("connect: nil inbound"))
	}

	c.cb.state(StateClassifying)
	cls, err := s.detector.Classify(ctx, in)
	if err != nil {
		return fail(fmt.Errorf("classify: %w", err))
	}
	c.cls = cls
	span.SetAttributes(attribute.String("transport", string(cls.Type)))

	if err := s.resolve(c, def); err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String("agent", c.name))

	if c.providers, err = s.registry.BuildProviders(c.cfg); err != nil {
		return fail(err)
	}

	opts := transport.OptionsFromConfig(c.cfg)
	opts.Logger = s.logger
	if s.telephony != nil {
		opts.HangUp = s.telephony.HangUp
	}
	if c.adapter, _, err = s.transports.Create(ctx, cls, in, opts); err != nil {
		return fail(err)
	}
	c.cb.state(StateTransportReady)

	resume, err := resumeFrom(in, def)
	if err != nil {
		_ = c.adapter.Close()
		return fail(err)
	}
	c.history = resume

	// A WebRTC session outlives the request that posted the offer.
	base := ctx
	answerer, detached := c.adapter.(transport.Answerer)
	if detached {
		base = context.WithoutCancel(ctx)
	}
	if err := s.register(base, c); err != nil {
		_ = c.adapter.Close()
		return fail(err)
	}
	span.SetAttributes(attribute.String("session_id", c.sess.ID))

	resp := &Response{SessionID: c.sess.ID, Transport: cls.Type}
	if detached {
		answer := answerer.Answer()
		resp.Answer = &answer
		go func() { _ = s.serve(base, c) }()
		return resp, nil
	}

	if err := s.serve(ctx, c); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	return resp, nil
}

// resolve picks the agent configuration for c.
func (s *SDK) resolve(c *connection, def AgentDefinition) error {
	c.name = def.Name
	if c.name == "" && c.in.Query != nil {
		c.name = c.in.Query.Get("agent_name")
	}
	if c.name == "" {
		if p, ok := c.cls.Telephony(); ok {
			c.name = p.Custom[telephony.AgentParam]
		}
	}

	switch {
	case def.Config != nil:
		c.cfg = def.Config
	case def.Source != nil:
		cfg, err := config.Resolve(def.Source, config.WithProviderChecker(s.registry))
		if err != nil {
			return err
		}
		c.cfg = cfg
	default:
		if c.name == "" {
			c.name = s.defAgent
		}
		cfg, ok := s.agents[c.name]
		if !ok {
			return &UnknownAgentError{Name: c.name}
		}
		c.cfg = cfg
	}
	if c.name == "" {
		c.name = c.cfg.Title
	}
	return nil
}

// register creates the session and installs the shared disconnect path.
func (s *SDK) register(base context.Context, c *connection) error {
	id := ""
	if c.in.Query != nil {
		id = c.in.Query.Get("session_id")
	}
	sess := session.New(base, id)
	sess.AgentName = c.name
	sess.Transport = string(c.cls.Type)
	sess.Config = c.cfg

	callSID := ""
	if p, ok := c.cls.Telephony(); ok {
		callSID = p.CallSID
		sess.SetMetadata("call_sid", p.CallSID)
		sess.SetMetadata("stream_sid", p.StreamSID)
	}
	if c.hostCtx != nil {
		sess.SetMetadata("context", c.hostCtx)
	}
	if len(c.history) > 0 {
		sess.SetMetadata("resumed_turns", len(c.history))
	}

	cb := c.cb
	adapter := c.adapter
	sess.OnEvict = func(ss *session.Session, reason session.State) {
		cb.state(StateDisconnecting)
		_ = adapter.Close()
		cb.disconnected(DisconnectInfo{
			SessionID:  ss.ID,
			Reason:     reason,
			Transcript: ss.Transcript(),
			Metrics:    ss.Metrics().Summary(),
			Metadata:   ss.Metadata(),
		})
	}

	if _, err := s.sessions.Register(sess); err != nil {
		return err
	}
	c.sess = sess
	c.logger = s.logger.With(
		slog.String("session_id", sess.ID),
		slog.String("transport", string(c.cls.Type)),
		slog.String("agent", c.name))

	c.cb.connected(ClientInfo{
		SessionID: sess.ID,
		AgentName: c.name,
		Transport: c.cls.Type,
		RemoteIP:  c.in.RemoteIP,
		CallSID:   callSID,
	})
	return nil
}

// serve runs the adapter and the runtime until either ends, then evicts the
// session. Eviction by the sweeper or shutdown takes the same path, so the
// disconnect callback fires once.
func (s *SDK) serve(ctx context.Context, c *connection) error {
	ctx, span := tracer.Start(ctx, "sdk.run_session",
		trace.WithAttributes(
			attribute.String("session_id", c.sess.ID),
			attribute.String("transport", string(c.cls.Type)),
		))
	defer span.End()

	runCtx, cancel := context.WithCancel(c.sess.Context())
	defer cancel()

	adapterDone := make(chan error, 1)
	go func() { adapterDone <- c.adapter.Run(runCtx) }()

	c.cb.state(StateSessionActive)
	err := s.start(runCtx, c)
	cancel()
	_ = c.adapter.Close()
	if aerr := <-adapterDone; aerr != nil && !errors.Is(aerr, context.Canceled) {
		c.logger.Debug("transport ended", slog.Any("error", aerr))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("session failed", slog.Any("error", err))
		c.cb.fail(err)
	}

	s.sessions.Evict(c.sess.ID, session.StateExplicitDisconnect)
	c.cb.state(StateClosed)
	return err
}

// start runs the runtime, converting errors and panics into a
// *PipelineRuntimeError.
func (s *SDK) start(ctx context.Context, c *connection) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PipelineRuntimeError{SessionID: c.sess.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	sessions := s.sessions
	id := c.sess.ID
	cb := c.cb
	rc := agent.RunConfig{
		Config:    c.cfg,
		Providers: c.providers,
		Tools:     c.tools,
		Context:   c.hostCtx,
		Adapter:   c.adapter,
		Session:   c.sess,
		History:   agent.HistoryFromTranscript(c.history),
		Logger:    c.logger,
		Hooks: agent.Hooks{
			OnTranscript:        cb.transcript,
			OnParticipantJoined: cb.participantJoined,
			OnParticipantLeft:   cb.participantLeft,
			OnActivity:          func() { sessions.Touch(id) },
		},
	}

	if rerr := s.runtime.Start(ctx, rc); rerr != nil && !errors.Is(rerr, context.Canceled) {
		return &PipelineRuntimeError{SessionID: id, Err: rerr}
	}
	return nil
}

// resumeFrom reads an earlier transcript from the definition or the resume
// query parameter. The parameter holds either {"transcript": [...]} or the
// bare entry list.
func resumeFrom(in *transport.Inbound, def AgentDefinition) ([]session.TranscriptEntry, error) {
	if len(def.Resume) > 0 {
		return def.Resume, nil
	}
	if in.Query == nil {
		return nil, nil
	}
	raw := in.Query.Get("resume")
	if raw == "" {
		return nil, nil
	}

	var wrapped struct {
		Transcript []session.TranscriptEntry `json:"transcript"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil {
		return wrapped.Transcript, nil
	}
	var entries []session.TranscriptEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse resume transcript: %w", err)
	}
	return entries, nil
}
