// Package agent implements the voice agent runtime: a finite state machine
// that moves a conversation through Idle → Listening → Thinking → Speaking,
// driving VAD, STT, LLM and TTS providers over a transport adapter.
package agent

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
	"github.com/chriscow/foundation-voice-go/pkg/ai/llm"
	"github.com/chriscow/foundation-voice-go/pkg/ai/stt"
	"github.com/chriscow/foundation-voice-go/pkg/ai/tts"
	"github.com/chriscow/foundation-voice-go/pkg/ai/vad"
	"github.com/chriscow/foundation-voice-go/pkg/config"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
	"github.com/chriscow/foundation-voice-go/pkg/session"
	"github.com/chriscow/foundation-voice-go/pkg/transport"
)

// AgentState represents the current state of the voice agent.
type AgentState int32

const (
	StateIdle AgentState = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s AgentState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateListening:
		return "Listening"
	case StateThinking:
		return "Thinking"
	case StateSpeaking:
		return "Speaking"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

const (
	idlePrompt    = "The user has been quiet. Politely and briefly ask if they're still there."
	goodbyePrompt = "The user has been quiet for too long. Inform them you'll end the call and they can reconnect later."

	// prebufferDuration of audio before VAD fires is replayed into the new STT stream.
	prebufferDuration = 300 * time.Millisecond
	touchInterval     = time.Second
)

var (
	stateTransitions = expvar.NewMap("agent_state_transitions")
	firstWordLatency = expvar.NewFloat("agent_first_word_latency_ms")
	droppedFrames    = expvar.NewInt("agent_dropped_frames")
)

// AgentMetrics holds performance metrics for one agent.
type AgentMetrics struct {
	FirstWordLatency *expvar.Float
	SessionDuration  *expvar.Float
	StateTransitions *expvar.Map
}

// Agent runs one conversation. It is created per session and is not reused.
type Agent struct {
	stt stt.STT
	tts tts.TTS
	llm llm.LLM
	vad vad.VAD // nil disables turn detection

	adapter transport.Adapter
	sess    *session.Session
	hooks   Hooks
	logger  *slog.Logger

	prompt      string
	greeting    string
	language    string
	maxTokens   int
	temperature float32
	rateIn      int
	tools       *ToolRegistry
	allowTools  []string
	useTools    bool
	callCtx     any
	idleTimeout time.Duration
	idleRetries int

	state   atomic.Int32
	metrics *AgentMetrics

	sessionStart      time.Time
	firstWordTimeOnce sync.Once

	// Owned by the Run loop.
	history    []llm.Message
	vadIn      chan rtc.AudioFrame
	vadEvents  <-chan vad.VADEvent
	sttStream  stt.STTStream
	sttEvents  <-chan stt.SpeechEvent
	prebuffer  []rtc.AudioFrame
	turnID     int
	turnCancel context.CancelFunc
	turnEvents chan turnEvent
	idle       *time.Timer
	idleC      <-chan time.Time
	idleCount  int
	ending     bool
	greeted    bool
	lastTouch  time.Time
}

// New creates an Agent for rc.
func New(rc RunConfig) (*Agent, error) {
	if rc.Config == nil {
		return nil, errors.New("agent config is required")
	}
	if rc.Providers == nil {
		return nil, errors.New("providers are required")
	}
	if rc.Providers.STT == nil {
		return nil, errors.New("STT is required")
	}
	if rc.Providers.LLM == nil {
		return nil, errors.New("LLM is required")
	}
	if rc.Providers.TTS == nil {
		return nil, errors.New("TTS is required")
	}
	if rc.Adapter == nil {
		return nil, errors.New("transport adapter is required")
	}

	cfg := rc.Config
	sess := rc.Session
	if sess == nil {
		sess = session.New(context.Background(), "")
	}
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rateIn := cfg.Pipeline.SampleRateIn
	if rateIn <= 0 {
		rateIn = config.DefaultSampleRateIn
	}

	a := &Agent{
		stt:         rc.Providers.STT,
		tts:         rc.Providers.TTS,
		llm:         rc.Providers.LLM,
		vad:         rc.Providers.VAD,
		adapter:     rc.Adapter,
		sess:        sess,
		hooks:       rc.Hooks,
		logger:      logger,
		prompt:      cfg.Prompt,
		greeting:    cfg.InitialGreeting,
		language:    cfg.STT.String("language", ""),
		maxTokens:   cfg.LLM.Int("max_tokens", 0),
		temperature: float32(cfg.LLM.Float("temperature", 0)),
		rateIn:      rateIn,
		tools:       rc.Tools,
		allowTools:  cfg.LLM.StringSlice("tools"),
		useTools:    cfg.Pipeline.UseTools(),
		callCtx:     rc.Context,
		idleTimeout: time.Duration(cfg.Idle.TimeoutSeconds * float64(time.Second)),
		idleRetries: cfg.Idle.MaxRetries,
		metrics:     newAgentMetrics(),
		history:     append([]llm.Message(nil), rc.History...),
		turnEvents:  make(chan turnEvent),
	}

	a.setState(StateIdle)
	return a, nil
}

// GetState returns the current state of the agent.
func (a *Agent) GetState() AgentState {
	return AgentState(a.state.Load())
}

// Metrics returns the agent's expvar metrics.
func (a *Agent) Metrics() *AgentMetrics { return a.metrics }

// History returns the chat history. It is only safe to call after Run returns.
func (a *Agent) History() []llm.Message {
	return append([]llm.Message(nil), a.history...)
}

// setState atomically updates the agent's state and records metrics.
func (a *Agent) setState(newState AgentState) {
	oldState := AgentState(a.state.Swap(int32(newState)))
	if oldState == newState {
		return
	}

	transitionKey := fmt.Sprintf("%s_to_%s", oldState, newState)
	a.metrics.StateTransitions.Add(transitionKey, 1)
	stateTransitions.Add(transitionKey, 1)

	if a.hooks.OnStateChange != nil {
		a.hooks.OnStateChange(newState)
	}
}

// Run drives the conversation until the transport closes, ctx is cancelled
// or the agent ends the call itself. A nil return is a normal end.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = WithCallContext(ctx, a.callCtx)

	a.sessionStart = time.Now()
	defer a.updateSessionDuration()
	defer a.stopIdle()
	defer a.cancelTurn()
	defer a.closeStream()

	if a.vad != nil {
		a.vadIn = make(chan rtc.AudioFrame, 128)
		defer close(a.vadIn)
		events, err := a.vad.Detect(ctx, a.vadIn)
		if err != nil {
			return fmt.Errorf("start VAD: %w", err)
		}
		a.vadEvents = events
	} else if err := a.openStream(ctx); err != nil {
		return err
	}

	input := a.adapter.Input()
	events := a.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case f, ok := <-input:
			if !ok {
				return nil
			}
			if err := a.handleFrame(ctx, f); err != nil {
				return err
			}

		case ev, ok := <-events:
			if !ok || a.handleEvent(ctx, ev) {
				return nil
			}

		case ev, ok := <-a.vadEvents:
			if !ok {
				a.vadEvents = nil
				continue
			}
			if err := a.handleVADEvent(ctx, ev); err != nil {
				return err
			}

		case ev, ok := <-a.sttEvents:
			if !ok {
				if err := a.sttClosed(ctx); err != nil {
					return err
				}
				continue
			}
			if err := a.handleSTTEvent(ctx, ev); err != nil {
				return err
			}

		case ev := <-a.turnEvents:
			done, err := a.handleTurnEvent(ev)
			if err != nil || done {
				return err
			}

		case <-a.idleC:
			a.handleIdle(ctx)
		}
	}
}

func (a *Agent) handleFrame(ctx context.Context, f transport.Frame) error {
	if now := time.Now(); now.Sub(a.lastTouch) >= touchInterval {
		a.lastTouch = now
		if a.hooks.OnActivity != nil {
			a.hooks.OnActivity()
		}
	}

	switch f.Kind {
	case transport.FrameAudio:
		if f.Audio == nil {
			return nil
		}
		frame := *f.Audio
		if a.vad != nil {
			select {
			case a.vadIn <- frame:
			default:
				droppedFrames.Add(1)
			}
			if a.sttStream == nil {
				a.buffer(frame)
			}
		}
		if a.sttStream != nil {
			if err := a.sttStream.Push(frame); err != nil {
				a.logger.Debug("STT push failed", slog.Any("error", err))
			}
		}

	case transport.FrameText, transport.FrameTranscription:
		text := strings.TrimSpace(f.Text)
		if text == "" {
			return nil
		}
		a.userActivity()
		a.sess.Metrics().UserStoppedSpeaking(time.Now())
		a.interrupt(ctx)
		a.userTurn(ctx, text)

	case transport.FrameInterrupt:
		a.interrupt(ctx)

	case transport.FrameMessage:
		a.logger.Debug("client message", slog.String("message", string(f.Message)))
	}
	return nil
}

// handleEvent reports whether the transport is finished.
func (a *Agent) handleEvent(ctx context.Context, ev transport.Event) bool {
	switch ev.Type {
	case transport.EventParticipantJoined:
		if a.hooks.OnParticipantJoined != nil {
			a.hooks.OnParticipantJoined(ev.Participant, ev.First)
		}
		if ev.First && !a.greeted {
			a.greeted = true
			if a.greeting != "" {
				a.startTurn(ctx, turnSpec{say: a.greeting})
			} else {
				a.armIdle()
			}
		}
	case transport.EventParticipantLeft:
		if a.hooks.OnParticipantLeft != nil {
			a.hooks.OnParticipantLeft(ev.Participant, ev.Reason)
		}
	case transport.EventClosed:
		return true
	}
	return false
}

// handleVADEvent processes voice activity detection events.
func (a *Agent) handleVADEvent(ctx context.Context, event vad.VADEvent) error {
	switch event.Type {
	case vad.VADEventSpeechStart:
		a.userActivity()
		a.interrupt(ctx) // barge-in
		a.setState(StateListening)
		return a.startListening(ctx)

	case vad.VADEventSpeechEnd:
		if a.GetState() == StateListening {
			a.sess.Metrics().UserStoppedSpeaking(time.Now())
			a.setState(StateThinking)
			a.stopListening()
		}

	case vad.VADEventError:
		a.logger.Warn("VAD error", slog.Any("error", event.Error))
		if ai.IsFatal(event.Error) {
			return fmt.Errorf("vad: %w", event.Error)
		}
	}
	return nil
}

// handleSTTEvent processes speech-to-text events.
func (a *Agent) handleSTTEvent(ctx context.Context, event stt.SpeechEvent) error {
	switch event.Type {
	case stt.SpeechEventFinal:
		text := strings.TrimSpace(event.Text)
		if text == "" {
			return nil
		}
		if a.vad == nil {
			a.userActivity()
			a.sess.Metrics().UserStoppedSpeaking(time.Now())
			a.interrupt(ctx)
		}
		a.userTurn(ctx, text)

	case stt.SpeechEventError:
		a.logger.Warn("STT error", slog.Any("error", event.Error))
		if ai.IsFatal(event.Error) {
			return fmt.Errorf("stt: %w", event.Error)
		}
	}
	return nil
}

// sttClosed runs when the current STT stream has delivered everything.
func (a *Agent) sttClosed(ctx context.Context) error {
	a.sttEvents = nil
	if a.vad == nil {
		a.sttStream = nil
		return a.openStream(ctx)
	}
	// Nothing was recognized for the last utterance.
	if a.GetState() == StateThinking && a.turnCancel == nil {
		a.setState(StateIdle)
		a.armIdle()
	}
	return nil
}

func (a *Agent) openStream(ctx context.Context) error {
	stream, err := a.stt.NewStream(ctx, stt.StreamConfig{
		SampleRate:  a.rateIn,
		NumChannels: 1,
		Lang:        a.language,
		MaxRetry:    3,
	})
	if err != nil {
		return fmt.Errorf("open STT stream: %w", err)
	}
	a.sttStream = stream
	a.sttEvents = stream.Events()
	return nil
}

// startListening opens an utterance stream and replays the buffered audio
// that preceded the VAD trigger.
func (a *Agent) startListening(ctx context.Context) error {
	a.closeStream()
	if err := a.openStream(ctx); err != nil {
		return err
	}
	for _, f := range a.prebuffer {
		if err := a.sttStream.Push(f); err != nil {
			break
		}
	}
	a.prebuffer = a.prebuffer[:0]
	return nil
}

// stopListening ends the utterance; the final transcript arrives on sttEvents.
func (a *Agent) stopListening() {
	if a.sttStream == nil {
		return
	}
	if err := a.sttStream.CloseSend(); err != nil {
		a.logger.Warn("failed to close STT stream", slog.Any("error", err))
	}
	a.sttStream = nil
}

func (a *Agent) closeStream() {
	if a.sttStream != nil {
		_ = a.sttStream.CloseSend()
		a.sttStream = nil
	}
	a.sttEvents = nil
}

func (a *Agent) buffer(f rtc.AudioFrame) {
	a.prebuffer = append(a.prebuffer, f)
	var total time.Duration
	for i := len(a.prebuffer) - 1; i >= 0; i-- {
		total += a.prebuffer[i].Duration()
		if total > prebufferDuration {
			a.prebuffer = append(a.prebuffer[:0], a.prebuffer[i+1:]...)
			return
		}
	}
}

// interrupt cancels the reply in flight and tells the client to drop queued audio.
func (a *Agent) interrupt(ctx context.Context) {
	if a.turnCancel == nil {
		return
	}
	a.cancelTurn()
	if err := a.adapter.Send(ctx, transport.Frame{Kind: transport.FrameInterrupt}); err != nil {
		a.logger.Debug("failed to send interruption", slog.Any("error", err))
	}
	a.setState(StateListening)
}

func (a *Agent) userTurn(ctx context.Context, text string) {
	a.record(llm.RoleUser, text)
	a.startTurn(ctx, turnSpec{})
}

// record appends an utterance to the history and publishes it as a
// transcript entry, in order, to the session, the client and the host.
func (a *Agent) record(role llm.MessageRole, text string) {
	if text == "" {
		return
	}
	a.history = append(a.history, llm.Message{Role: role, Content: text})

	entry := session.NewEntry(string(role), text)
	a.sess.AppendTranscript(entry)

	f, err := transport.MessageFrame(map[string]any{
		"type":      "transcript_update",
		"role":      entry.Role,
		"content":   entry.Content,
		"timestamp": entry.Timestamp,
	})
	if err == nil {
		if err := a.adapter.Send(context.Background(), f); err != nil {
			a.logger.Debug("failed to send transcript update", slog.Any("error", err))
		}
	}

	if a.hooks.OnTranscript != nil {
		a.hooks.OnTranscript(entry)
	}
}

func (a *Agent) userActivity() {
	a.idleCount = 0
	a.ending = false
	a.stopIdle()
	if a.hooks.OnActivity != nil {
		a.hooks.OnActivity()
	}
}

func (a *Agent) armIdle() {
	a.stopIdle()
	if a.idleTimeout <= 0 || a.ending {
		return
	}
	a.idle = time.NewTimer(a.idleTimeout)
	a.idleC = a.idle.C
}

func (a *Agent) stopIdle() {
	if a.idle != nil {
		a.idle.Stop()
		a.idle = nil
	}
	a.idleC = nil
}

// handleIdle prompts a silent user, then says goodbye and ends the call.
func (a *Agent) handleIdle(ctx context.Context) {
	a.idle, a.idleC = nil, nil
	if a.GetState() != StateIdle || a.turnCancel != nil {
		return
	}

	a.idleCount++
	a.logger.Info("user idle", slog.Int("count", a.idleCount))
	if a.idleCount < a.idleRetries {
		a.startTurn(ctx, turnSpec{extra: idlePrompt})
		return
	}
	a.ending = true
	a.startTurn(ctx, turnSpec{extra: goodbyePrompt})
}

// updateSessionDuration updates the session duration metric.
func (a *Agent) updateSessionDuration() {
	duration := time.Since(a.sessionStart)
	a.metrics.SessionDuration.Set(float64(duration.Milliseconds()))
}

func (a *Agent) recordFirstWord() {
	a.firstWordTimeOnce.Do(func() {
		latency := float64(time.Since(a.sessionStart).Milliseconds())
		a.metrics.FirstWordLatency.Set(latency)
		firstWordLatency.Set(latency)
	})
}

// newAgentMetrics creates a new set of agent metrics with unique names.
func newAgentMetrics() *AgentMetrics {
	// Per-agent values are not published; the package-level vars aggregate them.
	firstWordLatency := &expvar.Float{}
	sessionDuration := &expvar.Float{}
	stateTransitions := &expvar.Map{}
	stateTransitions.Init()

	return &AgentMetrics{
		FirstWordLatency: firstWordLatency,
		SessionDuration:  sessionDuration,
		StateTransitions: stateTransitions,
	}
}
