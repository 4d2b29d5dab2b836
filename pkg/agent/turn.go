package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
	"github.com/chriscow/foundation-voice-go/pkg/ai/llm"
	"github.com/chriscow/foundation-voice-go/pkg/ai/tts"
)

// turnSpec describes one bot reply. say is spoken verbatim without the LLM;
// extra is a system instruction added for this reply only.
type turnSpec struct {
	say   string
	extra string
}

type turnEventKind int

const (
	turnReply turnEventKind = iota
	turnFailed
	turnDone
)

// turnEvent reports reply progress back to the Run loop.
type turnEvent struct {
	id    int
	kind  turnEventKind
	text  string
	added []llm.Message // tool-call messages that preceded the reply
	err   error
}

// startTurn cancels any reply in flight and starts a new one.
func (a *Agent) startTurn(ctx context.Context, spec turnSpec) {
	a.cancelTurn()
	a.stopIdle()

	a.turnID++
	tctx, cancel := context.WithCancel(ctx)
	a.turnCancel = cancel
	if spec.say == "" {
		a.setState(StateThinking)
	}
	go a.reply(tctx, a.turnID, spec, a.messages(spec.extra))
}

// cancelTurn stops the reply in flight. Events it still sends are stale.
func (a *Agent) cancelTurn() {
	if a.turnCancel != nil {
		a.turnCancel()
		a.turnCancel = nil
	}
	a.turnID++
}

func (a *Agent) messages(extra string) []llm.Message {
	msgs := make([]llm.Message, 0, len(a.history)+2)
	if a.prompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: a.prompt})
	}
	msgs = append(msgs, a.history...)
	if extra != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: extra})
	}
	return msgs
}

// reply runs on its own goroutine; everything it learns goes through turnEvents.
func (a *Agent) reply(ctx context.Context, id int, spec turnSpec, msgs []llm.Message) {
	defer func() {
		if r := recover(); r != nil {
			err := ai.NewFatalError(fmt.Errorf("%v", r), "reply panicked")
			a.sendTurn(ctx, turnEvent{id: id, kind: turnFailed, err: err})
		}
	}()

	text := spec.say
	var added []llm.Message
	if text == "" {
		var err error
		text, added, err = a.complete(ctx, msgs)
		if err != nil {
			a.sendTurn(ctx, turnEvent{id: id, kind: turnFailed, err: err})
			return
		}
	}
	if !a.sendTurn(ctx, turnEvent{id: id, kind: turnReply, text: text, added: added}) {
		return
	}
	err := a.speak(ctx, text)
	a.sendTurn(ctx, turnEvent{id: id, kind: turnDone, err: err})
}

func (a *Agent) sendTurn(ctx context.Context, ev turnEvent) bool {
	select {
	case a.turnEvents <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleTurnEvent reports whether the agent has ended the call.
func (a *Agent) handleTurnEvent(ev turnEvent) (bool, error) {
	if ev.id != a.turnID {
		return false, nil
	}

	switch ev.kind {
	case turnReply:
		a.history = append(a.history, ev.added...)
		a.record(llm.RoleAssistant, ev.text)
		a.setState(StateSpeaking)

	case turnFailed:
		a.cancelTurn()
		if ai.IsRecoverable(ev.err) {
			a.logger.Warn("LLM call failed", slog.Any("error", ev.err))
			a.setState(StateIdle)
			a.armIdle()
			return false, nil
		}
		return false, fmt.Errorf("reply: %w", ev.err)

	case turnDone:
		a.cancelTurn()
		if ev.err != nil {
			a.logger.Warn("speaking failed", slog.Any("error", ev.err))
		}
		if a.ending {
			a.logger.Info("ending idle call")
			return true, nil
		}
		a.setState(StateIdle)
		a.armIdle()
	}
	return false, nil
}

// complete asks the LLM for a reply, running requested tools for up to
// MaxToolRounds rounds. The last round offers no tools, forcing text.
func (a *Agent) complete(ctx context.Context, msgs []llm.Message) (string, []llm.Message, error) {
	var defs []llm.FunctionDefinition
	if a.useTools && a.tools != nil {
		defs = a.tools.Definitions(a.allowTools)
	}
	m := a.sess.Metrics()

	var added []llm.Message
	for round := 0; ; round++ {
		if round == MaxToolRounds {
			defs = nil
		}
		req := llm.ChatRequest{
			Messages:    append(append(make([]llm.Message, 0, len(msgs)+len(added)), msgs...), added...),
			MaxTokens:   a.maxTokens,
			Temperature: a.temperature,
			Tools:       defs,
		}

		start := time.Now()
		resp, err := a.llm.Chat(ctx, req)
		if err != nil {
			return "", nil, err
		}
		d := time.Since(start)
		m.ObserveTTFB(d)
		m.ObserveProcessing(d)
		m.AddUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

		calls := resp.ToolCalls
		if len(calls) == 0 {
			calls = resp.Message.ToolCalls
		}
		if len(calls) == 0 || len(defs) == 0 {
			return resp.Message.Content, added, nil
		}

		added = append(added, llm.Message{Role: llm.RoleAssistant, Content: resp.Message.Content, ToolCalls: calls})
		for _, call := range calls {
			a.logger.Info("tool call", slog.String("tool", call.Name), slog.Int("round", round+1))
			content, err := a.tools.Call(ctx, call)
			if err != nil {
				return "", nil, err
			}
			added = append(added, llm.Message{Role: llm.RoleTool, Content: content, Name: call.Name, ToolCallID: call.ID})
		}
	}
}

// speak synthesizes text and streams it to the transport.
func (a *Agent) speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	m := a.sess.Metrics()

	start := time.Now()
	frames, err := a.tts.Synthesize(ctx, tts.SynthesizeRequest{Text: text, Language: a.language})
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	m.AddTTSCharacters(utf8.RuneCountInString(text))

	first := true
	for frame := range frames {
		if first {
			first = false
			now := time.Now()
			m.ObserveTTFB(now.Sub(start))
			m.BotStartedSpeaking(now)
			a.recordFirstWord()
		}
		if err := a.adapter.WriteAudio(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("write audio: %w", err)
		}
	}
	m.ObserveProcessing(time.Since(start))
	return nil
}
