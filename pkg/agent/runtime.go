package agent

import (
	"context"
	"log/slog"

	"github.com/chriscow/foundation-voice-go/pkg/ai/llm"
	"github.com/chriscow/foundation-voice-go/pkg/config"
	"github.com/chriscow/foundation-voice-go/pkg/plugin"
	"github.com/chriscow/foundation-voice-go/pkg/session"
	"github.com/chriscow/foundation-voice-go/pkg/transport"
)

// Runtime runs one conversation over an established transport. Start blocks
// until the conversation ends; a nil error is a normal end.
type Runtime interface {
	Start(ctx context.Context, rc RunConfig) error
}

// Hooks are optional observers. They run on the agent's goroutine and must
// not block.
type Hooks struct {
	OnTranscript        func(session.TranscriptEntry)
	OnParticipantJoined func(p transport.Participant, first bool)
	OnParticipantLeft   func(p transport.Participant, reason string)
	OnStateChange       func(AgentState)
	OnActivity          func()
}

// RunConfig is everything one conversation needs.
type RunConfig struct {
	Config    *config.AgentConfig
	Providers *plugin.Providers
	Tools     *ToolRegistry
	Context   any // host value, see CallContext
	Adapter   transport.Adapter
	Session   *session.Session
	History   []llm.Message // resumed conversation
	Hooks     Hooks
	Logger    *slog.Logger
}

// Pipeline is the default Runtime.
type Pipeline struct{}

// Start builds an Agent and runs it.
func (Pipeline) Start(ctx context.Context, rc RunConfig) error {
	a, err := New(rc)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// HistoryFromTranscript converts a saved transcript into chat history.
// Entries with roles other than user and assistant are skipped.
func HistoryFromTranscript(entries []session.TranscriptEntry) []llm.Message {
	var out []llm.Message
	for _, e := range entries {
		switch llm.MessageRole(e.Role) {
		case llm.RoleUser, llm.RoleAssistant:
			if e.Content != "" {
				out = append(out, llm.Message{Role: llm.MessageRole(e.Role), Content: e.Content})
			}
		}
	}
	return out
}
