package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/matryer/is"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
	"github.com/chriscow/foundation-voice-go/pkg/ai/llm"
)

type stubMessages struct {
	params []sdk.MessageNewParams
	reply  string
	errs   []error
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.params = append(s.params, body)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	var msg sdk.Message
	if err := json.Unmarshal([]byte(s.reply), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func TestChat_TextAndUsage(t *testing.T) {
	is := is.New(t)

	stub := &stubMessages{reply: `{
		"id":"msg_1","type":"message","role":"assistant","model":"claude",
		"content":[{"type":"text","text":"Hello!"}],
		"stop_reason":"end_turn",
		"usage":{"input_tokens":20,"output_tokens":4}
	}`}
	l := newLLM(stub, map[string]any{"model": "claude-test", "max_tokens": float64(256)})

	resp, err := l.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "You are helpful."},
		{Role: llm.RoleUser, Content: "hi"},
	}})
	is.NoErr(err)
	is.Equal(resp.Message.Content, "Hello!")
	is.Equal(resp.Usage.PromptTokens, 20)
	is.Equal(resp.Usage.CompletionTokens, 4)
	is.Equal(resp.FinishReason, "end_turn")

	is.Equal(len(stub.params), 1)
	p := stub.params[0]
	is.Equal(string(p.Model), "claude-test")
	is.Equal(p.MaxTokens, int64(256))
	is.Equal(len(p.System), 1)
	is.Equal(p.System[0].Text, "You are helpful.")
	is.Equal(len(p.Messages), 1) // system prompt travels out of band
}

func TestChat_ToolUse(t *testing.T) {
	is := is.New(t)

	stub := &stubMessages{reply: `{
		"id":"msg_2","type":"message","role":"assistant","model":"claude",
		"content":[{"type":"tool_use","id":"toolu_1","name":"lookup","input":{"q":"weather"}}],
		"stop_reason":"tool_use",
		"usage":{"input_tokens":1,"output_tokens":1}
	}`}
	l := newLLM(stub, nil)

	resp, err := l.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "weather?"}},
		Tools:    []llm.FunctionDefinition{{Name: "lookup", Description: "search", Parameters: map[string]any{"type": "object"}}},
	})
	is.NoErr(err)
	is.Equal(len(resp.ToolCalls), 1)
	is.Equal(resp.ToolCalls[0].ID, "toolu_1")
	is.Equal(resp.ToolCalls[0].Name, "lookup")
	is.Equal(resp.ToolCalls[0].Arguments, `{"q":"weather"}`)
	is.Equal(len(stub.params[0].Tools), 1)
}

func TestEncodeMessages_MergesToolResults(t *testing.T) {
	is := is.New(t)

	msgs, err := encodeMessages([]llm.Message{
		{Role: llm.RoleUser, Content: "do two things"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "a", Name: "one", Arguments: `{}`},
			{ID: "b", Name: "two", Arguments: `not json`},
		}},
		{Role: llm.RoleTool, ToolCallID: "a", Content: "1"},
		{Role: llm.RoleTool, ToolCallID: "b", Content: "2"},
	})
	is.NoErr(err)
	is.Equal(len(msgs), 3) // user, assistant, user(tool results)
	is.Equal(len(msgs[1].Content), 2)
	is.Equal(len(msgs[2].Content), 2)
	is.Equal(msgs[2].Role, sdk.MessageParamRoleUser)

	_, err = encodeMessages(nil)
	is.True(err != nil)
}

func TestChat_RetriesTransportErrors(t *testing.T) {
	is := is.New(t)

	stub := &stubMessages{
		errs:  []error{errors.New("connection reset")},
		reply: `{"id":"m","type":"message","role":"assistant","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`,
	}
	l := newLLM(stub, nil)
	l.retry = ai.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

	resp, err := l.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	is.NoErr(err)
	is.Equal(resp.Message.Content, "ok")
	is.Equal(len(stub.params), 2)
}

func TestNew_RequiresKey(t *testing.T) {
	is := is.New(t)
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := New(nil)
	is.True(err != nil)
}
