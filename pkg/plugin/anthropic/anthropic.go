// Package anthropic registers the "anthropic" LLM provider backed by the
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
	"github.com/chriscow/foundation-voice-go/pkg/ai/llm"
	"github.com/chriscow/foundation-voice-go/pkg/plugin"
	"github.com/chriscow/foundation-voice-go/pkg/version"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024
)

type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// LLM implements llm.LLM over Messages.New.
type LLM struct {
	msg         messagesClient
	model       string
	maxTokens   int64
	temperature float64
	retry       ai.RetryConfig
}

// New builds a client. Options: api_key, model, max_tokens, temperature, base_url.
func New(cfg map[string]any) (*LLM, error) {
	apiKey, _ := cfg["api_key"].(string)
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("anthropic API key is required (set ANTHROPIC_API_KEY or provide api_key in config)")
	}

	// Retries are handled by ai.Retry so every provider classifies failures alike.
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHeader("User-Agent", version.UserAgent()),
	}
	if u, ok := cfg["base_url"].(string); ok && u != "" {
		opts = append(opts, option.WithBaseURL(u))
	}
	ac := sdk.NewClient(opts...)

	return newLLM(&ac.Messages, cfg), nil
}

func newLLM(msg messagesClient, cfg map[string]any) *LLM {
	l := &LLM{msg: msg, model: defaultModel, maxTokens: defaultMaxTokens, retry: ai.DefaultRetryConfig}
	if m, ok := cfg["model"].(string); ok && m != "" {
		l.model = m
	}
	if n, ok := cfg["max_tokens"].(float64); ok && n > 0 {
		l.maxTokens = int64(n)
	}
	if t, ok := cfg["temperature"].(float64); ok {
		l.temperature = t
	}
	return l
}

// Chat sends the conversation with the system prompt out of band.
func (a *LLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	start := time.Now()

	system, rest := llm.SplitSystem(req.Messages)
	messages, err := encodeMessages(rest)
	if err != nil {
		return llm.ChatResponse{}, ai.NewFatalError(err, "anthropic: encode messages")
	}

	params := sdk.MessageNewParams{
		MaxTokens: a.maxTokens,
		Messages:  messages,
		Model:     sdk.Model(a.model),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	switch {
	case req.Temperature > 0:
		params.Temperature = sdk.Float(float64(req.Temperature))
	case a.temperature > 0:
		params.Temperature = sdk.Float(a.temperature)
	}
	for _, def := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.Parameters}, def.Name)
		if def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}

	msg, err := ai.Retry(ctx, a.retry, slog.Default(), "anthropic messages", func(ctx context.Context) (*sdk.Message, error) {
		msg, err := a.msg.New(ctx, params)
		if err != nil {
			return nil, classify(err)
		}
		return msg, nil
	})
	if err != nil {
		return llm.ChatResponse{}, err
	}

	resp := translate(msg)
	slog.Debug("anthropic completion",
		slog.String("model", a.model),
		slog.Int("tokens", resp.Usage.Total()),
		slog.Int("tool_calls", len(resp.ToolCalls)),
		slog.Duration("duration", time.Since(start)))
	return resp, nil
}

// encodeMessages merges consecutive same-role turns; tool results travel as
// user turns.
func encodeMessages(msgs []llm.Message) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	var role llm.MessageRole
	var blocks []sdk.ContentBlockParamUnion

	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if role == llm.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(blocks...))
		} else {
			out = append(out, sdk.NewUserMessage(blocks...))
		}
		blocks = nil
	}

	for _, m := range msgs {
		r := m.Role
		if r == llm.RoleTool {
			r = llm.RoleUser
		}
		if r != role {
			flush()
			role = r
		}

		switch m.Role {
		case llm.RoleUser:
			blocks = append(blocks, sdk.NewTextBlock(m.Content))
		case llm.RoleTool:
			blocks = append(blocks, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case llm.RoleAssistant:
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if json.Valid([]byte(tc.Arguments)) {
					input = json.RawMessage(tc.Arguments)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	flush()

	if len(out) == 0 {
		return nil, errors.New("at least one user or assistant message is required")
	}
	return out, nil
}

func translate(msg *sdk.Message) llm.ChatResponse {
	resp := llm.ChatResponse{
		Message:      llm.Message{Role: llm.RoleAssistant},
		FinishReason: string(msg.StopReason),
		Usage: llm.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Message.Content += block.Text
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	resp.Message.ToolCalls = resp.ToolCalls
	return resp
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ai.NewFatalError(err, "anthropic messages.new")
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return ai.ClassifyStatus(apiErr.StatusCode, err, "anthropic messages.new")
	}
	return ai.NewRecoverableError(err, "anthropic messages.new")
}

// Capabilities returns the provider's capabilities.
func (a *LLM) Capabilities() llm.LLMCapabilities {
	return llm.LLMCapabilities{
		SupportsFunctions:  true,
		MaxTokens:          200000,
		SupportedModels:    []string{a.model},
		SupportsSystemRole: true,
	}
}

// Register adds the provider to r.
func Register(r *plugin.Registry) {
	r.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "anthropic",
		Factory:     func(cfg map[string]any) (any, error) { return New(cfg) },
		Description: "Anthropic Claude messages",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":    "Anthropic API key (or set ANTHROPIC_API_KEY)",
			"model":      defaultModel,
			"max_tokens": defaultMaxTokens,
		},
	})
}

func init() {
	Register(plugin.Default())
}
