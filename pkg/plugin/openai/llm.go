package openai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
	"github.com/chriscow/foundation-voice-go/pkg/ai/llm"
	openai "github.com/sashabaranov/go-openai"
)

// LLM implements llm.LLM over the chat completions endpoint.
type LLM struct {
	client      *openai.Client
	provider    string
	model       string
	temperature float32
	maxTokens   int
	retry       ai.RetryConfig
}

// NewLLM creates a chat client for ep. Options: model, temperature, max_tokens.
func NewLLM(client *openai.Client, ep Endpoint, cfg map[string]any) *LLM {
	l := &LLM{
		client:   client,
		provider: ep.Name,
		model:    ep.DefaultModel,
		retry:    ai.DefaultRetryConfig,
	}
	if m, ok := cfg["model"].(string); ok && m != "" {
		l.model = m
	}
	if t, ok := cfg["temperature"].(float64); ok {
		l.temperature = float32(t)
	}
	if n, ok := cfg["max_tokens"].(float64); ok {
		l.maxTokens = int(n)
	}
	return l
}

// Chat performs one completion, retrying recoverable failures.
func (o *LLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	start := time.Now()

	completionReq := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Tools:       toOpenAITools(req.Tools),
	}
	if completionReq.MaxTokens == 0 {
		completionReq.MaxTokens = o.maxTokens
	}
	if completionReq.Temperature == 0 {
		completionReq.Temperature = o.temperature
	}

	resp, err := ai.Retry(ctx, o.retry, slog.Default(), o.provider+" chat", func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		resp, err := o.client.CreateChatCompletion(ctx, completionReq)
		if err != nil {
			return resp, classify(err, "chat completion request failed")
		}
		return resp, nil
	})
	if err != nil {
		return llm.ChatResponse{}, err
	}

	if len(resp.Choices) == 0 {
		return llm.ChatResponse{}, ai.NewFatalError(nil, "no chat completion choices returned")
	}
	choice := resp.Choices[0]

	result := llm.ChatResponse{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: choice.Message.Content,
		},
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	result.Message.ToolCalls = result.ToolCalls

	slog.Debug("chat completion",
		slog.String("provider", o.provider),
		slog.String("model", o.model),
		slog.Int("tokens", result.Usage.Total()),
		slog.Int("tool_calls", len(result.ToolCalls)),
		slog.Duration("duration", time.Since(start)))

	return result, nil
}

func toOpenAIMessages(msgs []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			out[i].ToolCalls = append(out[i].ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
	}
	return out
}

func toOpenAITools(defs []llm.FunctionDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, len(defs))
	for i, fn := range defs {
		tools[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			},
		}
	}
	return tools
}

// Capabilities returns the provider's capabilities.
func (o *LLM) Capabilities() llm.LLMCapabilities {
	return llm.LLMCapabilities{
		SupportsFunctions:  true,
		SupportsStreaming:  false,
		MaxTokens:          128000,
		SupportedModels:    []string{o.model},
		SupportsSystemRole: true,
	}
}

func (o *LLM) String() string { return fmt.Sprintf("%s/%s", o.provider, o.model) }
