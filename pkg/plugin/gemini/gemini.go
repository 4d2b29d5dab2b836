// Package gemini registers the "gemini" LLM provider backed by the Google
// Gen AI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"google.golang.org/genai"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
	"github.com/chriscow/foundation-voice-go/pkg/ai/llm"
	"github.com/chriscow/foundation-voice-go/pkg/plugin"
)

const defaultModel = "gemini-2.0-flash"

// LLM implements llm.LLM over Models.GenerateContent.
type LLM struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	retry       ai.RetryConfig
}

// New builds a client. Options: api_key, model, temperature, max_tokens, base_url.
// The key falls back to GEMINI_API_KEY, then GOOGLE_API_KEY.
func New(ctx context.Context, cfg map[string]any) (*LLM, error) {
	apiKey, _ := cfg["api_key"].(string)
	for _, env := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if apiKey != "" {
			break
		}
		apiKey = os.Getenv(env)
	}
	if apiKey == "" {
		return nil, errors.New("gemini API key is required (set GEMINI_API_KEY or provide api_key in config)")
	}

	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if u, ok := cfg["base_url"].(string); ok && u != "" {
		cc.HTTPOptions.BaseURL = u
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	l := &LLM{client: client, model: defaultModel, retry: ai.DefaultRetryConfig}
	if m, ok := cfg["model"].(string); ok && m != "" {
		l.model = m
	}
	if t, ok := cfg["temperature"].(float64); ok {
		l.temperature = float32(t)
	}
	if n, ok := cfg["max_tokens"].(float64); ok {
		l.maxTokens = int32(n)
	}
	return l, nil
}

// Chat runs one GenerateContent call.
func (g *LLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	start := time.Now()

	system, rest := llm.SplitSystem(req.Messages)
	contents, err := encodeContents(rest)
	if err != nil {
		return llm.ChatResponse{}, ai.NewFatalError(err, "gemini: encode messages")
	}

	gc := &genai.GenerateContentConfig{MaxOutputTokens: g.maxTokens}
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(req.MaxTokens)
	}
	if system != "" {
		gc.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	temp := g.temperature
	if req.Temperature > 0 {
		temp = req.Temperature
	}
	if temp > 0 {
		gc.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, def := range req.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:                 def.Name,
				Description:          def.Description,
				ParametersJsonSchema: def.Parameters,
			}
		}
		gc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := ai.Retry(ctx, g.retry, slog.Default(), "gemini generate", func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, gc)
		if err != nil {
			return nil, classify(err)
		}
		return resp, nil
	})
	if err != nil {
		return llm.ChatResponse{}, err
	}

	out := llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: resp.Text()}}
	for i, fc := range resp.FunctionCalls() {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			args = []byte("{}")
		}
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: id, Name: fc.Name, Arguments: string(args)})
	}
	out.Message.ToolCalls = out.ToolCalls
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{PromptTokens: int(u.PromptTokenCount), CompletionTokens: int(u.CandidatesTokenCount)}
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}

	slog.Debug("gemini completion",
		slog.String("model", g.model),
		slog.Int("tokens", out.Usage.Total()),
		slog.Duration("duration", time.Since(start)))
	return out, nil
}

// encodeContents maps the conversation onto user/model turns. Tool results
// are sent as function responses named after the call they answer.
func encodeContents(msgs []llm.Message) ([]*genai.Content, error) {
	names := make(map[string]string)
	var out []*genai.Content
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
		case llm.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				names[tc.ID] = tc.Name
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
			}
			if len(parts) > 0 {
				out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		case llm.RoleTool:
			name := names[m.ToolCallID]
			if name == "" {
				name = m.Name
			}
			out = append(out, genai.NewContentFromFunctionResponse(name, map[string]any{"output": m.Content}, genai.RoleUser))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one user or assistant message is required")
	}
	return out, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ai.NewFatalError(err, "gemini generate")
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return ai.ClassifyStatus(apiErr.Code, err, "gemini generate")
	}
	return ai.NewRecoverableError(err, "gemini generate")
}

// Capabilities returns the provider's capabilities.
func (g *LLM) Capabilities() llm.LLMCapabilities {
	return llm.LLMCapabilities{
		SupportsFunctions:  true,
		MaxTokens:          1000000,
		SupportedModels:    []string{g.model},
		SupportsSystemRole: true,
	}
}

// Register adds the provider to r.
func Register(r *plugin.Registry) {
	r.RegisterWithMetadata(&plugin.Plugin{
		Kind: plugin.KindLLM,
		Name: "gemini",
		Factory: func(cfg map[string]any) (any, error) {
			return New(context.Background(), cfg)
		},
		Description: "Google Gemini via the Gen AI SDK",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key": "Gemini API key (or set GEMINI_API_KEY / GOOGLE_API_KEY)",
			"model":   defaultModel,
		},
	})
}

func init() {
	Register(plugin.Default())
}
