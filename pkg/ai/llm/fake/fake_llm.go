// Package fake provides a scripted LLM for tests and local demos.
package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/chriscow/foundation-voice-go/pkg/ai/llm"
)

// FakeLLM replays scripted responses and records every request.
// Once the script is exhausted it echoes the last user message.
type FakeLLM struct {
	mu       sync.Mutex
	script   []llm.ChatResponse
	requests []llm.ChatRequest
	Err      error
}

// NewFakeLLM creates a fake LLM that answers with the given texts in order.
func NewFakeLLM(responses ...string) *FakeLLM {
	f := &FakeLLM{}
	for _, r := range responses {
		f.script = append(f.script, llm.ChatResponse{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: r},
			FinishReason: "stop",
		})
	}
	return f
}

// Script appends raw responses, e.g. ones carrying tool calls.
func (f *FakeLLM) Script(responses ...llm.ChatResponse) *FakeLLM {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, responses...)
	return f
}

// Requests returns a copy of the requests seen so far.
func (f *FakeLLM) Requests() []llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.ChatRequest(nil), f.requests...)
}

// Chat returns the next scripted response.
func (f *FakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return llm.ChatResponse{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.Err != nil {
		return llm.ChatResponse{}, f.Err
	}

	var resp llm.ChatResponse
	if len(f.script) > 0 {
		resp = f.script[0]
		f.script = f.script[1:]
	} else {
		resp = llm.ChatResponse{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: "You said: " + lastUser(req.Messages)},
			FinishReason: "stop",
		}
	}
	if resp.Message.Role == "" {
		resp.Message.Role = llm.RoleAssistant
	}
	resp.Usage = llm.Usage{
		PromptTokens:     countWords(req.Messages),
		CompletionTokens: len(strings.Fields(resp.Message.Content)),
	}
	return resp, nil
}

// Capabilities returns fake LLM capabilities.
func (f *FakeLLM) Capabilities() llm.LLMCapabilities {
	return llm.LLMCapabilities{
		SupportsFunctions:  true,
		MaxTokens:          4096,
		SupportedModels:    []string{"fake"},
		SupportsSystemRole: true,
	}
}

func lastUser(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func countWords(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(strings.Fields(m.Content))
	}
	return n
}
