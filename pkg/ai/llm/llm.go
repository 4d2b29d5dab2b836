package llm

import (
	"context"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
)

var (
	// ErrRecoverable indicates a temporary LLM failure that may succeed if retried.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent LLM failure (bad key, unknown model, policy violation).
	ErrFatal = ai.ErrFatal
)

// MessageRole represents the role of a message in a chat conversation.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message represents a single message in a chat conversation.
// Assistant messages may carry ToolCalls; tool messages answer one of them by ToolCallID.
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	Name       string      `json:"name,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded arguments
}

// FunctionDefinition defines a function that the LLM can call.
type FunctionDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// ChatRequest contains parameters for a chat completion request.
type ChatRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
	TopP        float32
	Tools       []FunctionDefinition
}

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// ChatResponse contains the response from a chat completion request.
type ChatResponse struct {
	Message      Message
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
}

// LLMCapabilities describes the capabilities of an LLM provider.
type LLMCapabilities struct {
	SupportsFunctions  bool
	SupportsStreaming  bool
	MaxTokens          int
	SupportedModels    []string
	SupportsSystemRole bool
}

// LLM is the main interface for large language model providers.
type LLM interface {
	// Chat performs a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() LLMCapabilities
}

// SplitSystem separates leading system messages from the conversation, for
// providers that take the system prompt out of band.
func SplitSystem(msgs []Message) (system string, rest []Message) {
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
