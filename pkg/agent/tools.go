package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chriscow/foundation-voice-go/pkg/ai/llm"
)

// MaxToolRounds bounds how many consecutive tool-call rounds one reply may take.
const MaxToolRounds = 5

// ErrUnknownTool is returned when the model calls a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// ToolHandler executes a tool. The host context passed to the SDK is available
// through CallContext(ctx).
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a function the LLM may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
	Handler     ToolHandler
}

// ToolRegistry is a per-connection set of tools.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry returns a registry holding tools. It panics on an invalid or
// duplicate tool, like plugin registration.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a tool.
func (r *ToolRegistry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get looks up a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tools in order.
func (r *ToolRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Definitions returns the function definitions offered to the model. An
// empty allow list offers every tool; unknown names in it are skipped.
func (r *ToolRegistry) Definitions(allow []string) []llm.FunctionDefinition {
	names := allow
	if len(names) == 0 {
		names = r.Names()
	}

	var defs []llm.FunctionDefinition
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			continue
		}
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, llm.FunctionDefinition{Name: t.Name, Description: t.Description, Parameters: params})
	}
	return defs
}

type callContextKey struct{}

// WithCallContext attaches the host's per-connection value to ctx.
func WithCallContext(ctx context.Context, v any) context.Context {
	return context.WithValue(ctx, callContextKey{}, v)
}

// CallContext returns the host value given to the connection, or nil.
func CallContext(ctx context.Context) any {
	return ctx.Value(callContextKey{})
}

var tracer = otel.Tracer("github.com/chriscow/foundation-voice-go/pkg/agent")

// Call runs one model tool call and returns the content of the tool message.
// Unknown tools and handler failures are reported to the model as an error
// object; only a cancelled ctx is returned as an error.
func (r *ToolRegistry) Call(ctx context.Context, call llm.ToolCall) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ctx, span := tracer.Start(ctx, "agent.tool_call",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
		))
	defer span.End()

	t, ok := r.Get(call.Name)
	if !ok {
		span.SetStatus(codes.Error, "unknown tool")
		return toolError(fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)), nil
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			span.RecordError(err)
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
	}

	result, err := invoke(ctx, t, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		return toolError(err), nil
	}

	switch v := result.(type) {
	case string:
		return v, nil
	case nil:
		return "{}", nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return toolError(fmt.Errorf("encode result: %w", err)), nil
	}
	return string(b), nil
}

// invoke runs the handler, turning a panic into an error for the model.
func invoke(ctx context.Context, t Tool, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("tool %s panicked: %v", t.Name, r)
		}
	}()
	return t.Handler(ctx, args)
}

func toolError(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}
