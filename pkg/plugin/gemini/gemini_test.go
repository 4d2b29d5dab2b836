package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
	"github.com/chriscow/foundation-voice-go/pkg/ai/llm"
)

func testLLM(t *testing.T, h http.HandlerFunc) *LLM {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	l, err := New(context.Background(), map[string]any{"api_key": "k", "base_url": srv.URL + "/", "model": "gemini-test"})
	if err != nil {
		t.Fatal(err)
	}
	l.retry = ai.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
	return l
}

func TestChat_Text(t *testing.T) {
	is := is.New(t)

	var body map[string]any
	l := testLLM(t, func(w http.ResponseWriter, r *http.Request) {
		is.True(strings.HasSuffix(r.URL.Path, "models/gemini-test:generateContent"))
		is.NoErr(json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"candidates":[{"content":{"role":"model","parts":[{"text":"Bonjour"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":2}
		}`)
	})

	resp, err := l.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "Speak French."},
		{Role: llm.RoleUser, Content: "hello"},
	}})
	is.NoErr(err)
	is.Equal(resp.Message.Content, "Bonjour")
	is.Equal(resp.Usage.PromptTokens, 7)
	is.Equal(resp.Usage.CompletionTokens, 2)
	is.Equal(resp.FinishReason, "STOP")
	is.True(body["systemInstruction"] != nil)
	is.Equal(len(body["contents"].([]any)), 1)
}

func TestChat_FunctionCall(t *testing.T) {
	is := is.New(t)

	l := testLLM(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[
			{"functionCall":{"name":"get_time","args":{"tz":"UTC"}}}]}}]}`)
	})

	resp, err := l.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "time?"}},
		Tools:    []llm.FunctionDefinition{{Name: "get_time", Parameters: map[string]any{"type": "object"}}},
	})
	is.NoErr(err)
	is.Equal(len(resp.ToolCalls), 1)
	is.Equal(resp.ToolCalls[0].Name, "get_time")
	is.Equal(resp.ToolCalls[0].ID, "call_0")
	is.Equal(resp.ToolCalls[0].Arguments, `{"tz":"UTC"}`)
}

func TestChat_BadRequestIsFatal(t *testing.T) {
	is := is.New(t)

	calls := 0
	l := testLLM(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`)
	})

	_, err := l.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	is.True(ai.IsFatal(err))
	is.Equal(calls, 1)
}

func TestEncodeContents_ToolRoundTrip(t *testing.T) {
	is := is.New(t)

	contents, err := encodeContents([]llm.Message{
		{Role: llm.RoleUser, Content: "time?"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "get_time", Arguments: `{}`}}},
		{Role: llm.RoleTool, ToolCallID: "c1", Content: "noon"},
	})
	is.NoErr(err)
	is.Equal(len(contents), 3)
	is.Equal(contents[1].Role, "model")
	is.Equal(contents[2].Parts[0].FunctionResponse.Name, "get_time")
}
