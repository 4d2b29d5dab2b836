// Package openai registers providers backed by the OpenAI API and by
// OpenAI-compatible endpoints (Groq, Cerebras).
package openai

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
	"github.com/chriscow/foundation-voice-go/pkg/plugin"
	openai "github.com/sashabaranov/go-openai"
)

// Endpoint describes one OpenAI-compatible service.
type Endpoint struct {
	Name         string
	BaseURL      string // empty uses the go-openai default
	KeyEnv       string
	DefaultModel string
}

var (
	OpenAI   = Endpoint{Name: "openai", KeyEnv: "OPENAI_API_KEY", DefaultModel: "gpt-4o-mini"}
	Groq     = Endpoint{Name: "groq", BaseURL: "https://api.groq.com/openai/v1", KeyEnv: "GROQ_API_KEY", DefaultModel: "llama-3.3-70b-versatile"}
	Cerebras = Endpoint{Name: "cerebras", BaseURL: "https://api.cerebras.ai/v1", KeyEnv: "CEREBRAS_API_KEY", DefaultModel: "llama3.1-8b"}
)

// newClient builds a client from the provider options, falling back to the
// endpoint's environment variable for the key.
func newClient(ep Endpoint, cfg map[string]any) (*openai.Client, error) {
	apiKey, _ := cfg["api_key"].(string)
	if apiKey == "" {
		apiKey = os.Getenv(ep.KeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s API key is required (set %s or provide api_key in config)", ep.Name, ep.KeyEnv)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if ep.BaseURL != "" {
		clientCfg.BaseURL = ep.BaseURL
	}
	if u, ok := cfg["base_url"].(string); ok && u != "" {
		clientCfg.BaseURL = u
	}
	return openai.NewClientWithConfig(clientCfg), nil
}

// classify maps go-openai errors onto the recoverable/fatal split used by ai.Retry.
func classify(err error, msg string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ai.NewFatalError(err, msg)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return ai.ClassifyStatus(apiErr.HTTPStatusCode, err, msg)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ai.ClassifyStatus(reqErr.HTTPStatusCode, err, msg)
	}
	// Transport failures never reached the API.
	return ai.NewRecoverableError(err, msg)
}

func llmFactory(ep Endpoint) plugin.Factory {
	return func(cfg map[string]any) (any, error) {
		client, err := newClient(ep, cfg)
		if err != nil {
			return nil, err
		}
		return NewLLM(client, ep, cfg), nil
	}
}

func newWhisper(ep Endpoint, model string) plugin.Factory {
	return func(cfg map[string]any) (any, error) {
		client, err := newClient(ep, cfg)
		if err != nil {
			return nil, err
		}
		c := Config{Model: model}
		if m, ok := cfg["model"].(string); ok && m != "" {
			c.Model = m
		}
		if lang, ok := cfg["language"].(string); ok {
			c.Language = lang
		}
		return newWhisperSTT(client, c), nil
	}
}

func newOpenAITTS(cfg map[string]any) (any, error) {
	client, err := newClient(OpenAI, cfg)
	if err != nil {
		return nil, err
	}
	return NewTTS(client, cfg), nil
}

// Register adds every OpenAI-backed provider to r.
func Register(r *plugin.Registry) {
	for _, ep := range []Endpoint{OpenAI, Groq, Cerebras} {
		r.RegisterWithMetadata(&plugin.Plugin{
			Kind:        plugin.KindLLM,
			Name:        ep.Name,
			Factory:     llmFactory(ep),
			Description: ep.Name + " chat completions",
			Version:     "1.0.0",
			Config: map[string]any{
				"api_key":     "API key (or set " + ep.KeyEnv + ")",
				"model":       ep.DefaultModel,
				"temperature": 0.7,
				"max_tokens":  1024,
			},
		})
	}

	r.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        "openai",
		Factory:     newWhisper(OpenAI, openai.Whisper1),
		Description: "OpenAI Whisper speech-to-text",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "OpenAI API key (or set OPENAI_API_KEY)",
			"model":    openai.Whisper1,
			"language": "empty for auto-detect",
		},
	})
	r.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        "groq",
		Factory:     newWhisper(Groq, "whisper-large-v3-turbo"),
		Description: "Groq hosted Whisper speech-to-text",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key": "Groq API key (or set GROQ_API_KEY)",
			"model":   "whisper-large-v3-turbo",
		},
	})

	r.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "openai",
		Factory:     newOpenAITTS,
		Description: "OpenAI text-to-speech, 24 kHz PCM",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key": "OpenAI API key (or set OPENAI_API_KEY)",
			"model":   "tts-1",
			"voice":   "alloy",
		},
	})
}

func init() {
	Register(plugin.Default())
}
