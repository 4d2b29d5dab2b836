// Package config resolves agent configuration documents.
//
// A document has a top-level "agent" object describing the prompt and the
// providers for each pipeline stage, and an optional "pipeline" listing the
// stages in order. String values of the exact form ${NAME} are replaced by
// the environment variable NAME; a missing or empty variable fails the load.
package config

import (
	"fmt"
	"strconv"
)

// EnvConfigPath names the environment variable holding the default agent
// configuration file.
const EnvConfigPath = "AGENT_CONFIG_PATH"

// AgentConfig is a resolved agent definition.
type AgentConfig struct {
	Title           string
	InitialGreeting string
	Prompt          string

	VAD *ProviderConfig // nil when no VAD is configured
	STT *ProviderConfig
	LLM *ProviderConfig // always set after a successful load
	TTS *ProviderConfig

	Transport map[string]any
	MCP       map[string]any
	SIP       map[string]any
	Idle      IdleConfig

	Pipeline PipelineSpec

	// Raw is the whole document after placeholder substitution.
	Raw map[string]any
}

// IdleConfig controls how long the agent waits on a silent user.
type IdleConfig struct {
	TimeoutSeconds float64
	MaxRetries     int
}

// DefaultIdle mirrors the hosted defaults: two reminders, ten seconds apart.
var DefaultIdle = IdleConfig{TimeoutSeconds: 10, MaxRetries: 2}

// ProviderConfig selects a provider and carries its options verbatim.
type ProviderConfig struct {
	Provider string
	Options  map[string]any
}

// String returns the option as a string or def.
func (p *ProviderConfig) String(key, def string) string {
	if p == nil {
		return def
	}
	if v, ok := p.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Float returns a numeric option or def. Strings holding numbers are accepted
// since placeholders always substitute strings.
func (p *ProviderConfig) Float(key string, def float64) float64 {
	if p == nil {
		return def
	}
	switch v := p.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Int returns an integer option or def.
func (p *ProviderConfig) Int(key string, def int) int {
	return int(p.Float(key, float64(def)))
}

// Bool returns a boolean option or def.
func (p *ProviderConfig) Bool(key string, def bool) bool {
	if p == nil {
		return def
	}
	switch v := p.Options[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// StringSlice returns a list option; non-string entries are skipped.
func (p *ProviderConfig) StringSlice(key string) []string {
	if p == nil {
		return nil
	}
	switch v := p.Options[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Map returns a copy of Options suitable for handing to a provider factory.
func (p *ProviderConfig) Map() map[string]any {
	out := make(map[string]any)
	if p == nil {
		return out
	}
	for k, v := range p.Options {
		out[k] = v
	}
	return out
}

// ProviderChecker reports whether a provider is registered for a kind.
// A nil error means the provider is known.
type ProviderChecker interface {
	CheckProvider(kind, name string) error
}

// Section returns the provider config for a stage kind.
func (c *AgentConfig) Section(kind string) *ProviderConfig {
	switch kind {
	case "vad":
		return c.VAD
	case "stt":
		return c.STT
	case "llm":
		return c.LLM
	case "tts":
		return c.TTS
	default:
		return nil
	}
}

func (c *AgentConfig) String() string {
	return fmt.Sprintf("agent %q (llm=%s)", c.Title, c.LLM.Provider)
}
