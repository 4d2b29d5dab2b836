package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

var placeholder = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

type options struct {
	lookupEnv func(string) (string, bool)
	checker   ProviderChecker
}

// Option customizes loading.
type Option func(*options)

// WithLookupEnv replaces os.LookupEnv for placeholder resolution.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookupEnv = fn }
}

// WithProviderChecker verifies every referenced provider against a registry.
func WithProviderChecker(c ProviderChecker) Option {
	return func(o *options) { o.checker = c }
}

func newOptions(opts []Option) *options {
	o := &options{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resolve loads src, which is either a file path or an already parsed document.
func Resolve(src any, opts ...Option) (*AgentConfig, error) {
	switch v := src.(type) {
	case string:
		return Load(v, opts...)
	case map[string]any:
		return LoadMap(v, opts...)
	case *AgentConfig:
		if v == nil {
			return nil, &Error{Err: errors.New("nil agent config")}
		}
		return v, nil
	default:
		return nil, &Error{Err: fmt.Errorf("unsupported config source %T", src)}
	}
}

// Load reads a JSON (comments and trailing commas allowed) or YAML document.
func Load(path string, opts ...Option) (*AgentConfig, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}
	cfg, err := resolve(doc, newOptions(opts))
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) && ce.Path == "" {
			ce.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// LoadMap resolves an in-memory document. The input is not modified.
func LoadMap(doc map[string]any, opts ...Option) (*AgentConfig, error) {
	if doc == nil {
		return nil, &Error{Err: errors.New("empty document")}
	}
	return resolve(doc, newOptions(opts))
}

// ReadDocument parses a file into a generic document without resolving it.
func ReadDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &doc)
	}
	if err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("parsing: %w", err)}
	}
	if doc == nil {
		return nil, &Error{Path: path, Err: errors.New("empty document")}
	}
	return doc, nil
}

// LoadDir loads every .json/.jsonc/.yaml/.yml file in dir keyed by file name
// without extension. The first failing file aborts the load.
func LoadDir(dir string, opts ...Option) (map[string]*AgentConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &Error{Path: dir, Err: err}
	}

	out := make(map[string]*AgentConfig)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".jsonc", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		cfg, err := Load(filepath.Join(dir, name), opts...)
		if err != nil {
			return nil, err
		}
		out[strings.TrimSuffix(name, filepath.Ext(name))] = cfg
	}
	return out, nil
}

func resolve(doc map[string]any, o *options) (*AgentConfig, error) {
	substituted, err := substitute(doc, "", o.lookupEnv)
	if err != nil {
		return nil, err
	}
	root := substituted.(map[string]any)

	agent, ok := root["agent"].(map[string]any)
	if !ok {
		return nil, &Error{Field: "agent", Err: errors.New("required object is missing")}
	}

	cfg := &AgentConfig{
		Title:           str(agent["title"]),
		InitialGreeting: str(agent["initial_greeting"]),
		Prompt:          str(agent["prompt"]),
		Transport:       obj(agent["transport"]),
		MCP:             obj(agent["mcp"]),
		SIP:             obj(agent["sip"]),
		Idle:            DefaultIdle,
		Raw:             root,
	}

	for _, kind := range []string{"vad", "stt", "llm", "tts"} {
		raw, present := agent[kind]
		if !present || raw == nil {
			continue
		}
		section, ok := raw.(map[string]any)
		if !ok {
			return nil, &Error{Field: "agent." + kind, Err: fmt.Errorf("must be an object, got %T", raw)}
		}
		pc := &ProviderConfig{Provider: str(section["provider"]), Options: map[string]any{}}
		for k, v := range section {
			if k != "provider" {
				pc.Options[k] = v
			}
		}
		switch kind {
		case "vad":
			cfg.VAD = pc
		case "stt":
			cfg.STT = pc
		case "llm":
			cfg.LLM = pc
		case "tts":
			cfg.TTS = pc
		}
	}

	if cfg.LLM == nil || cfg.LLM.Provider == "" {
		return nil, &Error{Field: "agent.llm.provider", Err: errors.New("required field is missing")}
	}

	if idle := obj(agent["idle"]); idle != nil {
		if n, ok := number(idle["timeout_seconds"]); ok {
			cfg.Idle.TimeoutSeconds = n
		}
		if n, ok := number(idle["max_retries"]); ok {
			cfg.Idle.MaxRetries = int(n)
		}
	}

	cfg.Pipeline, err = parsePipeline(root["pipeline"])
	if err != nil {
		return nil, &Error{Field: "pipeline", Err: err}
	}

	if o.checker != nil {
		for _, kind := range []string{"vad", "stt", "llm", "tts"} {
			pc := cfg.Section(kind)
			if pc == nil || pc.Provider == "" {
				continue
			}
			if err := o.checker.CheckProvider(kind, pc.Provider); err != nil {
				return nil, &Error{Field: "agent." + kind + ".provider", Err: err}
			}
		}
	}

	return cfg, nil
}

// substitute copies v, replacing whole-value ${NAME} strings from the environment.
func substitute(v any, field string, lookup func(string) (string, bool)) (any, error) {
	switch t := v.(type) {
	case string:
		m := placeholder.FindStringSubmatch(t)
		if m == nil {
			return t, nil
		}
		val, ok := lookup(m[1])
		if !ok || val == "" {
			return nil, &Error{Field: field, Err: fmt.Errorf("environment variable %s is not set", m[1])}
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := substitute(e, join(field, k), lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := substitute(e, fmt.Sprintf("%s[%d]", field, i), lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func obj(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
