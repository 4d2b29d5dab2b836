package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/matryer/is"
)

func env(vars map[string]string) Option {
	return WithLookupEnv(func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	})
}

func TestLoad_ScenarioA(t *testing.T) {
	is := is.New(t)

	cfg, err := Load("testdata/agent.json", env(map[string]string{"TEST_OPENAI_KEY": "sk-test"}))
	is.NoErr(err)

	is.Equal(cfg.Title, "Support bot")
	is.Equal(cfg.LLM.Provider, "openai")
	is.Equal(cfg.LLM.String("model", ""), "gpt-4o-mini")
	is.Equal(cfg.LLM.String("api_key", ""), "sk-test") // placeholder resolved
	is.Equal(cfg.VAD.Provider, "silero")

	want := []StageType{StageInput, StageVAD, StageSTT, StageLLM, StageTTS, StageOutput}
	is.Equal(len(cfg.Pipeline.Stages), len(want))
	for i, st := range cfg.Pipeline.Stages {
		is.Equal(st.Type, want[i])
	}
	is.Equal(cfg.Pipeline.UseTools(), false)
	is.Equal(cfg.Pipeline.SampleRateIn, DefaultSampleRateIn)
}

func TestLoad_YAML(t *testing.T) {
	is := is.New(t)

	cfg, err := Load("testdata/agent.yaml")
	is.NoErr(err)
	is.Equal(cfg.LLM.Provider, "anthropic")
	is.Equal(cfg.Pipeline.SampleRateIn, 8000)
	is.True(cfg.Pipeline.UseTools())
	is.True(!cfg.Pipeline.Has(StageVAD))
	is.Equal(cfg.Idle, IdleConfig{TimeoutSeconds: 5, MaxRetries: 1})
	is.True(cfg.VAD == nil)
}

func TestLoad_FileErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "missing file", path: "testdata/nope.json"},
		{name: "malformed json", path: "testdata/broken.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			_, err := Load(tt.path)
			is.True(errors.Is(err, ErrConfig))

			var ce *Error
			is.True(errors.As(err, &ce))
			is.Equal(ce.Path, tt.path)
		})
	}
}

func TestPlaceholders(t *testing.T) {
	doc := func(v any) map[string]any {
		return map[string]any{"agent": map[string]any{"llm": map[string]any{"provider": "openai", "api_key": v}}}
	}

	tests := []struct {
		name    string
		value   any
		env     map[string]string
		want    any
		wantErr bool
	}{
		{name: "resolved", value: "${KEY}", env: map[string]string{"KEY": "abc"}, want: "abc"},
		{name: "unset", value: "${KEY}", env: map[string]string{}, wantErr: true},
		{name: "empty is unset", value: "${KEY}", env: map[string]string{"KEY": ""}, wantErr: true},
		{name: "partial left literal", value: "Bearer ${KEY}", env: map[string]string{"KEY": "abc"}, want: "Bearer ${KEY}"},
		{name: "non string untouched", value: 42.0, want: 42.0},
		{name: "nested in array", value: []any{"x", "${KEY}"}, env: map[string]string{"KEY": "v"}, want: []any{"x", "v"}},
		{name: "nested array unset", value: []any{"${MISSING}"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			cfg, err := LoadMap(doc(tt.value), env(tt.env))
			if tt.wantErr {
				is.True(errors.Is(err, ErrConfig))
				var ce *Error
				is.True(errors.As(err, &ce))
				is.True(ce.Field != "") // error names the offending field
				return
			}
			is.NoErr(err)
			is.Equal(cfg.LLM.Options["api_key"], tt.want)
		})
	}
}

func TestLoadMap_DoesNotMutateInput(t *testing.T) {
	is := is.New(t)

	llm := map[string]any{"provider": "openai", "api_key": "${KEY}"}
	in := map[string]any{"agent": map[string]any{"llm": llm}}
	_, err := LoadMap(in, env(map[string]string{"KEY": "secret"}))
	is.NoErr(err)
	is.Equal(llm["api_key"], "${KEY}")
}

func TestRequiredFields(t *testing.T) {
	tests := []struct {
		name  string
		doc   map[string]any
		field string
	}{
		{name: "no agent", doc: map[string]any{}, field: "agent"},
		{name: "no llm", doc: map[string]any{"agent": map[string]any{"title": "x"}}, field: "agent.llm.provider"},
		{name: "empty provider", doc: map[string]any{"agent": map[string]any{"llm": map[string]any{"provider": ""}}}, field: "agent.llm.provider"},
		{name: "section not object", doc: map[string]any{"agent": map[string]any{"llm": "openai"}}, field: "agent.llm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			_, err := LoadMap(tt.doc)
			var ce *Error
			is.True(errors.As(err, &ce))
			is.Equal(ce.Field, tt.field)
		})
	}
}

func TestPipeline(t *testing.T) {
	base := func(p any) map[string]any {
		return map[string]any{
			"agent":    map[string]any{"llm": map[string]any{"provider": "openai"}},
			"pipeline": p,
		}
	}

	tests := []struct {
		name       string
		pipeline   any
		wantStages int
		wantErr    bool
	}{
		{name: "default when absent", pipeline: nil, wantStages: 6},
		{name: "bare array", pipeline: []any{"input", "llm", "output"}, wantStages: 3},
		{name: "empty stages", pipeline: map[string]any{"stages": []any{}}, wantErr: true},
		{name: "unknown stage", pipeline: []any{"input", "translate"}, wantErr: true},
		{name: "wrong type", pipeline: "input,llm", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			cfg, err := LoadMap(base(tt.pipeline))
			if tt.wantErr {
				is.True(errors.Is(err, ErrConfig))
				return
			}
			is.NoErr(err)
			is.Equal(len(cfg.Pipeline.Stages), tt.wantStages)
		})
	}
}

type checker map[string]bool

func (c checker) CheckProvider(kind, name string) error {
	if c[kind+"/"+name] {
		return nil
	}
	return errors.New("unknown provider " + kind + "/" + name)
}

func TestProviderChecker(t *testing.T) {
	is := is.New(t)

	doc := map[string]any{"agent": map[string]any{
		"llm": map[string]any{"provider": "openai"},
		"tts": map[string]any{"provider": "mystery"},
	}}
	_, err := LoadMap(doc, WithProviderChecker(checker{"llm/openai": true}))
	var ce *Error
	is.True(errors.As(err, &ce))
	is.Equal(ce.Field, "agent.tts.provider")

	_, err = LoadMap(doc, WithProviderChecker(checker{"llm/openai": true, "tts/mystery": true}))
	is.NoErr(err)
}

func TestLoadDir(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	write := func(name, body string) {
		is.NoErr(os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	write("sales.json", `{"agent": {"llm": {"provider": "openai"}}}`)
	write("support.yaml", "agent:\n  llm:\n    provider: groq\n")
	write("README.md", "ignored")

	agents, err := LoadDir(dir)
	is.NoErr(err)
	is.Equal(len(agents), 2)
	is.Equal(agents["support"].LLM.Provider, "groq")
}

func TestResolve_Sources(t *testing.T) {
	is := is.New(t)

	cfg, err := Resolve(map[string]any{"agent": map[string]any{"llm": map[string]any{"provider": "openai"}}})
	is.NoErr(err)
	same, err := Resolve(cfg)
	is.NoErr(err)
	is.Equal(same, cfg)

	_, err = Resolve(42)
	is.True(errors.Is(err, ErrConfig))
}
