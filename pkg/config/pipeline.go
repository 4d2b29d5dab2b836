package config

import "fmt"

// StageType names one pipeline stage.
type StageType string

const (
	StageInput  StageType = "input"
	StageVAD    StageType = "vad"
	StageSTT    StageType = "stt"
	StageLLM    StageType = "llm"
	StageTTS    StageType = "tts"
	StageOutput StageType = "output"
)

// Valid reports whether t is one of the fixed stage types.
func (t StageType) Valid() bool {
	switch t {
	case StageInput, StageVAD, StageSTT, StageLLM, StageTTS, StageOutput:
		return true
	}
	return false
}

// Stage is one step of the pipeline with its stage-local options.
type Stage struct {
	Type   StageType
	Config map[string]any
}

// PipelineSpec is the ordered stage list plus stream settings.
type PipelineSpec struct {
	Stages        []Stage
	SampleRateIn  int
	SampleRateOut int
	EnableTracing bool
}

const (
	DefaultSampleRateIn  = 16000
	DefaultSampleRateOut = 24000
)

// DefaultPipeline is the six-stage sequence used when a document omits one.
func DefaultPipeline() PipelineSpec {
	return PipelineSpec{
		Stages: []Stage{
			{Type: StageInput, Config: map[string]any{}},
			{Type: StageVAD, Config: map[string]any{}},
			{Type: StageSTT, Config: map[string]any{}},
			{Type: StageLLM, Config: map[string]any{"use_tools": false}},
			{Type: StageTTS, Config: map[string]any{}},
			{Type: StageOutput, Config: map[string]any{}},
		},
		SampleRateIn:  DefaultSampleRateIn,
		SampleRateOut: DefaultSampleRateOut,
	}
}

// Has reports whether the pipeline contains a stage of type t.
func (p PipelineSpec) Has(t StageType) bool {
	for _, s := range p.Stages {
		if s.Type == t {
			return true
		}
	}
	return false
}

// StageConfig returns the config of the first stage of type t.
func (p PipelineSpec) StageConfig(t StageType) (map[string]any, bool) {
	for _, s := range p.Stages {
		if s.Type == t {
			return s.Config, true
		}
	}
	return nil, false
}

// UseTools reports the llm stage's use_tools flag; false when unset.
func (p PipelineSpec) UseTools() bool {
	cfg, ok := p.StageConfig(StageLLM)
	if !ok {
		return false
	}
	switch v := cfg["use_tools"].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

func parsePipeline(v any) (PipelineSpec, error) {
	spec := PipelineSpec{SampleRateIn: DefaultSampleRateIn, SampleRateOut: DefaultSampleRateOut}

	var rawStages any
	switch p := v.(type) {
	case nil:
		return DefaultPipeline(), nil
	case []any:
		rawStages = p
	case map[string]any:
		rawStages = p["stages"]
		if n, ok := number(p["sample_rate_in"]); ok {
			spec.SampleRateIn = int(n)
		}
		if n, ok := number(p["sample_rate_out"]); ok {
			spec.SampleRateOut = int(n)
		}
		if b, ok := p["enable_tracing"].(bool); ok {
			spec.EnableTracing = b
		}
	default:
		return spec, fmt.Errorf("must be an object or an array of stages, got %T", v)
	}

	list, ok := rawStages.([]any)
	if !ok || len(list) == 0 {
		return spec, fmt.Errorf("stages must be a non-empty array")
	}

	for i, raw := range list {
		var st Stage
		switch s := raw.(type) {
		case string:
			st = Stage{Type: StageType(s), Config: map[string]any{}}
		case map[string]any:
			name, _ := s["type"].(string)
			if name == "" {
				name, _ = s["name"].(string)
			}
			st = Stage{Type: StageType(name), Config: map[string]any{}}
			if c, ok := s["config"].(map[string]any); ok {
				st.Config = c
			}
		default:
			return spec, fmt.Errorf("stages[%d]: unexpected %T", i, raw)
		}
		if !st.Type.Valid() {
			return spec, fmt.Errorf("stages[%d]: unknown stage type %q", i, st.Type)
		}
		spec.Stages = append(spec.Stages, st)
	}
	return spec, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
