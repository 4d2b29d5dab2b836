// Package fake registers the scripted providers under the name "fake" for
// every kind. Agent configs can select them for demos and tests:
//
//	"llm": {"provider": "fake", "responses": ["Hi there!"]}
package fake

import (
	llmfake "github.com/chriscow/foundation-voice-go/pkg/ai/llm/fake"
	sttfake "github.com/chriscow/foundation-voice-go/pkg/ai/stt/fake"
	ttsfake "github.com/chriscow/foundation-voice-go/pkg/ai/tts/fake"
	vadfake "github.com/chriscow/foundation-voice-go/pkg/ai/vad/fake"
	"github.com/chriscow/foundation-voice-go/pkg/plugin"
)

func strings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

func newFakeSTT(cfg map[string]any) (any, error) {
	s := sttfake.NewFakeSTT(strings(cfg["transcripts"])...)
	if n, ok := cfg["final_after_frames"].(float64); ok {
		s.FinalAfterFrames = int(n)
	}
	return s, nil
}

func newFakeTTS(cfg map[string]any) (any, error) {
	t := ttsfake.NewFakeTTS()
	if rate, ok := cfg["sample_rate"].(float64); ok && rate > 0 {
		t.SampleRate = int(rate)
	}
	return t, nil
}

func newFakeLLM(cfg map[string]any) (any, error) {
	return llmfake.NewFakeLLM(strings(cfg["responses"])...), nil
}

func newFakeVAD(cfg map[string]any) (any, error) {
	return vadfake.NewFakeVAD(), nil
}

// Register adds the fake providers to r. init registers them globally.
func Register(r *plugin.Registry) {
	for _, p := range []*plugin.Plugin{
		{Kind: plugin.KindSTT, Name: "fake", Factory: newFakeSTT, Description: "Scripted transcripts for testing",
			Config: map[string]any{"transcripts": []string{"hello"}, "final_after_frames": 0}},
		{Kind: plugin.KindTTS, Name: "fake", Factory: newFakeTTS, Description: "Tone frames for testing",
			Config: map[string]any{"sample_rate": 24000}},
		{Kind: plugin.KindLLM, Name: "fake", Factory: newFakeLLM, Description: "Scripted replies, then echo",
			Config: map[string]any{"responses": []string{}}},
		{Kind: plugin.KindVAD, Name: "fake", Factory: newFakeVAD, Description: "Any non-silent frame is speech"},
	} {
		p.Version = "1.0.0"
		r.RegisterWithMetadata(p)
	}
}

func init() {
	Register(plugin.Default())
}
