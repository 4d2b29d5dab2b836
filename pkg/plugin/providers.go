package plugin

import (
	"fmt"

	"github.com/chriscow/foundation-voice-go/pkg/ai/llm"
	"github.com/chriscow/foundation-voice-go/pkg/ai/stt"
	"github.com/chriscow/foundation-voice-go/pkg/ai/tts"
	"github.com/chriscow/foundation-voice-go/pkg/ai/vad"
	"github.com/chriscow/foundation-voice-go/pkg/config"
)

// Defaults used when an agent omits a section.
const (
	DefaultSTT = "openai"
	DefaultTTS = "openai"
	NoVAD      = "none"
)

// Providers is the set of clients one session runs with. VAD is nil when the
// agent disables voice activity detection.
type Providers struct {
	VAD vad.VAD
	STT stt.STT
	LLM llm.LLM
	TTS tts.TTS
}

// BuildProviders constructs every provider an agent configuration names.
// The first failure aborts the build; nothing is returned partially built.
func (r *Registry) BuildProviders(cfg *config.AgentConfig) (*Providers, error) {
	if cfg == nil || cfg.LLM == nil {
		return nil, &config.Error{Field: "agent.llm.provider", Err: fmt.Errorf("required field is missing")}
	}

	var (
		p   Providers
		err error
	)

	if cfg.VAD != nil && cfg.VAD.Provider != "" && cfg.VAD.Provider != NoVAD {
		if p.VAD, err = r.BuildVAD(cfg.VAD.Provider, cfg.VAD.Map()); err != nil {
			return nil, err
		}
	}

	sttName := DefaultSTT
	if cfg.STT != nil && cfg.STT.Provider != "" {
		sttName = cfg.STT.Provider
	}
	if p.STT, err = r.BuildSTT(sttName, cfg.STT.Map()); err != nil {
		return nil, err
	}

	if p.LLM, err = r.BuildLLM(cfg.LLM.Provider, cfg.LLM.Map()); err != nil {
		return nil, err
	}

	ttsName := DefaultTTS
	if cfg.TTS != nil && cfg.TTS.Provider != "" {
		ttsName = cfg.TTS.Provider
	}
	if p.TTS, err = r.BuildTTS(ttsName, cfg.TTS.Map()); err != nil {
		return nil, err
	}

	return &p, nil
}
