// Package builtin registers the providers that need no external service: an
// energy-threshold VAD and the "none" VAD. It also reserves the names of
// hosted services that have no Go client here, so selecting them fails with
// a clear MissingDependencyError.
package builtin

import (
	"context"
	"time"

	"github.com/chriscow/foundation-voice-go/pkg/ai/vad"
	"github.com/chriscow/foundation-voice-go/pkg/plugin"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

// EnergyVAD treats frames above an RMS level as speech.
type EnergyVAD struct {
	Params vad.Params
}

// NewEnergyVAD reads threshold (RMS 0..1), min_speech_ms and min_silence_ms.
func NewEnergyVAD(cfg map[string]any) *EnergyVAD {
	p := vad.Params{
		Threshold:          0.02,
		MinSpeechDuration:  60 * time.Millisecond,
		MinSilenceDuration: 600 * time.Millisecond,
	}
	if t, ok := cfg["threshold"].(float64); ok && t > 0 {
		p.Threshold = float32(t)
	}
	if ms, ok := cfg["min_speech_ms"].(float64); ok && ms > 0 {
		p.MinSpeechDuration = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := cfg["min_silence_ms"].(float64); ok && ms > 0 {
		p.MinSilenceDuration = time.Duration(ms) * time.Millisecond
	}
	return &EnergyVAD{Params: p}
}

type energyScorer struct{}

// Score reports the RMS level as a pseudo-probability.
func (energyScorer) Score(f rtc.AudioFrame) (float32, error) {
	return float32(f.Energy()), nil
}

// Detect implements vad.VAD.
func (e *EnergyVAD) Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan vad.VADEvent, error) {
	return vad.Run(ctx, frames, energyScorer{}, e.Params), nil
}

// Capabilities implements vad.VAD.
func (e *EnergyVAD) Capabilities() vad.VADCapabilities {
	return vad.VADCapabilities{
		SampleRates:        []int{8000, 16000, 24000, 48000},
		MinSpeechDuration:  e.Params.MinSpeechDuration,
		MinSilenceDuration: e.Params.MinSilenceDuration,
		Sensitivity:        e.Params.Threshold,
	}
}

// NoVAD never reports speech; it drains frames until they stop.
type NoVAD struct{}

// Detect implements vad.VAD.
func (NoVAD) Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan vad.VADEvent, error) {
	out := make(chan vad.VADEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-frames:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

// Capabilities implements vad.VAD.
func (NoVAD) Capabilities() vad.VADCapabilities { return vad.VADCapabilities{} }

// hosted lists services configs may name that this build cannot reach.
var hosted = []struct {
	kind plugin.Kind
	name string
	desc string
}{
	{plugin.KindSTT, "deepgram", "Deepgram streaming speech-to-text"},
	{plugin.KindTTS, "cartesia", "Cartesia text-to-speech"},
	{plugin.KindTTS, "smallestai", "Smallest.ai text-to-speech"},
}

// Register adds the built-in providers to r.
func Register(r *plugin.Registry) {
	r.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindVAD,
		Name:        "energy",
		Factory:     func(cfg map[string]any) (any, error) { return NewEnergyVAD(cfg), nil },
		Description: "RMS energy threshold VAD",
		Version:     "1.0.0",
		Config: map[string]any{
			"threshold":      0.02,
			"min_speech_ms":  60,
			"min_silence_ms": 600,
		},
	})
	r.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindVAD,
		Name:        plugin.NoVAD,
		Factory:     func(map[string]any) (any, error) { return NoVAD{}, nil },
		Description: "Disables voice activity detection; turns end on transcripts",
		Version:     "1.0.0",
	})

	for _, h := range hosted {
		r.RegisterWithMetadata(&plugin.Plugin{
			Kind:        h.kind,
			Name:        h.name,
			Factory:     func(map[string]any) (any, error) { return nil, nil },
			Description: h.desc,
			Available:   plugin.Unavailable("no Go client for " + h.name + " in this build"),
			InstallHint: "select a supported provider (see `fv-go providers`) or load one with -tags=plugindyn",
		})
	}
}

func init() {
	Register(plugin.Default())
}
