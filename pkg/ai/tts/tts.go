// Package tts defines the text-to-speech provider contract.
package tts

import (
	"context"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// SynthesizeRequest contains parameters for one synthesis call. Empty Voice
// selects the provider's configured voice.
type SynthesizeRequest struct {
	Text     string
	Voice    string
	Language string
	Speed    float32
}

// TTSCapabilities describes what a provider supports.
type TTSCapabilities struct {
	Streaming            bool
	SupportedLanguages   []string
	SupportedVoices      []string
	SampleRates          []int
	SupportsSpeedControl bool
}

// TTS converts text into a stream of PCM frames. The channel is closed when
// synthesis completes or ctx is cancelled.
type TTS interface {
	Synthesize(ctx context.Context, req SynthesizeRequest) (<-chan rtc.AudioFrame, error)
	Capabilities() TTSCapabilities
}
