// Package fake provides a deterministic VAD: any non-silent frame is speech.
package fake

import (
	"context"
	"time"

	"github.com/chriscow/foundation-voice-go/pkg/ai/vad"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

// FakeVAD reports speech after MinSpeech of non-zero audio and silence after
// MinSilence of all-zero audio. Tests drive it with loud and silent frames.
type FakeVAD struct {
	Params vad.Params
}

// NewFakeVAD creates a fake VAD with short, test-friendly timings.
func NewFakeVAD() *FakeVAD {
	return &FakeVAD{Params: vad.Params{
		Threshold:          0.5,
		MinSpeechDuration:  20 * time.Millisecond,
		MinSilenceDuration: 60 * time.Millisecond,
	}}
}

// Detect scores frames by whether they contain any signal.
func (f *FakeVAD) Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan vad.VADEvent, error) {
	return vad.Run(ctx, frames, scorer{}, f.Params), nil
}

// Capabilities returns fake VAD capabilities.
func (f *FakeVAD) Capabilities() vad.VADCapabilities {
	return vad.VADCapabilities{
		SampleRates:        []int{8000, 16000, 48000},
		MinSpeechDuration:  f.Params.MinSpeechDuration,
		MinSilenceDuration: f.Params.MinSilenceDuration,
		Sensitivity:        f.Params.Threshold,
	}
}

type scorer struct{}

func (scorer) Score(frame rtc.AudioFrame) (float32, error) {
	if frame.Energy() > 0 {
		return 1, nil
	}
	return 0, nil
}
