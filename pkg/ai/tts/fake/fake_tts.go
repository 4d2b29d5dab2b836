// Package fake provides a deterministic TTS for tests and local demos.
package fake

import (
	"context"
	"sync"

	"github.com/chriscow/foundation-voice-go/pkg/ai/tts"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

// FakeTTS emits one 20 ms tone frame per four characters of input.
type FakeTTS struct {
	SampleRate int

	mu    sync.Mutex
	texts []string
}

// NewFakeTTS creates a fake TTS producing 24 kHz audio.
func NewFakeTTS() *FakeTTS {
	return &FakeTTS{SampleRate: 24000}
}

// Texts returns every text synthesized so far.
func (f *FakeTTS) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// Synthesize streams frames until done or ctx is cancelled.
func (f *FakeTTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (<-chan rtc.AudioFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	f.mu.Unlock()

	n := len(req.Text)/4 + 1
	samples := f.SampleRate / 50
	out := make(chan rtc.AudioFrame, n)
	go func() {
		defer close(out)
		for i := 0; i < n; i++ {
			pcm := make([]int16, samples)
			for j := range pcm {
				if j%2 == 0 {
					pcm[j] = 4000
				} else {
					pcm[j] = -4000
				}
			}
			select {
			case out <- rtc.FromInt16(pcm, f.SampleRate, 1):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Capabilities returns fake TTS capabilities.
func (f *FakeTTS) Capabilities() tts.TTSCapabilities {
	return tts.TTSCapabilities{
		SupportedLanguages: []string{"en-US"},
		SupportedVoices:    []string{"fake"},
		SampleRates:        []int{f.SampleRate},
	}
}
