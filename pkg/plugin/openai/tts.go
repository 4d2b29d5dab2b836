package openai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
	"github.com/chriscow/foundation-voice-go/pkg/ai/tts"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
	openai "github.com/sashabaranov/go-openai"
)

const (
	ttsSampleRate = 24000
	ttsFrameBytes = ttsSampleRate / 50 * 2 // 20 ms of 16-bit mono
)

// TTS implements tts.TTS with the speech endpoint in raw PCM mode.
type TTS struct {
	client *openai.Client
	model  string
	voice  string
	retry  ai.RetryConfig
}

// NewTTS creates a speech client. Options: model, voice.
func NewTTS(client *openai.Client, cfg map[string]any) *TTS {
	t := &TTS{client: client, model: "tts-1", voice: "alloy", retry: ai.DefaultRetryConfig}
	if m, ok := cfg["model"].(string); ok && m != "" {
		t.model = m
	}
	if v, ok := cfg["voice"].(string); ok && v != "" {
		t.voice = v
	}
	return t
}

// Synthesize issues the request synchronously so request errors surface to the
// caller, then streams the body as 20 ms frames.
func (o *TTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (<-chan rtc.AudioFrame, error) {
	voice := req.Voice
	if voice == "" {
		voice = o.voice
	}
	speechReq := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	}
	if req.Speed > 0 {
		speechReq.Speed = float64(req.Speed)
	}

	start := time.Now()
	resp, err := ai.Retry(ctx, o.retry, slog.Default(), "openai speech", func(ctx context.Context) (openai.RawResponse, error) {
		resp, err := o.client.CreateSpeech(ctx, speechReq)
		if err != nil {
			return resp, classify(err, "speech request failed")
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	frames := make(chan rtc.AudioFrame, 10)
	go func() {
		defer close(frames)
		defer resp.Close()

		var ts time.Duration
		emit := func(data []byte) bool {
			f := rtc.AudioFrame{
				Data:              data,
				SampleRate:        ttsSampleRate,
				SamplesPerChannel: len(data) / 2,
				NumChannels:       1,
				Timestamp:         ts,
			}
			ts += f.Duration()
			select {
			case frames <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		buf := make([]byte, ttsFrameBytes)
		for {
			n, err := io.ReadFull(resp, buf)
			if n > 0 {
				n -= n % 2
				if n > 0 && !emit(append([]byte(nil), buf[:n]...)) {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					slog.Error("reading speech response", slog.String("error", err.Error()))
				}
				break
			}
		}

		slog.Debug("speech synthesized",
			slog.Int("chars", len(req.Text)),
			slog.Duration("audio", ts),
			slog.Duration("duration", time.Since(start)))
	}()

	return frames, nil
}

// Capabilities returns the provider's capabilities.
func (o *TTS) Capabilities() tts.TTSCapabilities {
	return tts.TTSCapabilities{
		Streaming:            true,
		SupportedLanguages:   []string{"en", "es", "fr", "de", "it", "pt", "ru", "ja", "ko", "zh"},
		SupportedVoices:      []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"},
		SampleRates:          []int{ttsSampleRate},
		SupportsSpeedControl: true,
	}
}
