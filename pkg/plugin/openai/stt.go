package openai

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
	"github.com/chriscow/foundation-voice-go/pkg/ai/stt"
	"github.com/chriscow/foundation-voice-go/pkg/audio/wav"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
	openai "github.com/sashabaranov/go-openai"
)

// whisperRate is the rate audio is downsampled to before upload.
const whisperRate = 16000

// minUtterance is the shortest audio the transcription endpoint accepts.
const minUtterance = 100 * time.Millisecond

// Config holds configuration for Whisper STT.
type Config struct {
	Model    string `json:"model"`    // Default: whisper-1
	Language string `json:"language"` // Default: auto-detect (empty)
}

// WhisperSTT implements STT over the batch transcription endpoint. Each stream
// is one utterance: audio is buffered until CloseSend and transcribed once.
type WhisperSTT struct {
	client   *openai.Client
	model    string
	language string
	retry    ai.RetryConfig
}

func newWhisperSTT(client *openai.Client, cfg Config) *WhisperSTT {
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperSTT{
		client:   client,
		model:    model,
		language: cfg.Language,
		retry:    ai.DefaultRetryConfig,
	}
}

// NewStream creates an utterance stream.
func (w *WhisperSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.STTStream, error) {
	lang := cfg.Lang
	if lang == "" {
		lang = w.language
	}
	return &whisperStream{
		stt:       w,
		ctx:       ctx,
		lang:      lang,
		eventChan: make(chan stt.SpeechEvent, 1),
	}, nil
}

// Capabilities returns the STT capabilities.
func (w *WhisperSTT) Capabilities() stt.STTCapabilities {
	return stt.STTCapabilities{
		Streaming:      false,
		InterimResults: false,
		SupportedLanguages: []string{
			"en", "zh", "de", "es", "ru", "ko", "fr", "ja", "pt", "tr", "pl", "ca", "nl",
			"ar", "sv", "it", "id", "hi", "fi", "vi", "he", "uk", "el", "ms", "cs", "ro",
			"da", "hu", "ta", "no", "th", "ur", "hr", "bg", "lt", "la", "mi", "ml", "cy",
		},
		SampleRates: []int{8000, 16000, 24000, 48000},
	}
}

type whisperStream struct {
	stt       *WhisperSTT
	ctx       context.Context
	lang      string
	eventChan chan stt.SpeechEvent

	mu     sync.Mutex
	frames []rtc.AudioFrame
	closed bool
}

// Push buffers a frame, downsampled to 16 kHz mono.
func (s *whisperStream) Push(frame rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ai.NewFatalError(nil, "stream is closed")
	}
	s.frames = append(s.frames, rtc.Resample(frame, whisperRate))
	return nil
}

// Events returns the channel for receiving speech events. It carries at most
// one event and is closed after the transcription completes.
func (s *whisperStream) Events() <-chan stt.SpeechEvent {
	return s.eventChan
}

// CloseSend ends the utterance and starts transcription.
func (s *whisperStream) CloseSend() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("stream already closed")
	}
	s.closed = true
	frames := s.frames
	s.frames = nil
	s.mu.Unlock()

	go s.finish(frames)
	return nil
}

func (s *whisperStream) finish(frames []rtc.AudioFrame) {
	defer close(s.eventChan)

	var total time.Duration
	for i := range frames {
		total += frames[i].Duration()
	}
	if total < minUtterance {
		s.send(stt.SpeechEvent{Type: stt.SpeechEventFinal, IsFinal: true, Timestamp: time.Now().UnixMilli()})
		return
	}

	data, err := wav.EncodeFrames(frames)
	if err != nil {
		s.send(stt.SpeechEvent{Type: stt.SpeechEventError, Error: err, Timestamp: time.Now().UnixMilli()})
		return
	}

	start := time.Now()
	resp, err := ai.Retry(s.ctx, s.stt.retry, slog.Default(), "whisper transcription", func(ctx context.Context) (openai.AudioResponse, error) {
		resp, err := s.stt.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    s.stt.model,
			Language: s.lang,
			Format:   openai.AudioResponseFormatJSON,
			Reader:   bytes.NewReader(data),
			FilePath: "audio.wav",
		})
		if err != nil {
			return resp, classify(err, "transcription failed")
		}
		return resp, nil
	})
	if err != nil {
		slog.Error("whisper transcription failed", slog.String("error", err.Error()))
		s.send(stt.SpeechEvent{Type: stt.SpeechEventError, Error: err, Timestamp: time.Now().UnixMilli()})
		return
	}

	slog.Debug("whisper transcription",
		slog.String("text", resp.Text),
		slog.Duration("audio", total),
		slog.Duration("latency", time.Since(start)))

	s.send(stt.SpeechEvent{
		Type:      stt.SpeechEventFinal,
		Text:      resp.Text,
		IsFinal:   true,
		Language:  resp.Language,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *whisperStream) send(ev stt.SpeechEvent) {
	select {
	case s.eventChan <- ev:
	case <-s.ctx.Done():
	}
}
