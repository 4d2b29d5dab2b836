// Package stt defines the speech-to-text provider contract used by the agent
// runtime: push PCM frames into a stream, read transcripts back.
package stt

import (
	"context"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// StreamConfig contains configuration for STT streams.
type StreamConfig struct {
	SampleRate  int
	NumChannels int
	Lang        string // empty means auto-detect
	MaxRetry    int
}

// SpeechEvent is a recognition result or error.
type SpeechEvent struct {
	Type      SpeechEventType
	Text      string
	IsFinal   bool
	Language  string
	Timestamp int64 // milliseconds since epoch
	Error     error
}

// SpeechEventType represents the type of speech recognition event.
type SpeechEventType int

const (
	SpeechEventInterim SpeechEventType = iota
	SpeechEventFinal
	SpeechEventError
)

func (t SpeechEventType) String() string {
	switch t {
	case SpeechEventInterim:
		return "interim"
	case SpeechEventFinal:
		return "final"
	case SpeechEventError:
		return "error"
	default:
		return "unknown"
	}
}

// STTCapabilities describes what a provider supports.
type STTCapabilities struct {
	Streaming          bool
	InterimResults     bool
	SupportedLanguages []string
	SampleRates        []int
}

// STT is the main interface for speech-to-text providers.
type STT interface {
	NewStream(ctx context.Context, cfg StreamConfig) (STTStream, error)
	Capabilities() STTCapabilities
}

// STTStream is one utterance-scoped recognition session. Batch providers
// buffer pushed audio and emit a single final event after CloseSend.
type STTStream interface {
	Push(frame rtc.AudioFrame) error
	Events() <-chan SpeechEvent
	CloseSend() error
}
