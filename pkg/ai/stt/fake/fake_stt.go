// Package fake provides a scripted STT for tests and local demos.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/chriscow/foundation-voice-go/pkg/ai/stt"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

// FakeSTT hands out scripted transcripts, one per utterance, in order.
// When the script runs out it keeps returning the last entry.
type FakeSTT struct {
	mu          sync.Mutex
	transcripts []string
	next        int

	// FinalAfterFrames makes streams emit a final event every N pushed frames
	// instead of waiting for CloseSend. Used when no VAD segments the audio.
	FinalAfterFrames int
}

// NewFakeSTT creates a fake STT with the given transcripts.
func NewFakeSTT(transcripts ...string) *FakeSTT {
	if len(transcripts) == 0 {
		transcripts = []string{"hello"}
	}
	return &FakeSTT{transcripts: transcripts}
}

func (f *FakeSTT) take() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.transcripts[f.next]
	if f.next < len(f.transcripts)-1 {
		f.next++
	}
	return t
}

// NewStream creates a new fake STT stream.
func (f *FakeSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.STTStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lang := cfg.Lang
	if lang == "" {
		lang = "en-US"
	}
	return &stream{parent: f, ctx: ctx, lang: lang, events: make(chan stt.SpeechEvent, 16)}, nil
}

// Capabilities returns fake STT capabilities.
func (f *FakeSTT) Capabilities() stt.STTCapabilities {
	return stt.STTCapabilities{
		Streaming:          true,
		SupportedLanguages: []string{"en-US"},
		SampleRates:        []int{8000, 16000, 24000, 48000},
	}
}

type stream struct {
	parent *FakeSTT
	ctx    context.Context
	lang   string

	mu     sync.Mutex
	frames int
	closed bool
	events chan stt.SpeechEvent
}

func (s *stream) Push(frame rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrFatal
	}
	s.frames++
	if n := s.parent.FinalAfterFrames; n > 0 && s.frames%n == 0 {
		s.emitLocked()
	}
	return nil
}

func (s *stream) emitLocked() {
	select {
	case s.events <- stt.SpeechEvent{
		Type:      stt.SpeechEventFinal,
		Text:      s.parent.take(),
		IsFinal:   true,
		Language:  s.lang,
		Timestamp: time.Now().UnixMilli(),
	}:
	case <-s.ctx.Done():
	}
}

func (s *stream) Events() <-chan stt.SpeechEvent { return s.events }

// CloseSend flushes a final transcript if audio was pushed since the last one
// and closes the event channel.
func (s *stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.frames > 0 && (s.parent.FinalAfterFrames == 0 || s.frames%s.parent.FinalAfterFrames != 0) {
		s.emitLocked()
	}
	close(s.events)
	return nil
}
