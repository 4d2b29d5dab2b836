// Package vad defines voice activity detection providers. A VAD consumes the
// inbound frame stream and reports speech boundaries.
package vad

import (
	"context"
	"time"

	"github.com/chriscow/foundation-voice-go/pkg/ai"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

type VADEventType int

const (
	VADEventSpeechStart VADEventType = iota
	VADEventSpeechEnd
	VADEventError
)

func (t VADEventType) String() string {
	switch t {
	case VADEventSpeechStart:
		return "speech_start"
	case VADEventSpeechEnd:
		return "speech_end"
	case VADEventError:
		return "error"
	default:
		return "unknown"
	}
}

// VADEvent marks a speech boundary. Frame is the frame that triggered it.
type VADEvent struct {
	Type        VADEventType
	Timestamp   time.Time
	Probability float32
	Frame       *rtc.AudioFrame
	Error       error
}

// VADCapabilities describes detector tuning.
type VADCapabilities struct {
	SampleRates        []int
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
	Sensitivity        float32 // 0.0 to 1.0
}

// VAD consumes frames until the channel closes or ctx is done and closes the
// returned event channel afterwards.
type VAD interface {
	Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan VADEvent, error)
	Capabilities() VADCapabilities
}

// Params are the hysteresis settings shared by frame-scoring detectors.
type Params struct {
	Threshold          float32
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
}

// DefaultParams matches the start/stop timings of the hosted Silero defaults.
var DefaultParams = Params{
	Threshold:          0.5,
	MinSpeechDuration:  200 * time.Millisecond,
	MinSilenceDuration: 800 * time.Millisecond,
}

// Scorer assigns a speech probability to one frame.
type Scorer interface {
	Score(frame rtc.AudioFrame) (float32, error)
}

// Run drives a Scorer over frames and emits start/end events with hysteresis.
// It is the shared loop behind the energy and Silero detectors.
func Run(ctx context.Context, frames <-chan rtc.AudioFrame, s Scorer, p Params) <-chan VADEvent {
	out := make(chan VADEvent, 10)

	go func() {
		defer close(out)

		var speaking bool
		var voiced, silent time.Duration
		emit := func(ev VADEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					if speaking {
						emit(VADEvent{Type: VADEventSpeechEnd, Timestamp: time.Now()})
					}
					return
				}

				prob, err := s.Score(frame)
				if err != nil {
					if !emit(VADEvent{Type: VADEventError, Timestamp: time.Now(), Error: err}) {
						return
					}
					continue
				}

				d := frame.Duration()
				if prob >= p.Threshold {
					voiced += d
					silent = 0
				} else {
					silent += d
					if !speaking {
						voiced = 0
					}
				}

				switch {
				case !speaking && voiced >= p.MinSpeechDuration:
					speaking = true
					f := frame
					if !emit(VADEvent{Type: VADEventSpeechStart, Timestamp: time.Now(), Probability: prob, Frame: &f}) {
						return
					}
				case speaking && silent >= p.MinSilenceDuration:
					speaking = false
					voiced = 0
					f := frame
					if !emit(VADEvent{Type: VADEventSpeechEnd, Timestamp: time.Now(), Probability: prob, Frame: &f}) {
						return
					}
				}
			}
		}
	}()

	return out
}
