package builtin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chriscow/foundation-voice-go/pkg/ai/vad"
	"github.com/chriscow/foundation-voice-go/pkg/plugin"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
	"github.com/matryer/is"
)

func loud(n int) rtc.AudioFrame {
	s := make([]int16, n)
	for i := range s {
		s[i] = 8000
	}
	return rtc.FromInt16(s, 16000, 1)
}

func TestEnergyVAD(t *testing.T) {
	is := is.New(t)

	v := NewEnergyVAD(map[string]any{"min_speech_ms": float64(40), "min_silence_ms": float64(40)})
	frames := make(chan rtc.AudioFrame)
	events, err := v.Detect(context.Background(), frames)
	is.NoErr(err)

	go func() {
		defer close(frames)
		for i := 0; i < 3; i++ {
			frames <- loud(320) // 20ms
		}
		for i := 0; i < 3; i++ {
			frames <- rtc.FromInt16(make([]int16, 320), 16000, 1)
		}
	}()

	var got []vad.VADEventType
	for ev := range events {
		got = append(got, ev.Type)
	}
	is.Equal(got, []vad.VADEventType{vad.VADEventSpeechStart, vad.VADEventSpeechEnd})
}

func TestNoVAD_Drains(t *testing.T) {
	is := is.New(t)

	frames := make(chan rtc.AudioFrame)
	events, err := NoVAD{}.Detect(context.Background(), frames)
	is.NoErr(err)

	frames <- loud(320)
	close(frames)

	select {
	case _, ok := <-events:
		is.True(!ok)
	case <-time.After(time.Second):
		t.Fatal("events not closed")
	}
}

func TestHostedProvidersUnavailable(t *testing.T) {
	is := is.New(t)

	r := plugin.NewRegistry()
	Register(r)

	for _, h := range hosted {
		is.NoErr(r.CheckProvider(string(h.kind), h.name)) // configs naming them resolve
		_, err := r.Build(h.kind, h.name, nil)
		is.True(errors.Is(err, plugin.ErrMissingDependency))
	}
}
