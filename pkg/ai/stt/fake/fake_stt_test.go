package fake

import (
	"context"
	"testing"

	"github.com/chriscow/foundation-voice-go/pkg/ai/stt"
	"github.com/chriscow/foundation-voice-go/pkg/rtc"
	"github.com/matryer/is"
)

func drain(ch <-chan stt.SpeechEvent) []string {
	var out []string
	for ev := range ch {
		out = append(out, ev.Text)
	}
	return out
}

func TestFakeSTT_FinalOnCloseSend(t *testing.T) {
	is := is.New(t)

	f := NewFakeSTT("first", "second")
	for _, want := range []string{"first", "second", "second"} {
		s, err := f.NewStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
		is.NoErr(err)
		is.NoErr(s.Push(rtc.FromInt16(make([]int16, 160), 16000, 1)))
		is.NoErr(s.CloseSend())
		is.Equal(drain(s.Events()), []string{want})
	}
}

func TestFakeSTT_NoAudioNoTranscript(t *testing.T) {
	is := is.New(t)

	s, err := NewFakeSTT("x").NewStream(context.Background(), stt.StreamConfig{})
	is.NoErr(err)
	is.NoErr(s.CloseSend())
	is.Equal(len(drain(s.Events())), 0)
}

func TestFakeSTT_FinalAfterFrames(t *testing.T) {
	is := is.New(t)

	f := NewFakeSTT("a", "b")
	f.FinalAfterFrames = 2
	s, err := f.NewStream(context.Background(), stt.StreamConfig{})
	is.NoErr(err)
	for i := 0; i < 4; i++ {
		is.NoErr(s.Push(rtc.FromInt16(make([]int16, 160), 16000, 1)))
	}
	is.NoErr(s.CloseSend())
	is.Equal(drain(s.Events()), []string{"a", "b"})
}
