package wav

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chriscow/foundation-voice-go/pkg/rtc"
	"github.com/matryer/is"
)

func TestEncodeFrames_Decode(t *testing.T) {
	is := is.New(t)

	frames := []rtc.AudioFrame{
		rtc.FromInt16([]int16{1, 2, 3, 4}, 16000, 1),
		rtc.FromInt16([]int16{5, 6}, 16000, 1),
	}
	data, err := EncodeFrames(frames)
	is.NoErr(err)
	is.Equal(len(data), headerSize+12)
	is.Equal(string(data[0:4]), "RIFF")

	h, pcm, err := Decode(bytes.NewReader(data))
	is.NoErr(err)
	is.Equal(h.SampleRate, uint32(16000))
	is.Equal(h.NumChannels, uint16(1))
	is.Equal(h.BitsPerSample, uint16(16))
	is.Equal(h.DataSize, uint32(12))

	f := rtc.FromInt16(nil, 16000, 1)
	f.Data = pcm
	is.Equal(f.Int16(), []int16{1, 2, 3, 4, 5, 6})
}

func TestEncodeFrames_Errors(t *testing.T) {
	tests := []struct {
		name   string
		frames []rtc.AudioFrame
	}{
		{name: "empty", frames: nil},
		{name: "mixed rates", frames: []rtc.AudioFrame{
			rtc.FromInt16([]int16{1}, 16000, 1),
			rtc.FromInt16([]int16{1}, 8000, 1),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			_, err := EncodeFrames(tt.frames)
			is.True(err != nil)
		})
	}
}

func TestDecode_NotWAV(t *testing.T) {
	is := is.New(t)

	_, _, err := Decode(bytes.NewReader([]byte("RIFF\x00\x00\x00\x00AVI LIST")))
	is.True(errors.Is(err, ErrFormat))
}
