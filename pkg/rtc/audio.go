package rtc

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// AudioFrame is a block of interleaved 16-bit little-endian PCM.
// Len(Data) == SamplesPerChannel * NumChannels * 2.
//
// Frames are usually 10 ms or 20 ms long; telephony streams deliver 20 ms at
// 8 kHz and Opus tracks 20 ms at 48 kHz. A zero Timestamp means "live".
type AudioFrame struct {
	Data              []byte
	SampleRate        int
	SamplesPerChannel int
	NumChannels       int
	Timestamp         time.Duration
}

// NewAudioFrame validates that data holds a whole number of samples for the
// given channel count and returns the frame.
func NewAudioFrame(data []byte, sampleRate, numChannels int, timestamp time.Duration) (*AudioFrame, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if numChannels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", numChannels)
	}
	stride := numChannels * 2
	if len(data) == 0 || len(data)%stride != 0 {
		return nil, fmt.Errorf("AudioFrame data length mismatch: %d bytes is not a multiple of %d (%d-channel 16-bit PCM)",
			len(data), stride, numChannels)
	}

	return &AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: len(data) / stride,
		NumChannels:       numChannels,
		Timestamp:         timestamp,
	}, nil
}

// FromInt16 builds a frame from interleaved samples.
func FromInt16(samples []int16, sampleRate, numChannels int) AudioFrame {
	if numChannels <= 0 {
		numChannels = 1
	}
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: len(samples) / numChannels,
		NumChannels:       numChannels,
	}
}

// Int16 decodes the frame into interleaved samples.
func (f *AudioFrame) Int16() []int16 {
	samples := make([]int16, len(f.Data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
	}
	return samples
}

// Clone creates a deep copy of the AudioFrame.
func (f *AudioFrame) Clone() *AudioFrame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	return &AudioFrame{
		Data:              data,
		SampleRate:        f.SampleRate,
		SamplesPerChannel: f.SamplesPerChannel,
		NumChannels:       f.NumChannels,
		Timestamp:         f.Timestamp,
	}
}

// Duration returns the playback time the frame represents.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}

// Energy returns the RMS level of the frame normalised to 0..1.
func (f *AudioFrame) Energy() float64 {
	samples := f.Int16()
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
