package rtc

// Resample converts a frame to targetRate using linear interpolation and mixes
// it down to mono. Frames already at the target rate and mono are returned as is.
func Resample(f AudioFrame, targetRate int) AudioFrame {
	if targetRate <= 0 || (f.SampleRate == targetRate && f.NumChannels <= 1) {
		return f
	}

	mono := toMono(f.Int16(), f.NumChannels)
	if f.SampleRate == targetRate || len(mono) == 0 {
		out := FromInt16(mono, f.SampleRate, 1)
		out.Timestamp = f.Timestamp
		return out
	}

	outLen := len(mono) * targetRate / f.SampleRate
	if outLen == 0 {
		outLen = 1
	}
	out := make([]int16, outLen)
	step := float64(f.SampleRate) / float64(targetRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(mono)-1 {
			out[i] = mono[len(mono)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(mono[idx])*(1-frac) + float64(mono[idx+1])*frac)
	}

	frame := FromInt16(out, targetRate, 1)
	frame.Timestamp = f.Timestamp
	return frame
}

func toMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}

// Chunker regroups mono PCM at a fixed rate into frames of exactly size samples.
// Codecs such as Opus only accept fixed frame sizes.
type Chunker struct {
	rate    int
	size    int
	pending []int16
}

// NewChunker returns a chunker that emits frames of size samples at rate Hz.
func NewChunker(rate, size int) *Chunker {
	return &Chunker{rate: rate, size: size}
}

// Push resamples f to the chunker rate and returns any complete frames.
func (c *Chunker) Push(f AudioFrame) []AudioFrame {
	f = Resample(f, c.rate)
	c.pending = append(c.pending, f.Int16()...)

	var out []AudioFrame
	for len(c.pending) >= c.size {
		out = append(out, FromInt16(c.pending[:c.size], c.rate, 1))
		c.pending = c.pending[c.size:]
	}
	return out
}

// Flush returns the remaining samples padded with silence, or nothing.
func (c *Chunker) Flush() []AudioFrame {
	if len(c.pending) == 0 {
		return nil
	}
	padded := make([]int16, c.size)
	copy(padded, c.pending)
	c.pending = nil
	return []AudioFrame{FromInt16(padded, c.rate, 1)}
}
