// Package wav encodes and decodes 16-bit PCM RIFF/WAVE data in memory.
// Batch speech-to-text APIs take a WAV upload rather than raw PCM.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

const headerSize = 44

// Header describes the format of a WAV payload.
type Header struct {
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	DataSize      uint32
}

// ErrFormat is returned for data that is not 16-bit PCM WAV.
var ErrFormat = errors.New("wav: unsupported format")

// Encode writes pcm as a canonical 44-byte-header WAV file.
func Encode(w io.Writer, pcm []byte, sampleRate, numChannels int) error {
	if sampleRate <= 0 || numChannels <= 0 {
		return fmt.Errorf("%w: rate %d channels %d", ErrFormat, sampleRate, numChannels)
	}

	const bits = 16
	blockAlign := uint16(numChannels * bits / 8)
	hdr := make([]byte, headerSize)
	copy(hdr[0:], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(36+len(pcm)))
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16)
	binary.LittleEndian.PutUint16(hdr[20:], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:], uint16(numChannels))
	binary.LittleEndian.PutUint32(hdr[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:], uint32(sampleRate)*uint32(blockAlign))
	binary.LittleEndian.PutUint16(hdr[32:], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:], bits)
	copy(hdr[36:], "data")
	binary.LittleEndian.PutUint32(hdr[40:], uint32(len(pcm)))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return nil
}

// EncodeFrames concatenates frames into one WAV file. All frames must share
// the first frame's rate and channel count.
func EncodeFrames(frames []rtc.AudioFrame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, errors.New("wav: no frames to encode")
	}
	rate, channels := frames[0].SampleRate, frames[0].NumChannels

	size := 0
	for i, f := range frames {
		if f.SampleRate != rate || f.NumChannels != channels {
			return nil, fmt.Errorf("%w: frame %d is %dHz/%dch, want %dHz/%dch",
				ErrFormat, i, f.SampleRate, f.NumChannels, rate, channels)
		}
		size += len(f.Data)
	}

	pcm := make([]byte, 0, size)
	for _, f := range frames {
		pcm = append(pcm, f.Data...)
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + size)
	if err := Encode(&buf, pcm, rate, channels); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a WAV file and returns its header and PCM payload. Chunks
// other than fmt and data are skipped.
func Decode(r io.Reader) (Header, []byte, error) {
	var h Header

	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return h, nil, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return h, nil, fmt.Errorf("%w: not a RIFF/WAVE file", ErrFormat)
	}

	var sawFmt bool
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return h, nil, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return h, nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if size < 16 || binary.LittleEndian.Uint16(body[0:2]) != 1 {
				return h, nil, fmt.Errorf("%w: only PCM is supported", ErrFormat)
			}
			h.NumChannels = binary.LittleEndian.Uint16(body[2:4])
			h.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			h.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			if h.BitsPerSample != 16 {
				return h, nil, fmt.Errorf("%w: %d-bit samples", ErrFormat, h.BitsPerSample)
			}
			sawFmt = true
		case "data":
			if !sawFmt {
				return h, nil, fmt.Errorf("%w: data chunk before fmt", ErrFormat)
			}
			pcm := make([]byte, size)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return h, nil, fmt.Errorf("read data chunk: %w", err)
			}
			h.DataSize = size
			return h, pcm, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return h, nil, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}
