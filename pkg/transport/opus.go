package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

const (
	opusRate      = 48000
	opusFrameSize = 960 // 20 ms at 48 kHz
	opusFrameTime = 20 * time.Millisecond
	opusMaxPacket = 4000
	opusMaxFrame  = 5760 // 120 ms at 48 kHz
)

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: opusRate,
	Channels:  2,
}

// opusSink encodes PCM into 20 ms Opus samples and paces them in real time.
type opusSink struct {
	mu      sync.Mutex
	enc     *opus.Encoder
	chunker *rtc.Chunker
	packet  []byte
	next    time.Time
	write   func(media.Sample) error
}

func newOpusSink(write func(media.Sample) error) (*opusSink, error) {
	enc, err := opus.NewEncoder(opusRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &opusSink{
		enc:     enc,
		chunker: rtc.NewChunker(opusRate, opusFrameSize),
		packet:  make([]byte, opusMaxPacket),
		write:   write,
	}, nil
}

// Write blocks until f has been handed to the track at playback speed, so
// cancelling ctx stops playback promptly.
func (s *opusSink) Write(ctx context.Context, f rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range s.chunker.Push(f) {
		n, err := s.enc.Encode(chunk.Int16(), s.packet)
		if err != nil {
			return fmt.Errorf("opus encode: %w", err)
		}

		now := time.Now()
		if s.next.Before(now) {
			s.next = now
		}
		if wait := time.Until(s.next); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		s.next = s.next.Add(opusFrameTime)

		data := make([]byte, n)
		copy(data, s.packet[:n])
		if err := s.write(media.Sample{Data: data, Duration: opusFrameTime}); err != nil {
			return err
		}
	}
	return nil
}

// Reset drops buffered samples after an interruption.
func (s *opusSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunker = rtc.NewChunker(opusRate, opusFrameSize)
	s.next = time.Time{}
}

// readTrack decodes a remote Opus track and pushes PCM frames at rate until
// the track ends or the pump stops.
func readTrack(ctx context.Context, p *pump, track *webrtc.TrackRemote, rate int) {
	dec, err := opus.NewDecoder(opusRate, 1)
	if err != nil {
		p.logger.Error("opus decoder", slog.Any("error", err))
		return
	}
	pcm := make([]int16, opusMaxFrame)

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("remote track ended", slog.String("track", track.ID()), slog.Any("error", err))
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			p.logger.Debug("opus decode", slog.Any("error", err))
			continue
		}
		if n == 0 {
			continue
		}
		f := rtc.FromInt16(pcm[:n], opusRate, 1)
		if rate > 0 {
			f = rtc.Resample(f, rate)
		}
		if !p.push(ctx, AudioFrame(f)) {
			return
		}
	}
}
