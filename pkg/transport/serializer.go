package transport

import (
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

// Serializer converts frames to and from the wire format of a transport.
type Serializer interface {
	// Serialize encodes f. A nil slice means f has no wire form.
	Serialize(f Frame) ([]byte, error)
	// Deserialize decodes one message. Messages that carry no frame
	// return an error matching IsIgnored.
	Deserialize(data []byte) (Frame, error)
	// Binary reports whether messages travel as binary WebSocket frames.
	Binary() bool
}

// IsIgnored reports whether err marks a message with no frame.
func IsIgnored(err error) bool { return err == errSkip }

// Protocol buffer field numbers of the browser client's Frame message.
const (
	fieldText          protowire.Number = 1
	fieldAudio         protowire.Number = 2
	fieldTranscription protowire.Number = 3
	fieldMessage       protowire.Number = 4

	fieldID          protowire.Number = 1
	fieldName        protowire.Number = 2
	fieldPayload     protowire.Number = 3 // text or audio
	fieldSampleRate  protowire.Number = 4
	fieldNumChannels protowire.Number = 5
	fieldPTS         protowire.Number = 6
	fieldUserID      protowire.Number = 4
	fieldTimestamp   protowire.Number = 5
	fieldData        protowire.Number = 1
)

// ProtobufSerializer encodes frames as the browser client's protobuf Frame
// oneof: text=1, audio=2, transcription=3, message=4.
type ProtobufSerializer struct {
	ids atomic.Uint64
}

// NewProtobufSerializer returns a serializer for WebSocket and data-channel peers.
func NewProtobufSerializer() *ProtobufSerializer { return &ProtobufSerializer{} }

func (s *ProtobufSerializer) Binary() bool { return true }

func (s *ProtobufSerializer) Serialize(f Frame) ([]byte, error) {
	var (
		field protowire.Number
		inner []byte
	)
	switch f.Kind {
	case FrameText:
		field = fieldText
		inner = s.header("TextFrame")
		inner = appendString(inner, fieldPayload, f.Text)
	case FrameAudio:
		if f.Audio == nil {
			return nil, fmt.Errorf("audio frame without samples")
		}
		field = fieldAudio
		inner = s.header("AudioRawFrame")
		inner = protowire.AppendTag(inner, fieldPayload, protowire.BytesType)
		inner = protowire.AppendBytes(inner, f.Audio.Data)
		inner = appendVarint(inner, fieldSampleRate, uint64(f.Audio.SampleRate))
		inner = appendVarint(inner, fieldNumChannels, uint64(f.Audio.NumChannels))
		if f.Audio.Timestamp > 0 {
			inner = appendVarint(inner, fieldPTS, uint64(f.Audio.Timestamp))
		}
	case FrameTranscription:
		field = fieldTranscription
		inner = s.header("TranscriptionFrame")
		inner = appendString(inner, fieldPayload, f.Text)
		inner = appendString(inner, fieldUserID, f.UserID)
		inner = appendString(inner, fieldTimestamp, f.Timestamp)
	case FrameMessage:
		field = fieldMessage
		inner = appendString(nil, fieldData, string(f.Message))
	case FrameInterrupt:
		field = fieldMessage
		inner = appendString(nil, fieldData, `{"type":"interruption"}`)
	default:
		return nil, nil
	}

	out := protowire.AppendTag(nil, field, protowire.BytesType)
	return protowire.AppendBytes(out, inner), nil
}

func (s *ProtobufSerializer) header(name string) []byte {
	b := appendVarint(nil, fieldID, s.ids.Add(1))
	return appendString(b, fieldName, name)
}

func (s *ProtobufSerializer) Deserialize(data []byte) (Frame, error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Frame{}, fmt.Errorf("protobuf frame: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Frame{}, fmt.Errorf("protobuf frame: %w", protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		inner, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return Frame{}, fmt.Errorf("protobuf frame: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldText:
			return decodeText(inner, FrameText)
		case fieldAudio:
			return decodeAudio(inner)
		case fieldTranscription:
			return decodeText(inner, FrameTranscription)
		case fieldMessage:
			return decodeMessage(inner)
		}
	}
	return Frame{}, errSkip
}

// walk calls fn for every field of a message. fn receives the raw value for
// bytes fields and the decoded number for varints.
func walk(b []byte, fn func(num protowire.Number, raw []byte, v uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, v, 0)
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, nil, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func decodeText(b []byte, kind FrameKind) (Frame, error) {
	f := Frame{Kind: kind}
	err := walk(b, func(num protowire.Number, raw []byte, _ uint64) {
		switch num {
		case fieldPayload:
			f.Text = string(raw)
		case fieldUserID:
			if kind == FrameTranscription {
				f.UserID = string(raw)
			}
		case fieldTimestamp:
			if kind == FrameTranscription {
				f.Timestamp = string(raw)
			}
		}
	})
	if err != nil {
		return Frame{}, fmt.Errorf("%s frame: %w", kind, err)
	}
	return f, nil
}

func decodeAudio(b []byte) (Frame, error) {
	var (
		pcm           []byte
		rate, ch, pts uint64
	)
	err := walk(b, func(num protowire.Number, raw []byte, v uint64) {
		switch num {
		case fieldPayload:
			pcm = raw
		case fieldSampleRate:
			rate = v
		case fieldNumChannels:
			ch = v
		case fieldPTS:
			pts = v
		}
	})
	if err != nil {
		return Frame{}, fmt.Errorf("audio frame: %w", err)
	}
	if ch == 0 {
		ch = 1
	}
	af, err := rtc.NewAudioFrame(pcm, int(rate), int(ch), time.Duration(pts))
	if err != nil {
		return Frame{}, fmt.Errorf("audio frame: %w", err)
	}
	return Frame{Kind: FrameAudio, Audio: af}, nil
}

func decodeMessage(b []byte) (Frame, error) {
	var data []byte
	err := walk(b, func(num protowire.Number, raw []byte, _ uint64) {
		if num == fieldData {
			data = raw
		}
	})
	if err != nil {
		return Frame{}, fmt.Errorf("message frame: %w", err)
	}
	if len(data) == 0 {
		return Frame{}, errSkip
	}
	return Frame{Kind: FrameMessage, Message: append([]byte(nil), data...)}, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
