package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/zaf/g711"

	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

// TelephonySampleRate is the media stream's μ-law rate.
const TelephonySampleRate = 8000

type twilioMessage struct {
	Event          string       `json:"event"`
	StreamSID      string       `json:"streamSid,omitempty"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	Protocol       string       `json:"protocol,omitempty"`
	Version        string       `json:"version,omitempty"`
	Start          *twilioStart `json:"start,omitempty"`
	Media          *twilioMedia `json:"media,omitempty"`
	Mark           *twilioMark  `json:"mark,omitempty"`
	DTMF           *twilioDTMF  `json:"dtmf,omitempty"`
}

type twilioStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type twilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type twilioMark struct {
	Name string `json:"name"`
}

type twilioDTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// TwilioSerializer speaks the telephony media stream protocol: JSON text
// messages carrying base64 μ-law audio at 8 kHz.
type TwilioSerializer struct {
	params     TelephonyParams
	sampleRate int
}

// NewTwilioSerializer returns a serializer bound to a stream. Inbound audio
// is converted to sampleRate PCM.
func NewTwilioSerializer(params TelephonyParams, sampleRate int) *TwilioSerializer {
	if sampleRate <= 0 {
		sampleRate = TelephonySampleRate
	}
	return &TwilioSerializer{params: params, sampleRate: sampleRate}
}

func (s *TwilioSerializer) Binary() bool { return false }

func (s *TwilioSerializer) Serialize(f Frame) ([]byte, error) {
	switch f.Kind {
	case FrameAudio:
		if f.Audio == nil {
			return nil, fmt.Errorf("audio frame without samples")
		}
		pcm := rtc.Resample(*f.Audio, TelephonySampleRate)
		payload := base64.StdEncoding.EncodeToString(g711.EncodeUlaw(pcm.Data))
		return json.Marshal(twilioMessage{
			Event:     "media",
			StreamSID: s.params.StreamSID,
			Media:     &twilioMedia{Payload: payload},
		})
	case FrameInterrupt:
		return json.Marshal(twilioMessage{Event: "clear", StreamSID: s.params.StreamSID})
	case FrameMessage:
		var mark struct {
			Mark string `json:"mark"`
		}
		if json.Unmarshal(f.Message, &mark) == nil && mark.Mark != "" {
			return json.Marshal(twilioMessage{
				Event:     "mark",
				StreamSID: s.params.StreamSID,
				Mark:      &twilioMark{Name: mark.Mark},
			})
		}
	}
	return nil, nil
}

func (s *TwilioSerializer) Deserialize(data []byte) (Frame, error) {
	var msg twilioMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Frame{}, fmt.Errorf("telephony message: %w", err)
	}

	switch msg.Event {
	case "media":
		if msg.Media == nil || msg.Media.Payload == "" {
			return Frame{}, errSkip
		}
		ulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return Frame{}, fmt.Errorf("media payload: %w", err)
		}
		var ts time.Duration
		if ms, err := strconv.ParseInt(msg.Media.Timestamp, 10, 64); err == nil {
			ts = time.Duration(ms) * time.Millisecond
		}
		af, err := rtc.NewAudioFrame(g711.DecodeUlaw(ulaw), TelephonySampleRate, 1, ts)
		if err != nil {
			return Frame{}, fmt.Errorf("media payload: %w", err)
		}
		out := rtc.Resample(*af, s.sampleRate)
		return Frame{Kind: FrameAudio, Audio: &out}, nil
	case "stop":
		return Frame{Kind: FrameEnd}, nil
	case "dtmf":
		if msg.DTMF == nil {
			return Frame{}, errSkip
		}
		return MessageFrame(map[string]string{"type": "dtmf", "digit": msg.DTMF.Digit})
	}
	return Frame{}, errSkip
}
