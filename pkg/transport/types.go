// Package transport classifies inbound connections and builds the adapter and
// frame serializer that carry audio and messages between a peer and the
// agent runtime.
package transport

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

// Type is the closed set of transport kinds.
type Type string

const (
	StandardWebSocket Type = "websocket"
	WebRTCOffer       Type = "webrtc"
	TelephonyStream   Type = "telephony"
	LiveKitRoom       Type = "livekit"
)

// ParseType maps a transport_type query value to a Type. "sip" is an alias
// for TelephonyStream.
func ParseType(s string) (Type, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "websocket", "ws":
		return StandardWebSocket, true
	case "webrtc":
		return WebRTCOffer, true
	case "sip", "telephony", "twilio":
		return TelephonyStream, true
	case "livekit", "room":
		return LiveKitRoom, true
	}
	return "", false
}

// MessageConn is the subset of *websocket.Conn the detector and the
// WebSocket adapters need. Tests substitute scripted connections.
type MessageConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Offer is a WebRTC session description received over HTTP.
type Offer struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	PCID      string `json:"pc_id,omitempty"`
	RestartPC bool   `json:"restart_pc,omitempty"`
}

// Answer is returned to the client that posted an Offer.
type Answer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
	PCID string `json:"pc_id"`
}

// Inbound describes a connection before classification. Exactly one of Conn
// or Offer is normally set; LiveKit rooms need neither.
type Inbound struct {
	Query    url.Values
	Header   http.Header
	RemoteIP string
	Conn     MessageConn
	Offer    *Offer
}

// TelephonyParams identify the bridged call. Custom holds the stream's
// customParameters.
type TelephonyParams struct {
	StreamSID   string
	CallSID     string
	AccountSID  string
	Custom      map[string]string
	Encoding    string
	SampleRate  int
	NumChannels int
}

// Classification is the outcome of detection. It is a value; accessors
// return copies of reference fields.
type Classification struct {
	Type      Type
	telephony *TelephonyParams
	offer     *Offer
	room      string
}

// Telephony returns the call identifiers of a TelephonyStream classification.
func (c Classification) Telephony() (TelephonyParams, bool) {
	if c.telephony == nil {
		return TelephonyParams{}, false
	}
	p := *c.telephony
	if c.telephony.Custom != nil {
		p.Custom = make(map[string]string, len(c.telephony.Custom))
		for k, v := range c.telephony.Custom {
			p.Custom[k] = v
		}
	}
	return p, true
}

// Offer returns the SDP offer of a WebRTCOffer classification.
func (c Classification) Offer() (Offer, bool) {
	if c.offer == nil {
		return Offer{}, false
	}
	return *c.offer, true
}

// Room returns the LiveKit room name, if any.
func (c Classification) Room() string { return c.room }

// String implements fmt.Stringer.
func (c Classification) String() string { return string(c.Type) }

// Classified builds a classification for hosts that already know the type.
func Classified(t Type) Classification { return Classification{Type: t} }

// WithTelephony returns a TelephonyStream classification for params.
func WithTelephony(p TelephonyParams) Classification {
	return Classification{Type: TelephonyStream, telephony: &p}
}

// WithOffer returns a WebRTCOffer classification for o.
func WithOffer(o Offer) Classification {
	return Classification{Type: WebRTCOffer, offer: &o}
}

// WithRoom returns a LiveKitRoom classification for room.
func WithRoom(room string) Classification {
	return Classification{Type: LiveKitRoom, room: room}
}

// FrameKind enumerates the frames exchanged with a peer.
type FrameKind int

const (
	FrameAudio FrameKind = iota
	FrameText
	FrameTranscription
	FrameMessage
	FrameEnd
	FrameInterrupt
)

func (k FrameKind) String() string {
	switch k {
	case FrameAudio:
		return "audio"
	case FrameText:
		return "text"
	case FrameTranscription:
		return "transcription"
	case FrameMessage:
		return "message"
	case FrameEnd:
		return "end"
	case FrameInterrupt:
		return "interrupt"
	}
	return "unknown"
}

// Frame is a unit of traffic between the peer and the runtime. Audio is set
// for FrameAudio; Text for FrameText and FrameTranscription; Message holds a
// JSON document for FrameMessage.
type Frame struct {
	Kind      FrameKind
	Audio     *rtc.AudioFrame
	Text      string
	UserID    string
	Timestamp string
	Message   json.RawMessage
}

// AudioFrame wraps PCM in a frame.
func AudioFrame(f rtc.AudioFrame) Frame { return Frame{Kind: FrameAudio, Audio: &f} }

// MessageFrame marshals v into a FrameMessage.
func MessageFrame(v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: FrameMessage, Message: data}, nil
}

// EventType names adapter lifecycle events.
type EventType string

const (
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventClosed            EventType = "closed"
)

// Participant identifies a remote peer.
type Participant struct {
	ID       string
	Identity string
	Metadata map[string]string
}

// Event reports a participant change. First is set on the first join an
// adapter observes.
type Event struct {
	Type        EventType
	Participant Participant
	First       bool
	Reason      string
}
