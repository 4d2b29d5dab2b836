package sdk

import (
	"github.com/chriscow/foundation-voice-go/pkg/session"
	"github.com/chriscow/foundation-voice-go/pkg/transport"
)

// ConnState is a connection's position in its lifecycle.
type ConnState string

const (
	StateConnecting     ConnState = "CONNECTING"
	StateClassifying    ConnState = "CLASSIFYING"
	StateTransportReady ConnState = "TRANSPORT_READY"
	StateSessionActive  ConnState = "SESSION_ACTIVE"
	StateDisconnecting  ConnState = "DISCONNECTING"
	StateClosed         ConnState = "CLOSED"
)

// ClientInfo describes a connection once its session is registered.
type ClientInfo struct {
	SessionID string         `json:"session_id"`
	AgentName string         `json:"agent_name"`
	Transport transport.Type `json:"transport"`
	RemoteIP  string         `json:"remote_ip,omitempty"`
	CallSID   string         `json:"call_sid,omitempty"`
}

// DisconnectInfo is delivered once per session when it ends.
type DisconnectInfo struct {
	SessionID  string                    `json:"session_id"`
	Reason     session.State             `json:"reason"`
	Transcript []session.TranscriptEntry `json:"transcript"`
	Metrics    session.Summary           `json:"metrics"`
	Metadata   map[string]any            `json:"metadata"`
}

// Callbacks are optional host hooks. Nil fields are skipped. Hooks run on
// the session's goroutines and should return quickly.
type Callbacks struct {
	OnClientConnected        func(ClientInfo)
	OnClientDisconnected     func(DisconnectInfo)
	OnTranscriptUpdate       func(session.TranscriptEntry)
	OnFirstParticipantJoined func(transport.Participant)
	OnParticipantLeft        func(p transport.Participant, reason string)
	// OnSessionTimeout is reserved. Idle sessions report through
	// OnClientDisconnected with reason idle_timeout.
	OnSessionTimeout func()
	OnError          func(error)
	OnStateChange    func(ConnState)
}

// merge fills nil hooks of c from base.
func (c Callbacks) merge(base Callbacks) Callbacks {
	if c.OnClientConnected == nil {
		c.OnClientConnected = base.OnClientConnected
	}
	if c.OnClientDisconnected == nil {
		c.OnClientDisconnected = base.OnClientDisconnected
	}
	if c.OnTranscriptUpdate == nil {
		c.OnTranscriptUpdate = base.OnTranscriptUpdate
	}
	if c.OnFirstParticipantJoined == nil {
		c.OnFirstParticipantJoined = base.OnFirstParticipantJoined
	}
	if c.OnParticipantLeft == nil {
		c.OnParticipantLeft = base.OnParticipantLeft
	}
	if c.OnSessionTimeout == nil {
		c.OnSessionTimeout = base.OnSessionTimeout
	}
	if c.OnError == nil {
		c.OnError = base.OnError
	}
	if c.OnStateChange == nil {
		c.OnStateChange = base.OnStateChange
	}
	return c
}

func (c *Callbacks) connected(info ClientInfo) {
	if c.OnClientConnected != nil {
		c.OnClientConnected(info)
	}
}

func (c *Callbacks) disconnected(info DisconnectInfo) {
	if c.OnClientDisconnected != nil {
		c.OnClientDisconnected(info)
	}
}

func (c *Callbacks) transcript(e session.TranscriptEntry) {
	if c.OnTranscriptUpdate != nil {
		c.OnTranscriptUpdate(e)
	}
}

func (c *Callbacks) participantJoined(p transport.Participant, first bool) {
	if first && c.OnFirstParticipantJoined != nil {
		c.OnFirstParticipantJoined(p)
	}
}

func (c *Callbacks) participantLeft(p transport.Participant, reason string) {
	if c.OnParticipantLeft != nil {
		c.OnParticipantLeft(p, reason)
	}
}

func (c *Callbacks) fail(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c *Callbacks) state(s ConnState) {
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}
