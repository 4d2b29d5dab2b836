// Package telephony places and ends phone calls through Twilio and renders
// the TwiML that bridges a call's audio to the /ws endpoint as a media stream.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/chriscow/foundation-voice-go/pkg/config"
)

// Environment variables read by NewClientFromEnv.
const (
	EnvAccountSID  = "TWILIO_ACCOUNT_SID"
	EnvAuthToken   = "TWILIO_AUTH_TOKEN"
	EnvPhoneNumber = "TWILIO_PHONE_NUMBER"
)

// AgentParam is the stream parameter carrying the agent name. Twilio drops
// query strings from stream URLs, so it travels as a <Parameter>.
const AgentParam = "agent_name"

var (
	ErrMissingCredentials = errors.New("twilio credentials are not set")
	ErrNoCaller           = errors.New("no caller number: set From or " + EnvPhoneNumber)
	ErrNoPublicURL        = errors.New("public URL is required for media streams")
)

// callService is the part of the Twilio REST API the client uses.
type callService interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// CallRequest describes an outbound call. Empty From uses the client's number.
type CallRequest struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
}

// Client places calls whose audio streams back to this server.
type Client struct {
	api       callService
	from      string
	publicURL string
	logger    *slog.Logger
}

// NewClient returns a client for the given account. publicURL is the
// externally reachable base URL of the server, e.g. https://voice.example.com.
func NewClient(accountSID, authToken, from, publicURL string) *Client {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Client{api: rest.Api, from: from, publicURL: publicURL, logger: slog.Default()}
}

// NewClientFromEnv reads credentials from TWILIO_ACCOUNT_SID and
// TWILIO_AUTH_TOKEN. Missing credentials are a configuration error.
func NewClientFromEnv(publicURL string) (*Client, error) {
	sid, token := os.Getenv(EnvAccountSID), os.Getenv(EnvAuthToken)
	switch {
	case sid == "":
		return nil, &config.Error{Field: EnvAccountSID, Err: ErrMissingCredentials}
	case token == "":
		return nil, &config.Error{Field: EnvAuthToken, Err: ErrMissingCredentials}
	}
	return NewClient(sid, token, os.Getenv(EnvPhoneNumber), publicURL), nil
}

// WithLogger sets the client's logger.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	c.logger = l
	return c
}

// CreateCall dials req.To and connects the answered call to the media
// stream. It returns the call SID.
func (c *Client) CreateCall(ctx context.Context, req CallRequest) (string, error) {
	if req.To == "" {
		return "", errors.New("create call: destination number is required")
	}
	from := req.From
	if from == "" {
		from = c.from
	}
	if from == "" {
		return "", fmt.Errorf("create call: %w", ErrNoCaller)
	}

	markup, err := c.InboundTwiML(req.AgentName)
	if err != nil {
		return "", fmt.Errorf("create call: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetTwiml(markup)

	call, err := c.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("create call to %s: %w", req.To, err)
	}
	var sid string
	if call != nil && call.Sid != nil {
		sid = *call.Sid
	}

	c.logger.Info("outbound call created",
		slog.String("call_sid", sid),
		slog.String("to", req.To),
		slog.String("agent", req.AgentName))
	return sid, nil
}

// HangUp completes an in-progress call.
func (c *Client) HangUp(ctx context.Context, callSID string) error {
	if callSID == "" {
		return errors.New("hang up: call SID is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("hang up %s: %w", callSID, err)
	}
	c.logger.Info("call completed", slog.String("call_sid", callSID))
	return nil
}

// InboundTwiML returns the markup that connects a call to the media stream.
// It serves both the inbound webhook and outbound calls.
func (c *Client) InboundTwiML(agentName string) (string, error) {
	return StreamTwiML(c.publicURL, agentName)
}

// StreamTwiML renders <Connect><Stream url="wss://host/ws"> for publicURL.
func StreamTwiML(publicURL, agentName string) (string, error) {
	streamURL, err := StreamURL(publicURL)
	if err != nil {
		return "", err
	}

	stream := &twiml.VoiceStream{Url: streamURL}
	if agentName != "" {
		stream.InnerElements = []twiml.Element{
			&twiml.VoiceParameter{Name: AgentParam, Value: agentName},
		}
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}

	markup, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return markup, nil
}

// StreamURL maps the server's public base URL to its WebSocket endpoint:
// http becomes ws, https becomes wss, and the path is /ws.
func StreamURL(publicURL string) (string, error) {
	if publicURL == "" {
		return "", ErrNoPublicURL
	}
	if !strings.Contains(publicURL, "://") {
		publicURL = "https://" + publicURL
	}
	u, err := url.Parse(publicURL)
	if err != nil {
		return "", fmt.Errorf("parse public URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("public URL scheme %q is not http(s)", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}
