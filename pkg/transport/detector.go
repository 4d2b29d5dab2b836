package transport

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultHandshakeTimeout bounds the wait for the telephony bridge's first two frames.
const DefaultHandshakeTimeout = 5 * time.Second

// TelephonyIPPrefixes are address prefixes of the media bridge's cloud
// egress. They are only consulted for requests without query parameters.
var TelephonyIPPrefixes = []string{
	"54.", "18.", "52.", "34.", "184.", "3.", "13.", "44.", "35.", "99.",
	"168.86.", "177.71.", "103.", "185.", "208.78.", "67.213.",
}

var (
	telephonyUserAgents     = []string{"twilio"}
	telephonyHeaderPrefixes = []string{"x-twilio", "twilio"}
)

var classified = expvar.NewMap("transport_classified")

// Detector decides which transport an inbound connection uses.
type Detector struct {
	HandshakeTimeout time.Duration
	IPPrefixes       []string
	Logger           *slog.Logger
}

// NewDetector returns a detector with default settings.
func NewDetector() *Detector {
	return &Detector{HandshakeTimeout: DefaultHandshakeTimeout, IPPrefixes: TelephonyIPPrefixes}
}

func (d *Detector) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Detector) timeout() time.Duration {
	if d.HandshakeTimeout > 0 {
		return d.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// Classify inspects in and returns its transport. A standard WebSocket is
// classified without reading from the connection. A telephony candidate
// consumes the bridge's "connected" and "start" frames; if that handshake
// fails the connection is treated as a standard WebSocket and in.Conn is
// replaced with a wrapper that replays whatever the handshake read.
func (d *Detector) Classify(ctx context.Context, in *Inbound) (Classification, error) {
	if in == nil {
		return Classification{}, errors.New("classify: nil inbound")
	}
	cls, err := d.classify(ctx, in)
	if err != nil {
		return Classification{}, err
	}
	classified.Add(string(cls.Type), 1)
	d.logger().Debug("transport classified",
		slog.String("transport", string(cls.Type)),
		slog.String("remote_ip", in.RemoteIP))
	return cls, nil
}

func (d *Detector) classify(ctx context.Context, in *Inbound) (Classification, error) {
	if raw := in.Query.Get("transport_type"); raw != "" {
		t, ok := ParseType(raw)
		if ok {
			switch t {
			case WebRTCOffer:
				if in.Offer == nil {
					return Classification{}, ErrNoOffer
				}
				return WithOffer(*in.Offer), nil
			case TelephonyStream:
				return d.telephony(ctx, in)
			case LiveKitRoom:
				return WithRoom(in.Query.Get("room")), nil
			default:
				if in.Conn == nil {
					return Classification{}, ErrNoConnection
				}
				return Classified(StandardWebSocket), nil
			}
		}
		d.logger().Warn("ignoring unknown transport_type", slog.String("transport_type", raw))
	}

	if in.Offer != nil {
		return WithOffer(*in.Offer), nil
	}
	if in.Conn == nil {
		return Classification{}, ErrNoConnection
	}
	if d.LooksLikeTelephony(in) {
		return d.telephony(ctx, in)
	}
	return Classified(StandardWebSocket), nil
}

// LooksLikeTelephony applies the user agent, header and source address
// heuristics for the telephony bridge.
func (d *Detector) LooksLikeTelephony(in *Inbound) bool {
	ua := strings.ToLower(in.Header.Get("User-Agent"))
	for _, p := range telephonyUserAgents {
		if strings.Contains(ua, p) {
			return true
		}
	}
	for name := range in.Header {
		lower := strings.ToLower(name)
		for _, p := range telephonyHeaderPrefixes {
			if strings.HasPrefix(lower, p) {
				return true
			}
		}
	}
	if len(in.Query) == 0 && in.RemoteIP != "" {
		prefixes := d.IPPrefixes
		if prefixes == nil {
			prefixes = TelephonyIPPrefixes
		}
		for _, p := range prefixes {
			if strings.HasPrefix(in.RemoteIP, p) {
				return true
			}
		}
	}
	return false
}

func (d *Detector) telephony(ctx context.Context, in *Inbound) (Classification, error) {
	if in.Conn == nil {
		return Classification{}, ErrNoConnection
	}
	conn := newReplayConn(in.Conn)
	params, err := d.handshake(ctx, conn)
	if err != nil {
		d.logger().Warn("telephony handshake failed, falling back to websocket",
			slog.String("remote_ip", in.RemoteIP),
			slog.Any("error", err))
		in.Conn = conn
		return Classified(StandardWebSocket), nil
	}
	conn.consume()
	d.logger().Info("telephony handshake completed",
		slog.String("stream_sid", params.StreamSID),
		slog.String("call_sid", params.CallSID))
	return WithTelephony(params), nil
}

// handshake reads the "connected" and "start" frames within the handshake
// timeout. The socket never gets a read deadline; see replayConn.
func (d *Detector) handshake(ctx context.Context, conn *replayConn) (TelephonyParams, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	var connected twilioMessage
	if err := readJSON(ctx, conn, &connected); err != nil {
		return TelephonyParams{}, &HandshakeError{Step: "connected", Err: err}
	}
	if connected.Event != "connected" {
		return TelephonyParams{}, &HandshakeError{Step: "connected", Err: fmt.Errorf("unexpected event %q", connected.Event)}
	}

	var start twilioMessage
	if err := readJSON(ctx, conn, &start); err != nil {
		return TelephonyParams{}, &HandshakeError{Step: "start", Err: err}
	}
	if start.Event != "start" || start.Start == nil {
		return TelephonyParams{}, &HandshakeError{Step: "start", Err: fmt.Errorf("unexpected event %q", start.Event)}
	}
	s := start.Start
	if s.StreamSID == "" {
		s.StreamSID = start.StreamSID
	}
	if s.StreamSID == "" || s.CallSID == "" {
		return TelephonyParams{}, &HandshakeError{Step: "start", Err: errors.New("missing streamSid or callSid")}
	}

	return TelephonyParams{
		StreamSID:   s.StreamSID,
		CallSID:     s.CallSID,
		AccountSID:  s.AccountSID,
		Custom:      s.CustomParameters,
		Encoding:    s.MediaFormat.Encoding,
		SampleRate:  s.MediaFormat.SampleRate,
		NumChannels: s.MediaFormat.Channels,
	}, nil
}

func readJSON(ctx context.Context, conn *replayConn, v any) error {
	r, err := conn.next(ctx)
	if err != nil {
		return err
	}
	if r.err != nil {
		return r.err
	}
	if err := json.Unmarshal(r.data, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}
