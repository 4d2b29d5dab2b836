package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

const hangUpTimeout = 10 * time.Second

// socketAdapter carries serialized frames over a message socket. It serves
// both browser WebSockets and telephony media streams.
type socketAdapter struct {
	*pump
	conn        MessageConn
	ser         Serializer
	rateIn      int
	participant Participant

	writeMu sync.Mutex
	closeMu sync.Once

	callSID    string
	autoHangUp bool
	hangUp     HangUpFunc
}

func buildWebSocket(_ context.Context, cls Classification, in *Inbound, ser Serializer, opts Options) (Adapter, error) {
	if in.Conn == nil {
		return nil, ErrNoConnection
	}
	a := newSocketAdapter(cls.Type, in.Conn, ser, opts)
	a.participant = Participant{ID: in.RemoteIP, Identity: in.Query.Get("session_id")}
	return a, nil
}

func buildTelephony(_ context.Context, cls Classification, in *Inbound, ser Serializer, opts Options) (Adapter, error) {
	if in.Conn == nil {
		return nil, ErrNoConnection
	}
	params, ok := cls.Telephony()
	if !ok {
		return nil, errors.New("telephony transport requires call identifiers")
	}
	a := newSocketAdapter(TelephonyStream, in.Conn, ser, opts)
	a.participant = Participant{ID: params.CallSID, Identity: params.StreamSID, Metadata: params.Custom}
	a.callSID = params.CallSID
	a.autoHangUp = opts.AutoHangUp
	a.hangUp = opts.HangUp
	return a, nil
}

func newSocketAdapter(t Type, conn MessageConn, ser Serializer, opts Options) *socketAdapter {
	return &socketAdapter{
		pump:   newPump(t, opts.logger()),
		conn:   conn,
		ser:    ser,
		rateIn: opts.SampleRateIn,
	}
}

func (a *socketAdapter) Run(ctx context.Context) error {
	reason := "closed"
	defer func() { a.finish(reason) }()

	stop := context.AfterFunc(ctx, func() { _ = a.Close() })
	defer stop()

	a.emit(Event{Type: EventParticipantJoined, Participant: a.participant})

	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			reason = "disconnected"
			a.emit(Event{Type: EventParticipantLeft, Participant: a.participant, Reason: reason})
			if ctx.Err() != nil || a.isShutdown() || peerClosed(err) {
				return nil
			}
			return fmt.Errorf("%s read: %w", a.typ, err)
		}

		f, err := a.ser.Deserialize(data)
		if err != nil {
			if !IsIgnored(err) {
				a.logger.Debug("dropping undecodable message", slog.Any("error", err))
			}
			continue
		}

		if f.Kind == FrameEnd {
			reason = "stopped"
			a.emit(Event{Type: EventParticipantLeft, Participant: a.participant, Reason: reason})
			return nil
		}
		if f.Kind == FrameAudio && f.Audio != nil && a.rateIn > 0 {
			af := rtc.Resample(*f.Audio, a.rateIn)
			f.Audio = &af
		}
		if !a.push(ctx, f) {
			return nil
		}
	}
}

func (a *socketAdapter) isShutdown() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func peerClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed)
}

func (a *socketAdapter) WriteAudio(ctx context.Context, f rtc.AudioFrame) error {
	return a.Send(ctx, AudioFrame(f))
}

func (a *socketAdapter) Send(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := a.ser.Serialize(f)
	if err != nil {
		return fmt.Errorf("serialize %s frame: %w", f.Kind, err)
	}
	if data == nil {
		return nil
	}

	mt := websocket.TextMessage
	if a.ser.Binary() {
		mt = websocket.BinaryMessage
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.isShutdown() {
		return net.ErrClosed
	}
	return a.conn.WriteMessage(mt, data)
}

// Close shuts the socket. Telephony adapters with auto hang-up also
// complete the call.
func (a *socketAdapter) Close() error {
	var err error
	a.closeMu.Do(func() {
		a.stop()
		a.writeMu.Lock()
		err = a.conn.Close()
		a.writeMu.Unlock()

		if a.autoHangUp && a.hangUp != nil && a.callSID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), hangUpTimeout)
			defer cancel()
			if herr := a.hangUp(ctx, a.callSID); herr != nil {
				a.logger.Warn("hang up failed", slog.String("call_sid", a.callSID), slog.Any("error", herr))
			} else {
				a.logger.Info("call completed", slog.String("call_sid", a.callSID))
			}
		}
	})
	return err
}
