package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"
)

var (
	connectedMsg = jsonMsg(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	startMsg     = jsonMsg(map[string]any{
		"event":     "start",
		"streamSid": "SS123",
		"start": map[string]any{
			"streamSid":        "SS123",
			"callSid":          "CA456",
			"accountSid":       "AC789",
			"customParameters": map[string]string{"agent_name": "support"},
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
	})
)

func testDetector() *Detector {
	d := NewDetector()
	d.HandshakeTimeout = 50 * time.Millisecond
	return d
}

func TestClassifyPlainWebSocketReadsNothing(t *testing.T) {
	is := is.New(t)

	conn := newScriptedConn(connectedMsg, startMsg)
	cls, err := testDetector().Classify(context.Background(), &Inbound{
		Query:    url.Values{"agent_name": {"support"}},
		Header:   http.Header{"User-Agent": {"Mozilla/5.0"}},
		RemoteIP: "10.0.0.5",
		Conn:     conn,
	})
	is.NoErr(err)
	is.Equal(cls.Type, StandardWebSocket)
	is.Equal(conn.readCount(), 0) // no frame consumed
	_, ok := conn.lastDeadline()
	is.True(!ok) // deadline never touched
}

func TestClassifyTelephonyHandshake(t *testing.T) {
	is := is.New(t)

	conn := newScriptedConn(connectedMsg, startMsg)
	cls, err := testDetector().Classify(context.Background(), &Inbound{
		Header: http.Header{"User-Agent": {"Twilio.TmeWs/1.0"}},
		Conn:   conn,
	})
	is.NoErr(err)
	is.Equal(cls.Type, TelephonyStream)

	p, ok := cls.Telephony()
	is.True(ok)
	is.Equal(p.StreamSID, "SS123")
	is.Equal(p.CallSID, "CA456")
	is.Equal(p.AccountSID, "AC789")
	is.Equal(p.Custom["agent_name"], "support")
	is.Equal(p.SampleRate, 8000)
	is.Equal(conn.readCount(), 2)

	_, ok = conn.lastDeadline()
	is.True(!ok) // the socket never gets a read deadline
}

func TestClassificationIsACopy(t *testing.T) {
	is := is.New(t)

	cls := WithTelephony(TelephonyParams{StreamSID: "SS1", CallSID: "CA1", Custom: map[string]string{"k": "v"}})
	p, _ := cls.Telephony()
	p.Custom["k"] = "changed"
	p.StreamSID = "other"

	again, _ := cls.Telephony()
	is.Equal(again.Custom["k"], "v")
	is.Equal(again.StreamSID, "SS1")
}

func TestClassifyTelephonyFallback(t *testing.T) {
	tests := []struct {
		name    string
		msgs    []string
		block   bool
		readErr error
	}{
		{name: "first frame not json", msgs: []string{"hello"}},
		{name: "first frame wrong event", msgs: []string{jsonMsg(map[string]any{"event": "media"})}},
		{name: "no first frame", block: true},
		{name: "read error", readErr: errors.New("connection reset")},
		{name: "no start frame", msgs: []string{connectedMsg}, block: true},
		{name: "start wrong event", msgs: []string{connectedMsg, jsonMsg(map[string]any{"event": "media"})}},
		{name: "start missing call sid", msgs: []string{connectedMsg, jsonMsg(map[string]any{
			"event": "start", "start": map[string]any{"streamSid": "SS123"},
		})}},
		{name: "start missing stream sid", msgs: []string{connectedMsg, jsonMsg(map[string]any{
			"event": "start", "start": map[string]any{"callSid": "CA456"},
		})}},
		{name: "start not json", msgs: []string{connectedMsg, "{"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)

			conn := newScriptedConn(tt.msgs...)
			conn.block = tt.block
			conn.readErr = tt.readErr
			defer conn.Close()

			in := &Inbound{
				Query: url.Values{"transport_type": {"sip"}},
				Conn:  conn,
			}
			cls, err := testDetector().Classify(context.Background(), in)
			is.NoErr(err)
			is.Equal(cls.Type, StandardWebSocket)
			_, ok := cls.Telephony()
			is.True(!ok)

			_, ok = conn.lastDeadline()
			is.True(!ok)

			// The fallback reader sees what the handshake read.
			if len(tt.msgs) > 0 {
				_, data, err := in.Conn.ReadMessage()
				is.NoErr(err)
				is.Equal(string(data), tt.msgs[0])
			}
			if tt.readErr != nil {
				_, _, err := in.Conn.ReadMessage()
				is.Equal(err, tt.readErr)
			}
		})
	}
}

func TestClassifyFallbackKeepsSocketUsable(t *testing.T) {
	is := is.New(t)

	upgrader := websocket.Upgrader{}
	got := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			got <- nil
			return
		}
		defer conn.Close()

		d := NewDetector()
		d.HandshakeTimeout = 100 * time.Millisecond
		in := &Inbound{Header: r.Header, Conn: conn}
		cls, err := d.Classify(context.Background(), in)
		if err != nil || cls.Type != StandardWebSocket {
			got <- nil
			return
		}

		var msgs []string
		for len(msgs) < 2 {
			_, data, err := in.Conn.ReadMessage()
			if err != nil {
				break
			}
			msgs = append(msgs, string(data))
		}
		got <- msgs
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, http.Header{"User-Agent": {"TwilioProxy/1.1"}})
	is.NoErr(err)
	defer client.Close()

	time.Sleep(300 * time.Millisecond) // handshake has given up by now
	is.NoErr(client.WriteMessage(websocket.TextMessage, []byte("hello")))
	is.NoErr(client.WriteMessage(websocket.TextMessage, []byte("again")))

	select {
	case msgs := <-got:
		is.Equal(msgs, []string{"hello", "again"}) // in-flight read delivered once, then live reads
	case <-time.After(5 * time.Second):
		t.Fatal("fallback socket delivered nothing")
	}
}

func TestHandshakeErrors(t *testing.T) {
	tests := []struct {
		name        string
		msgs        []string
		block       bool
		wantStep    string
		wantTimeout bool
	}{
		{name: "timeout on connected", block: true, wantStep: "connected", wantTimeout: true},
		{name: "timeout on start", msgs: []string{connectedMsg}, block: true, wantStep: "start", wantTimeout: true},
		{name: "bad connected", msgs: []string{`{"event":"nope"}`}, wantStep: "connected"},
		{name: "bad start", msgs: []string{connectedMsg, `{"event":"stop"}`}, wantStep: "start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)

			conn := newScriptedConn(tt.msgs...)
			conn.block = tt.block
			defer conn.Close()

			start := time.Now()
			_, err := testDetector().handshake(context.Background(), newReplayConn(conn))
			is.True(err != nil)
			is.True(time.Since(start) < time.Second) // bounded wait

			var he *HandshakeError
			is.True(errors.As(err, &he))
			is.Equal(he.Step, tt.wantStep)
			is.Equal(errors.Is(err, ErrHandshakeTimeout), tt.wantTimeout)
		})
	}
}

func TestHandshakeHonorsContext(t *testing.T) {
	is := is.New(t)

	conn := newScriptedConn()
	conn.block = true
	defer conn.Close()

	d := NewDetector()
	d.HandshakeTimeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := d.handshake(ctx, newReplayConn(conn))
	is.True(err != nil)
	is.True(errors.Is(err, context.Canceled))
	is.True(time.Since(start) < 5*time.Second)
}

func TestClassifyPolicy(t *testing.T) {
	offer := &Offer{SDP: "v=0", Type: "offer"}

	tests := []struct {
		name    string
		in      *Inbound
		want    Type
		wantErr error
	}{
		{
			name: "explicit websocket",
			in:   &Inbound{Query: url.Values{"transport_type": {"websocket"}}, Header: http.Header{"User-Agent": {"twilio"}}, Conn: newScriptedConn()},
			want: StandardWebSocket,
		},
		{
			name: "explicit webrtc with offer",
			in:   &Inbound{Query: url.Values{"transport_type": {"webrtc"}}, Offer: offer},
			want: WebRTCOffer,
		},
		{
			name:    "explicit webrtc without offer",
			in:      &Inbound{Query: url.Values{"transport_type": {"webrtc"}}, Conn: newScriptedConn()},
			wantErr: ErrNoOffer,
		},
		{
			name: "explicit livekit",
			in:   &Inbound{Query: url.Values{"transport_type": {"livekit"}, "room": {"lobby"}}},
			want: LiveKitRoom,
		},
		{
			name: "unknown type falls through",
			in:   &Inbound{Query: url.Values{"transport_type": {"carrier-pigeon"}}, Conn: newScriptedConn()},
			want: StandardWebSocket,
		},
		{
			name: "offer without type",
			in:   &Inbound{Offer: offer},
			want: WebRTCOffer,
		},
		{
			name: "twilio header",
			in:   &Inbound{Header: http.Header{"X-Twilio-Signature": {"abc"}}, Conn: newScriptedConn(connectedMsg, startMsg)},
			want: TelephonyStream,
		},
		{
			name: "bridge address without query",
			in:   &Inbound{RemoteIP: "54.172.60.1", Conn: newScriptedConn(connectedMsg, startMsg)},
			want: TelephonyStream,
		},
		{
			name: "bridge address with query",
			in:   &Inbound{RemoteIP: "54.172.60.1", Query: url.Values{"agent_name": {"a"}}, Conn: newScriptedConn(connectedMsg, startMsg)},
			want: StandardWebSocket,
		},
		{
			name:    "nothing to talk to",
			in:      &Inbound{},
			wantErr: ErrNoConnection,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)

			cls, err := testDetector().Classify(context.Background(), tt.in)
			if tt.wantErr != nil {
				is.True(errors.Is(err, tt.wantErr))
				return
			}
			is.NoErr(err)
			is.Equal(cls.Type, tt.want)
		})
	}
}

func TestClassifyRoomName(t *testing.T) {
	is := is.New(t)

	cls, err := testDetector().Classify(context.Background(), &Inbound{
		Query: url.Values{"transport_type": {"livekit"}, "room": {"lobby"}},
	})
	is.NoErr(err)
	is.Equal(cls.Room(), "lobby")
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want Type
		ok   bool
	}{
		{"websocket", StandardWebSocket, true},
		{"WebRTC", WebRTCOffer, true},
		{"sip", TelephonyStream, true},
		{"telephony", TelephonyStream, true},
		{"livekit", LiveKitRoom, true},
		{"daily", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			is := is.New(t)
			got, ok := ParseType(tt.in)
			is.Equal(ok, tt.ok)
			is.Equal(got, tt.want)
		})
	}
}
