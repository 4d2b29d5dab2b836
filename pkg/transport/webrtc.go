package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

// peerAdapter terminates a browser peer connection: the remote Opus track
// feeds Input, agent audio goes out on a local track, and messages travel
// over the first data channel the peer opens.
type peerAdapter struct {
	*pump
	pc     *webrtc.PeerConnection
	sink   *opusSink
	ser    Serializer
	rateIn int
	answer Answer

	dcMu sync.Mutex
	dc   *webrtc.DataChannel

	trackOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

func buildWebRTC(_ context.Context, cls Classification, _ *Inbound, ser Serializer, opts Options) (Adapter, error) {
	offer, ok := cls.Offer()
	if !ok {
		return nil, ErrNoOffer
	}
	a, err := newPeerAdapter(ser, opts)
	if err != nil {
		return nil, err
	}
	if err := a.HandleOffer(offer); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Producers stop on the pump, not on the request that posted the offer.
func newPeerAdapter(ser Serializer, opts Options) (*peerAdapter, error) {
	ctx := context.Background()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: opts.iceServers()}},
	})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	a := &peerAdapter{
		pump:   newPump(WebRTCOffer, opts.logger()),
		pc:     pc,
		ser:    ser,
		rateIn: opts.SampleRateIn,
	}

	local, err := webrtc.NewTrackLocalStaticSample(opusCapability, "audio", "agent")
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := pc.AddTrack(local)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}
	go drainRTCP(sender)

	a.sink, err = newOpusSink(local.WriteSample)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		a.trackOnce.Do(func() {
			a.logger.Info("remote audio track", slog.String("codec", track.Codec().MimeType))
			go readTrack(ctx, a.pump, track, a.rateIn)
		})
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		a.dcMu.Lock()
		if a.dc == nil {
			a.dc = dc
		}
		a.dcMu.Unlock()

		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			f, err := a.ser.Deserialize(msg.Data)
			if err != nil {
				if !IsIgnored(err) {
					a.logger.Debug("dropping data channel message", slog.Any("error", err))
				}
				return
			}
			a.push(ctx, f)
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		a.logger.Debug("peer connection state", slog.String("state", s.String()))
		switch s {
		case webrtc.PeerConnectionStateConnected:
			a.emit(Event{Type: EventParticipantJoined, Participant: Participant{ID: a.answer.PCID}})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			a.emit(Event{Type: EventParticipantLeft, Participant: Participant{ID: a.answer.PCID}, Reason: s.String()})
			a.stop()
		}
	})

	return a, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// HandleOffer applies the remote description and waits for ICE gathering
// so the answer carries every candidate.
func (a *peerAdapter) HandleOffer(o Offer) error {
	typ := webrtc.SDPTypeOffer
	if o.Type != "" {
		typ = webrtc.NewSDPType(o.Type)
	}
	if err := a.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: o.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(a.pc)
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	<-gathered

	local := a.pc.LocalDescription()
	if local == nil {
		return errors.New("no local description after gathering")
	}
	pcid := o.PCID
	if pcid == "" {
		pcid = "pc-" + uuid.NewString()
	}
	a.answer = Answer{SDP: local.SDP, Type: local.Type.String(), PCID: pcid}
	return nil
}

func (a *peerAdapter) Answer() Answer { return a.answer }

func (a *peerAdapter) Run(ctx context.Context) error {
	reason := "closed"
	defer func() { a.finish(reason) }()

	select {
	case <-ctx.Done():
		reason = "cancelled"
	case <-a.done:
		reason = "disconnected"
	}
	return a.Close()
}

func (a *peerAdapter) WriteAudio(ctx context.Context, f rtc.AudioFrame) error {
	return a.sink.Write(ctx, f)
}

func (a *peerAdapter) Send(ctx context.Context, f Frame) error {
	if f.Kind == FrameAudio && f.Audio != nil {
		return a.WriteAudio(ctx, *f.Audio)
	}
	if f.Kind == FrameInterrupt {
		a.sink.Reset()
	}

	data, err := a.ser.Serialize(f)
	if err != nil || data == nil {
		return err
	}

	a.dcMu.Lock()
	dc := a.dc
	a.dcMu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	return dc.Send(data)
}

func (a *peerAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.stop()
		a.closeErr = a.pc.Close()
	})
	return a.closeErr
}
