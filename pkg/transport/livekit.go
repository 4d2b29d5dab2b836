package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

// DefaultTokenTTL is the validity of room tokens minted for agents and clients.
const DefaultTokenTTL = time.Hour

// RoomToken signs a join token for identity in room.
func RoomToken(opts LiveKitOptions, room, identity string, validFor time.Duration) (string, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return "", errors.New("livekit api key and secret are required")
	}
	if validFor <= 0 {
		validFor = DefaultTokenTTL
	}
	at := auth.NewAccessToken(opts.APIKey, opts.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     room,
	}
	at.AddGrant(grant).
		SetIdentity(identity).
		SetValidFor(validFor)
	return at.ToJWT()
}

// NewRoomName returns a fresh room name for a client that did not ask for one.
func NewRoomName() string { return "room-" + uuid.NewString()[:8] }

// roomAdapter joins a LiveKit room as the agent. It listens to the first
// remote audio track and publishes agent speech on its own track.
type roomAdapter struct {
	*pump
	roomName string
	room     *lksdk.Room
	sink     *opusSink
	ser      Serializer
	rateIn   int

	mu           sync.Mutex
	participants map[string]*livekit.ParticipantInfo

	trackOnce sync.Once
	closeOnce sync.Once
}

func buildLiveKit(_ context.Context, cls Classification, _ *Inbound, ser Serializer, opts Options) (Adapter, error) {
	lk := opts.LiveKit
	if lk.URL == "" {
		return nil, errors.New("livekit url is required")
	}
	name := cls.Room()
	if name == "" {
		name = NewRoomName()
	}
	identity := lk.Identity
	if identity == "" {
		identity = "agent"
	}
	token, err := RoomToken(lk, name, identity, DefaultTokenTTL)
	if err != nil {
		return nil, err
	}

	a := &roomAdapter{
		pump:         newPump(LiveKitRoom, opts.logger()),
		roomName:     name,
		ser:          ser,
		rateIn:       opts.SampleRateIn,
		participants: make(map[string]*livekit.ParticipantInfo),
	}

	callback := &lksdk.RoomCallback{
		OnParticipantConnected:    a.onParticipantConnected,
		OnParticipantDisconnected: a.onParticipantDisconnected,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: a.onTrackSubscribed,
			OnDataReceived:    a.onDataReceived,
		},
	}
	room, err := lksdk.ConnectToRoomWithToken(lk.URL, token, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to room: %w", err)
	}
	a.room = room

	track, err := lksdk.NewLocalSampleTrack(opusCapability)
	if err != nil {
		room.Disconnect()
		return nil, fmt.Errorf("failed to create local sample track: %w", err)
	}
	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "agent-voice",
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		room.Disconnect()
		return nil, fmt.Errorf("failed to publish agent audio track: %w", err)
	}
	a.sink, err = newOpusSink(func(s media.Sample) error { return track.WriteSample(s, nil) })
	if err != nil {
		room.Disconnect()
		return nil, err
	}

	a.logger.Info("connected to room",
		slog.String("room_name", name),
		slog.String("url", lk.URL))

	for _, rp := range room.GetParticipants() {
		a.onParticipantConnected(rp)
	}
	return a, nil
}

// RoomName is the joined room.
func (a *roomAdapter) RoomName() string { return a.roomName }

func participantInfo(rp *lksdk.RemoteParticipant, state livekit.ParticipantInfo_State) *livekit.ParticipantInfo {
	return &livekit.ParticipantInfo{
		Sid:      rp.SID(),
		Identity: rp.Identity(),
		State:    state,
	}
}

func toParticipant(info *livekit.ParticipantInfo) Participant {
	return Participant{ID: info.Sid, Identity: info.Identity}
}

func (a *roomAdapter) onParticipantConnected(rp *lksdk.RemoteParticipant) {
	info := participantInfo(rp, livekit.ParticipantInfo_ACTIVE)

	a.mu.Lock()
	a.participants[rp.Identity()] = info
	a.mu.Unlock()

	a.emit(Event{Type: EventParticipantJoined, Participant: toParticipant(info)})
	a.logger.Info("participant connected",
		slog.String("identity", rp.Identity()),
		slog.String("sid", rp.SID()))
}

func (a *roomAdapter) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	info := participantInfo(rp, livekit.ParticipantInfo_DISCONNECTED)

	a.mu.Lock()
	delete(a.participants, rp.Identity())
	remaining := len(a.participants)
	a.mu.Unlock()

	a.emit(Event{Type: EventParticipantLeft, Participant: toParticipant(info), Reason: "disconnected"})
	a.logger.Info("participant disconnected",
		slog.String("identity", rp.Identity()),
		slog.Int("remaining", remaining))

	if remaining == 0 {
		a.stop()
	}
}

func (a *roomAdapter) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	a.trackOnce.Do(func() {
		a.logger.Info("track subscribed",
			slog.String("participant", rp.Identity()),
			slog.String("track_sid", pub.SID()))
		go readTrack(context.Background(), a.pump, track, a.rateIn)
	})
}

func (a *roomAdapter) onDataReceived(data []byte, rp *lksdk.RemoteParticipant) {
	f, err := a.ser.Deserialize(data)
	if err != nil {
		if !IsIgnored(err) {
			a.logger.Debug("dropping room data", slog.String("participant", rp.Identity()), slog.Any("error", err))
		}
		return
	}
	if f.UserID == "" {
		f.UserID = rp.Identity()
	}
	a.push(context.Background(), f)
}

func (a *roomAdapter) Run(ctx context.Context) error {
	reason := "closed"
	defer func() { a.finish(reason) }()

	select {
	case <-ctx.Done():
		reason = "cancelled"
	case <-a.done:
		reason = "room empty"
	}
	return a.Close()
}

func (a *roomAdapter) WriteAudio(ctx context.Context, f rtc.AudioFrame) error {
	return a.sink.Write(ctx, f)
}

func (a *roomAdapter) Send(ctx context.Context, f Frame) error {
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
	return a.room.LocalParticipant.PublishData(data, lksdk.WithDataPublishReliable(true))
}

func (a *roomAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.stop()
		a.room.Disconnect()
		a.logger.Info("disconnected from room", slog.String("room_name", a.roomName))
	})
	return nil
}
