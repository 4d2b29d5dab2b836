package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/chriscow/foundation-voice-go/pkg/config"
)

// DefaultICEServer is used when no ICE servers are configured.
const DefaultICEServer = "stun:stun.l.google.com:19302"

// HangUpFunc completes a bridged call.
type HangUpFunc func(ctx context.Context, callSID string) error

// LiveKitOptions locate the room server and sign the agent's token.
type LiveKitOptions struct {
	URL       string
	APIKey    string
	APISecret string
	Identity  string
}

// LiveKitFromEnv reads LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET.
func LiveKitFromEnv() LiveKitOptions {
	return LiveKitOptions{
		URL:       os.Getenv("LIVEKIT_URL"),
		APIKey:    os.Getenv("LIVEKIT_API_KEY"),
		APISecret: os.Getenv("LIVEKIT_API_SECRET"),
		Identity:  "agent",
	}
}

// Options parameterize adapter construction.
type Options struct {
	SampleRateIn  int
	SampleRateOut int
	ICEServers    []string
	AutoHangUp    bool
	HangUp        HangUpFunc
	LiveKit       LiveKitOptions
	Logger        *slog.Logger
}

// OptionsFromConfig derives adapter options from an agent's transport and
// pipeline sections. The agent.transport keys are ice_servers and
// auto_hang_up (default true).
func OptionsFromConfig(cfg *config.AgentConfig) Options {
	opts := Options{
		SampleRateIn:  config.DefaultSampleRateIn,
		SampleRateOut: config.DefaultSampleRateOut,
		AutoHangUp:    true,
		LiveKit:       LiveKitFromEnv(),
	}
	if cfg == nil {
		return opts
	}
	if cfg.Pipeline.SampleRateIn > 0 {
		opts.SampleRateIn = cfg.Pipeline.SampleRateIn
	}
	if cfg.Pipeline.SampleRateOut > 0 {
		opts.SampleRateOut = cfg.Pipeline.SampleRateOut
	}

	t := &config.ProviderConfig{Options: cfg.Transport}
	opts.AutoHangUp = t.Bool("auto_hang_up", true)
	opts.ICEServers = t.StringSlice("ice_servers")
	if s := t.String("livekit_url", ""); s != "" {
		opts.LiveKit.URL = s
	}
	return opts
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) iceServers() []string {
	if len(o.ICEServers) > 0 {
		return o.ICEServers
	}
	return []string{DefaultICEServer}
}

// Builder constructs the adapter for one classified connection.
type Builder func(ctx context.Context, cls Classification, in *Inbound, ser Serializer, opts Options) (Adapter, error)

// Factory maps transport types to builders.
type Factory struct {
	mu       sync.RWMutex
	builders map[Type]Builder
}

// NewFactory returns a factory with the websocket, telephony, webrtc and
// livekit builders registered.
func NewFactory() *Factory {
	f := &Factory{builders: make(map[Type]Builder)}
	f.Register(StandardWebSocket, buildWebSocket)
	f.Register(TelephonyStream, buildTelephony)
	f.Register(WebRTCOffer, buildWebRTC)
	f.Register(LiveKitRoom, buildLiveKit)
	return f
}

// Register installs or replaces the builder for t.
func (f *Factory) Register(t Type, b Builder) {
	if b == nil {
		panic("transport builder cannot be nil")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[t] = b
}

// Types lists the registered transport types.
func (f *Factory) Types() []Type {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Type, 0, len(f.builders))
	for t := range f.builders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Create builds the adapter and serializer for cls. The serializer is chosen
// from the classification alone.
func (f *Factory) Create(ctx context.Context, cls Classification, in *Inbound, opts Options) (Adapter, Serializer, error) {
	f.mu.RLock()
	b, ok := f.builders[cls.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, nil, &UnsupportedTransportError{Type: cls.Type}
	}
	if in == nil {
		in = &Inbound{}
	}

	ser := SerializerFor(cls, opts)
	a, err := b(ctx, cls, in, ser, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s transport: %w", cls.Type, err)
	}
	return a, ser, nil
}

// SerializerFor picks the wire format: telephony streams use the media
// stream protocol, everything else the protobuf frames.
func SerializerFor(cls Classification, opts Options) Serializer {
	if cls.Type == TelephonyStream {
		params, _ := cls.Telephony()
		rate := opts.SampleRateIn
		if rate <= 0 {
			rate = config.DefaultSampleRateIn
		}
		return NewTwilioSerializer(params, rate)
	}
	return NewProtobufSerializer()
}
