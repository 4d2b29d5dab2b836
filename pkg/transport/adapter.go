package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chriscow/foundation-voice-go/pkg/rtc"
)

// Adapter moves frames between one peer and the agent runtime.
type Adapter interface {
	Type() Type
	// Run pumps peer traffic until the peer disconnects, Close is called or
	// ctx is done. Input and Events are closed when Run returns.
	Run(ctx context.Context) error
	Input() <-chan Frame
	WriteAudio(ctx context.Context, f rtc.AudioFrame) error
	Send(ctx context.Context, f Frame) error
	Events() <-chan Event
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Answerer is implemented by adapters that negotiate over HTTP.
type Answerer interface {
	Answer() Answer
}

const (
	inputBuffer = 64
	eventBuffer = 16
)

// pump holds the channels and shutdown state shared by every adapter.
// Producers may be callbacks on foreign goroutines, so sends are guarded
// against the channels closing underneath them.
type pump struct {
	typ    Type
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	input  chan Frame
	events chan Event
	done   chan struct{}
	once   sync.Once

	joined atomic.Bool
}

func newPump(t Type, logger *slog.Logger) *pump {
	if logger == nil {
		logger = slog.Default()
	}
	return &pump{
		typ:    t,
		logger: logger.With(slog.String("transport", string(t))),
		input:  make(chan Frame, inputBuffer),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (p *pump) Type() Type { return p.typ }

func (p *pump) Input() <-chan Frame { return p.input }

func (p *pump) Events() <-chan Event { return p.events }

func (p *pump) Done() <-chan struct{} { return p.done }

// push delivers f to the runtime, blocking until it is consumed or the
// adapter shuts down. It reports whether f was delivered.
func (p *pump) push(ctx context.Context, f Frame) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.input <- f:
		return true
	case <-p.done:
	case <-ctx.Done():
	}
	return false
}

// emit sends ev without blocking; events are dropped when nobody listens.
func (p *pump) emit(ev Event) {
	if ev.Type == EventParticipantJoined && p.joined.CompareAndSwap(false, true) {
		ev.First = true
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("events channel is full, dropping event",
			slog.String("event_type", string(ev.Type)))
	}
}

// stop signals shutdown. It does not close the channels.
func (p *pump) stop() {
	p.once.Do(func() { close(p.done) })
}

// finish stops the pump and closes both channels. Only Run calls it.
func (p *pump) finish(reason string) {
	p.stop()
	p.emitClosed(reason)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.input)
	close(p.events)
}

func (p *pump) emitClosed(reason string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- Event{Type: EventClosed, Reason: reason}:
	default:
	}
}
