package transport

import (
	"context"
	"sync"
)

type readResult struct {
	typ  int
	data []byte
	err  error
}

// replayConn wraps a socket during the telephony handshake. Reads run on
// their own goroutine so the handshake can give up without a read deadline,
// which would leave a gorilla connection unusable. A read still in flight
// when the handshake gives up, and every message the handshake consumed, are
// handed to the next ReadMessage caller in order.
type replayConn struct {
	MessageConn

	mu      sync.Mutex
	queued  []readResult
	pending chan readResult
}

func newReplayConn(conn MessageConn) *replayConn {
	return &replayConn{MessageConn: conn}
}

func (c *replayConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if len(c.queued) > 0 {
		r := c.queued[0]
		c.queued = c.queued[1:]
		c.mu.Unlock()
		return r.typ, r.data, r.err
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending != nil {
		r := <-pending
		return r.typ, r.data, r.err
	}
	return c.MessageConn.ReadMessage()
}

// next reads one message for the handshake and keeps it queued for replay.
// When ctx ends first the read stays pending.
func (c *replayConn) next(ctx context.Context) (readResult, error) {
	c.mu.Lock()
	if c.pending == nil {
		ch := make(chan readResult, 1)
		conn := c.MessageConn
		go func() {
			t, data, err := conn.ReadMessage()
			ch <- readResult{typ: t, data: data, err: err}
		}()
		c.pending = ch
	}
	ch := c.pending
	c.mu.Unlock()

	select {
	case r := <-ch:
		c.mu.Lock()
		c.pending = nil
		c.queued = append(c.queued, r)
		c.mu.Unlock()
		return r, nil
	case <-ctx.Done():
		return readResult{}, ctx.Err()
	}
}

// consume drops the messages read so far. Called once the handshake has
// claimed them.
func (c *replayConn) consume() {
	c.mu.Lock()
	c.queued = nil
	c.mu.Unlock()
}
