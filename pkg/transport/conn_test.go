package transport

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// scriptedConn replays queued messages. When the script runs out it either
// reports EOF or, with block set, waits for the read deadline.
type scriptedConn struct {
	mu        sync.Mutex
	msgs      [][]byte
	reads     int
	block     bool
	readErr   error
	deadline  time.Time
	deadlines []time.Time
	written   [][]byte
	types     []int
	closed    bool
}

func newScriptedConn(msgs ...string) *scriptedConn {
	c := &scriptedConn{}
	for _, m := range msgs {
		c.msgs = append(c.msgs, []byte(m))
	}
	return c
}

func jsonMsg(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if c.reads < len(c.msgs) {
		m := c.msgs[c.reads]
		c.reads++
		c.mu.Unlock()
		return 1, m, nil
	}
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return 0, nil, err
	}
	block := c.block
	c.mu.Unlock()

	if !block {
		return 0, nil, io.EOF
	}
	for {
		c.mu.Lock()
		dl, closed := c.deadline, c.closed
		c.mu.Unlock()
		if closed {
			return 0, nil, io.EOF
		}
		if !dl.IsZero() && time.Now().After(dl) {
			return 0, nil, os.ErrDeadlineExceeded
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *scriptedConn) WriteMessage(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	c.types = append(c.types, mt)
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *scriptedConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	c.deadlines = append(c.deadlines, t)
	return nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedConn) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *scriptedConn) lastDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.deadlines) == 0 {
		return time.Time{}, false
	}
	return c.deadlines[len(c.deadlines)-1], true
}

func (c *scriptedConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}
