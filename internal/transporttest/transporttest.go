// Package transporttest provides in-memory implementations of
// connection.Dialer and connection.Conn for tests.
package transporttest

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/arkeep-io/parley/internal/connection"
	"github.com/arkeep-io/parley/internal/protocol"
)

// ErrNoConn is returned by Dialer.Dial when nothing was queued.
var ErrNoConn = errors.New("transporttest: no connection queued")

type inbound struct {
	frame protocol.Frame
	err   error
}

// Conn is a fake transport session. Frames pushed with Push are returned by
// ReadFrame in order; frames written by the code under test are recorded.
type Conn struct {
	inbound   chan inbound
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  []protocol.Frame
	writeErr error
}

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan inbound, 64),
		done:    make(chan struct{}),
	}
}

// Push queues an inbound frame.
func (c *Conn) Push(f protocol.Frame) {
	c.inbound <- inbound{frame: f}
}

// PushRaw queues raw wire bytes, decoded the way the real transport does.
func (c *Conn) PushRaw(data []byte) {
	f, err := protocol.Decode(data)
	c.inbound <- inbound{frame: f, err: err}
}

// Drop makes the next ReadFrame fail with err, simulating a transport loss.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = net.ErrClosed
	}
	c.inbound <- inbound{err: err}
}

// FailWrites makes every subsequent WriteFrame return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Written returns a copy of the frames written so far.
func (c *Conn) Written() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.written...)
}

// WrittenCommands returns the frames written with command cmd.
func (c *Conn) WrittenCommands(cmd protocol.Command) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range c.Written() {
		if f.Command == cmd {
			out = append(out, f)
		}
	}
	return out
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ReadFrame implements connection.Conn.
func (c *Conn) ReadFrame() (protocol.Frame, error) {
	select {
	case in := <-c.inbound:
		return in.frame, in.err
	case <-c.done:
		return protocol.Frame{}, net.ErrClosed
	}
}

// WriteFrame implements connection.Conn.
func (c *Conn) WriteFrame(f protocol.Frame) error {
	if c.Closed() {
		return net.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, f)
	return nil
}

// Close implements connection.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type result struct {
	conn *Conn
	err  error
}

// Dialer hands out queued results in order. When the queue is empty it
// returns Fallback, or ErrNoConn when Fallback is nil.
type Dialer struct {
	mu       sync.Mutex
	queue    []result
	tokens   []string
	Fallback error
}

// Queue adds a successful dial returning conn.
func (d *Dialer) Queue(conn *Conn) {
	d.mu.Lock()
	d.queue = append(d.queue, result{conn: conn})
	d.mu.Unlock()
}

// QueueErr adds a failed dial.
func (d *Dialer) QueueErr(err error) {
	d.mu.Lock()
	d.queue = append(d.queue, result{err: err})
	d.mu.Unlock()
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

// Tokens returns the tokens presented on each dial.
func (d *Dialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// Dial implements connection.Dialer.
func (d *Dialer) Dial(ctx context.Context, token string) (connection.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)

	if len(d.queue) == 0 {
		if d.Fallback != nil {
			return nil, d.Fallback
		}
		return nil, ErrNoConn
	}
	r := d.queue[0]
	d.queue = d.queue[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}
