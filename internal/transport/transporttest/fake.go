// Package transporttest provides in-memory Conn and Dialer fakes.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"sync"

	"github.com/ChuLiYu/fleetlink/internal/transport"
)

// Conn is an in-memory transport.Conn. Frames pushed with Push are returned
// by ReadMessage; frames written are recorded.
type Conn struct {
	URL string

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closed   bool
	inbox    chan []byte
	done     chan struct{}
}

func NewConn(url string) *Conn {
	return &Conn{
		URL:   url,
		inbox: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Push delivers data to the next ReadMessage.
func (c *Conn) Push(data []byte) {
	select {
	case c.inbox <- data:
	case <-c.done:
	}
}

// FailWrites makes every later write return err; nil restores writes.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Written returns a copy of every written frame.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Commands returns the "command" field of every written JSON frame.
func (c *Conn) Commands() []string {
	var out []string
	for _, frame := range c.Written() {
		var env struct {
			Command string `json:"command"`
		}
		if json.Unmarshal(frame, &env) == nil {
			out = append(out, env.Command)
		}
	}
	return out
}

// CountCommand returns how many written frames carry cmd.
func (c *Conn) CountCommand(cmd string) int {
	n := 0
	for _, got := range c.Commands() {
		if got == cmd {
			n++
		}
	}
	return n
}

// ErrDialRefused is the default dial failure of Dialer.
var ErrDialRefused = errors.New("transporttest: dial refused")

// Dialer hands out Conns and can be told to fail.
type Dialer struct {
	mu     sync.Mutex
	conns  []*Conn
	urls   []string
	fail   func(rawURL string) error
	failN  int
	onDial func(*Conn)
}

// FailNext makes the next n dials fail.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failN = n
}

// FailWhen installs a per-URL failure function; nil clears it.
func (d *Dialer) FailWhen(fn func(rawURL string) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fn
}

// FailHost fails every dial whose host is host.
func (d *Dialer) FailHost(host string) {
	d.FailWhen(func(rawURL string) error {
		u, err := url.Parse(rawURL)
		if err == nil && u.Host == host {
			return ErrDialRefused
		}
		return nil
	})
}

// OnDial runs fn on every successfully dialed Conn.
func (d *Dialer) OnDial(fn func(*Conn)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDial = fn
}

func (d *Dialer) Dial(ctx context.Context, rawURL string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.urls = append(d.urls, rawURL)
	if d.failN > 0 {
		d.failN--
		d.mu.Unlock()
		return nil, ErrDialRefused
	}
	if d.fail != nil {
		if err := d.fail(rawURL); err != nil {
			d.mu.Unlock()
			return nil, err
		}
	}
	c := NewConn(rawURL)
	d.conns = append(d.conns, c)
	hook := d.onDial
	d.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	return c, nil
}

// Conns returns every Conn handed out so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// URLs returns every URL dialed, including failed attempts.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}
