// Package transport is the socket layer under the connection pool: a narrow
// Conn/Dialer pair, the gorilla/websocket implementation used in production
// and the signed connection URL the command server expects.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHandshakeTimeout bounds the websocket opening handshake.
const DefaultHandshakeTimeout = 15 * time.Second

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

var (
	// ErrClosed is returned by writes on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrUnauthorized is returned when the server rejects the signed URL.
	ErrUnauthorized = errors.New("transport: unauthorized")
)

// Conn is one open bidirectional text channel.
type Conn interface {
	// WriteMessage sends one text frame. Safe for concurrent use.
	WriteMessage(data []byte) error
	// ReadMessage blocks for the next text frame. Only one reader at a time.
	ReadMessage() ([]byte, error)
	Close() error
	// Closed reports whether the connection is known to be unusable.
	Closed() bool
}

// Dialer opens a Conn to a signed URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials websocket connections.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

// NewWSDialer returns a dialer with the default timeouts.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
	}
}

// Dial performs the websocket handshake against url.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = DefaultHandshakeTimeout
	}

	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", redact(url), err)
	}
	return NewWSConn(ws, d.WriteTimeout), nil
}

// WSConn adapts *websocket.Conn to Conn.
type WSConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	// broken is set by the first read or write error; closed by Close.
	// The socket itself is released exactly once, whichever came first.
	broken    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error // set inside closeOnce
}

// NewWSConn wraps an established websocket. Used by the dialer and by the
// server side of the mock command server.
func NewWSConn(ws *websocket.Conn, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WSConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *WSConn) WriteMessage(data []byte) error {
	if c.Closed() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.broken.Store(true)
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.broken.Store(true)
		return err
	}
	return nil
}

func (c *WSConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.broken.Store(true)
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close releases the socket, sending a normal close frame first unless the
// connection already failed. Safe to call more than once and after an I/O
// error; only the first call reports the socket's close error.
func (c *WSConn) Close() error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closed.Store(true)
		if !c.broken.Load() {
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
		}
		c.closeErr = c.ws.Close()
	})
	if !first {
		return nil
	}
	return c.closeErr
}

// Closed reports whether Close ran or a read or write failed.
func (c *WSConn) Closed() bool {
	return c.closed.Load() || c.broken.Load()
}
