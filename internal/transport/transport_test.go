package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedURLRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	info := ClientInfo{OSVersion: "windows-10", AppVersion: "2.3.1", AppVC: "231", AppType: "desktop"}

	raw, err := SignedURL("wss://cc.example.com/ws?region=eu", "abc123", "s3cret", info, now)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "eu", q.Get("region"), "existing params are kept")
	assert.Equal(t, "abc123", q.Get("device_id"))
	assert.Equal(t, "v1", q.Get("signature_version"))
	assert.Equal(t, "1700000000", q.Get("timestamp"))
	assert.Equal(t, "windows-10", q.Get("os_version"))
	assert.Equal(t, "2.3.1", q.Get("app_version"))
	assert.Equal(t, "231", q.Get("app_vc"))
	assert.Equal(t, "desktop", q.Get("app_type"))
	assert.Equal(t, Sign("s3cret", "abc123", 1_700_000_000), q.Get("signature"))

	id, err := VerifyQuery(q, "s3cret", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
}

func TestVerifyQueryRejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw, err := SignedURL("ws://localhost/ws", "dev", "key", ClientInfo{}, now)
	require.NoError(t, err)
	u, _ := url.Parse(raw)

	_, err = VerifyQuery(u.Query(), "wrong-key", now)
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = VerifyQuery(u.Query(), "key", now.Add(10*time.Minute))
	assert.ErrorIs(t, err, ErrStaleSignature)

	q := u.Query()
	q.Set("signature_version", "v0")
	_, err = VerifyQuery(q, "key", now)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestSignIsDeterministic(t *testing.T) {
	a := Sign("k", "dev", 42)
	assert.Equal(t, a, Sign("k", "dev", 42))
	assert.NotEqual(t, a, Sign("k", "dev", 43))
	assert.Len(t, a, 64)
}

func TestRedactDropsQuery(t *testing.T) {
	assert.Equal(t, "ws://host/ws", redact("ws://host/ws?signature=abc"))
}

func TestWSDialerEcho(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("device_id") == "" {
			http.Error(w, "no device", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := NewWSDialer()

	_, err := d.Dial(ctx, base)
	assert.ErrorIs(t, err, ErrUnauthorized)

	signed, err := SignedURL(base, "dev-1", "k", ClientInfo{}, time.Now())
	require.NoError(t, err)
	conn, err := d.Dial(ctx, signed)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage([]byte(`{"command":"ping"}`)))
	got, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"ping"}`, string(got))

	assert.False(t, conn.Closed())
	require.NoError(t, conn.Close())
	assert.True(t, conn.Closed())
	assert.NoError(t, conn.Close(), "second close is a no-op")
	assert.ErrorIs(t, conn.WriteMessage([]byte("x")), ErrClosed)
}

// After the peer drops the socket and a read fails, Close must still release
// the underlying network connection.
func TestCloseAfterReadErrorReleasesSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.UnderlyingConn().Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	signed, err := SignedURL("ws"+strings.TrimPrefix(srv.URL, "http"), "dev-1", "k", ClientInfo{}, time.Now())
	require.NoError(t, err)
	conn, err := NewWSDialer().Dial(ctx, signed)
	require.NoError(t, err)
	ws := conn.(*WSConn)

	_, err = ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, ws.Closed(), "a failed read marks the connection unusable")
	assert.ErrorIs(t, ws.WriteMessage([]byte("x")), ErrClosed)

	_ = ws.Close()
	_, err = ws.ws.UnderlyingConn().Write([]byte("x"))
	assert.ErrorIs(t, err, net.ErrClosed, "socket released by Close")
	assert.NoError(t, ws.Close(), "second close is a no-op")
}
