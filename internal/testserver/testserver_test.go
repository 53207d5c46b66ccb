package testserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetlink/internal/transport"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

const testSecret = "test-secret"

func startServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	srv := New(cfg)
	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.HandleFunc("/push", srv.HandlePush)
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return srv, hs
}

func wsURL(hs *httptest.Server) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func dialDevice(t *testing.T, hs *httptest.Server, deviceID, secret string) (transport.Conn, error) {
	t.Helper()
	u, err := transport.SignedURL(wsURL(hs), deviceID, secret, transport.ClientInfo{AppType: "test"}, time.Now())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.NewWSDialer().Dial(ctx, u)
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, err
}

func waitFor(t *testing.T, srv *Server, cond func(*Server) bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Wait(ctx, cond))
}

func send(t *testing.T, conn transport.Conn, msg types.Message) {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(data))
}

func TestRejectsBadSignature(t *testing.T) {
	srv, hs := startServer(t, Config{})

	_, err := dialDevice(t, hs, "dev-1", "wrong-secret")
	require.Error(t, err)

	resp, err := http.Get(hs.URL + "/ws?device_id=dev-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, srv.Devices())
}

func TestPingGetsPong(t *testing.T) {
	srv, hs := startServer(t, Config{})
	conn, err := dialDevice(t, hs, "dev-1", testSecret)
	require.NoError(t, err)
	waitFor(t, srv, func(s *Server) bool { return len(s.Devices()) == 1 })

	send(t, conn, types.Message{Command: types.CommandPing, DeviceID: "dev-1", TraceID: "hb-1"})

	data, err := conn.ReadMessage()
	require.NoError(t, err)
	pong, err := types.DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, types.CommandPong, pong.Command)
	assert.Equal(t, "hb-1", pong.TraceID)
	assert.Len(t, srv.Frames("dev-1"), 1)
}

func TestNoPong(t *testing.T) {
	srv, hs := startServer(t, Config{NoPong: true})
	conn, err := dialDevice(t, hs, "dev-1", testSecret)
	require.NoError(t, err)

	send(t, conn, types.Message{Command: types.CommandPing, DeviceID: "dev-1"})
	waitFor(t, srv, func(s *Server) bool { return len(s.Frames("dev-1")) == 1 })

	// The ping was recorded but nothing came back; a pushed command is the
	// next frame the device sees.
	pushed, err := srv.PushCommand("dev-1", types.CommandCollectComment, nil)
	require.NoError(t, err)
	data, err := conn.ReadMessage()
	require.NoError(t, err)
	got, err := types.DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, pushed.TraceID, got.TraceID)
}

func TestPushAndReceipts(t *testing.T) {
	srv, hs := startServer(t, Config{})
	conn, err := dialDevice(t, hs, "dev-1", testSecret)
	require.NoError(t, err)
	waitFor(t, srv, func(s *Server) bool { return len(s.Devices()) == 1 })

	pushed, err := srv.PushCommand("dev-1", types.CommandCollectArticle, map[string]string{"url": "u"})
	require.NoError(t, err)

	data, err := conn.ReadMessage()
	require.NoError(t, err)
	got, err := types.DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, pushed.TraceID, got.TraceID)
	assert.Equal(t, "dev-1", got.DeviceID)

	for _, st := range []types.ExecStatus{types.ExecReceived, types.ExecSucceeded} {
		receipt, err := types.NewReceipt(got, "test", st, st.String(), nil)
		require.NoError(t, err)
		send(t, conn, receipt)
	}
	waitFor(t, srv, func(s *Server) bool { return len(s.Receipts(pushed.TraceID)) == 2 })

	receipts := srv.Receipts(pushed.TraceID)
	assert.Equal(t, types.ExecReceived, receipts[0].ExecStatus)
	assert.Equal(t, types.ExecSucceeded, receipts[1].ExecStatus)
	assert.Equal(t, types.CommandCollectArticle, receipts[1].ExecCmd)

	assert.ErrorIs(t, srv.Push("dev-2", pushed), ErrNoSession)
}

func TestDisconnect(t *testing.T) {
	srv, hs := startServer(t, Config{})
	conn, err := dialDevice(t, hs, "dev-1", testSecret)
	require.NoError(t, err)
	waitFor(t, srv, func(s *Server) bool { return len(s.Devices()) == 1 })

	assert.True(t, srv.Disconnect("dev-1"))
	waitFor(t, srv, func(s *Server) bool { return len(s.Devices()) == 0 })

	_, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.False(t, srv.Disconnect("dev-1"))
}

func TestReconnectReplacesSession(t *testing.T) {
	srv, hs := startServer(t, Config{})
	first, err := dialDevice(t, hs, "dev-1", testSecret)
	require.NoError(t, err)
	waitFor(t, srv, func(s *Server) bool { return len(s.Devices()) == 1 })

	second, err := dialDevice(t, hs, "dev-1", testSecret)
	require.NoError(t, err)

	_, err = first.ReadMessage()
	assert.Error(t, err, "old session is closed")

	_, err = srv.PushCommand("dev-1", types.CommandCollectComment, nil)
	require.NoError(t, err)
	_, err = second.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, []string{"dev-1"}, srv.Devices())
}

func TestHandlePush(t *testing.T) {
	srv, hs := startServer(t, Config{})
	conn, err := dialDevice(t, hs, "dev-1", testSecret)
	require.NoError(t, err)
	waitFor(t, srv, func(s *Server) bool { return len(s.Devices()) == 1 })

	resp, err := http.Get(hs.URL + "/push")
	require.NoError(t, err)
	var listing struct{ Devices []string }
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	assert.Equal(t, []string{"dev-1"}, listing.Devices)

	body := []byte(`{"command":"collect_article","payload":{"url":"x"}}`)
	resp, err = http.Post(hs.URL+"/push?device_id=dev-1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var pushed struct {
		TraceID string `json:"trace_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pushed))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, pushed.TraceID)

	data, err := conn.ReadMessage()
	require.NoError(t, err)
	got, err := types.DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, pushed.TraceID, got.TraceID)

	resp, err = http.Post(hs.URL+"/push?device_id=ghost", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpgraderRejectsPlainHTTP(t *testing.T) {
	_, hs := startServer(t, Config{})
	u, err := transport.SignedURL(hs.URL+"/ws", "dev-1", testSecret, transport.ClientInfo{}, time.Now())
	require.NoError(t, err)
	resp, err := http.Get(u)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
