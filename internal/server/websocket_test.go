package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lego4005/nfl-predictor-api-sub017/internal/update"
)

func dialWebSocket(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readUpdate(t *testing.T, ws *websocket.Conn) update.Update {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	u, err := update.Decode(data)
	require.NoError(t, err)
	return u
}

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	s := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	ws := dialWebSocket(t, srv.URL)

	require.NoError(t, ws.WriteJSON(subscriptionRequest{Action: "subscribe", Channel: "game:401"}))
	require.Eventually(t, func() bool {
		return s.engine.Stats().ActiveChannels == 1
	}, time.Second, time.Millisecond)

	u, err := update.New(update.KindScore, "401", json.RawMessage(`{"home":28}`), update.PriorityHigh, []string{"game"}, time.Now())
	require.NoError(t, err)
	s.engine.Ingest(u)

	got := readUpdate(t, ws)
	assert.Equal(t, update.KindScore, got.Kind)
	assert.Equal(t, "401", got.SubjectID)
	assert.JSONEq(t, `{"home":28}`, string(got.Payload))
}

func TestWebSocket_BroadcastReachesUnsubscribedClient(t *testing.T) {
	s := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	ws := dialWebSocket(t, srv.URL)
	require.Eventually(t, func() bool {
		return s.engine.Stats().ActiveConnections == 1
	}, time.Second, time.Millisecond)

	// No affected categories: fans out to every connected client.
	u, err := update.New(update.KindNotification, "league", json.RawMessage(`{"msg":"kickoff"}`), update.PriorityHigh, nil, time.Now())
	require.NoError(t, err)
	s.engine.Ingest(u)

	got := readUpdate(t, ws)
	assert.Equal(t, update.KindNotification, got.Kind)
}

func TestWebSocket_UnsubscribeStopsDelivery(t *testing.T) {
	s := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	ws := dialWebSocket(t, srv.URL)

	require.NoError(t, ws.WriteJSON(subscriptionRequest{Action: "subscribe", Channel: "game:401"}))
	require.Eventually(t, func() bool {
		return s.engine.Stats().ActiveChannels == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, ws.WriteJSON(subscriptionRequest{Action: "unsubscribe", Channel: "game:401"}))
	require.Eventually(t, func() bool {
		return s.engine.Stats().ActiveChannels == 0
	}, time.Second, time.Millisecond)

	u, err := update.New(update.KindScore, "401", nil, update.PriorityHigh, []string{"game"}, time.Now())
	require.NoError(t, err)
	s.engine.Ingest(u)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err, "no frame arrives after unsubscribing")
}

func TestWebSocket_DisconnectDetachesConnection(t *testing.T) {
	s := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	ws := dialWebSocket(t, srv.URL)
	require.NoError(t, ws.WriteJSON(subscriptionRequest{Action: "subscribe", Channel: "game:401"}))
	require.Eventually(t, func() bool {
		return s.engine.Stats().ActiveConnections == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		stats := s.engine.Stats()
		return stats.ActiveConnections == 0 && stats.ActiveChannels == 0
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return s.limits.Global().Current() == 0
	}, time.Second, time.Millisecond)
}

func TestWebSocket_RejectedAtGlobalCapacity(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxConnections = 1
	s := newTestServer(t, nil, nil)
	s.limits = NewConnectionLimits(cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst)
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	dialWebSocket(t, srv.URL)
	require.Eventually(t, func() bool {
		return s.limits.Global().Current() == 1
	}, time.Second, time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err, "second connection is rejected")
	if resp != nil {
		assert.Equal(t, 503, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestWebSocket_MalformedControlFramesAreIgnored(t *testing.T) {
	s := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.echo)
	defer srv.Close()

	ws := dialWebSocket(t, srv.URL)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ws.WriteJSON(subscriptionRequest{Action: "dance"}))
	require.NoError(t, ws.WriteJSON(subscriptionRequest{Action: "subscribe", Channel: "game:401"}))

	// The session survives the garbage and the valid frame still applies.
	require.Eventually(t, func() bool {
		return s.engine.Stats().ActiveChannels == 1
	}, time.Second, time.Millisecond)
}
