package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Lego4005/nfl-predictor-api-sub017/internal/fanout"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/update"
)

// ErrNotConnected is returned by transport calls made before Connect
// succeeds or after the session is gone.
var ErrNotConnected = errors.New("client: transport not connected")

const writeWait = 10 * time.Second

type subscriptionRequest struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// WebSocketTransport is the production Transport: one gorilla websocket
// session whose inbound frames are decoded into updates and handed to the
// fanout connection, and whose heartbeat is a ping/pong round trip.
type WebSocketTransport struct {
	url    string
	dialer *websocket.Dialer
	conn   *fanout.Connection

	mu     sync.Mutex
	ws     *websocket.Conn
	pongCh chan struct{}
}

// NewWebSocketTransport builds a transport for the given endpoint. The
// fanout connection receives every decoded update frame.
func NewWebSocketTransport(url string, conn *fanout.Connection) *WebSocketTransport {
	return &WebSocketTransport{
		url:    url,
		dialer: websocket.DefaultDialer,
		conn:   conn,
	}
}

// Connect dials the endpoint and starts the read loop.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	ws, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return err
	}

	pongCh := make(chan struct{}, 1)
	ws.SetPongHandler(func(string) error {
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	t.mu.Lock()
	t.ws = ws
	t.pongCh = pongCh
	t.mu.Unlock()

	go t.readLoop(ws)
	return nil
}

// Heartbeat sends a ping and waits for the matching pong, returning the
// round-trip time.
func (t *WebSocketTransport) Heartbeat(ctx context.Context) (time.Duration, error) {
	t.mu.Lock()
	ws, pongCh := t.ws, t.pongCh
	t.mu.Unlock()
	if ws == nil {
		return 0, ErrNotConnected
	}

	start := time.Now()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
		return 0, err
	}

	select {
	case <-pongCh:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Subscribe asks the server to add this session to a channel.
func (t *WebSocketTransport) Subscribe(channel string) error {
	return t.writeControl(subscriptionRequest{Action: "subscribe", Channel: channel})
}

// Unsubscribe asks the server to remove this session from a channel.
func (t *WebSocketTransport) Unsubscribe(channel string) error {
	return t.writeControl(subscriptionRequest{Action: "unsubscribe", Channel: channel})
}

func (t *WebSocketTransport) writeControl(req subscriptionRequest) error {
	t.mu.Lock()
	ws := t.ws
	t.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, payload)
}

// Close tears the session down, unblocking the read loop and any pending
// heartbeat.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	ws := t.ws
	t.ws = nil
	t.mu.Unlock()
	if ws == nil {
		return nil
	}

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return ws.Close()
}

func (t *WebSocketTransport) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		u, err := update.Decode(data)
		if err != nil {
			slog.Warn("Dropping malformed update frame", "connection_id", t.conn.ID().String(), "error", err)
			continue
		}
		if err := t.conn.Receive(u); err != nil {
			slog.Warn("Update handler error", "connection_id", t.conn.ID().String(), "error", err)
		}
	}
}
