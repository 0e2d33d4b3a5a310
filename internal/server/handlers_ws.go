package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	apperrors "github.com/Lego4005/nfl-predictor-api-sub017/internal/errors"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/fanout"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/metrics"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/update"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // browser clients connect from arbitrary origins
	},
}

// subscriptionRequest is the inbound control frame on the WebSocket:
// {"action":"subscribe","channel":"game:401"}.
type subscriptionRequest struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// --- Per-session writer ---

// sessionWriter serializes all outbound frames for one WebSocket session:
// update payloads from the fanout engine and periodic pings. A session whose
// send buffer stays full is evicted rather than allowed to stall the engine.
type sessionWriter struct {
	ws           *websocket.Conn
	sendCh       chan []byte
	done         chan struct{}
	stopOnce     sync.Once
	pingInterval time.Duration
}

func newSessionWriter(ws *websocket.Conn, pingInterval time.Duration) *sessionWriter {
	w := &sessionWriter{
		ws:           ws,
		sendCh:       make(chan []byte, 16),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
	}
	go w.run()
	return w
}

func (w *sessionWriter) run() {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-w.sendCh:
			if !ok {
				return
			}
			_ = w.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				w.stop()
				return
			}
		case <-ticker.C:
			_ = w.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				w.stop()
				return
			}
		case <-w.done:
			return
		}
	}
}

// send queues one frame without blocking. Returns false when the session's
// buffer is full.
func (w *sessionWriter) send(msg []byte) bool {
	select {
	case w.sendCh <- msg:
		return true
	default:
		return false
	}
}

func (w *sessionWriter) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.ws.Close()
	})
}

// --- WebSocket handler ---

func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.WebSocketConnectionsRejected.WithLabelValues(string(reason)).Inc()
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		slog.Warn("Rejected WebSocket connection", "ip", ip, "reason", reason)
		if reason == LimitReasonRate {
			return echo.NewHTTPError(http.StatusTooManyRequests, "connection rate exceeded")
		}
		return apperrors.UnavailableError("connection capacity reached", nil)
	}
	defer s.limits.Release(ip)

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		slog.Warn("Failed to upgrade WebSocket", "ip", ip, "error", err)
		return nil
	}

	metrics.WebSocketConnectionsTotal.WithLabelValues("success").Inc()
	metrics.WebSocketConnectionsCurrent.Inc()
	defer metrics.WebSocketConnectionsCurrent.Dec()

	conn := fanout.NewConnection(s.config.PendingOutboundCap)
	writer := newSessionWriter(ws, s.config.HeartbeatInterval)

	conn.OnAll(func(u update.Update) {
		payload, err := json.Marshal(u)
		if err != nil {
			slog.Error("Failed to marshal update", "subject_id", u.SubjectID, "error", err)
			return
		}
		if !writer.send(payload) {
			metrics.WebSocketSlowClientsEvicted.Inc()
			slog.Warn("Evicting slow WebSocket client", "connection_id", conn.ID().String(), "ip", ip)
			writer.stop()
		}
	})

	s.engine.Attach(conn)
	conn.SetState(fanout.StateOpen)
	slog.Info("WebSocket connected", "connection_id", conn.ID().String(), "ip", ip)

	s.readPump(ws, conn)

	conn.SetState(fanout.StateClosing)
	s.engine.Detach(conn)
	conn.SetState(fanout.StateClosed)
	writer.stop()
	slog.Info("WebSocket disconnected", "connection_id", conn.ID().String(), "ip", ip)

	return nil
}

// readPump consumes control frames until the session ends. Subscribe and
// unsubscribe requests go straight to the engine; anything else is dropped.
func (s *Server) readPump(ws *websocket.Conn, conn *fanout.Connection) {
	pongWait := s.config.HeartbeatInterval + s.config.HeartbeatTimeout
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var req subscriptionRequest
		if err := json.Unmarshal(data, &req); err != nil {
			slog.Debug("Dropping malformed control frame", "connection_id", conn.ID().String(), "error", err)
			continue
		}

		switch {
		case req.Action == "subscribe" && req.Channel != "":
			s.engine.Subscribe(conn, req.Channel)
		case req.Action == "unsubscribe" && req.Channel != "":
			s.engine.Unsubscribe(conn, req.Channel)
		default:
			slog.Debug("Ignoring unknown control frame", "connection_id", conn.ID().String(), "action", req.Action)
		}
	}
}
