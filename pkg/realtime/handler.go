package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"forumhall/pkg/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 4 << 10
)

// Handler upgrades authenticated requests to realtime sessions. The
// handshake carries actor, timestamp, keyId and signature as query
// parameters; they are verified by the same pipeline as header-signed
// requests, and the connection is refused before the upgrade if
// verification fails.
type Handler struct {
	hub      *Hub
	pipeline *auth.Pipeline
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, pipeline *auth.Pipeline, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:      hub,
		pipeline: pipeline,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Signed handshakes are the access control; origin checks add
			// nothing for non-browser federation clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, rejection := auth.VerifyQueryParams(r, h.pipeline)
	if rejection != nil {
		auth.WriteRejection(w, rejection)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	session := h.hub.NewSession(identity.Actor)
	h.hub.Register(session)

	go h.writeLoop(conn, session)
	h.readLoop(r.Context(), conn, session)
}

// readLoop consumes client frames until the connection closes, handling
// subscribe and unsubscribe and answering each with an ack or error frame
// carrying the client's nonce.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, session *Session) {
	defer func() {
		h.hub.Unregister(session)
		conn.Close()
	}()

	conn.SetReadLimit(maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed unexpectedly",
					zap.String("session", session.ID), zap.Error(err))
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			session.send(ServerFrame{Type: FrameError, Reason: "malformed frame"})
			continue
		}

		switch frame.Type {
		case FrameSubscribe:
			if frame.Channel == "" {
				session.send(ServerFrame{Type: FrameError, Nonce: frame.Nonce, Reason: "missing channel"})
				continue
			}
			if err := h.hub.Subscribe(ctx, session, frame.Channel); err != nil {
				session.send(ServerFrame{
					Type:    FrameError,
					Channel: frame.Channel,
					Nonce:   frame.Nonce,
					Reason:  err.Error(),
				})
				continue
			}
			session.send(ServerFrame{Type: FrameAck, Channel: frame.Channel, Nonce: frame.Nonce})

		case FrameUnsubscribe:
			h.hub.Unsubscribe(session, frame.Channel)
			session.send(ServerFrame{Type: FrameAck, Channel: frame.Channel, Nonce: frame.Nonce})

		default:
			session.send(ServerFrame{Type: FrameError, Nonce: frame.Nonce, Reason: "unknown frame type"})
		}
	}
}

// writeLoop drains the session's queue to the connection and keeps the
// connection alive with pings.
func (h *Handler) writeLoop(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-session.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-session.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "dropped"))
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
