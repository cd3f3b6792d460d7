package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/protocol"
	"consultlink-backend/pkg/constants"
	"consultlink-backend/pkg/logger"
)

// Client is one authenticated websocket connection
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	namespace string
	userID    uuid.UUID
	name      string
	role      domain.Role
}

func newClient(conn *websocket.Conn, namespace string, id *identity) *Client {
	return &Client{
		conn:      conn,
		send:      make(chan []byte, constants.WebSocketSendBuffer),
		done:      make(chan struct{}),
		namespace: namespace,
		userID:    id.userID,
		name:      id.name,
		role:      id.role,
	}
}

// Send queues a frame. A client that cannot keep up is disconnected.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		logger.Warn("WebSocket send buffer full, dropping client",
			zap.String("namespace", c.namespace),
			zap.String("user_id", c.userID.String()))
		c.Close()
		return false
	}
}

// Emit encodes and queues one event
func (c *Client) Emit(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		logger.Error("Failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	c.Send(frame)
}

func (c *Client) emitError(message string) {
	c.Emit(protocol.EventError, protocol.Error{Message: message})
}

// Close tears down the connection once
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump reads frames until the connection fails. onPong runs on every
// heartbeat reply.
func (c *Client) readPump(handle func(*protocol.Envelope), onPong func()) {
	defer c.Close()

	c.conn.SetReadLimit(constants.WebSocketMaxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		if onPong != nil {
			onPong()
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket read error",
					zap.String("namespace", c.namespace),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.emitError("invalid frame")
			continue
		}
		handle(&env)
	}
}

// writePump drains the send queue and pings the peer
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// newUpgrader accepts browser origins on the allow-list. Native clients send no
// Origin header and rely on the bearer token alone. "*" allows every origin.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	_, allowAll := allowed["*"]

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[strings.TrimRight(origin, "/")]
			if !ok {
				logger.Warn("WebSocket origin rejected", zap.String("origin", origin))
			}
			return ok
		},
	}
}
