// Package transport holds the client side of the realtime channel: one
// reconnecting websocket per namespace and a Manager keyed by user id.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"consultlink-backend/internal/protocol"
	"consultlink-backend/pkg/constants"
	"consultlink-backend/pkg/logger"
)

var (
	// ErrNotConnected is returned by Emit while the socket is down
	ErrNotConnected = errors.New("transport not connected")
	// ErrSendBufferFull is returned when the outbound queue is saturated
	ErrSendBufferFull = errors.New("transport send buffer full")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("transport closed")
)

// Handler receives one inbound envelope. Handlers run on the read goroutine,
// one at a time, in arrival order.
type Handler func(env *protocol.Envelope)

// Backoff is a capped exponential reconnect delay
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Next returns the delay before attempt n (0-based), with up to 20% jitter
func (b Backoff) Next(attempt int) time.Duration {
	min, max := b.Min, b.Max
	if min <= 0 {
		min = constants.ReconnectMinBackoff
	}
	if max < min {
		max = constants.ReconnectMaxBackoff
	}
	d := min
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d - jitter
}

// ConnConfig configures one namespace connection
type ConnConfig struct {
	URL    string
	Header http.Header
	UserID uuid.UUID
	// JoinPresence re-issues join-user after every (re)connect
	JoinPresence bool
	Backoff      Backoff
	Dialer       *websocket.Dialer
}

// Conn is a websocket that reconnects until closed
type Conn struct {
	cfg    ConnConfig
	dialer *websocket.Dialer
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.RWMutex
	send      chan []byte
	connected bool
	handlers  map[string][]Handler
	any       []Handler
	onState   []func(connected bool)
	started   bool
}

// NewConn creates an idle Conn; Start dials it
func NewConn(cfg ConnConfig) *Conn {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: constants.WebSocketWriteWait}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		cfg:      cfg,
		dialer:   dialer,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		handlers: make(map[string][]Handler),
		log:      logger.With(zap.String("url", cfg.URL), zap.String("user_id", cfg.UserID.String())),
	}
}

// On registers a handler for one event
func (c *Conn) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// OnAny registers a handler for every event
func (c *Conn) OnAny(h Handler) {
	c.mu.Lock()
	c.any = append(c.any, h)
	c.mu.Unlock()
}

// OnStateChange registers a connectivity observer
func (c *Conn) OnStateChange(fn func(connected bool)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

// Start launches the connect loop. It is a no-op when already started.
func (c *Conn) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

// Connected reports whether the socket is up
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Emit queues one event for the current socket
func (c *Conn) Emit(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return ErrNotConnected
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops reconnecting and closes the socket. Safe to call twice.
func (c *Conn) Close() {
	c.cancel()
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if started {
		<-c.done
	}
}

func (c *Conn) run() {
	defer close(c.done)

	attempt := 0
	for {
		ws, _, err := c.dialer.DialContext(c.ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			delay := c.cfg.Backoff.Next(attempt)
			attempt++
			c.log.Warn("WebSocket dial failed", zap.Error(err), zap.Duration("retry_in", delay))
			if !c.sleep(delay) {
				return
			}
			continue
		}
		attempt = 0

		c.serve(ws)

		if c.ctx.Err() != nil {
			return
		}
		delay := c.cfg.Backoff.Next(0)
		c.log.Info("WebSocket disconnected, reconnecting", zap.Duration("retry_in", delay))
		if !c.sleep(delay) {
			return
		}
	}
}

func (c *Conn) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve runs one socket session until it breaks or the Conn is closed
func (c *Conn) serve(ws *websocket.Conn) {
	send := make(chan []byte, constants.WebSocketSendBuffer)

	if c.cfg.JoinPresence {
		frame, err := protocol.Encode(protocol.EventJoinUser, protocol.JoinUser{UserID: c.cfg.UserID})
		if err == nil {
			send <- frame
		}
	}

	c.mu.Lock()
	c.send = send
	c.connected = true
	c.mu.Unlock()
	c.notifyState(true)
	c.log.Info("WebSocket connected")

	writerDone := make(chan struct{})
	go c.writePump(ws, send, writerDone)

	c.readPump(ws)

	c.mu.Lock()
	c.connected = false
	c.send = nil
	c.mu.Unlock()
	close(send)
	<-writerDone
	c.notifyState(false)
}

func (c *Conn) readPump(ws *websocket.Conn) {
	defer ws.Close()

	stop := context.AfterFunc(c.ctx, func() {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ws.Close()
	})
	defer stop()

	ws.SetReadLimit(constants.WebSocketMaxFrameSize)
	ws.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(constants.WebSocketWriteWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.ctx.Err() == nil {
				c.log.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("Invalid frame", zap.Error(err))
			continue
		}
		c.dispatch(&env)
	}
}

func (c *Conn) writePump(ws *websocket.Conn, send <-chan []byte, done chan<- struct{}) {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case frame, ok := <-send:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn("WebSocket write failed", zap.Error(err))
				ws.Close()
				drain(send)
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				drain(send)
				return
			}
		}
	}
}

func drain(send <-chan []byte) {
	for range send {
	}
}

func (c *Conn) dispatch(env *protocol.Envelope) {
	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[env.Event]...)
	handlers = append(handlers, c.any...)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

func (c *Conn) notifyState(connected bool) {
	c.mu.RLock()
	observers := append(([]func(bool))(nil), c.onState...)
	c.mu.RUnlock()
	for _, fn := range observers {
		fn(connected)
	}
}
