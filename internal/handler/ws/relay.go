package ws

import (
	"context"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/protocol"
	apperrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/metrics"
	"consultlink-backend/pkg/response"
)

// Connections indexes live clients by user. A user may hold several
// connections, one per device.
type Connections struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*Client]struct{}
}

// NewConnections creates an empty index
func NewConnections() *Connections {
	return &Connections{clients: make(map[uuid.UUID]map[*Client]struct{})}
}

// Add registers c under userID
func (r *Connections) Add(userID uuid.UUID, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[userID] == nil {
		r.clients[userID] = make(map[*Client]struct{})
	}
	r.clients[userID][c] = struct{}{}
}

// Remove drops c and returns how many connections the user still has
func (r *Connections) Remove(userID uuid.UUID, c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.clients[userID]
	if !ok {
		return 0
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.clients, userID)
		return 0
	}
	return len(set)
}

// Has reports whether userID has a connection on this instance
func (r *Connections) Has(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients[userID]) > 0
}

// Deliver queues frame on every connection of userID
func (r *Connections) Deliver(userID uuid.UUID, frame []byte) int {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.clients[userID]))
	for c := range r.clients[userID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Count returns the number of live connections
func (r *Connections) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.clients {
		n += len(set)
	}
	return n
}

// identity is what the auth middleware put on the request
type identity struct {
	userID uuid.UUID
	name   string
	role   domain.Role
}

func identityFrom(c *gin.Context) (*identity, bool) {
	userID, ok := c.Get("user_id")
	if !ok {
		return nil, false
	}
	id, ok := userID.(uuid.UUID)
	if !ok {
		return nil, false
	}
	return &identity{
		userID: id,
		name:   c.GetString("name"),
		role:   domain.Role(c.GetString("role")),
	}, true
}

// relay is the part shared by the calls and chat hubs: admission, local
// delivery and cross-instance fan-out
type relay struct {
	namespace string
	conns     *Connections
	bus       Bus
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
	semaphore chan struct{}
}

func newRelay(namespace string, bus Bus, maxConnections int, allowedOrigins []string, m *metrics.Metrics) *relay {
	if bus == nil {
		bus = LocalBus{}
	}
	return &relay{
		namespace: namespace,
		conns:     NewConnections(),
		bus:       bus,
		metrics:   m,
		upgrader:  newUpgrader(allowedOrigins),
		semaphore: make(chan struct{}, maxConnections),
	}
}

// Run consumes frames published by other instances until ctx ends
func (r *relay) Run(ctx context.Context) {
	r.bus.Run(ctx, func(userID uuid.UUID, frame []byte) {
		if r.conns.Deliver(userID, frame) > 0 {
			r.metrics.RecordRelayDelivery("remote")
		}
	})
}

// accept admits and upgrades the request. release must be called once the
// connection is done.
func (r *relay) accept(c *gin.Context) (client *Client, release func(), ok bool) {
	select {
	case r.semaphore <- struct{}{}:
	default:
		r.metrics.RecordWebSocketRejected(r.namespace, "capacity")
		logger.Warn("WebSocket connection rejected: limit reached",
			zap.String("namespace", r.namespace),
			zap.Int("max_connections", cap(r.semaphore)))
		response.FromError(c, apperrors.TooManyConnectionsError())
		return nil, nil, false
	}
	release = func() { <-r.semaphore }

	id, found := identityFrom(c)
	if !found {
		release()
		r.metrics.RecordWebSocketRejected(r.namespace, "unauthorized")
		response.FromError(c, apperrors.UnauthorizedError("Unauthorized"))
		return nil, nil, false
	}

	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		r.metrics.RecordWebSocketRejected(r.namespace, "upgrade")
		logger.Warn("WebSocket upgrade failed",
			zap.String("namespace", r.namespace),
			zap.Error(err))
		return nil, nil, false
	}

	r.metrics.AddWebSocketConnections(r.namespace, 1)
	client = newClient(conn, r.namespace, id)
	return client, func() {
		r.metrics.AddWebSocketConnections(r.namespace, -1)
		release()
	}, true
}

// deliver sends frame to every connection of userID, here and on other
// instances. It reports whether a local connection took the frame.
func (r *relay) deliver(ctx context.Context, userID uuid.UUID, frame []byte) bool {
	local := r.conns.Deliver(userID, frame) > 0
	if local {
		r.metrics.RecordRelayDelivery("local")
	}
	if err := r.bus.Publish(ctx, userID, frame); err != nil {
		logger.Debug("Cross-instance publish skipped",
			zap.String("namespace", r.namespace),
			zap.Error(err))
	}
	return local
}

// emit encodes and delivers one event
func (r *relay) emit(ctx context.Context, userID uuid.UUID, event string, payload any) bool {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		logger.Error("Failed to encode event", zap.String("event", event), zap.Error(err))
		return false
	}
	return r.deliver(ctx, userID, frame)
}
