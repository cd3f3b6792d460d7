package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/protocol"
	"consultlink-backend/pkg/logger"
)

// TokenSource returns the bearer token used for the websocket handshake
type TokenSource func() (string, error)

// Handle is the pair of namespace connections owned by one user
type Handle struct {
	UserID uuid.UUID
	Calls  *Conn
	Chat   *Conn
}

// Close closes both connections
func (h *Handle) Close() {
	h.Calls.Close()
	h.Chat.Close()
}

// ManagerConfig configures a Manager
type ManagerConfig struct {
	// BaseURL is the relay origin, e.g. ws://localhost:8083
	BaseURL string
	Token   TokenSource
	Backoff Backoff
}

// Manager owns at most one Handle per user id. Connect and Disconnect are
// idempotent.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	handles map[uuid.UUID]*Handle
}

// NewManager creates a Manager
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:     cfg,
		handles: make(map[uuid.UUID]*Handle),
	}
}

// Connect returns the user's Handle, dialing both namespaces the first time.
// Handlers should be registered on the returned connections; they survive
// reconnects.
func (m *Manager) Connect(userID uuid.UUID) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.handles[userID]; ok {
		return h, nil
	}

	header := http.Header{}
	if m.cfg.Token != nil {
		token, err := m.cfg.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	callsURL, err := namespaceURL(m.cfg.BaseURL, protocol.NamespaceCalls)
	if err != nil {
		return nil, err
	}
	chatURL, err := namespaceURL(m.cfg.BaseURL, protocol.NamespaceChat)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		UserID: userID,
		Calls: NewConn(ConnConfig{
			URL:          callsURL,
			Header:       header,
			UserID:       userID,
			JoinPresence: true,
			Backoff:      m.cfg.Backoff,
		}),
		Chat: NewConn(ConnConfig{
			URL:     chatURL,
			Header:  header,
			UserID:  userID,
			Backoff: m.cfg.Backoff,
		}),
	}
	m.handles[userID] = h
	logger.Info("Connecting relay", zap.String("user_id", userID.String()))
	return h, nil
}

// Disconnect closes and forgets the user's Handle. It is a no-op for an
// unknown user.
func (m *Manager) Disconnect(userID uuid.UUID) {
	m.mu.Lock()
	h, ok := m.handles[userID]
	delete(m.handles, userID)
	m.mu.Unlock()

	if ok {
		h.Close()
		logger.Info("Relay disconnected", zap.String("user_id", userID.String()))
	}
}

// Get returns the user's Handle without dialing
func (m *Manager) Get(userID uuid.UUID) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[userID]
	return h, ok
}

// CloseAll disconnects every user
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[uuid.UUID]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

func namespaceURL(base, namespace string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + namespace
	return u.String(), nil
}
