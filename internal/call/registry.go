package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/protocol"
	"consultlink-backend/pkg/logger"
)

// ErrSessionExists is returned when a live session already covers the pair
var ErrSessionExists = errors.New("call session already active for this conversation")

// Request starts one session through the Registry
type Request struct {
	AppointmentID uuid.UUID
	CounterpartID uuid.UUID
	RoomID        string
	Kind          domain.CallKind
	Initiator     bool
	PendingOffer  *webrtc.SessionDescription

	// PendingCandidates arrived from the caller while the prompt was open
	PendingCandidates []webrtc.ICECandidateInit
}

type pairKey struct {
	appointmentID uuid.UUID
	counterpartID uuid.UUID
}

// Registry keeps at most one live Session per (appointment, counterpart) pair
// and routes inbound call events to the owning session.
type Registry struct {
	selfID  uuid.UUID
	peers   PeerFactory
	media   MediaDevices
	sig     Signaler
	timeout time.Duration

	mu       sync.RWMutex
	sessions map[pairKey]*Session

	onSession func(*Session)
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithNegotiationTimeout overrides DefaultNegotiationTimeout; zero disables it
func WithNegotiationTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// WithSessionHook is called for each session right after it is registered
func WithSessionHook(fn func(*Session)) RegistryOption {
	return func(r *Registry) { r.onSession = fn }
}

// NewRegistry creates an empty Registry
func NewRegistry(selfID uuid.UUID, sig Signaler, peers PeerFactory, media MediaDevices, opts ...RegistryOption) *Registry {
	r := &Registry{
		selfID:   selfID,
		peers:    peers,
		media:    media,
		sig:      sig,
		timeout:  DefaultNegotiationTimeout,
		sessions: make(map[pairKey]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers a new session and opens it. The session is reachable
// through Lookup and Dispatch while Open blocks on media acquisition. On an
// Open failure the returned session is already in a terminal phase.
func (r *Registry) Start(ctx context.Context, req Request) (*Session, error) {
	key := pairKey{appointmentID: req.AppointmentID, counterpartID: req.CounterpartID}

	r.mu.Lock()
	if existing, ok := r.sessions[key]; ok && !existing.Phase().Terminal() {
		r.mu.Unlock()
		return nil, ErrSessionExists
	}
	sess := NewSession(Config{
		AppointmentID:      req.AppointmentID,
		CounterpartID:      req.CounterpartID,
		SelfID:             r.selfID,
		RoomID:             req.RoomID,
		Kind:               req.Kind,
		Initiator:          req.Initiator,
		PendingOffer:       req.PendingOffer,
		PendingCandidates:  req.PendingCandidates,
		NegotiationTimeout: r.timeout,
	}, r.peers, r.media, r.sig)
	r.sessions[key] = sess
	r.mu.Unlock()

	sess.OnStateChange(func(st State) {
		if st.Phase.Terminal() {
			r.remove(key, sess)
		}
	})
	if r.onSession != nil {
		r.onSession(sess)
	}

	logger.Info("Call session started",
		zap.String("appointment_id", req.AppointmentID.String()),
		zap.String("counterpart_id", req.CounterpartID.String()),
		zap.Bool("initiator", req.Initiator))

	if err := sess.Open(ctx); err != nil {
		return sess, err
	}
	return sess, nil
}

func (r *Registry) remove(key pairKey, sess *Session) {
	r.mu.Lock()
	if r.sessions[key] == sess {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
}

// Lookup returns the live session for the pair
func (r *Registry) Lookup(appointmentID, counterpartID uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[pairKey{appointmentID: appointmentID, counterpartID: counterpartID}]
	return s, ok
}

// Active returns every live session
func (r *Registry) Active() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Dispatch routes one inbound event to the owning session. It reports whether
// a session took it; unclaimed offers and cancels belong to the Detector.
func (r *Registry) Dispatch(env *protocol.Envelope) bool {
	var targets []*Session

	switch env.Event {
	case protocol.EventCallJoined:
		var p protocol.CallJoined
		if err := env.Decode(&p); err != nil {
			return false
		}
		targets = r.match(func(k pairKey, _ *Session) bool { return k.appointmentID == p.AppointmentID })

	case protocol.EventUserJoinedCall:
		var p protocol.UserJoinedCall
		if err := env.Decode(&p); err != nil {
			return false
		}
		targets = r.match(func(k pairKey, s *Session) bool {
			return k.counterpartID == p.UserID && (p.RoomID == "" || s.RoomID() == p.RoomID)
		})

	case protocol.EventOffer:
		var p protocol.Offer
		if err := env.Decode(&p); err != nil {
			return false
		}
		targets = r.match(func(k pairKey, _ *Session) bool {
			return k.counterpartID == p.FromUserID && (p.AppointmentID == nil || *p.AppointmentID == k.appointmentID)
		})

	case protocol.EventCallCancelled:
		var p protocol.CancelCall
		if err := env.Decode(&p); err != nil {
			return false
		}
		targets = r.match(func(k pairKey, _ *Session) bool {
			return k.counterpartID == p.FromUserID && (p.AppointmentID == uuid.Nil || p.AppointmentID == k.appointmentID)
		})

	case protocol.EventCallEnded:
		var p protocol.CallEnded
		if err := env.Decode(&p); err != nil {
			return false
		}
		targets = r.match(func(k pairKey, s *Session) bool {
			return k.counterpartID == p.FromUserID && (p.RoomID == "" || s.RoomID() == p.RoomID)
		})

	case protocol.EventAnswer, protocol.EventICECandidate, protocol.EventCallDeclined:
		var p struct {
			FromUserID uuid.UUID `json:"fromUserId"`
		}
		if err := env.Decode(&p); err != nil {
			return false
		}
		targets = r.match(func(k pairKey, _ *Session) bool { return k.counterpartID == p.FromUserID })

	case protocol.EventError:
		targets = r.match(func(pairKey, *Session) bool { return true })

	default:
		return false
	}

	for _, s := range targets {
		s.HandleEvent(env)
	}
	return len(targets) > 0
}

func (r *Registry) match(fn func(pairKey, *Session) bool) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for k, s := range r.sessions {
		if fn(k, s) {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll hangs up every live session
func (r *Registry) CloseAll() {
	for _, s := range r.Active() {
		s.Hangup()
	}
}
