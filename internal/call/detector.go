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

// ErrNoPendingCall is returned by Accept and Decline for an unknown caller
var ErrNoPendingCall = errors.New("no pending incoming call from this user")

// maxBufferedCandidates bounds the trickled candidates kept per ringing caller
const maxBufferedCandidates = 64

// Resolver looks conversations up for the detector without exposing the list
type Resolver interface {
	Loaded() bool
	ResolveCounterpart(userID uuid.UUID) (domain.ConversationRef, bool)
	ResolveAppointment(appointmentID uuid.UUID) (domain.ConversationRef, bool)
}

// Starter opens call sessions; satisfied by *Registry
type Starter interface {
	Start(ctx context.Context, req Request) (*Session, error)
}

// IncomingCall is a resolved offer waiting for the user's decision
type IncomingCall struct {
	FromUserID    uuid.UUID
	CallerName    string
	Kind          domain.CallKind
	AppointmentID uuid.UUID
	Conversation  domain.ConversationRef
	Offer         webrtc.SessionDescription
	ReceivedAt    time.Time
}

// Detector listens for offers independently of any open call and turns them
// into incoming-call prompts
type Detector struct {
	resolver Resolver
	starter  Starter
	sig      Signaler

	mu         sync.Mutex
	queue      []protocol.Offer
	prompts    map[uuid.UUID]*IncomingCall
	order      []uuid.UUID
	candidates map[uuid.UUID][]webrtc.ICECandidateInit

	onPrompt    func(IncomingCall)
	onWithdrawn func(IncomingCall)
}

// NewDetector creates a Detector
func NewDetector(resolver Resolver, starter Starter, sig Signaler) *Detector {
	return &Detector{
		resolver: resolver,
		starter:  starter,
		sig:      sig,
		prompts:    make(map[uuid.UUID]*IncomingCall),
		candidates: make(map[uuid.UUID][]webrtc.ICECandidateInit),
	}
}

// OnPrompt registers the callback fired when a prompt should be shown
func (d *Detector) OnPrompt(fn func(IncomingCall)) {
	d.mu.Lock()
	d.onPrompt = fn
	d.mu.Unlock()
}

// OnWithdrawn registers the callback fired when the caller retracts a prompt
func (d *Detector) OnWithdrawn(fn func(IncomingCall)) {
	d.mu.Lock()
	d.onWithdrawn = fn
	d.mu.Unlock()
}

// HandleEvent consumes offers, trickled candidates and cancellations not
// claimed by a live session
func (d *Detector) HandleEvent(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventOffer:
		var p protocol.Offer
		if err := env.Decode(&p); err != nil {
			logger.Warn("Invalid incoming offer", zap.Error(err))
			return
		}
		d.handleOffer(p)

	case protocol.EventICECandidate:
		var p protocol.ICECandidate
		if err := env.Decode(&p); err != nil {
			return
		}
		d.bufferCandidate(p.FromUserID, p.Candidate)

	case protocol.EventCallCancelled:
		var p protocol.CancelCall
		if err := env.Decode(&p); err != nil {
			return
		}
		d.withdraw(p.FromUserID)

	case protocol.EventCallEnded:
		var p protocol.CallEnded
		if err := env.Decode(&p); err != nil {
			return
		}
		d.withdraw(p.FromUserID)
	}
}

func (d *Detector) handleOffer(p protocol.Offer) {
	// checked under mu so ConversationsLoaded cannot drain in between
	d.mu.Lock()
	if !d.resolver.Loaded() {
		d.queue = append(d.queue, p)
		d.mu.Unlock()
		logger.Debug("Queued incoming offer until conversations load",
			zap.String("from_user_id", p.FromUserID.String()))
		return
	}
	d.mu.Unlock()
	d.promote(p)
}

// ConversationsLoaded drains offers queued before the list was available, in
// arrival order
func (d *Detector) ConversationsLoaded() {
	d.mu.Lock()
	queued := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, p := range queued {
		d.promote(p)
	}
}

// bufferCandidate keeps candidates for a caller whose offer is queued or
// ringing; anything else has no session to land in
func (d *Detector) bufferCandidate(fromUserID uuid.UUID, c webrtc.ICECandidateInit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ringing := d.prompts[fromUserID]; !ringing && !d.queuedLocked(fromUserID) {
		logger.Debug("Dropping ICE candidate without a pending offer",
			zap.String("from_user_id", fromUserID.String()))
		return
	}
	if len(d.candidates[fromUserID]) >= maxBufferedCandidates {
		return
	}
	d.candidates[fromUserID] = append(d.candidates[fromUserID], c)
}

func (d *Detector) queuedLocked(fromUserID uuid.UUID) bool {
	for _, q := range d.queue {
		if q.FromUserID == fromUserID {
			return true
		}
	}
	return false
}

// resolve prefers the conversation matching both the caller and the offered
// appointment, then the caller alone, then the appointment alone
func (d *Detector) resolve(p protocol.Offer) (domain.ConversationRef, bool) {
	if p.AppointmentID != nil {
		if ref, ok := d.resolver.ResolveAppointment(*p.AppointmentID); ok && ref.CounterpartID == p.FromUserID {
			return ref, true
		}
	}
	if ref, ok := d.resolver.ResolveCounterpart(p.FromUserID); ok {
		return ref, true
	}
	if p.AppointmentID != nil {
		return d.resolver.ResolveAppointment(*p.AppointmentID)
	}
	return domain.ConversationRef{}, false
}

func (d *Detector) promote(p protocol.Offer) {
	ref, ok := d.resolve(p)
	if !ok {
		d.mu.Lock()
		if _, ringing := d.prompts[p.FromUserID]; !ringing && !d.queuedLocked(p.FromUserID) {
			delete(d.candidates, p.FromUserID)
		}
		d.mu.Unlock()
		logger.Warn("Discarding offer from unknown caller",
			zap.String("from_user_id", p.FromUserID.String()))
		return
	}

	kind := p.CallKind
	if !kind.Valid() {
		kind = domain.CallVideo
	}

	d.mu.Lock()
	if existing, dup := d.prompts[p.FromUserID]; dup {
		existing.Offer = p.Offer
		d.mu.Unlock()
		return
	}
	call := &IncomingCall{
		FromUserID:    p.FromUserID,
		CallerName:    ref.DisplayName,
		Kind:          kind,
		AppointmentID: ref.AppointmentID,
		Conversation:  ref,
		Offer:         p.Offer,
		ReceivedAt:    time.Now(),
	}
	d.prompts[p.FromUserID] = call
	d.order = append(d.order, p.FromUserID)
	fn := d.onPrompt
	d.mu.Unlock()

	logger.Info("Incoming call",
		zap.String("from_user_id", p.FromUserID.String()),
		zap.String("appointment_id", ref.AppointmentID.String()),
		zap.String("call_kind", string(kind)))
	if fn != nil {
		fn(*call)
	}
}

func (d *Detector) withdraw(fromUserID uuid.UUID) {
	d.mu.Lock()
	kept := d.queue[:0]
	for _, q := range d.queue {
		if q.FromUserID != fromUserID {
			kept = append(kept, q)
		}
	}
	d.queue = kept

	call, ok := d.takeLocked(fromUserID)
	delete(d.candidates, fromUserID)
	fn := d.onWithdrawn
	d.mu.Unlock()

	if ok {
		logger.Info("Incoming call withdrawn", zap.String("from_user_id", fromUserID.String()))
		if fn != nil {
			fn(*call)
		}
	}
}

func (d *Detector) takeLocked(fromUserID uuid.UUID) (*IncomingCall, bool) {
	call, ok := d.prompts[fromUserID]
	if !ok {
		return nil, false
	}
	delete(d.prompts, fromUserID)
	for i, id := range d.order {
		if id == fromUserID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return call, true
}

// Accept promotes the prompt into a non-initiating session seeded with the
// original offer
func (d *Detector) Accept(ctx context.Context, fromUserID uuid.UUID) (*Session, error) {
	d.mu.Lock()
	call, ok := d.takeLocked(fromUserID)
	candidates := d.candidates[fromUserID]
	delete(d.candidates, fromUserID)
	d.mu.Unlock()
	if !ok {
		return nil, ErrNoPendingCall
	}

	offer := call.Offer
	return d.starter.Start(ctx, Request{
		AppointmentID:     call.AppointmentID,
		CounterpartID:     call.FromUserID,
		Kind:              call.Kind,
		Initiator:         false,
		PendingOffer:      &offer,
		PendingCandidates: candidates,
	})
}

// Decline tells the caller no and drops the offer
func (d *Detector) Decline(fromUserID uuid.UUID) error {
	d.mu.Lock()
	_, ok := d.takeLocked(fromUserID)
	delete(d.candidates, fromUserID)
	d.mu.Unlock()
	if !ok {
		return ErrNoPendingCall
	}
	return d.sig.Emit(protocol.EventCallDeclined, protocol.CallDeclined{TargetUserID: fromUserID})
}

// Pending returns the open prompts, oldest first
func (d *Detector) Pending() []IncomingCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]IncomingCall, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.prompts[id])
	}
	return out
}

// Buffered returns how many candidates are held for a caller
func (d *Detector) Buffered(fromUserID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.candidates[fromUserID])
}

// Queued returns how many offers wait for the conversation list
func (d *Detector) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
