// Package conversation derives the per-appointment conversation list shown to
// a participant and keeps it current as appointments and messages change.
package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/constants"
	"consultlink-backend/pkg/logger"
)

// Window is the half-width of the consultation window around the scheduled time
const Window = constants.ConsultationWindow

// Classify returns the temporal status of an appointment at now.
// ok is false when the appointment has no scheduled time.
func Classify(a *domain.Appointment, now time.Time) (status domain.TemporalStatus, ok bool) {
	if a == nil || a.ScheduledAt == nil || a.ScheduledAt.IsZero() {
		return "", false
	}
	at := *a.ScheduledAt

	if a.Status == domain.AppointmentCompleted || now.After(at.Add(Window)) {
		return domain.StatusPast, true
	}
	if a.Status == domain.AppointmentConfirmed && !now.Before(at.Add(-Window)) {
		return domain.StatusActive, true
	}
	return domain.StatusUpcoming, true
}

// Derive builds one conversation per well-formed appointment, ordered for display.
// Appointments without a scheduled time are skipped.
func Derive(selfID uuid.UUID, role domain.Role, appointments []*domain.Appointment, now time.Time) []*domain.Conversation {
	out := make([]*domain.Conversation, 0, len(appointments))
	seen := make(map[uuid.UUID]struct{}, len(appointments))

	for _, a := range appointments {
		status, ok := Classify(a, now)
		if !ok {
			if a != nil {
				logger.Debug("Skipping appointment without schedule",
					zap.String("appointment_id", a.AppointmentID.String()))
			}
			continue
		}
		if _, dup := seen[a.AppointmentID]; dup {
			continue
		}
		seen[a.AppointmentID] = struct{}{}

		counterpartID, name := counterpart(selfID, role, a)
		out = append(out, &domain.Conversation{
			ID:              a.AppointmentID,
			CounterpartID:   counterpartID,
			DisplayName:     name,
			TemporalStatus:  status,
			AppointmentKind: a.Kind,
			ScheduledAt:     *a.ScheduledAt,
		})
	}

	sortConversations(out)
	return out
}

// counterpart picks the other participant. The account id is preferred; the
// profile id stands in when no account is linked.
func counterpart(selfID uuid.UUID, role domain.Role, a *domain.Appointment) (uuid.UUID, string) {
	other, placeholder := a.Doctor, "Dr. #"
	switch {
	case role == domain.RoleDoctor:
		other, placeholder = a.Patient, "Patient #"
	case role == "" && a.Doctor.UserID != nil && *a.Doctor.UserID == selfID:
		other, placeholder = a.Patient, "Patient #"
	}

	id := other.ProfileID
	if other.UserID != nil {
		id = *other.UserID
	}
	name := other.Name
	if other.UserID == nil || name == "" {
		name = placeholder + other.ProfileID.String()
	}
	return id, name
}

func sortConversations(list []*domain.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if ra, rb := a.TemporalStatus.Rank(), b.TemporalStatus.Rank(); ra != rb {
			return ra < rb
		}
		if !a.LastMessageTime.Equal(b.LastMessageTime) {
			return a.LastMessageTime.After(b.LastMessageTime)
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// Deriver owns the conversation list of one participant
type Deriver struct {
	mu sync.RWMutex

	selfID uuid.UUID
	role   domain.Role
	now    func() time.Time

	appointments []*domain.Appointment
	list         []*domain.Conversation
	byID         map[uuid.UUID]*domain.Conversation
	selected     uuid.UUID
	loaded       bool

	onChange func([]domain.Conversation)
}

// Option configures a Deriver
type Option func(*Deriver)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(d *Deriver) { d.now = now }
}

// WithOnChange registers a callback invoked with a snapshot after every change
func WithOnChange(fn func([]domain.Conversation)) Option {
	return func(d *Deriver) { d.onChange = fn }
}

// NewDeriver creates a Deriver for selfID acting as role
func NewDeriver(selfID uuid.UUID, role domain.Role, opts ...Option) *Deriver {
	d := &Deriver{
		selfID: selfID,
		role:   role,
		now:    time.Now,
		byID:   make(map[uuid.UUID]*domain.Conversation),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetAppointments replaces the appointment set. Message state (preview, last
// message time, unread count) survives for appointments that are still present.
func (d *Deriver) SetAppointments(appointments []*domain.Appointment) {
	d.mu.Lock()
	d.appointments = appointments
	d.loaded = true
	d.rebuildLocked()
	snap := d.snapshotLocked()
	d.mu.Unlock()

	d.notify(snap)
}

// Recompute reclassifies every conversation against the current time
func (d *Deriver) Recompute() {
	d.mu.Lock()
	d.rebuildLocked()
	snap := d.snapshotLocked()
	d.mu.Unlock()

	d.notify(snap)
}

func (d *Deriver) rebuildLocked() {
	next := Derive(d.selfID, d.role, d.appointments, d.now())
	byID := make(map[uuid.UUID]*domain.Conversation, len(next))
	for _, c := range next {
		if prev, ok := d.byID[c.ID]; ok {
			c.LastMessagePreview = prev.LastMessagePreview
			c.LastMessageTime = prev.LastMessageTime
			c.UnreadCount = prev.UnreadCount
		}
		byID[c.ID] = c
	}
	sortConversations(next)
	d.list = next
	d.byID = byID
}

// ApplyMessage folds a live message into its conversation. It reports whether
// the message matched a known conversation.
func (d *Deriver) ApplyMessage(msg *domain.Message) bool {
	if msg == nil || msg.AppointmentID == nil {
		return false
	}

	d.mu.Lock()
	c, ok := d.byID[*msg.AppointmentID]
	if !ok {
		d.mu.Unlock()
		return false
	}

	if !msg.CreatedAt.Before(c.LastMessageTime) {
		c.LastMessagePreview = msg.Preview()
		c.LastMessageTime = msg.CreatedAt
	}
	inbound := msg.SenderID != d.selfID
	if inbound && !msg.IsRead && d.selected != c.ID {
		c.UnreadCount++
	}
	sortConversations(d.list)
	snap := d.snapshotLocked()
	d.mu.Unlock()

	d.notify(snap)
	return true
}

// Select marks a conversation as open and clears its unread count
func (d *Deriver) Select(id uuid.UUID) (domain.ConversationRef, bool) {
	d.mu.Lock()
	c, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return domain.ConversationRef{}, false
	}
	d.selected = id
	c.UnreadCount = 0
	ref := c.Ref()
	snap := d.snapshotLocked()
	d.mu.Unlock()

	d.notify(snap)
	return ref, true
}

// Selected returns the open conversation id, or uuid.Nil
func (d *Deriver) Selected() uuid.UUID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.selected
}

// Conversations returns a snapshot of the ordered list
func (d *Deriver) Conversations() []domain.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

// Get returns one conversation by id
func (d *Deriver) Get(id uuid.UUID) (domain.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[id]
	if !ok {
		return domain.Conversation{}, false
	}
	return *c, true
}

// CanStartCall reports whether a call may be placed in the conversation now
func (d *Deriver) CanStartCall(id uuid.UUID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[id]
	return ok && c.CanStartCall()
}

// Loaded reports whether an appointment set has been supplied
func (d *Deriver) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// ResolveCounterpart finds the first conversation, in display order, whose
// counterpart is userID
func (d *Deriver) ResolveCounterpart(userID uuid.UUID) (domain.ConversationRef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.list {
		if c.CounterpartID == userID {
			return c.Ref(), true
		}
	}
	return domain.ConversationRef{}, false
}

// ResolveAppointment finds the conversation backed by an appointment
func (d *Deriver) ResolveAppointment(appointmentID uuid.UUID) (domain.ConversationRef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[appointmentID]
	if !ok {
		return domain.ConversationRef{}, false
	}
	return c.Ref(), true
}

func (d *Deriver) snapshotLocked() []domain.Conversation {
	out := make([]domain.Conversation, len(d.list))
	for i, c := range d.list {
		out[i] = *c
	}
	return out
}

func (d *Deriver) notify(snap []domain.Conversation) {
	if d.onChange != nil {
		d.onChange(snap)
	}
}
