package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"consultlink-backend/internal/conversation"
	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/protocol"
)

type promptRecorder struct {
	mu        sync.Mutex
	prompts   []IncomingCall
	withdrawn []IncomingCall
}

func (p *promptRecorder) attach(d *Detector) {
	d.OnPrompt(func(c IncomingCall) {
		p.mu.Lock()
		p.prompts = append(p.prompts, c)
		p.mu.Unlock()
	})
	d.OnWithdrawn(func(c IncomingCall) {
		p.mu.Lock()
		p.withdrawn = append(p.withdrawn, c)
		p.mu.Unlock()
	})
}

func offerFrom(t *testing.T, from uuid.UUID, appointmentID *uuid.UUID, kind domain.CallKind) *protocol.Envelope {
	return envelope(t, protocol.EventOffer, protocol.Offer{
		FromUserID:    from,
		AppointmentID: appointmentID,
		Offer:         webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 " + from.String()},
		CallKind:      kind,
	})
}

func TestDetector_QueuesUntilConversationsLoad(t *testing.T) {
	resolver := newStubResolver()
	d := NewDetector(resolver, new(MockStarter), &recordingSignaler{})
	rec := &promptRecorder{}
	rec.attach(d)

	caller := uuid.New()
	d.HandleEvent(offerFrom(t, caller, nil, domain.CallAudio))

	assert.Equal(t, 1, d.Queued())
	assert.Empty(t, rec.prompts)

	ref := domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: caller, DisplayName: "Dr. Grey", CanCall: true}
	resolver.add(ref)
	d.ConversationsLoaded()

	assert.Zero(t, d.Queued())
	require.Len(t, rec.prompts, 1)
	assert.Equal(t, "Dr. Grey", rec.prompts[0].CallerName)
	assert.Equal(t, domain.CallAudio, rec.prompts[0].Kind)
	assert.Equal(t, ref.AppointmentID, rec.prompts[0].AppointmentID)
	assert.Equal(t, "v=0 "+caller.String(), rec.prompts[0].Offer.SDP)
	assert.Len(t, d.Pending(), 1)
}

func TestDetector_QueueIsFIFO(t *testing.T) {
	resolver := newStubResolver()
	d := NewDetector(resolver, new(MockStarter), &recordingSignaler{})
	rec := &promptRecorder{}
	rec.attach(d)

	callers := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, c := range callers {
		d.HandleEvent(offerFrom(t, c, nil, domain.CallVideo))
	}
	for _, c := range callers {
		resolver.add(domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: c})
	}
	d.ConversationsLoaded()

	require.Len(t, rec.prompts, 3)
	for i, c := range callers {
		assert.Equal(t, c, rec.prompts[i].FromUserID)
		assert.Equal(t, c, d.Pending()[i].FromUserID)
	}
}

func TestDetector_FallsBackToAppointment(t *testing.T) {
	resolver := newStubResolver()
	ref := domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: uuid.New(), DisplayName: "Patient #42"}
	resolver.add(ref)

	d := NewDetector(resolver, new(MockStarter), &recordingSignaler{})
	rec := &promptRecorder{}
	rec.attach(d)

	// caller id is a profile id the conversation list does not know
	d.HandleEvent(offerFrom(t, uuid.New(), &ref.AppointmentID, domain.CallVideo))

	require.Len(t, rec.prompts, 1)
	assert.Equal(t, ref.AppointmentID, rec.prompts[0].AppointmentID)
}

func TestDetector_DiscardsUnresolvable(t *testing.T) {
	resolver := newStubResolver()
	resolver.add(domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: uuid.New()})

	d := NewDetector(resolver, new(MockStarter), &recordingSignaler{})
	d.HandleEvent(offerFrom(t, uuid.New(), nil, domain.CallVideo))

	assert.Empty(t, d.Pending())
	assert.Zero(t, d.Queued())
}

func TestDetector_Decline(t *testing.T) {
	resolver := newStubResolver()
	caller := uuid.New()
	resolver.add(domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: caller})
	sig := &recordingSignaler{}

	d := NewDetector(resolver, new(MockStarter), sig)
	d.HandleEvent(offerFrom(t, caller, nil, domain.CallVideo))
	require.Len(t, d.Pending(), 1)

	require.NoError(t, d.Decline(caller))
	assert.Empty(t, d.Pending())
	require.Equal(t, 1, sig.count(protocol.EventCallDeclined))
	assert.Equal(t, caller, sig.last(protocol.EventCallDeclined).(protocol.CallDeclined).TargetUserID)

	assert.ErrorIs(t, d.Decline(caller), ErrNoPendingCall)
}

func TestDetector_CancelWithdrawsPrompt(t *testing.T) {
	resolver := newStubResolver()
	caller := uuid.New()
	ref := domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: caller}
	resolver.add(ref)

	d := NewDetector(resolver, new(MockStarter), &recordingSignaler{})
	rec := &promptRecorder{}
	rec.attach(d)

	d.HandleEvent(offerFrom(t, caller, nil, domain.CallVideo))
	require.Len(t, rec.prompts, 1)

	d.HandleEvent(envelope(t, protocol.EventCallCancelled, protocol.CancelCall{
		FromUserID:    caller,
		AppointmentID: ref.AppointmentID,
	}))

	assert.Empty(t, d.Pending())
	require.Len(t, rec.withdrawn, 1)
	assert.Equal(t, caller, rec.withdrawn[0].FromUserID)

	_, err := d.Accept(context.Background(), caller)
	assert.ErrorIs(t, err, ErrNoPendingCall)
}

func TestDetector_CancelDropsQueuedOffer(t *testing.T) {
	resolver := newStubResolver()
	d := NewDetector(resolver, new(MockStarter), &recordingSignaler{})
	caller := uuid.New()

	d.HandleEvent(offerFrom(t, caller, nil, domain.CallVideo))
	require.Equal(t, 1, d.Queued())

	d.HandleEvent(envelope(t, protocol.EventCallCancelled, protocol.CancelCall{FromUserID: caller}))
	assert.Zero(t, d.Queued())
}

func TestDetector_AcceptStartsAnsweringSession(t *testing.T) {
	resolver := newStubResolver()
	caller := uuid.New()
	ref := domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: caller}
	resolver.add(ref)

	starter := new(MockStarter)
	sess := &Session{}
	starter.On("Start", mock.Anything, mock.MatchedBy(func(req Request) bool {
		return !req.Initiator &&
			req.CounterpartID == caller &&
			req.AppointmentID == ref.AppointmentID &&
			req.Kind == domain.CallAudio &&
			req.PendingOffer != nil &&
			req.PendingOffer.SDP == "v=0 "+caller.String()
	})).Return(sess, nil).Once()

	d := NewDetector(resolver, starter, &recordingSignaler{})
	d.HandleEvent(offerFrom(t, caller, nil, domain.CallAudio))

	got, err := d.Accept(context.Background(), caller)
	require.NoError(t, err)
	assert.Same(t, sess, got)
	assert.Empty(t, d.Pending())
	starter.AssertExpectations(t)
}

func candidateFrom(t *testing.T, from uuid.UUID, n int) *protocol.Envelope {
	return envelope(t, protocol.EventICECandidate, protocol.ICECandidate{
		FromUserID: from,
		Candidate:  webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000 typ host", n, n)},
	})
}

func TestDetector_CandidatesWhileRingingReachSession(t *testing.T) {
	resolver := newStubResolver()
	caller := uuid.New()
	resolver.add(domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: caller})

	starter := new(MockStarter)
	var req Request
	starter.On("Start", mock.Anything, mock.AnythingOfType("call.Request")).
		Run(func(args mock.Arguments) { req = args.Get(1).(Request) }).
		Return(&Session{}, nil).Once()

	d := NewDetector(resolver, starter, &recordingSignaler{})
	d.HandleEvent(offerFrom(t, caller, nil, domain.CallVideo))
	for i := 1; i <= 3; i++ {
		d.HandleEvent(candidateFrom(t, caller, i))
	}
	require.Equal(t, 3, d.Buffered(caller))

	_, err := d.Accept(context.Background(), caller)
	require.NoError(t, err)

	require.Len(t, req.PendingCandidates, 3)
	assert.Equal(t, "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", req.PendingCandidates[0].Candidate)
	assert.Zero(t, d.Buffered(caller))
	starter.AssertExpectations(t)
}

func TestDetector_CandidatesFollowQueuedOffer(t *testing.T) {
	resolver := newStubResolver()
	caller := uuid.New()
	d := NewDetector(resolver, new(MockStarter), &recordingSignaler{})

	d.HandleEvent(offerFrom(t, caller, nil, domain.CallVideo))
	d.HandleEvent(candidateFrom(t, caller, 1))
	d.HandleEvent(candidateFrom(t, caller, 2))
	require.Equal(t, 2, d.Buffered(caller))

	resolver.add(domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: caller})
	d.ConversationsLoaded()

	require.Len(t, d.Pending(), 1)
	assert.Equal(t, 2, d.Buffered(caller))
}

func TestDetector_CandidatesDroppedWithOffer(t *testing.T) {
	resolver := newStubResolver()
	caller, stranger := uuid.New(), uuid.New()
	resolver.add(domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: caller})
	d := NewDetector(resolver, new(MockStarter), &recordingSignaler{})

	// no offer from this user
	d.HandleEvent(candidateFrom(t, stranger, 1))
	assert.Zero(t, d.Buffered(stranger))

	d.HandleEvent(offerFrom(t, caller, nil, domain.CallVideo))
	d.HandleEvent(candidateFrom(t, caller, 1))
	require.NoError(t, d.Decline(caller))
	assert.Zero(t, d.Buffered(caller))

	d.HandleEvent(offerFrom(t, caller, nil, domain.CallVideo))
	d.HandleEvent(candidateFrom(t, caller, 2))
	d.HandleEvent(envelope(t, protocol.EventCallCancelled, protocol.CancelCall{FromUserID: caller}))
	assert.Zero(t, d.Buffered(caller))

	// queued offer that never resolves
	unloaded := newStubResolver()
	d = NewDetector(unloaded, new(MockStarter), &recordingSignaler{})
	d.HandleEvent(offerFrom(t, stranger, nil, domain.CallVideo))
	d.HandleEvent(candidateFrom(t, stranger, 1))
	require.Equal(t, 1, d.Buffered(stranger))
	unloaded.add(domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: caller})
	d.ConversationsLoaded()
	assert.Empty(t, d.Pending())
	assert.Zero(t, d.Buffered(stranger))
}

func TestDetector_PrefersOfferedAppointment(t *testing.T) {
	resolver := newStubResolver()
	doctor := uuid.New()
	second := domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: doctor, DisplayName: "Dr. Grey", CanCall: true}
	first := domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: doctor, DisplayName: "Dr. Grey", CanCall: true}
	resolver.add(second)
	// the counterpart lookup now lands on first
	resolver.add(first)

	d := NewDetector(resolver, new(MockStarter), &recordingSignaler{})
	d.HandleEvent(offerFrom(t, doctor, &second.AppointmentID, domain.CallVideo))

	pending := d.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, second.AppointmentID, pending[0].AppointmentID)
}

func TestDetector_IgnoresAppointmentOfAnotherCounterpart(t *testing.T) {
	resolver := newStubResolver()
	caller, other := uuid.New(), uuid.New()
	mine := domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: caller}
	theirs := domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: other}
	resolver.add(mine)
	resolver.add(theirs)

	d := NewDetector(resolver, new(MockStarter), &recordingSignaler{})
	d.HandleEvent(offerFrom(t, caller, &theirs.AppointmentID, domain.CallVideo))

	pending := d.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, mine.AppointmentID, pending[0].AppointmentID)
}

// incoming offer before the conversation list exists, resolved through a
// real deriver and answered through a real registry
func TestDetector_IncomingCallBeforeDataReady(t *testing.T) {
	self, caller := uuid.New(), uuid.New()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	scheduled := now.Add(5 * time.Minute)

	deriver := conversation.NewDeriver(self, domain.RolePatient, conversation.WithClock(func() time.Time { return now }))
	sig := &recordingSignaler{}
	registry := NewRegistry(self, sig, &fakeFactory{}, &fakeDevices{}, WithNegotiationTimeout(0))
	d := NewDetector(deriver, registry, sig)
	rec := &promptRecorder{}
	rec.attach(d)

	d.HandleEvent(offerFrom(t, caller, nil, domain.CallVideo))
	require.Empty(t, rec.prompts)

	appointment := &domain.Appointment{
		AppointmentID: uuid.New(),
		Patient:       domain.ParticipantRef{ProfileID: uuid.New(), UserID: &self},
		Doctor:        domain.ParticipantRef{ProfileID: uuid.New(), UserID: &caller, Name: "Dr. Quinn"},
		ScheduledAt:   &scheduled,
		Status:        domain.AppointmentConfirmed,
		Kind:          domain.AppointmentVideo,
	}
	deriver.SetAppointments([]*domain.Appointment{appointment})
	d.ConversationsLoaded()

	require.Len(t, rec.prompts, 1)
	assert.Equal(t, "Dr. Quinn", rec.prompts[0].CallerName)
	assert.True(t, rec.prompts[0].Conversation.CanCall)

	sess, err := d.Accept(context.Background(), caller)
	require.NoError(t, err)
	assert.Equal(t, PhaseNegotiating, sess.Phase())
	assert.Equal(t, 1, sig.count(protocol.EventAnswer))

	_, ok := registry.Lookup(appointment.AppointmentID, caller)
	assert.True(t, ok)
}
