package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/protocol"
	"consultlink-backend/pkg/constants"
	"consultlink-backend/pkg/logger"
)

// DefaultNegotiationTimeout bounds the NEGOTIATING phase
const DefaultNegotiationTimeout = constants.NegotiationTimeout

var (
	// ErrNotConnected is returned by in-call controls outside CONNECTED
	ErrNotConnected = errors.New("call is not connected")
	// ErrNotVideoCall is returned by video controls on an audio call
	ErrNotVideoCall = errors.New("call has no video")
	// ErrAlreadyOpened is returned when Open is called twice
	ErrAlreadyOpened = errors.New("call session already opened")
	// ErrSessionClosed is returned when the session was torn down mid-operation
	ErrSessionClosed = errors.New("call session closed")
	// ErrNegotiationTimeout is reported when NEGOTIATING does not complete in time
	ErrNegotiationTimeout = errors.New("call negotiation timed out")
	// ErrConnectionFailed is reported when the peer transport fails
	ErrConnectionFailed = errors.New("peer connection failed")
)

// Phase is the lifecycle position of a Session
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAcquiringMedia Phase = "acquiring_media"
	PhaseAwaitingRoom   Phase = "awaiting_room"
	PhaseNegotiating    Phase = "negotiating"
	PhaseConnected      Phase = "connected"
	PhaseEnded          Phase = "ended"
	PhaseFailed         Phase = "failed"
)

// Terminal reports whether no further transition is possible
func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseFailed
}

// Config describes one call attempt
type Config struct {
	AppointmentID uuid.UUID
	CounterpartID uuid.UUID
	SelfID        uuid.UUID
	RoomID        string
	Kind          domain.CallKind
	Initiator     bool

	// PendingOffer is set when the call was accepted from an incoming prompt
	PendingOffer *webrtc.SessionDescription
	// PendingCandidates are applied once the remote description is set
	PendingCandidates []webrtc.ICECandidateInit

	// NegotiationTimeout fails a stuck NEGOTIATING phase; zero disables it
	NegotiationTimeout time.Duration
}

// State is a snapshot handed to observers
type State struct {
	Phase Phase
	Err   error
}

type outbound struct {
	event   string
	payload any
}

// Session is the state machine of one call attempt. It exclusively owns the
// local media and the peer connection.
type Session struct {
	cfg   Config
	peers PeerFactory
	media MediaDevices
	sig   Signaler
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	phase         Phase
	err           error
	pc            PeerConnection
	local         *LocalMedia
	videoSender   Sender
	screen        LocalTrack
	pendingOffer  *webrtc.SessionDescription
	pendingICE    []webrtc.ICECandidateInit
	roomID        string
	callSessionID uuid.UUID
	joinSent      bool
	offered       bool
	remoteSet     bool
	pickedUp      bool
	remoteTracks  int
	closed        bool
	timer         *time.Timer
	observers     []func(State)

	// drained after unlock
	outbox  []outbound
	notes   []State
	release []func()
}

// NewSession creates an IDLE session; Open starts it
func NewSession(cfg Config, peers PeerFactory, media MediaDevices, sig Signaler) *Session {
	if cfg.RoomID == "" {
		cfg.RoomID = domain.RoomIDFor(cfg.AppointmentID)
	}
	if !cfg.Kind.Valid() {
		cfg.Kind = domain.CallVideo
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:          cfg,
		peers:        peers,
		media:        media,
		sig:          sig,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		phase:        PhaseIdle,
		pendingOffer: cfg.PendingOffer,
		pendingICE:   append([]webrtc.ICECandidateInit(nil), cfg.PendingCandidates...),
		roomID:       cfg.RoomID,
		log: logger.With(
			zap.String("appointment_id", cfg.AppointmentID.String()),
			zap.String("counterpart_id", cfg.CounterpartID.String()),
			zap.String("call_kind", string(cfg.Kind)),
			zap.Bool("initiator", cfg.Initiator),
		),
	}
}

// OnStateChange registers an observer called after every phase or banner change
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Open acquires media, creates the peer connection and joins the call room.
// It may block on a permission prompt; Hangup from another goroutine aborts it.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseIdle {
		s.unlock()
		return ErrAlreadyOpened
	}
	s.setPhaseLocked(PhaseAcquiringMedia)
	s.unlock()

	acquireCtx, stop := mergeCancel(ctx, s.ctx)
	local, err := s.media.GetUserMedia(acquireCtx, Constraints{Audio: true, Video: s.cfg.Kind.WantsVideo()})
	stop()

	s.mu.Lock()
	if s.closed {
		s.unlock()
		if local != nil {
			local.Stop()
		}
		return ErrSessionClosed
	}
	if err == nil && local == nil {
		err = ErrDeviceUnavailable
	}
	if err != nil {
		err = mediaError(err)
		s.failLocked(err)
		s.unlock()
		return err
	}
	s.local = local

	pc, err := s.peers.NewPeerConnection()
	if err != nil {
		s.failLocked(fmt.Errorf("failed to create peer connection: %w", err))
		s.unlock()
		return err
	}
	s.pc = pc
	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnConnectionStateChange(s.handleConnectionState)
	pc.OnTrack(s.handleRemoteTrack)

	for _, track := range local.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			s.failLocked(fmt.Errorf("failed to add %s track: %w", track.Kind(), err))
			s.unlock()
			return err
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			s.videoSender = sender
		}
	}

	s.setPhaseLocked(PhaseAwaitingRoom)
	s.joinSent = true
	s.send(protocol.EventJoinCall, protocol.JoinCall{
		AppointmentID: s.cfg.AppointmentID,
		RoomID:        s.roomID,
	})

	if !s.cfg.Initiator && s.pendingOffer != nil {
		offer := *s.pendingOffer
		s.pendingOffer = nil
		s.answerLocked(offer)
	}
	s.unlock()
	return nil
}

// HandleEvent applies one inbound signaling event addressed to this session
func (s *Session) HandleEvent(env *protocol.Envelope) {
	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return
	}

	switch env.Event {
	case protocol.EventCallJoined:
		var p protocol.CallJoined
		if err := env.Decode(&p); err != nil {
			s.log.Warn("Invalid call-joined", zap.Error(err))
			return
		}
		s.onRoomJoinedLocked(p)

	case protocol.EventUserJoinedCall:
		s.log.Debug("Counterpart joined room")

	case protocol.EventOffer:
		var p protocol.Offer
		if err := env.Decode(&p); err != nil {
			s.log.Warn("Invalid offer", zap.Error(err))
			return
		}
		s.onOfferLocked(p.Offer)

	case protocol.EventAnswer:
		var p protocol.Answer
		if err := env.Decode(&p); err != nil {
			s.log.Warn("Invalid answer", zap.Error(err))
			return
		}
		s.onAnswerLocked(p.Answer)

	case protocol.EventICECandidate:
		var p protocol.ICECandidate
		if err := env.Decode(&p); err != nil {
			s.log.Warn("Invalid ice-candidate", zap.Error(err))
			return
		}
		s.onRemoteCandidateLocked(p.Candidate)

	case protocol.EventCallDeclined, protocol.EventCallCancelled, protocol.EventCallEnded:
		s.log.Info("Call terminated by counterpart", zap.String("event", env.Event))
		s.terminateLocked(PhaseEnded, nil, protocol.EventLeaveCall)

	case protocol.EventError:
		var p protocol.Error
		if err := env.Decode(&p); err != nil {
			return
		}
		s.err = fmt.Errorf("signaling error: %s", p.Message)
		s.noteLocked()
	}
}

func (s *Session) onRoomJoinedLocked(p protocol.CallJoined) {
	if p.RoomID != "" {
		s.roomID = p.RoomID
	}
	s.callSessionID = p.CallSessionID

	if !s.cfg.Initiator || s.offered || s.phase != PhaseAwaitingRoom {
		return
	}
	s.offered = true

	s.setPhaseLocked(PhaseNegotiating)
	s.armTimerLocked()

	offer, err := s.pc.CreateOffer(s.ctx)
	if err != nil {
		s.failLocked(fmt.Errorf("failed to create offer: %w", err))
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.failLocked(fmt.Errorf("failed to set local description: %w", err))
		return
	}

	appointmentID := s.cfg.AppointmentID
	s.send(protocol.EventOffer, protocol.Offer{
		TargetUserID:  s.cfg.CounterpartID,
		AppointmentID: &appointmentID,
		Offer:         offer,
		CallKind:      s.cfg.Kind,
	})
	s.log.Info("Offer sent")
}

func (s *Session) onOfferLocked(offer webrtc.SessionDescription) {
	if s.cfg.Initiator {
		s.log.Debug("Ignoring offer on initiating session")
		return
	}
	switch s.phase {
	case PhaseIdle, PhaseAcquiringMedia:
		s.pendingOffer = &offer
	case PhaseAwaitingRoom:
		s.answerLocked(offer)
	default:
		s.log.Debug("Ignoring offer", zap.String("phase", string(s.phase)))
	}
}

func (s *Session) answerLocked(offer webrtc.SessionDescription) {
	s.setPhaseLocked(PhaseNegotiating)
	s.armTimerLocked()

	if err := s.applyRemoteLocked(offer); err != nil {
		s.failLocked(fmt.Errorf("failed to apply offer: %w", err))
		return
	}
	answer, err := s.pc.CreateAnswer(s.ctx)
	if err != nil {
		s.failLocked(fmt.Errorf("failed to create answer: %w", err))
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.failLocked(fmt.Errorf("failed to set local description: %w", err))
		return
	}
	s.pickedUp = true
	s.send(protocol.EventAnswer, protocol.Answer{
		TargetUserID: s.cfg.CounterpartID,
		Answer:       answer,
	})
	s.log.Info("Answer sent")
}

func (s *Session) onAnswerLocked(answer webrtc.SessionDescription) {
	if !s.cfg.Initiator || !s.offered || s.remoteSet {
		s.log.Debug("Ignoring unexpected answer", zap.String("phase", string(s.phase)))
		return
	}
	if err := s.applyRemoteLocked(answer); err != nil {
		s.failLocked(fmt.Errorf("failed to apply answer: %w", err))
		return
	}
	s.pickedUp = true
}

// applyRemoteLocked sets the remote description and flushes queued candidates
func (s *Session) applyRemoteLocked(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.remoteSet = true

	queued := s.pendingICE
	s.pendingICE = nil
	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn("Failed to add queued ICE candidate", zap.Error(err))
		}
	}
	return nil
}

func (s *Session) onRemoteCandidateLocked(c webrtc.ICECandidateInit) {
	if !s.remoteSet {
		s.pendingICE = append(s.pendingICE, c)
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		s.log.Warn("Failed to add ICE candidate", zap.Error(err))
	}
}

func (s *Session) handleLocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		return
	}
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return
	}
	s.send(protocol.EventICECandidate, protocol.ICECandidate{
		TargetUserID: s.cfg.CounterpartID,
		Candidate:    *c,
	})
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return
	}
	s.log.Debug("Peer connection state", zap.String("state", state.String()))

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.connectedLocked()
	case webrtc.PeerConnectionStateFailed:
		s.failLocked(ErrConnectionFailed)
	}
}

func (s *Session) handleRemoteTrack(kind webrtc.RTPCodecType) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return
	}
	s.remoteTracks++
	s.log.Debug("Remote track attached", zap.String("kind", kind.String()))
	if kind == webrtc.RTPCodecTypeVideo {
		s.connectedLocked()
	}
}

func (s *Session) connectedLocked() {
	if s.phase != PhaseNegotiating {
		return
	}
	s.stopTimerLocked()
	s.pickedUp = true
	s.setPhaseLocked(PhaseConnected)
	s.log.Info("Call connected")
}

func (s *Session) armTimerLocked() {
	if s.cfg.NegotiationTimeout <= 0 || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.cfg.NegotiationTimeout, func() {
		s.mu.Lock()
		defer s.unlock()
		if s.closed || s.phase != PhaseNegotiating {
			return
		}
		s.log.Warn("Negotiation timed out", zap.Duration("timeout", s.cfg.NegotiationTimeout))
		s.failLocked(ErrNegotiationTimeout)
	})
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// ToggleAudio flips the local microphone. Returns true when now muted.
func (s *Session) ToggleAudio() (bool, error) {
	s.mu.Lock()
	defer s.unlock()
	if s.phase != PhaseConnected {
		return false, ErrNotConnected
	}
	if s.local == nil || s.local.Audio == nil {
		return false, ErrDeviceUnavailable
	}
	enabled := !s.local.Audio.Enabled()
	s.local.Audio.SetEnabled(enabled)
	return !enabled, nil
}

// ToggleVideo flips the local camera. Returns true when the camera is now off.
func (s *Session) ToggleVideo() (bool, error) {
	s.mu.Lock()
	defer s.unlock()
	if !s.cfg.Kind.WantsVideo() {
		return false, ErrNotVideoCall
	}
	if s.phase != PhaseConnected {
		return false, ErrNotConnected
	}
	if s.local == nil || s.local.Video == nil {
		return false, ErrDeviceUnavailable
	}
	enabled := !s.local.Video.Enabled()
	s.local.Video.SetEnabled(enabled)
	return !enabled, nil
}

// ToggleScreenShare swaps the outgoing video between the camera and a display
// capture on the existing sender. Returns true while sharing.
func (s *Session) ToggleScreenShare(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if !s.cfg.Kind.WantsVideo() {
		s.unlock()
		return false, ErrNotVideoCall
	}
	if s.phase != PhaseConnected || s.videoSender == nil {
		s.unlock()
		return false, ErrNotConnected
	}

	if s.screen != nil {
		screen := s.screen
		s.screen = nil
		err := s.videoSender.ReplaceTrack(s.local.Video)
		s.release = append(s.release, screen.Stop)
		s.unlock()
		if err != nil {
			return false, fmt.Errorf("failed to restore camera: %w", err)
		}
		return false, nil
	}
	s.unlock()

	acquireCtx, stop := mergeCancel(ctx, s.ctx)
	screen, err := s.media.GetDisplayMedia(acquireCtx)
	stop()
	if err != nil {
		return false, mediaError(err)
	}

	s.mu.Lock()
	defer s.unlock()
	if s.phase != PhaseConnected {
		s.release = append(s.release, screen.Stop)
		return false, ErrNotConnected
	}
	if s.screen != nil {
		s.release = append(s.release, screen.Stop)
		return true, nil
	}
	if err := s.videoSender.ReplaceTrack(screen); err != nil {
		s.release = append(s.release, screen.Stop)
		return false, fmt.Errorf("failed to share screen: %w", err)
	}
	s.screen = screen
	return true, nil
}

// Hangup ends the call from this side. An initiator that has not been picked
// up yet retracts the ringing prompt with cancel-call; otherwise the room is
// told with end-call. Safe to call any number of times.
func (s *Session) Hangup() {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return
	}

	switch {
	case s.cfg.Initiator && !s.pickedUp:
		s.send(protocol.EventCancelCall, protocol.CancelCall{
			TargetUserID:  s.cfg.CounterpartID,
			AppointmentID: s.cfg.AppointmentID,
		})
		s.terminateLocked(PhaseEnded, nil, protocol.EventLeaveCall)
	case !s.cfg.Initiator && !s.joinSent:
		s.send(protocol.EventCallDeclined, protocol.CallDeclined{TargetUserID: s.cfg.CounterpartID})
		s.terminateLocked(PhaseEnded, nil, "")
	default:
		s.terminateLocked(PhaseEnded, nil, protocol.EventEndCall)
	}
}

// Close tears the session down from any phase
func (s *Session) Close() error {
	s.Hangup()
	return nil
}

// DismissError clears the banner without changing the phase
func (s *Session) DismissError() {
	s.mu.Lock()
	defer s.unlock()
	if s.err == nil {
		return
	}
	s.err = nil
	s.noteLocked()
}

func (s *Session) failLocked(err error) {
	s.log.Error("Call failed", zap.Error(err), zap.String("phase", string(s.phase)))
	s.terminateLocked(PhaseFailed, err, protocol.EventLeaveCall)
}

// terminateLocked releases every resource once. leaveEvent (end-call or
// leave-call) is emitted only when a room join was requested.
func (s *Session) terminateLocked(phase Phase, err error, leaveEvent string) {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	s.stopTimerLocked()

	if leaveEvent != "" && s.joinSent {
		s.send(leaveEvent, protocol.RoomRef{AppointmentID: s.cfg.AppointmentID, RoomID: s.roomID})
	}

	if s.local != nil {
		s.release = append(s.release, s.local.Stop)
	}
	if s.screen != nil {
		s.release = append(s.release, s.screen.Stop)
		s.screen = nil
	}
	if s.pc != nil {
		pc := s.pc
		s.release = append(s.release, func() {
			if err := pc.Close(); err != nil {
				s.log.Warn("Failed to close peer connection", zap.Error(err))
			}
		})
	}
	s.pendingICE = nil
	s.pendingOffer = nil
	s.release = append(s.release, func() { close(s.done) })

	if err != nil {
		s.err = err
	}
	s.setPhaseLocked(phase)
}

func (s *Session) setPhaseLocked(p Phase) {
	if s.phase == p {
		return
	}
	s.phase = p
	s.noteLocked()
}

func (s *Session) noteLocked() {
	s.notes = append(s.notes, State{Phase: s.phase, Err: s.err})
}

func (s *Session) send(event string, payload any) {
	s.outbox = append(s.outbox, outbound{event: event, payload: payload})
}

// unlock releases mu, then performs the side effects queued while it was held
func (s *Session) unlock() {
	out, notes, release := s.outbox, s.notes, s.release
	s.outbox, s.notes, s.release = nil, nil, nil
	observers := s.observers
	s.mu.Unlock()

	for _, o := range out {
		if err := s.sig.Emit(o.event, o.payload); err != nil {
			s.log.Warn("Failed to emit signaling event", zap.String("event", o.event), zap.Error(err))
		}
	}
	for _, fn := range release {
		fn()
	}
	for _, st := range notes {
		for _, fn := range observers {
			fn(st)
		}
	}
}

// Phase returns the current phase
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err returns the banner error, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// RoomID returns the signaling room, as confirmed by the relay once joined
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// CallSessionID returns the relay-assigned call id, uuid.Nil before call-joined
func (s *Session) CallSessionID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSessionID
}

// Sharing reports whether the screen replaces the camera
func (s *Session) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen != nil
}

func (s *Session) AppointmentID() uuid.UUID { return s.cfg.AppointmentID }
func (s *Session) CounterpartID() uuid.UUID { return s.cfg.CounterpartID }
func (s *Session) Kind() domain.CallKind    { return s.cfg.Kind }
func (s *Session) Initiator() bool          { return s.cfg.Initiator }

// Done is closed once all resources are released
func (s *Session) Done() <-chan struct{} { return s.done }

func mediaError(err error) error {
	if errors.Is(err, ErrMediaDenied) || errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMediaDenied, err)
}

// mergeCancel derives a context cancelled when either parent is done
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
