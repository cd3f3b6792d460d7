package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/protocol"
)

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    webrtc.RTPCodecType
	enabled bool
	stops   int
}

func newFakeTrack(id string, kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *fakeTrack) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeDevices struct {
	mu     sync.Mutex
	deny   error
	block  bool
	audio  *fakeTrack
	video  *fakeTrack
	screen *fakeTrack
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, c Constraints) (*LocalMedia, error) {
	d.mu.Lock()
	deny, block := d.deny, d.block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if deny != nil {
		return nil, deny
	}

	lm := &LocalMedia{}
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.Audio {
		d.audio = newFakeTrack("mic", webrtc.RTPCodecTypeAudio)
		lm.Audio = d.audio
	}
	if c.Video {
		d.video = newFakeTrack("camera", webrtc.RTPCodecTypeVideo)
		lm.Video = d.video
	}
	return lm, nil
}

func (d *fakeDevices) GetDisplayMedia(ctx context.Context) (LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.screen = newFakeTrack("screen", webrtc.RTPCodecTypeVideo)
	return d.screen, nil
}

type fakeSender struct {
	mu     sync.Mutex
	tracks []LocalTrack
}

func (s *fakeSender) ReplaceTrack(track LocalTrack) error {
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) Current() LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[len(s.tracks)-1]
}

type fakePeer struct {
	mu         sync.Mutex
	offers     int
	answers    int
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	senders    []*fakeSender
	closes     int
	remoteErr  error

	onICE   func(*webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(webrtc.RTPCodecType)
}

func (p *fakePeer) AddTrack(track LocalTrack) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{tracks: []LocalTrack{track}}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(webrtc.RTPCodecType)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) fireState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(state)
}

func (p *fakePeer) fireCandidate(c *webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	fn(c)
}

func (p *fakePeer) Candidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

func (p *fakePeer) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

func (p *fakePeer) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePeer) videoSender() *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.senders {
		if s.tracks[0].Kind() == webrtc.RTPCodecTypeVideo {
			return s
		}
	}
	return nil
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

type emitted struct {
	event   string
	payload any
}

type recordingSignaler struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingSignaler) Emit(event string, payload any) error {
	r.mu.Lock()
	r.events = append(r.events, emitted{event: event, payload: payload})
	r.mu.Unlock()
	return nil
}

func (r *recordingSignaler) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (r *recordingSignaler) last(event string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].event == event {
			return r.events[i].payload
		}
	}
	return nil
}

func (r *recordingSignaler) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.event
	}
	return out
}

// MockStarter is a testify mock of Starter
type MockStarter struct {
	mock.Mock
}

func (m *MockStarter) Start(ctx context.Context, req Request) (*Session, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Session), args.Error(1)
}

type stubResolver struct {
	mu            sync.Mutex
	loaded        bool
	byCounterpart map[uuid.UUID]domain.ConversationRef
	byAppointment map[uuid.UUID]domain.ConversationRef
}

func newStubResolver() *stubResolver {
	return &stubResolver{
		byCounterpart: make(map[uuid.UUID]domain.ConversationRef),
		byAppointment: make(map[uuid.UUID]domain.ConversationRef),
	}
}

func (r *stubResolver) add(ref domain.ConversationRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = true
	r.byCounterpart[ref.CounterpartID] = ref
	r.byAppointment[ref.AppointmentID] = ref
}

func (r *stubResolver) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

func (r *stubResolver) ResolveCounterpart(id uuid.UUID) (domain.ConversationRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.byCounterpart[id]
	return ref, ok
}

func (r *stubResolver) ResolveAppointment(id uuid.UUID) (domain.ConversationRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.byAppointment[id]
	return ref, ok
}

func envelope(t *testing.T, event string, payload any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(t, err)
	return env
}

func decodeAs[T any](t *testing.T, payload any) T {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}
