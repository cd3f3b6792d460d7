package call

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"consultlink-backend/pkg/logger"
)

// PeerOptions configures the pion-backed factory
type PeerOptions struct {
	ICEServers []string
	// DisconnectedTimeout is how long ICE may stay disconnected before failing
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
}

// PionFactory builds peer connections on one shared webrtc.API
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory registers the default codecs and interceptors (NACK, RTCP
// reports, TWCC) and applies the ICE timeouts.
func NewPionFactory(opts PeerOptions) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	disconnected, failed := opts.DisconnectedTimeout, opts.FailedTimeout
	if disconnected <= 0 {
		disconnected = 30 * time.Second
	}
	if failed <= 0 {
		failed = 120 * time.Second
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disconnected, failed, 2*time.Second)

	servers := make([]webrtc.ICEServer, 0, len(opts.ICEServers))
	for _, url := range opts.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: servers},
	}, nil
}

// NewPeerConnection implements PeerFactory
func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track LocalTrack) (Sender, error) {
	st, ok := track.(*SampleTrack)
	if !ok {
		return nil, fmt.Errorf("unsupported track type %T", track)
	}
	sender, err := p.pc.AddTrack(st.track)
	if err != nil {
		return nil, err
	}
	// RTCP must be drained for the interceptors to run
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &pionSender{sender: sender}, nil
}

func (p *pionPeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		cand := c.ToJSON()
		fn(&cand)
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnTrack(fn func(webrtc.RTPCodecType)) {
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go drainRemote(remote)
		fn(remote.Kind())
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func drainRemote(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s *pionSender) ReplaceTrack(track LocalTrack) error {
	if track == nil {
		return s.sender.ReplaceTrack(nil)
	}
	st, ok := track.(*SampleTrack)
	if !ok {
		return fmt.Errorf("unsupported track type %T", track)
	}
	return s.sender.ReplaceTrack(st.track)
}

// SampleTrack is a LocalTrack fed by WriteSample. Samples written while the
// track is disabled or stopped are dropped.
type SampleTrack struct {
	track   *webrtc.TrackLocalStaticSample
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
}

// NewSampleTrack creates an enabled track for the codec mime type
func NewSampleTrack(mimeType, id, streamID string) (*SampleTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: mimeType}
	kind := webrtc.RTPCodecTypeVideo
	switch mimeType {
	case webrtc.MimeTypeOpus:
		capability.ClockRate = 48000
		capability.Channels = 2
		kind = webrtc.RTPCodecTypeAudio
	default:
		capability.ClockRate = 90000
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", mimeType, err)
	}
	t := &SampleTrack{track: track, kind: kind, stop: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) ID() string                { return t.track.ID() }
func (t *SampleTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *SampleTrack) Enabled() bool             { return t.enabled.Load() }
func (t *SampleTrack) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }

// Stop ends the track; further samples are dropped
func (t *SampleTrack) Stop() {
	if t.stopped.CompareAndSwap(false, true) {
		close(t.stop)
	}
}

// Stopped is closed by Stop
func (t *SampleTrack) Stopped() <-chan struct{} { return t.stop }

// WriteSample forwards one encoded frame
func (t *SampleTrack) WriteSample(s media.Sample) error {
	if t.stopped.Load() || !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

// opusSilence is one 20ms Opus frame of digital silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticDevices provides capture for headless participants: a silent Opus
// microphone and VP8 camera and screen tracks that carry no frames.
type SyntheticDevices struct {
	// Deny makes every request fail as if permission were refused
	Deny bool
}

// GetUserMedia implements MediaDevices
func (d *SyntheticDevices) GetUserMedia(ctx context.Context, c Constraints) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Deny {
		return nil, ErrMediaDenied
	}
	if !c.Audio && !c.Video {
		return nil, ErrDeviceUnavailable
	}

	lm := &LocalMedia{}
	if c.Audio {
		audio, err := NewSampleTrack(webrtc.MimeTypeOpus, "audio", "consult")
		if err != nil {
			return nil, err
		}
		go pumpSilence(audio)
		lm.Audio = audio
	}
	if c.Video {
		video, err := NewSampleTrack(webrtc.MimeTypeVP8, "camera", "consult")
		if err != nil {
			lm.Stop()
			return nil, err
		}
		lm.Video = video
	}
	return lm, nil
}

// GetDisplayMedia implements MediaDevices
func (d *SyntheticDevices) GetDisplayMedia(ctx context.Context) (LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Deny {
		return nil, ErrMediaDenied
	}
	screen, err := NewSampleTrack(webrtc.MimeTypeVP8, "screen", "consult")
	if err != nil {
		return nil, err
	}
	return screen, nil
}

func pumpSilence(t *SampleTrack) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-t.Stopped():
			return
		case <-ticker.C:
			if err := t.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}); err != nil {
				logger.Debug("Silence sample dropped", zap.Error(err))
			}
		}
	}
}
