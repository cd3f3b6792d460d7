// Package call drives one-to-one audio/video consultations: a per-call
// Session state machine, a Registry holding at most one Session per
// conversation pair, and a Detector surfacing inbound offers before any call
// UI exists. Transport and media are reached only through the interfaces below.
package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrMediaDenied is returned when capture permission is refused
	ErrMediaDenied = errors.New("media permission denied")
	// ErrDeviceUnavailable is returned when no capture device exists
	ErrDeviceUnavailable = errors.New("media device unavailable")
)

// LocalTrack is a captured local media track
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// Constraints selects which devices GetUserMedia opens
type Constraints struct {
	Audio bool
	Video bool
}

// LocalMedia is the set of tracks captured for one session
type LocalMedia struct {
	Audio LocalTrack
	Video LocalTrack
}

// Tracks returns the non-nil tracks, audio first
func (m *LocalMedia) Tracks() []LocalTrack {
	if m == nil {
		return nil
	}
	var out []LocalTrack
	if m.Audio != nil {
		out = append(out, m.Audio)
	}
	if m.Video != nil {
		out = append(out, m.Video)
	}
	return out
}

// Stop stops every track
func (m *LocalMedia) Stop() {
	for _, t := range m.Tracks() {
		t.Stop()
	}
}

// MediaDevices acquires local capture. Both calls may block on a permission
// prompt and must honour ctx cancellation.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*LocalMedia, error)
	GetDisplayMedia(ctx context.Context) (LocalTrack, error)
}

// Sender is the outgoing side of one media line
type Sender interface {
	// ReplaceTrack swaps the outgoing track without renegotiation
	ReplaceTrack(track LocalTrack) error
}

// PeerConnection is the subset of a WebRTC peer connection a Session drives
type PeerConnection interface {
	AddTrack(track LocalTrack) (Sender, error)
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// OnICECandidate fires per gathered candidate; nil signals the end of gathering
	OnICECandidate(fn func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(kind webrtc.RTPCodecType))
	Close() error
}

// PeerFactory creates peer connections
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// Signaler is the only surface the call package needs from the realtime layer
type Signaler interface {
	Emit(event string, payload any) error
}
