package core

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ConnectionState is the last known state of a media connection.
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RemoteTrack is an incoming RTP stream. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RTPWriter is a write destination for relayed packets.
// *webrtc.TrackLocalStaticRTP satisfies it.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// MediaHandler receives media connection events.
// Callbacks run on engine goroutines and must not block.
type MediaHandler interface {
	OnConnectionStateChange(ConnectionState)
	OnTrack(RemoteTrack)
}

// UnimplementedMediaHandler ignores every event.
type UnimplementedMediaHandler struct{}

func (UnimplementedMediaHandler) OnConnectionStateChange(ConnectionState) {}
func (UnimplementedMediaHandler) OnTrack(RemoteTrack)                     {}

// MediaSession is one negotiated peer connection.
type MediaSession interface {
	// CreateOffer sets and returns a fresh local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer applies remote and sets and returns the local answer.
	CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// InboundTracks returns the RoomSize pre-negotiated forwarding handles.
	InboundTracks() TrackSet
	// TrackSlots lists which track id carries which slot.
	TrackSlots() []TrackSlot
	State() ConnectionState
	// Close is idempotent.
	Close() error
}

// PeerFactory creates server-side media sessions.
type PeerFactory interface {
	NewPeer(handler MediaHandler, sink SignalConnection) (MediaSession, error)
}
