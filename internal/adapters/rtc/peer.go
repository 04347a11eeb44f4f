package rtc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicechat/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Role int

const (
	// RoleServer receives one voice stream and sends RoomSize slot streams.
	RoleServer Role = iota
	// RoleClient sends one voice stream and receives the slot streams.
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// PeerSession wraps one pion PeerConnection for either role.
type PeerSession struct {
	pc      *webrtc.PeerConnection
	role    Role
	handler core.MediaHandler
	sink    core.SignalConnection
	logger  zerolog.Logger

	inbound core.TrackSet
	slots   []core.TrackSlot
	local   *webrtc.TrackLocalStaticSample

	mu    sync.Mutex
	state core.ConnectionState

	// Trickled candidates may arrive before the description they belong to.
	candMu    sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	negotiated atomic.Bool
	closed     atomic.Bool
}

var _ core.MediaSession = (*PeerSession)(nil)

func NewPeerSession(api *webrtc.API, cfg webrtc.Configuration, role Role, handler core.MediaHandler, sink core.SignalConnection) (*PeerSession, error) {
	if handler == nil {
		handler = core.UnimplementedMediaHandler{}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &PeerSession{
		pc:      pc,
		role:    role,
		handler: handler,
		sink:    sink,
		state:   core.StateConnecting,
		logger:  log.With().Str("module", "webrtc").Str("role", role.String()).Logger(),
	}

	switch role {
	case RoleServer:
		err = p.addServerTracks()
	case RoleClient:
		err = p.addClientTrack()
	}
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.closed.Load() {
			return
		}
		if err := core.Send(p.sink, core.CandidateMessage(c.ToJSON())); err != nil {
			p.logger.Debug().Err(err).Msg("trickle candidate failed")
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		p.setState(mapState(s))
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		p.handler.OnTrack(track)
	})

	return p, nil
}

// addServerTracks lays out the m-lines: the client's voice first, then one
// forwarding track per slot.
func (p *PeerSession) addServerTracks() error {
	if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fmt.Errorf("add voice transceiver: %w", err)
	}
	p.slots = make([]core.TrackSlot, 0, core.RoomSize)
	for i := range core.RoomSize {
		track, err := webrtc.NewTrackLocalStaticRTP(OpusCapability, fmt.Sprintf("slot-%d-%s", i, uuid.NewString()), StreamID)
		if err != nil {
			return fmt.Errorf("new slot track: %w", err)
		}
		tr, err := p.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return fmt.Errorf("add slot transceiver: %w", err)
		}
		go drainRTCP(tr.Sender())
		p.inbound[i] = core.NewInboundTrack(i, track)
		p.slots = append(p.slots, core.TrackSlot{TrackID: track.ID(), Slot: i})
	}
	return nil
}

func (p *PeerSession) addClientTrack() error {
	track, err := webrtc.NewTrackLocalStaticSample(OpusCapability, "mic-"+uuid.NewString(), StreamID)
	if err != nil {
		return fmt.Errorf("new voice track: %w", err)
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add voice track: %w", err)
	}
	go drainRTCP(sender)
	p.local = track
	return nil
}

// drainRTCP keeps interceptors fed; it ends when the sender is closed.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func mapState(s webrtc.PeerConnectionState) core.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return core.StateConnected
	case webrtc.PeerConnectionStateFailed:
		return core.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return core.StateClosed
	default:
		return core.StateConnecting
	}
}

// setState delivers changes once each; nothing follows Closed.
func (p *PeerSession) setState(s core.ConnectionState) {
	p.mu.Lock()
	if p.state == s || p.state == core.StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = s
	p.mu.Unlock()
	p.handler.OnConnectionStateChange(s)
}

func (p *PeerSession) State() core.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerSession) CreateOffer() (webrtc.SessionDescription, error) {
	if p.closed.Load() {
		return webrtc.SessionDescription{}, core.ErrConnectionNotInitialized
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	p.negotiated.Store(true)
	return offer, nil
}

func (p *PeerSession) CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if p.closed.Load() {
		return webrtc.SessionDescription{}, core.ErrConnectionNotInitialized
	}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	p.flushCandidates()
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	p.negotiated.Store(true)
	return answer, nil
}

func (p *PeerSession) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if p.closed.Load() {
		return core.ErrConnectionNotInitialized
	}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.flushCandidates()
	return nil
}

// AddICECandidate applies c, or holds it until a remote description is set.
func (p *PeerSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	if p.closed.Load() {
		return core.ErrConnectionNotInitialized
	}
	p.candMu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.candMu.Unlock()
		return nil
	}
	p.candMu.Unlock()
	return p.pc.AddICECandidate(c)
}

func (p *PeerSession) flushCandidates() {
	p.candMu.Lock()
	defer p.candMu.Unlock()
	p.remoteSet = true
	for _, c := range p.pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Warn().Err(err).Msg("held candidate rejected")
		}
	}
	p.pending = nil
}

func (p *PeerSession) pendingCandidates() int {
	p.candMu.Lock()
	defer p.candMu.Unlock()
	return len(p.pending)
}

// InboundTracks is empty for RoleClient.
func (p *PeerSession) InboundTracks() core.TrackSet { return p.inbound }

func (p *PeerSession) TrackSlots() []core.TrackSlot {
	return append([]core.TrackSlot(nil), p.slots...)
}

// LocalTrack is the outbound voice track of a RoleClient session.
func (p *PeerSession) LocalTrack() *webrtc.TrackLocalStaticSample { return p.local }

// Close may be called from any goroutine, including from inside a handler
// callback. Only the first call does anything.
func (p *PeerSession) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.negotiated.Load() && p.sink != nil {
		if err := core.Send(p.sink, core.Message{Type: core.MsgClose}); err != nil {
			p.logger.Debug().Err(err).Msg("close notice not sent")
		}
	}
	for _, t := range p.inbound {
		if t != nil {
			t.Release()
		}
	}
	err := p.pc.Close()
	if err != nil {
		p.logger.Error().Err(err).Msg("close error")
	} else {
		p.logger.Info().Msg("closed")
	}
	p.setState(core.StateClosed)
	return err
}

// Factory builds server-side sessions for the signaling layer.
type Factory struct {
	API    *webrtc.API
	Config webrtc.Configuration
}

func (f *Factory) NewPeer(handler core.MediaHandler, sink core.SignalConnection) (core.MediaSession, error) {
	p, err := NewPeerSession(f.API, f.Config, RoleServer, handler, sink)
	if err != nil {
		return nil, err
	}
	return p, nil
}
