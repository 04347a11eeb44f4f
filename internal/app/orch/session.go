package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/voicechat/internal/app"
	"github.com/dkeye/voicechat/internal/app/sfu"
	"github.com/dkeye/voicechat/internal/core"
	"github.com/dkeye/voicechat/internal/domain"
	"github.com/dkeye/voicechat/internal/telemetry"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateNegotiating
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Session is the server side of one signaling connection.
type Session struct {
	o      *Orchestrator
	ctx    context.Context
	user   domain.User
	conn   core.SignalConnection
	logger zerolog.Logger

	mu      sync.Mutex
	state   SessionState
	gen     uint64
	peer    core.MediaSession
	channel domain.Channel
	room    *core.VoiceRoom
	slot    int
	relay   *sfu.Relay
}

var _ app.VoiceOwner = (*Session)(nil)

func (s *Session) User() domain.User { return s.user }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle processes one inbound message. It returns false when the client
// asked to end the connection.
func (s *Session) Handle(ctx context.Context, msg core.Message) bool {
	telemetry.SignalMessages.WithLabelValues(string(msg.Type), "in").Inc()
	var err error
	switch msg.Type {
	case core.MsgJoinAudioChannel:
		err = s.join(ctx, msg.ServerID, msg.ChannelID)
	case core.MsgWebRTCAnswer:
		err = s.applyAnswer(*msg.SDP)
	case core.MsgIceCandidate:
		err = s.addCandidate(*msg.Candidate)
	case core.MsgMuteSlot, core.MsgUnmuteSlot:
		err = s.setMuted(*msg.Slot, msg.Type == core.MsgMuteSlot)
	case core.MsgDisconnectFromAudioChannel:
		s.LeaveAudio(ctx)
	case core.MsgDisconnect:
		s.LeaveAudio(ctx)
		return false
	case core.MsgPing:
		err = core.Send(s.conn, core.Message{Type: core.MsgPong})
	case core.MsgError:
		s.logger.Warn().Str("err", string(msg.Err)).Msg("client reported error")
	default:
		err = fmt.Errorf("%w: unexpected %s", core.ErrBadPayload, msg.Type)
	}
	if err != nil {
		s.ReplyError(err)
	}
	return true
}

// ReplyError logs err and reports its kind to the client.
func (s *Session) ReplyError(err error) {
	kind := core.ErrorKindOf(err)
	s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("request failed")
	telemetry.SignalErrors.WithLabelValues(string(kind)).Inc()
	if sendErr := core.Send(s.conn, core.ErrorMessage(kind)); sendErr != nil {
		s.logger.Debug().Err(sendErr).Msg("error reply not sent")
	}
}

func (s *Session) join(ctx context.Context, server domain.ServerID, channel domain.ChannelID) error {
	if s.o.Limiter != nil && !s.o.Limiter.Allow(s.user.ID) {
		return core.ErrRateLimited
	}
	ch, err := s.o.Channels.GetChannel(ctx, server, channel)
	if err != nil {
		return fmt.Errorf("lookup channel: %w", err)
	}
	if ch == nil {
		return core.ErrNotFound
	}
	allowed, err := s.o.Permissions.HasPermission(ctx, s.user.ID, server, domain.JoinPermission(*ch))
	if err != nil {
		return fmt.Errorf("check permission: %w", err)
	}
	if !allowed {
		return core.ErrNotAuthorized
	}

	// One slot per user: leave whatever this or another connection holds.
	s.LeaveAudio(ctx)
	if v, ok := s.o.Presence.RoomOf(s.user.ID); ok && v.Owner != app.VoiceOwner(s) {
		v.Owner.LeaveAudio(ctx)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	peer, err := s.o.Peers.NewPeer(&peerHandler{s: s, gen: gen}, s.conn)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrTransport, err)
	}
	room := s.o.Rooms.GetOrCreate(ch.ServerID, ch.ID)
	slot, err := room.Join(domain.NewOccupant(s.user), peer.InboundTracks())
	if err != nil {
		_ = peer.Close()
		return err
	}

	s.mu.Lock()
	s.peer = peer
	s.room = room
	s.channel = *ch
	s.slot = slot
	s.state = StateNegotiating
	s.mu.Unlock()
	s.o.Presence.SetRoom(s.user.ID, app.Voice{Channel: *ch, Slot: slot, Owner: s})
	telemetry.OccupiedSlots.Inc()

	logger := s.logger.With().Str("channel", string(ch.ID)).Int("slot", slot).Logger()
	logger.Info().Msg("joined voice room")

	offer, err := peer.CreateOffer()
	if err != nil {
		s.LeaveAudio(ctx)
		return fmt.Errorf("%w: %w", core.ErrTransport, err)
	}
	if err := core.Send(s.conn, core.OfferMessage(offer, peer.TrackSlots())); err != nil {
		logger.Warn().Err(err).Msg("offer not sent")
	}
	telemetry.SignalMessages.WithLabelValues(string(core.MsgWebRTCOffer), "out").Inc()

	s.o.Presence.Broadcast(core.PresenceMessage(core.MsgUserJoinedAudioChannel, *ch, s.user, slot), s.user.ID)
	return nil
}

func (s *Session) currentPeer() core.MediaSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Session) applyAnswer(sdp webrtc.SessionDescription) error {
	peer := s.currentPeer()
	if peer == nil {
		return core.ErrConnectionNotInitialized
	}
	if err := peer.SetRemoteDescription(sdp); err != nil {
		if errors.Is(err, core.ErrConnectionNotInitialized) {
			return err
		}
		return fmt.Errorf("%w: %w", core.ErrBadPayload, err)
	}
	return nil
}

func (s *Session) addCandidate(c webrtc.ICECandidateInit) error {
	peer := s.currentPeer()
	if peer == nil {
		return core.ErrConnectionNotInitialized
	}
	if err := peer.AddICECandidate(c); err != nil {
		if errors.Is(err, core.ErrConnectionNotInitialized) {
			return err
		}
		return fmt.Errorf("%w: %w", core.ErrBadPayload, err)
	}
	return nil
}

// setMuted stops or resumes hearing slot on this session's media connection.
func (s *Session) setMuted(slot int, muted bool) error {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == nil {
		return core.ErrConnectionNotInitialized
	}
	if err := room.SetMuted(s.user.ID, slot, muted); err != nil {
		return fmt.Errorf("mute slot %d: %w", slot, err)
	}
	s.logger.Debug().Int("slot", slot).Bool("muted", muted).Msg("listening changed")
	return nil
}

// LeaveAudio releases the voice slot held by this session, if any.
func (s *Session) LeaveAudio(context.Context) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.teardown(gen)
}

// Close ends the session when its connection goes away.
func (s *Session) Close() {
	s.LeaveAudio(s.ctx)
	s.o.Presence.Remove(s.user.ID, s.conn)
	telemetry.Connections.Dec()
}

// teardown leaves the room if gen is still the current negotiation.
func (s *Session) teardown(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.peer == nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	peer, room, relay, ch, slot := s.peer, s.room, s.relay, s.channel, s.slot
	s.peer, s.room, s.relay = nil, nil, nil
	s.state = StateIdle
	s.mu.Unlock()

	logger := s.logger.With().Str("channel", string(ch.ID)).Int("slot", slot).Logger()
	if err := room.Leave(s.user.ID); err != nil {
		logger.Debug().Err(err).Msg("leave room")
	} else {
		telemetry.OccupiedSlots.Dec()
	}
	s.o.Relays.StopRelay(s.user.ID, relay)
	s.o.Presence.ClearRoom(s.user.ID, s)
	if err := peer.Close(); err != nil {
		logger.Debug().Err(err).Msg("close peer")
	}
	logger.Info().Msg("left voice room")

	s.o.Presence.Broadcast(core.PresenceMessage(core.MsgUserLeftAudioChannel, ch, s.user, slot), s.user.ID)
}

func (s *Session) onConnected(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateNegotiating {
		return
	}
	s.state = StateConnected
	s.logger.Info().Int("slot", s.slot).Msg("media connected")
}

func (s *Session) onFailed(gen uint64) {
	s.mu.Lock()
	peer := s.peer
	current := s.gen == gen
	s.mu.Unlock()
	if !current || peer == nil {
		return
	}
	s.logger.Error().Err(core.ErrTransport).Msg("media connection failed")
	if err := peer.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("close failed peer")
	}
	s.teardown(gen)
}

func (s *Session) onTrack(gen uint64, track core.RemoteTrack) {
	s.mu.Lock()
	if s.gen != gen || s.peer == nil {
		s.mu.Unlock()
		return
	}
	room, slot := s.room, s.slot
	s.mu.Unlock()

	relay := s.o.Relays.StartRelay(s.ctx, s.user.ID, slot, track, room)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.o.Relays.StopRelay(s.user.ID, relay)
		return
	}
	s.relay = relay
	s.mu.Unlock()
}

// peerHandler binds media events to one negotiation of a session. Events
// from a replaced peer carry a stale generation and are dropped.
type peerHandler struct {
	core.UnimplementedMediaHandler
	s   *Session
	gen uint64
}

func (h *peerHandler) OnConnectionStateChange(state core.ConnectionState) {
	switch state {
	case core.StateConnected:
		h.s.onConnected(h.gen)
	case core.StateFailed:
		h.s.onFailed(h.gen)
	case core.StateClosed:
		h.s.teardown(h.gen)
	case core.StateConnecting:
	}
}

func (h *peerHandler) OnTrack(track core.RemoteTrack) {
	h.s.onTrack(h.gen, track)
}
