// Package orch drives signaling sessions: joins, negotiation and teardown
// across rooms, presence, relays and peer connections.
package orch

import (
	"context"

	"github.com/dkeye/voicechat/internal/app"
	"github.com/dkeye/voicechat/internal/app/sfu"
	"github.com/dkeye/voicechat/internal/core"
	"github.com/dkeye/voicechat/internal/domain"
	"github.com/dkeye/voicechat/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// JoinLimiter throttles join attempts per user.
type JoinLimiter interface {
	Allow(user domain.UserID) bool
}

type Orchestrator struct {
	Rooms       *app.RoomRegistry
	Presence    *app.Presence
	Relays      *sfu.RelayManager
	Permissions core.PermissionChecker
	Channels    core.ChannelDirectory
	Peers       core.PeerFactory
	Limiter     JoinLimiter
}

// NewSession registers a freshly opened connection of user. ctx bounds the
// relays started on behalf of the session.
func (o *Orchestrator) NewSession(ctx context.Context, user domain.User, conn core.SignalConnection) *Session {
	o.Presence.Register(user, conn)
	telemetry.Connections.Inc()
	return &Session{
		o:      o,
		ctx:    ctx,
		user:   user,
		conn:   conn,
		logger: log.With().Str("module", "orch").Str("user", string(user.ID)).Logger(),
	}
}

// ChannelWithUsers resolves a channel and lists who is speaking in it.
func (o *Orchestrator) ChannelWithUsers(ctx context.Context, server domain.ServerID, channel domain.ChannelID) (domain.ChannelWithUsers, error) {
	ch, err := o.Channels.GetChannel(ctx, server, channel)
	if err != nil {
		return domain.ChannelWithUsers{}, err
	}
	if ch == nil {
		return domain.ChannelWithUsers{}, core.ErrNotFound
	}
	return o.Rooms.ChannelWithUsers(*ch), nil
}
