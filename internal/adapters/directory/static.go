// Package directory serves channel metadata and join permissions from
// configuration, for deployments without an external chat backend.
package directory

import (
	"context"

	"github.com/dkeye/voicechat/internal/config"
	"github.com/dkeye/voicechat/internal/core"
	"github.com/dkeye/voicechat/internal/domain"
)

const wildcard = "*"

type channelKey struct {
	server  domain.ServerID
	channel domain.ChannelID
}

type Static struct {
	channels map[channelKey]domain.Channel
	grants   []config.GrantConfig
}

var (
	_ core.ChannelDirectory  = (*Static)(nil)
	_ core.PermissionChecker = (*Static)(nil)
)

func NewStatic(cfg config.DirectoryConfig) *Static {
	s := &Static{
		channels: make(map[channelKey]domain.Channel, len(cfg.Channels)),
		grants:   cfg.Grants,
	}
	for _, c := range cfg.Channels {
		ch := domain.Channel{
			ID:       domain.ChannelID(c.ID),
			ServerID: domain.ServerID(c.ServerID),
			Name:     c.Name,
			Hidden:   c.Hidden,
		}
		s.channels[channelKey{ch.ServerID, ch.ID}] = ch
	}
	return s
}

func (s *Static) GetChannel(_ context.Context, server domain.ServerID, channel domain.ChannelID) (*domain.Channel, error) {
	ch, ok := s.channels[channelKey{server, channel}]
	if !ok {
		return nil, nil
	}
	return &ch, nil
}

func (s *Static) HasPermission(_ context.Context, user domain.UserID, server domain.ServerID, perm domain.Permission) (bool, error) {
	for _, g := range s.grants {
		if !matches(g.User, string(user)) || !matches(g.Server, string(server)) {
			continue
		}
		for _, p := range g.Permissions {
			if p == wildcard || domain.Permission(p) == perm {
				return true, nil
			}
		}
	}
	return false, nil
}

func matches(pattern, value string) bool {
	return pattern == wildcard || pattern == value
}
