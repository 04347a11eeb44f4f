package core

import (
	"context"

	"github.com/dkeye/voicechat/internal/domain"
)

//go:generate mockgen -destination=mocks/mock_collab.go -package=mocks . PermissionChecker,ChannelDirectory

// PermissionChecker is the external authorization service.
type PermissionChecker interface {
	HasPermission(ctx context.Context, user domain.UserID, server domain.ServerID, perm domain.Permission) (bool, error)
}

// ChannelDirectory is the external channel metadata lookup.
// A missing channel is (nil, nil).
type ChannelDirectory interface {
	GetChannel(ctx context.Context, server domain.ServerID, channel domain.ChannelID) (*domain.Channel, error)
}
