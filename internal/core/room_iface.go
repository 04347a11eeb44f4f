package core

import (
	"github.com/dkeye/voicechat/internal/domain"
)

// Forwarder resolves relay destinations for a sender slot.
type Forwarder interface {
	ForwardForSlot(slot int) []*InboundTrack
}

// RoomInfo is a read-only view for APIs (no transport fields).
type RoomInfo struct {
	ServerID      domain.ServerID  `json:"server_id"`
	ChannelID     domain.ChannelID `json:"channel_id"`
	OccupantCount int              `json:"occupant_count"`
	Capacity      int              `json:"capacity"`
}
