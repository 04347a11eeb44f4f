package domain

type (
	ServerID  string
	ChannelID string
)

// Channel is the metadata this service needs about a voice channel.
// Channel CRUD lives elsewhere; records arrive through core.ChannelDirectory.
type Channel struct {
	ID       ChannelID `json:"id"`
	ServerID ServerID  `json:"server_id"`
	Name     string    `json:"name"`
	Hidden   bool      `json:"hidden"`
}

// ChannelWithUsers is a channel plus everyone currently in its voice room.
type ChannelWithUsers struct {
	Channel
	Users []SlotOccupant `json:"users"`
}
