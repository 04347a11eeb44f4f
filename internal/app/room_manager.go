package app

import (
	"sort"
	"sync"

	"github.com/dkeye/voicechat/internal/core"
	"github.com/dkeye/voicechat/internal/domain"
	"github.com/dkeye/voicechat/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// roomKey identifies a channel. Channel ids are only unique within a server.
type roomKey struct {
	server  domain.ServerID
	channel domain.ChannelID
}

// RoomRegistry maps channels to voice rooms. Rooms live as long as the
// registry: a room removed while a join holds a pointer to it would accept
// an occupant nobody can reach.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[roomKey]*core.VoiceRoom
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[roomKey]*core.VoiceRoom)}
}

// GetOrCreate returns the room for server/channel, creating it on first access.
func (f *RoomRegistry) GetOrCreate(server domain.ServerID, channel domain.ChannelID) *core.VoiceRoom {
	key := roomKey{server: server, channel: channel}
	f.mu.RLock()
	room, ok := f.rooms[key]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[key]; ok {
		return room
	}
	room = core.NewVoiceRoom(channel)
	f.rooms[key] = room
	telemetry.Rooms.Set(float64(len(f.rooms)))
	log.Info().Str("module", "app.rooms").Str("server", string(server)).Str("channel", string(channel)).Msg("created voice room")
	return room
}

// Get returns an existing room without creating one.
func (f *RoomRegistry) Get(server domain.ServerID, channel domain.ChannelID) (*core.VoiceRoom, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[roomKey{server: server, channel: channel}]
	return room, ok
}

func (f *RoomRegistry) List() []core.RoomInfo {
	f.mu.RLock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for k, r := range f.rooms {
		out = append(out, core.RoomInfo{
			ServerID:      k.server,
			ChannelID:     k.channel,
			OccupantCount: r.OccupantCount(),
			Capacity:      core.RoomSize,
		})
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

// ChannelWithUsers decorates ch with the occupants of its voice room.
// A channel nobody has joined yet has no users.
func (f *RoomRegistry) ChannelWithUsers(ch domain.Channel) domain.ChannelWithUsers {
	out := domain.ChannelWithUsers{Channel: ch, Users: []domain.SlotOccupant{}}
	if room, ok := f.Get(ch.ServerID, ch.ID); ok {
		out.Users = room.Occupants()
	}
	return out
}
