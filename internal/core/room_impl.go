package core

import (
	"sync"

	"github.com/dkeye/voicechat/internal/domain"
	"github.com/rs/zerolog/log"
)

type slot struct {
	occupant *domain.Occupant
	inbound  TrackSet
}

// VoiceRoom is the fixed-capacity occupancy table of one voice channel.
// All slot mutation happens under mu. The room never closes the
// transport resources behind the handles, it only releases them.
type VoiceRoom struct {
	id    domain.ChannelID
	mu    sync.Mutex
	slots [RoomSize]slot
}

func NewVoiceRoom(id domain.ChannelID) *VoiceRoom {
	return &VoiceRoom{id: id}
}

func (r *VoiceRoom) ID() domain.ChannelID { return r.id }

// Join seats occ in the first free slot and stores its inbound handles.
func (r *VoiceRoom) Join(occ domain.Occupant, inbound TrackSet) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := -1
	for i := range r.slots {
		o := r.slots[i].occupant
		if o == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if o.ID == occ.ID {
			return i, ErrAlreadyJoined
		}
	}
	if free < 0 {
		log.Warn().Str("module", "core.room").Str("room", string(r.id)).Str("user", string(occ.ID)).Msg("room full")
		return -1, ErrRoomFull
	}

	r.slots[free].occupant = &occ
	r.slots[free].inbound = inbound
	// a mute was aimed at the previous occupant of this slot
	for j := range r.slots {
		if j == free || r.slots[j].occupant == nil {
			continue
		}
		if t := r.slots[j].inbound[free]; t != nil {
			t.MarkOk()
		}
	}
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("user", string(occ.ID)).Int("slot", free).Msg("occupant joined")
	return free, nil
}

// Leave frees the slot held by uid and releases its handles.
func (r *VoiceRoom) Leave(uid domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		s := &r.slots[i]
		if s.occupant == nil || s.occupant.ID != uid {
			continue
		}
		for _, t := range s.inbound {
			if t != nil {
				t.Release()
			}
		}
		s.occupant = nil
		s.inbound = TrackSet{}
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("user", string(uid)).Int("slot", i).Msg("occupant left")
		return nil
	}
	return ErrUserNotFound
}

// ForwardForSlot returns where packets sent by the occupant of slot i
// go: inbound[i] of every other occupied slot.
func (r *VoiceRoom) ForwardForSlot(i int) []*InboundTrack {
	if i < 0 || i >= RoomSize {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*InboundTrack, 0, RoomSize-1)
	for j := range r.slots {
		if j == i || r.slots[j].occupant == nil {
			continue
		}
		if t := r.slots[j].inbound[i]; t != nil {
			out = append(out, t)
		}
	}
	return out
}

// SetMuted stops or resumes forwarding the occupant of slot to listener.
func (r *VoiceRoom) SetMuted(listener domain.UserID, slot int, muted bool) error {
	if slot < 0 || slot >= RoomSize {
		return ErrInvalidSlot
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		s := &r.slots[i]
		if s.occupant == nil || s.occupant.ID != listener {
			continue
		}
		t := s.inbound[slot]
		if t == nil || i == slot {
			return ErrInvalidSlot
		}
		if muted {
			t.MarkMuted()
		} else {
			t.MarkOk()
		}
		return nil
	}
	return ErrUserNotFound
}

func (r *VoiceRoom) SlotOf(uid domain.UserID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if o := r.slots[i].occupant; o != nil && o.ID == uid {
			return i, true
		}
	}
	return -1, false
}

func (r *VoiceRoom) OccupantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.slots {
		if r.slots[i].occupant != nil {
			n++
		}
	}
	return n
}

// Occupants is a snapshot in slot order.
func (r *VoiceRoom) Occupants() []domain.SlotOccupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SlotOccupant, 0, RoomSize)
	for i := range r.slots {
		if o := r.slots[i].occupant; o != nil {
			out = append(out, domain.SlotOccupant{Slot: i, Occupant: *o})
		}
	}
	return out
}
