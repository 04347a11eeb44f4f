package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/voicechat/internal/core"
	"github.com/dkeye/voicechat/internal/domain"
	"github.com/rs/zerolog/log"
)

// VoiceOwner is the signaling session holding a user's voice slot.
type VoiceOwner interface {
	LeaveAudio(ctx context.Context)
}

// Voice records where a user is speaking and which session put them there.
type Voice struct {
	Channel domain.Channel
	Slot    int
	Owner   VoiceOwner
}

// Presence tracks open connections and the voice channel each user is in.
// Connections are tracked one by one, so a user may have several. The voice
// record is per user and only its owner clears it.
type Presence struct {
	mu     sync.RWMutex
	conns  map[core.SignalConnection]domain.User
	online map[domain.UserID]int
	voices map[domain.UserID]*Voice
	policy Policy
}

func NewPresence(policy Policy) *Presence {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Presence{
		conns:  make(map[core.SignalConnection]domain.User),
		online: make(map[domain.UserID]int),
		voices: make(map[domain.UserID]*Voice),
		policy: policy,
	}
}

// Register adds sender as a connection of user.
func (p *Presence) Register(user domain.User, sender core.SignalConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[sender]; ok {
		p.conns[sender] = user
		return
	}
	p.conns[sender] = user
	p.online[user.ID]++
	log.Info().Str("module", "app.presence").Str("user", string(user.ID)).Int("connections", p.online[user.ID]).Msg("registered")
}

// Remove drops one connection of user. The voice record is left to its owner.
func (p *Presence) Remove(user domain.UserID, sender core.SignalConnection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.conns[sender]
	if !ok || u.ID != user {
		return false
	}
	delete(p.conns, sender)
	if p.online[user]--; p.online[user] <= 0 {
		delete(p.online, user)
	}
	log.Info().Str("module", "app.presence").Str("user", string(user)).Msg("removed")
	return true
}

// SetRoom records that user now speaks in v.Channel. The user must have an
// open connection.
func (p *Presence) SetRoom(user domain.UserID, v Voice) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online[user] == 0 {
		return false
	}
	p.voices[user] = &v
	return true
}

// ClearRoom drops the voice record if owner still holds it.
func (p *Presence) ClearRoom(user domain.UserID, owner VoiceOwner) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.voices[user]
	if !ok || v.Owner != owner {
		return false
	}
	delete(p.voices, user)
	return true
}

func (p *Presence) RoomOf(user domain.UserID) (Voice, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.voices[user]
	if !ok {
		return Voice{}, false
	}
	return *v, true
}

// Users lists connected users once each, sorted by id.
func (p *Presence) Users() []domain.User {
	p.mu.RLock()
	seen := make(map[domain.UserID]struct{}, len(p.online))
	out := make([]domain.User, 0, len(p.online))
	for _, u := range p.conns {
		if _, dup := seen[u.ID]; dup {
			continue
		}
		seen[u.ID] = struct{}{}
		out = append(out, u)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type presenceSnap struct {
	user   domain.UserID
	sender core.SignalConnection
}

// Broadcast sends msg to every connection not belonging to except. Slow receivers
// are handled by the policy.
func (p *Presence) Broadcast(msg core.Message, except domain.UserID) {
	frame, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Msg("broadcast marshal failed")
		return
	}

	p.mu.RLock()
	targets := make([]presenceSnap, 0, len(p.conns))
	for sender, u := range p.conns {
		if u.ID == except {
			continue
		}
		targets = append(targets, presenceSnap{user: u.ID, sender: sender})
	}
	p.mu.RUnlock()

	for _, t := range targets {
		err := t.sender.TrySend(frame)
		if err == nil || !errors.Is(err, core.ErrBackpressure) {
			continue
		}
		switch p.policy.OnBackPressure(t.user) {
		case KickMember:
			log.Warn().Str("module", "app.presence").Str("user", string(t.user)).Msg("slow connection kicked")
			t.sender.Close()
		case DropFrame, NoAction:
		}
	}
}
