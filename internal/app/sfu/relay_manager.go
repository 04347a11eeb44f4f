package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/voicechat/internal/core"
	"github.com/dkeye/voicechat/internal/domain"
	"github.com/rs/zerolog/log"
)

// RelayManager owns at most one relay per speaking user.
type RelayManager struct {
	cfg Config

	mu     sync.RWMutex
	relays map[domain.UserID]*Relay
}

func NewRelayManager(cfg Config) *RelayManager {
	return &RelayManager{
		cfg:    cfg,
		relays: make(map[domain.UserID]*Relay),
	}
}

// StartRelay forwards track from the user's slot to the rest of room,
// replacing any relay the user already had.
func (m *RelayManager) StartRelay(ctx context.Context, user domain.UserID, slot int, track core.RemoteTrack, room core.Forwarder) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("user", string(user)).
		Int("slot", slot).
		Logger()

	relay := NewRelay(track, room, slot, m.cfg, logger)
	logger.Info().Str("track", track.ID()).Msg("starting relay")
	relay.start(ctx)

	m.mu.Lock()
	if old, ok := m.relays[user]; ok {
		logger.Info().Msg("replacing existing relay for user")
		old.stop()
	}
	m.relays[user] = relay
	m.mu.Unlock()
	return relay
}

// StopRelay cancels the user's relay if it is still the given one.
// A nil relay stops whatever the user has.
func (m *RelayManager) StopRelay(user domain.UserID, relay *Relay) {
	m.mu.Lock()
	cur, ok := m.relays[user]
	if ok && (relay == nil || cur == relay) {
		delete(m.relays, user)
	}
	m.mu.Unlock()
	if !ok || (relay != nil && cur != relay) {
		return
	}
	cur.stop()
}

// Count is the number of running relays.
func (m *RelayManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
