package core

import (
	"sync"

	"github.com/pion/rtp"
)

// RoomSize is the capacity of every voice room and the number of
// forwarding tracks each server-side session negotiates up front.
const RoomSize = 10

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateReleased
)

// InboundTrack is the handle a room uses to write one sender's packets
// into one listener's session. Slot is the sender slot the track carries.
type InboundTrack struct {
	Slot int

	mu     sync.Mutex
	writer RTPWriter
	state  TrackState
}

func NewInboundTrack(slot int, w RTPWriter) *InboundTrack {
	return &InboundTrack{Slot: slot, writer: w}
}

// TrackSet holds one handle per slot index.
type TrackSet [RoomSize]*InboundTrack

func (t *InboundTrack) State() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *InboundTrack) MarkOk() { t.setState(TrackStateOk) }

func (t *InboundTrack) MarkMuted() { t.setState(TrackStateMuted) }

// Release detaches the writer. Later writes fail with ErrTrackReleased.
func (t *InboundTrack) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TrackStateReleased
	t.writer = nil
}

func (t *InboundTrack) setState(s TrackState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TrackStateReleased {
		return
	}
	t.state = s
}

// WriteRTP forwards pkt unchanged. Muted tracks swallow the packet.
func (t *InboundTrack) WriteRTP(pkt *rtp.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case TrackStateReleased:
		return ErrTrackReleased
	case TrackStateMuted:
		return nil
	}
	if t.writer == nil {
		return ErrTrackReleased
	}
	return t.writer.WriteRTP(pkt)
}
