package sfu

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/voicechat/internal/audio"
	"github.com/dkeye/voicechat/internal/core"
	"github.com/dkeye/voicechat/internal/telemetry"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

type Config struct {
	// PollInterval is how long the forward task sleeps on an empty buffer.
	PollInterval time.Duration
	// Buffer is the packet capacity between the receive and forward tasks.
	Buffer int
}

func DefaultConfig() Config {
	return Config{PollInterval: audio.FrameDuration, Buffer: 64}
}

// Relay copies one sender's RTP stream into the inbound tracks of every
// other occupant of its room. Packets are never decoded or rewritten.
type Relay struct {
	Src  core.RemoteTrack
	Slot int

	room   core.Forwarder
	ring   *audio.Ring[*rtp.Packet]
	poll   time.Duration
	logger zerolog.Logger

	wg       conc.WaitGroup
	cancel   context.CancelFunc
	recvDone chan struct{}
}

func NewRelay(src core.RemoteTrack, room core.Forwarder, slot int, cfg Config, logger zerolog.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = audio.FrameDuration
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	return &Relay{
		Src:      src,
		Slot:     slot,
		room:     room,
		ring:     audio.NewRing[*rtp.Packet](cfg.Buffer),
		poll:     cfg.PollInterval,
		logger:   logger,
		recvDone: make(chan struct{}),
	}
}

func (r *Relay) start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Go(func() { r.receive(ctx) })
	r.wg.Go(func() { r.forward(ctx) })
}

// stop does not wait: the receive task is parked in ReadRTP until the
// peer connection closes the track.
func (r *Relay) stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Wait blocks until both tasks have returned.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) receive(ctx context.Context) {
	defer close(r.recvDone)
	for {
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			r.logger.Info().Err(err).Msg("relay source ended")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !r.ring.TryPush(pkt) {
			telemetry.RelayPackets.WithLabelValues("overflow").Inc()
		}
	}
}

func (r *Relay) forward(ctx context.Context) {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()
	for {
		pkt, ok := r.ring.TryPop()
		if ok {
			r.write(pkt)
			continue
		}
		select {
		case <-r.recvDone:
			// drain what the receive task left behind
			for pkt, ok := r.ring.TryPop(); ok; pkt, ok = r.ring.TryPop() {
				r.write(pkt)
			}
			return
		default:
		}
		timer.Reset(r.poll)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (r *Relay) write(pkt *rtp.Packet) {
	for _, dst := range r.room.ForwardForSlot(r.Slot) {
		if err := dst.WriteRTP(pkt); err != nil {
			if errors.Is(err, core.ErrTrackReleased) {
				telemetry.RelayPackets.WithLabelValues("released").Inc()
				continue
			}
			telemetry.RelayPackets.WithLabelValues("error").Inc()
			r.logger.Debug().Err(err).Int("dst_slot", dst.Slot).Msg("relay write RTP error")
			continue
		}
		telemetry.RelayPackets.WithLabelValues("forwarded").Inc()
	}
}
