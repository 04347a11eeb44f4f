package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicechat/internal/core"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const (
	SampleRate     = 48000
	Channels       = 1
	FrameSamples   = 960
	FrameDuration  = 20 * time.Millisecond
	MaxPayloadSize = 1275

	// maxDecodedSamples fits the longest Opus frame (120 ms at 48 kHz).
	maxDecodedSamples = 5760
)

// Encoder turns one PCM frame into an Opus payload.
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// Decoder turns one Opus payload into PCM and returns the sample count.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// SampleWriter is an outbound track. *webrtc.TrackLocalStaticSample satisfies it.
type SampleWriter interface {
	WriteSample(media.Sample) error
}

type Config struct {
	FrameDuration  time.Duration
	FrameSamples   int
	CaptureBuffer  int // samples
	PlaybackBuffer int // samples per slot
	// MaxPeriod is the largest hardware period the callbacks are sized for.
	MaxPeriod int
}

func DefaultConfig() Config {
	return Config{
		FrameDuration:  FrameDuration,
		FrameSamples:   FrameSamples,
		CaptureBuffer:  FrameSamples * 8,
		PlaybackBuffer: FrameSamples * 8,
		MaxPeriod:      FrameSamples * 2,
	}
}

// ErrFrameDuration rejects frame lengths Opus cannot encode in whole milliseconds.
var ErrFrameDuration = errors.New("frame duration must be 10, 20, 40 or 60ms")

// WithFrameDuration returns c resized for frames of length d.
func (c Config) WithFrameDuration(d time.Duration) (Config, error) {
	switch d {
	case 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
	default:
		return c, fmt.Errorf("%w: got %s", ErrFrameDuration, d)
	}
	n := int(int64(SampleRate) * int64(d) / int64(time.Second))
	c.FrameDuration = d
	c.FrameSamples = n
	c.CaptureBuffer = n * 8
	c.PlaybackBuffer = n * 8
	c.MaxPeriod = n * 2
	return c, nil
}

// Pipeline bridges the device callbacks and the encode/decode tasks.
// CaptureCallback and PlaybackCallback are safe to call from a real-time
// thread: they never lock, block or allocate.
type Pipeline struct {
	cfg Config

	capture  *Ring[int16]
	encoder  Encoder
	decoders [core.RoomSize]Decoder
	playback [core.RoomSize]*Ring[int16]
	scratch  []int16 // owned by PlaybackCallback

	mu    sync.RWMutex
	dests []SampleWriter

	tornDown        atomic.Bool
	captureDropped  atomic.Uint64
	playbackDropped atomic.Uint64
	framesEncoded   atomic.Uint64
}

func NewPipeline(cfg Config, enc Encoder, newDecoder func() (Decoder, error)) (*Pipeline, error) {
	if cfg.FrameSamples <= 0 || cfg.FrameDuration <= 0 {
		return nil, errors.New("audio: frame size and duration must be positive")
	}
	if cfg.MaxPeriod <= 0 {
		cfg.MaxPeriod = cfg.FrameSamples
	}
	p := &Pipeline{
		cfg:     cfg,
		capture: NewRing[int16](cfg.CaptureBuffer),
		encoder: enc,
		scratch: make([]int16, cfg.MaxPeriod),
	}
	for i := range p.decoders {
		dec, err := newDecoder()
		if err != nil {
			return nil, err
		}
		p.decoders[i] = dec
		p.playback[i] = NewRing[int16](cfg.PlaybackBuffer)
	}
	return p, nil
}

// AddDestination wires an outbound track into the capture path.
func (p *Pipeline) AddDestination(w SampleWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dests = append(p.dests, w)
}

func (p *Pipeline) ClearDestinations() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dests = nil
}

// CaptureCallback runs on the device thread. Samples that do not fit are
// dropped and reported later by RunCapture.
func (p *Pipeline) CaptureCallback(samples []int16) {
	if p.tornDown.Load() {
		return
	}
	if n := p.capture.PushSlice(samples); n < len(samples) {
		p.captureDropped.Add(uint64(len(samples) - n))
	}
}

// PlaybackCallback runs on the device thread and fills out with the mix
// of every slot, silence where nothing is buffered.
func (p *Pipeline) PlaybackCallback(out []int16) {
	clear(out)
	if p.tornDown.Load() {
		return
	}
	for off := 0; off < len(out); off += len(p.scratch) {
		chunk := out[off:min(off+len(p.scratch), len(out))]
		for _, ring := range p.playback {
			n := ring.PopInto(p.scratch[:len(chunk)])
			for k := 0; k < n; k++ {
				chunk[k] = saturate(int32(chunk[k]) + int32(p.scratch[k]))
			}
		}
	}
}

// RunCapture encodes whole frames and writes them to every destination.
// It sleeps one frame period whenever less than a frame is buffered.
func (p *Pipeline) RunCapture(ctx context.Context) error {
	frame := make([]int16, p.cfg.FrameSamples)
	data := make([]byte, MaxPayloadSize)
	timer := time.NewTimer(p.cfg.FrameDuration)
	defer timer.Stop()

	for {
		if p.tornDown.Load() {
			return nil
		}
		if dropped := p.captureDropped.Swap(0); dropped > 0 {
			log.Warn().Str("module", "audio").Uint64("dropped_samples", dropped).Msg("capture fell behind")
		}
		if p.capture.Len() < p.cfg.FrameSamples {
			timer.Reset(p.cfg.FrameDuration)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		p.capture.PopInto(frame)
		n, err := p.encoder.Encode(frame, data)
		if err != nil {
			log.Error().Err(err).Str("module", "audio").Msg("opus encode failed, frame skipped")
			continue
		}
		p.framesEncoded.Add(1)
		sample := media.Sample{Data: append([]byte(nil), data[:n]...), Duration: p.cfg.FrameDuration}

		p.mu.RLock()
		for _, d := range p.dests {
			if err := d.WriteSample(sample); err != nil {
				log.Debug().Err(err).Str("module", "audio").Msg("write sample failed")
			}
		}
		p.mu.RUnlock()
	}
}

// RunPlayback decodes one slot's remote track into its playback ring until
// the track ends or the pipeline is torn down.
func (p *Pipeline) RunPlayback(ctx context.Context, slot int, track core.RemoteTrack) error {
	if slot < 0 || slot >= core.RoomSize {
		return core.ErrInvalidSlot
	}
	dec := p.decoders[slot]
	ring := p.playback[slot]
	pcm := make([]int16, maxDecodedSamples)
	logger := log.With().Str("module", "audio").Int("slot", slot).Logger()

	for {
		if p.tornDown.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			logger.Error().Err(err).Msg("opus decode failed, frame skipped")
			continue
		}
		if pushed := ring.PushSlice(pcm[:n]); pushed < n {
			p.playbackDropped.Add(uint64(n - pushed))
		}
	}
}

// TearDown stops the background tasks cooperatively and silences the callbacks.
func (p *Pipeline) TearDown() {
	if p.tornDown.Swap(true) {
		return
	}
	p.ClearDestinations()
}

type Stats struct {
	FramesEncoded   uint64
	PlaybackDropped uint64
}

func (p *Pipeline) Stats() Stats {
	return Stats{FramesEncoded: p.framesEncoded.Load(), PlaybackDropped: p.playbackDropped.Load()}
}

func saturate(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
