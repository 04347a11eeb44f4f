// Package device drives a duplex sound card through miniaudio.
package device

import (
	"encoding/binary"
	"fmt"

	"github.com/dkeye/voicechat/internal/audio"
	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

// Callbacks receive interleaved signed 16-bit samples.
type Callbacks interface {
	CaptureCallback(samples []int16)
	PlaybackCallback(out []int16)
}

type Device struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// Open initializes a duplex device at the pipeline's rate and channel count.
// The device is idle until Start.
func Open(cb Callbacks, periodMillis uint32) (*Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug().Str("module", "audio.device").Msg(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = audio.Channels
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = audio.Channels
	cfg.SampleRate = audio.SampleRate
	cfg.PeriodSizeInMilliseconds = periodMillis

	// Grown only when the driver hands over a larger period than seen before.
	period := int(periodMillis) * audio.SampleRate / 1000 * audio.Channels
	in := make([]int16, period*2)
	out := make([]int16, period*2)

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			n := int(frameCount) * audio.Channels

			if len(pInput) >= n*2 {
				if len(in) < n {
					in = make([]int16, n)
				}
				for i := 0; i < n; i++ {
					in[i] = int16(binary.LittleEndian.Uint16(pInput[i*2:]))
				}
				cb.CaptureCallback(in[:n])
			}

			if len(pOutput) >= n*2 {
				if len(out) < n {
					out = make([]int16, n)
				}
				cb.PlaybackCallback(out[:n])
				for i := 0; i < n; i++ {
					binary.LittleEndian.PutUint16(pOutput[i*2:], uint16(out[i]))
				}
			}
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("init audio device: %w", err)
	}
	return &Device{ctx: ctx, device: dev}, nil
}

func (d *Device) Start() error {
	return d.device.Start()
}

// Close stops the device and releases the audio context.
func (d *Device) Close() {
	if d.device != nil {
		d.device.Uninit()
		d.device = nil
	}
	if d.ctx != nil {
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
	}
}
