// Package opus adapts libopus to the audio pipeline codec interfaces.
package opus

import (
	"fmt"

	"github.com/dkeye/voicechat/internal/audio"
	libopus "gopkg.in/hraban/opus.v2"
)

type Encoder struct {
	enc *libopus.Encoder
}

// NewEncoder returns a 48 kHz mono encoder tuned for voice.
func NewEncoder() (*Encoder, error) {
	enc, err := libopus.NewEncoder(audio.SampleRate, audio.Channels, libopus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return nil, fmt.Errorf("enable opus fec: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

func (e *Encoder) Encode(pcm []int16, data []byte) (int, error) {
	if len(data) > audio.MaxPayloadSize {
		data = data[:audio.MaxPayloadSize]
	}
	return e.enc.Encode(pcm, data)
}

type Decoder struct {
	dec *libopus.Decoder
}

func NewDecoder() (audio.Decoder, error) {
	dec, err := libopus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode returns the number of samples written to pcm.
func (d *Decoder) Decode(data []byte, pcm []int16) (int, error) {
	n, err := d.dec.Decode(data, pcm)
	if err != nil {
		return 0, err
	}
	return n * audio.Channels, nil
}
