package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

const (
	OpusPayloadType = 111
	OpusFmtp        = "minptime=10;useinbandfec=1"
	StreamID        = "voice"
)

// OpusCapability is the only codec either side negotiates. The SDP names two
// channels as RFC 7587 requires; the payload itself is mono.
var OpusCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: OpusFmtp,
}

type Config struct {
	ICEServers []string
	UDPPortMin uint16
	UDPPortMax uint16
}

func DefaultConfig() Config {
	return Config{ICEServers: []string{"stun:stun.l.google.com:19302"}}
}

// Configuration is the per-connection pion configuration.
func (c Config) Configuration() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(c.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return cfg
}

// NewAPI builds a pion API with Opus registered statically, the default
// interceptors and the configured UDP port range.
func NewAPI(c Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: OpusCapability,
		PayloadType:        OpusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if c.UDPPortMin > 0 && c.UDPPortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(c.UDPPortMin, c.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set udp port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}
