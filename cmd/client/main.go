package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicechat/internal/adapters/rtc"
	sig "github.com/dkeye/voicechat/internal/adapters/signal"
	"github.com/dkeye/voicechat/internal/app/voiceclient"
	"github.com/dkeye/voicechat/internal/audio"
	"github.com/dkeye/voicechat/internal/audio/device"
	"github.com/dkeye/voicechat/internal/audio/opus"
	"github.com/dkeye/voicechat/internal/config"
	"github.com/dkeye/voicechat/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	serverURL := flag.String("server", cfg.Client.ServerURL, "signaling websocket url")
	serverID := flag.String("server-id", cfg.Client.ServerID, "chat server id")
	channelID := flag.String("channel", cfg.Client.ChannelID, "voice channel id")
	name := flag.String("name", cfg.Client.Name, "display name")
	flag.Parse()

	enc, err := opus.NewEncoder()
	if err != nil {
		log.Fatal().Err(err).Msg("opus encoder")
	}
	pcfg := audio.DefaultConfig()
	if cfg.RTC.FrameDuration > 0 {
		if pcfg, err = pcfg.WithFrameDuration(cfg.RTC.FrameDuration); err != nil {
			log.Fatal().Err(err).Msg("rtc.frame_duration")
		}
	}
	pipeline, err := audio.NewPipeline(pcfg, enc, opus.NewDecoder)
	if err != nil {
		log.Fatal().Err(err).Msg("audio pipeline")
	}

	dev, err := device.Open(pipeline, uint32(pcfg.FrameDuration.Milliseconds()))
	if err != nil {
		log.Fatal().Err(err).Msg("audio device")
	}
	defer dev.Close()
	if err := dev.Start(); err != nil {
		log.Fatal().Err(err).Msg("start audio device")
	}

	sigCfg := sig.DefaultConfig()
	sigCfg.ReadLimit = cfg.ReadLimit
	sigCfg.PingPeriod = cfg.PingPeriod
	sigCfg.PongWait = cfg.PongWait
	sigCfg.WriteTimeout = cfg.WriteTimeout

	client, err := voiceclient.New(voiceclient.Config{
		ServerURL: *serverURL,
		ServerID:  domain.ServerID(*serverID),
		ChannelID: domain.ChannelID(*channelID),
		Name:      *name,
		RTC:       rtc.Config{ICEServers: cfg.RTC.ICEServers},
		Signal:    sigCfg,
	}, pipeline)
	if err != nil {
		log.Fatal().Err(err).Msg("voice client")
	}

	log.Info().Str("server", *serverURL).Str("channel", *channelID).Msg("joining voice channel")
	err = client.Run(ctx)
	stats := pipeline.Stats()
	log.Info().
		Uint64("frames_encoded", stats.FramesEncoded).
		Uint64("playback_dropped", stats.PlaybackDropped).
		Msg("audio stats")
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("voice client stopped")
		return
	}
	log.Info().Msg("Client exited gracefully")
}
