package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicechat/internal/adapters/directory"
	router "github.com/dkeye/voicechat/internal/adapters/http"
	"github.com/dkeye/voicechat/internal/adapters/rtc"
	sig "github.com/dkeye/voicechat/internal/adapters/signal"
	"github.com/dkeye/voicechat/internal/app"
	"github.com/dkeye/voicechat/internal/app/orch"
	"github.com/dkeye/voicechat/internal/app/sfu"
	"github.com/dkeye/voicechat/internal/config"
	"github.com/dkeye/voicechat/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
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

	if err := telemetry.Init(prometheus.DefaultRegisterer); err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}

	rtcCfg := rtc.Config{
		ICEServers: cfg.RTC.ICEServers,
		UDPPortMin: cfg.RTC.UDPPortMin,
		UDPPortMax: cfg.RTC.UDPPortMax,
	}
	api, err := rtc.NewAPI(rtcCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build webrtc api")
	}

	dir := directory.NewStatic(cfg.Directory)
	o := &orch.Orchestrator{
		Rooms:       app.NewRoomRegistry(),
		Presence:    app.NewPresence(app.SimplePolicy{}),
		Relays:      sfu.NewRelayManager(sfu.Config{PollInterval: cfg.RTC.FrameDuration, Buffer: cfg.RTC.RelayBuffer}),
		Permissions: dir,
		Channels:    dir,
		Peers:       &rtc.Factory{API: api, Config: rtcCfg.Configuration()},
		Limiter:     sig.NewJoinRateLimiter(cfg.Limits.JoinRate, cfg.Limits.JoinBurst),
	}

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Voice server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
