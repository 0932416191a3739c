package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Helpline/internal/adapters/http"
	"github.com/dkeye/Helpline/internal/adapters/rtc"
	sig "github.com/dkeye/Helpline/internal/adapters/signal"
	"github.com/dkeye/Helpline/internal/app"
	"github.com/dkeye/Helpline/internal/app/orch"
	"github.com/dkeye/Helpline/internal/app/sessionlog"
	"github.com/dkeye/Helpline/internal/app/sfu"
	"github.com/dkeye/Helpline/internal/auth"
	"github.com/dkeye/Helpline/internal/clock"
	"github.com/dkeye/Helpline/internal/config"
	"github.com/dkeye/Helpline/internal/logging"
	"github.com/dkeye/Helpline/internal/token"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// early logger so config loading can report
	logging.Setup("info", true)

	cfg, err := config.LoadServer(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.LogLevel, cfg.Mode == gin.DebugMode)
	gin.SetMode(cfg.Mode)

	store := sessionlog.NewStore(clock.Real(), cfg.Retention)
	go store.Run(ctx, cfg.SweepInterval)

	verifier, err := auth.NewGoogleVerifier(ctx, cfg.GoogleClientID, cfg.AllowDevTokens)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create token verifier")
	}
	minter := token.NewMinter(cfg.Secret, cfg.BlockKey, cfg.TokenTTL)

	api, err := rtc.NewAPI(logging.NewPionLoggerFactory(log.Logger, zerolog.WarnLevel))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create webrtc api")
	}

	rooms := app.NewRoomManager(clock.Real())
	o := orch.New(app.NewRegistry(), rooms, app.NewStrikePolicy(cfg.KickAfter), sfu.NewRelayManager())

	signalling := sig.NewController(sig.Options{
		Orch:       o,
		Minter:     minter,
		NewMedia:   sig.WebRTCMedia(api, rtc.Config(cfg.ICEServers)),
		Limiter:    sig.NewRateLimiter(clock.Real(), cfg.SignalRate, time.Second),
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	})

	r := router.SetupRouter(ctx, router.Deps{
		Config:   cfg,
		Store:    store,
		Minter:   minter,
		Verifier: verifier,
		Rooms:    rooms,
		Signal:   signalling,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("env", cfg.Env).Msg("Helpline server started")
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
