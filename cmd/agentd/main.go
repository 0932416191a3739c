package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2/google"

	"github.com/dkeye/Helpline/internal/adapters/backend"
	"github.com/dkeye/Helpline/internal/adapters/media"
	"github.com/dkeye/Helpline/internal/adapters/rtc"
	"github.com/dkeye/Helpline/internal/adapters/uishell"
	"github.com/dkeye/Helpline/internal/app/session"
	"github.com/dkeye/Helpline/internal/auth"
	"github.com/dkeye/Helpline/internal/clock"
	"github.com/dkeye/Helpline/internal/config"
	"github.com/dkeye/Helpline/internal/logging"
)

const userinfoScope = "https://www.googleapis.com/auth/userinfo.email"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logging.Setup("info", true)
	cfg, err := config.LoadAgent(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.LogLevel, cfg.Env == "dev")

	bearer := bearerSource(ctx, cfg)
	client := backend.New(backend.Options{
		BaseURL: cfg.BackendURL,
		Org:     cfg.Org,
		Timeout: cfg.RequestTimeout,
	})

	devices, err := media.NewDevices(media.Options{SystemAudioDevice: cfg.SystemAudioDevice})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up capture devices")
	}
	api, err := rtc.NewAPI(logging.NewPionLoggerFactory(log.Logger, zerolog.WarnLevel))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create webrtc api")
	}
	engine, err := rtc.NewEngine(rtc.EngineOptions{
		API:      api,
		Config:   rtc.Config(cfg.ICEServers),
		Autoplay: cfg.Autoplay,
		Sinks:    media.OggSinks(cfg.AudioOutput),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create rtc engine")
	}

	bridge := uishell.NewBridge(uishell.Options{RequestTimeout: cfg.RequestTimeout * 2})
	ctrl := session.New(session.Options{
		Clock:                   clock.Real(),
		Auth:                    bearer,
		Tokens:                  client,
		Log:                     client,
		Engine:                  engine,
		Devices:                 devices,
		Notifier:                bridge,
		MaxReconnectionAttempts: cfg.MaxReconnectAttempts,
		CaptureInterval:         cfg.CaptureInterval,
	})
	bridge.Attach(ctrl)

	srv := &http.Server{
		Addr:              cfg.UIAddr,
		Handler:           bridge.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.UIAddr).Msg("Helpline agent listening for UI shells")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("ui server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	ctrl.Close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("UI server forced to shutdown")
	}
	log.Info().Msg("Agent exited")
}

// bearerSource prefers a configured bearer, then Google default credentials.
// Dev builds fall back to the dev token.
func bearerSource(ctx context.Context, cfg *config.AgentConfig) *auth.Source {
	if cfg.BearerToken != "" {
		return auth.StaticSource(cfg.BearerToken)
	}
	ts, err := google.DefaultTokenSource(ctx, userinfoScope)
	if err == nil {
		return auth.NewSource(ts)
	}
	if cfg.Env == "dev" {
		log.Warn().Err(err).Msg("no google credentials, using dev token")
		return auth.StaticSource(auth.DevToken)
	}
	log.Fatal().Err(err).Msg("no bearer token configured")
	return nil
}
