// Package http exposes the Helpline backend: the session log REST API,
// room token issuance and the signaling websocket.
package http

import (
	"context"
	"time"

	"github.com/dkeye/Helpline/internal/app/sessionlog"
	"github.com/dkeye/Helpline/internal/auth"
	"github.com/dkeye/Helpline/internal/config"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/token"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	cookieStoreName = "HelplineSessions"
	clientTokenKey  = "client_token"
)

// SignalHandler upgrades a request to the signaling websocket.
type SignalHandler interface {
	HandleSignal(ctx context.Context, c *gin.Context)
}

type Deps struct {
	Config   *config.ServerConfig
	Store    *sessionlog.Store
	Minter   *token.Minter
	Verifier auth.Verifier
	Rooms    core.RoomManager
	Signal   SignalHandler
}

// ClientTokenMiddleware pins an anonymous client id in the cookie session
// so log lines from one browser or agent can be correlated.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		ct, _ := sess.Get(clientTokenKey).(string)
		if ct == "" {
			ct = uuid.NewString()
			sess.Set(clientTokenKey, ct)
			if err := sess.Save(); err != nil {
				log.Debug().Str("module", "adapters.http").Err(err).Msg("save client session")
			}
		}
		c.Set(clientTokenKey, ct)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, d Deps) *gin.Engine {
	cfg := d.Config
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(cookieStoreName, store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{
		cfg:     cfg,
		store:   d.Store,
		minter:  d.Minter,
		rooms:   d.Rooms,
		started: time.Now(),
	}
	if cfg.Metrics {
		h.metrics = newMetrics(d.Store, d.Rooms)
		r.GET("/metrics", gin.WrapH(h.metrics.handler()))
	}

	api := r.Group("/api")
	api.GET("/health", h.health)
	api.GET("/config", h.config)

	if d.Signal != nil {
		api.GET("/ws/signal", func(c *gin.Context) {
			log.Info().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
			d.Signal.HandleSignal(ctx, c)
		})
	}

	secured := api.Group("")
	secured.Use(AuthMiddleware(d.Verifier))
	secured.POST("/token", h.issueToken)
	secured.POST("/session/log", h.upsertSessionLog)
	secured.GET("/session", h.listSessions)
	secured.GET("/session/by-room/:roomName", h.sessionByRoom)
	secured.GET("/session/:id", h.getSession)
	secured.POST("/session/:id/screen-frame", h.uploadScreenFrame)
	secured.DELETE("/session/:id/screen-frame", h.endScreenShare)
	secured.POST("/feedback", h.submitFeedback)

	log.Info().Str("module", "adapters.http").Bool("metrics", cfg.Metrics).Msg("router setup")
	return r
}
