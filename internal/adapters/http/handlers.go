package http

import (
	"net/http"
	"time"

	"github.com/dkeye/Helpline/internal/app/sessionlog"
	"github.com/dkeye/Helpline/internal/config"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/domain"
	"github.com/dkeye/Helpline/internal/token"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	cfg     *config.ServerConfig
	store   *sessionlog.Store
	minter  *token.Minter
	rooms   core.RoomManager
	metrics *metrics
	started time.Time
}

func (h *handlers) health(c *gin.Context) {
	rooms := 0
	if h.rooms != nil {
		rooms = h.rooms.Count()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"env":       h.cfg.Env,
		"version":   h.cfg.Version,
		"uptime":    time.Since(h.started).Seconds(),
		"services": gin.H{
			"sessions": h.store.Len(),
			"rooms":    rooms,
		},
	})
}

func (h *handlers) config(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"backendBaseUrl": h.cfg.PublicURL,
		"googleClientId": h.cfg.GoogleClientID,
		"signalUrl":      h.cfg.SignalURL,
	})
}

type tokenRequest struct {
	OrganizationID string `json:"organizationId"`
	SessionID      string `json:"sessionId"`
}

func (h *handlers) issueToken(c *gin.Context) {
	var req tokenRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.OrganizationID == "" {
		req.OrganizationID = "default"
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	p := principal(c)
	identity := p.Email
	if identity == "" {
		identity = p.Subject
	}
	room := domain.NewSupportRoomName(req.OrganizationID, p.Subject)
	tok, exp, err := h.minter.Mint(token.Claims{
		Identity:  identity,
		Name:      p.Name,
		Email:     p.Email,
		Org:       req.OrganizationID,
		Room:      room,
		SessionID: req.SessionID,
	})
	if err != nil {
		log.Error().Str("module", "adapters.http").Err(err).Msg("mint room token")
		abort(c, http.StatusInternalServerError, "Failed to create room token")
		return
	}

	h.store.Upsert(req.SessionID, sessionlog.Update{
		RoomName:  room,
		UserID:    domain.UserID(p.Subject),
		UserEmail: p.Email,
		Org:       req.OrganizationID,
		Status:    "token_issued",
		Event:     "token_issued",
	})
	h.metrics.tokenIssued()
	log.Info().Str("module", "adapters.http").Str("session", req.SessionID).Str("room", string(room)).Msg("room token issued")

	c.JSON(http.StatusOK, domain.RoomCredential{
		AccessToken: tok,
		ServerURL:   h.cfg.SignalURL,
		RoomName:    room,
		SessionID:   req.SessionID,
		ExpiresAt:   exp,
	})
}
