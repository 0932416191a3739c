package http

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/dkeye/Helpline/internal/app/sessionlog"
	"github.com/dkeye/Helpline/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type sessionLogRequest struct {
	SessionID string          `json:"sessionId"`
	Event     string          `json:"event"`
	Status    string          `json:"status"`
	RoomName  domain.RoomName `json:"roomName"`
	Data      map[string]any  `json:"data"`
}

func (h *handlers) upsertSessionLog(c *gin.Context) {
	var req sessionLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SessionID == "" {
		abort(c, http.StatusBadRequest, "sessionId is required")
		return
	}
	if req.Event == "" {
		req.Event = "unknown"
	}
	p := principal(c)
	rec := h.store.Upsert(req.SessionID, sessionlog.Update{
		RoomName:  req.RoomName,
		UserID:    domain.UserID(p.Subject),
		UserEmail: p.Email,
		Status:    req.Status,
		Event:     req.Event,
		Metadata:  req.Data,
	})
	rec.ScreenShare = stripFrame(rec.ScreenShare)
	c.JSON(http.StatusOK, rec)
}

func (h *handlers) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.store.List()})
}

func (h *handlers) getSession(c *gin.Context) {
	rec, ok := h.store.Get(c.Param("id"), c.Query("includeFrame") == "true")
	if !ok {
		abort(c, http.StatusNotFound, "Session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": rec})
}

func (h *handlers) sessionByRoom(c *gin.Context) {
	rec, ok := h.store.FindByRoom(domain.RoomName(c.Param("roomName")))
	if !ok {
		abort(c, http.StatusNotFound, "Session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": rec})
}

func (h *handlers) uploadScreenFrame(c *gin.Context) {
	id := c.Param("id")
	var req domain.ScreenFrameUpload
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.frameRejected("body")
		abort(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ImageBase64 == "" {
		h.metrics.frameRejected("missing_image")
		abort(c, http.StatusBadRequest, "imageBase64 is required")
		return
	}
	if req.Width < 0 || req.Height < 0 {
		h.metrics.frameRejected("dimensions")
		abort(c, http.StatusBadRequest, "Invalid frame dimensions")
		return
	}

	image := req.ImageBase64
	if strings.HasPrefix(image, "data:") {
		if _, rest, ok := strings.Cut(image, ","); ok {
			image = rest
		}
	}
	raw, err := decodeBase64(image)
	if err != nil {
		h.metrics.frameRejected("base64")
		abort(c, http.StatusBadRequest, "Invalid base64 image data")
		return
	}
	if len(raw) > h.cfg.MaxFrameBytes {
		h.metrics.frameRejected("too_large")
		abort(c, http.StatusRequestEntityTooLarge, "Frame too large")
		return
	}

	digest := req.Digest
	if digest == "" {
		sum := sha1.Sum(raw)
		digest = hex.EncodeToString(sum[:])
	}
	share := h.store.RecordFrame(id, sessionlog.Frame{
		Image:        image,
		Width:        req.Width,
		Height:       req.Height,
		Bytes:        len(raw),
		Digest:       digest,
		AverageColor: req.AverageColor,
		Variance:     req.Variance,
		Source:       req.Source,
		CapturedAt:   req.CapturedAt,
	})
	h.metrics.frameAccepted()
	log.Debug().Str("module", "adapters.http").Str("session", id).Int("bytes", len(raw)).Msg("screen frame stored")
	c.JSON(http.StatusAccepted, gin.H{"success": true, "screenShare": share})
}

func (h *handlers) endScreenShare(c *gin.Context) {
	share, ok := h.store.EndScreenShare(c.Param("id"))
	if !ok {
		abort(c, http.StatusNotFound, "Screen share not active")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "screenShare": share})
}

type feedbackRequest struct {
	SessionID string   `json:"sessionId"`
	Rating    *float64 `json:"rating"`
	Comment   string   `json:"comment"`
}

func (h *handlers) submitFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" || req.Rating == nil {
		abort(c, http.StatusBadRequest, "sessionId and numeric rating are required")
		return
	}
	if *req.Rating < 1 || *req.Rating > 5 {
		abort(c, http.StatusBadRequest, "rating must be between 1 and 5")
		return
	}
	p := principal(c)
	by := p.Email
	if by == "" {
		by = p.Subject
	}
	rec := h.store.AddFeedback(req.SessionID, domain.Feedback{
		Rating:      *req.Rating,
		Comment:     req.Comment,
		SubmittedBy: by,
	})
	h.metrics.feedbackStored()
	c.JSON(http.StatusOK, rec)
}

// decodeBase64 accepts padded and unpadded standard alphabet input.
func decodeBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func stripFrame(ss *domain.ScreenShare) *domain.ScreenShare {
	if ss == nil || ss.LastFrame == "" {
		return ss
	}
	cp := *ss
	cp.LastFrame = ""
	return &cp
}
