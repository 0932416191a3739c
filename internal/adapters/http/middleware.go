package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Helpline/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const principalKey = "principal"

// AuthMiddleware rejects requests without a bearer the verifier accepts.
func AuthMiddleware(v auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer, err := auth.BearerFromHeader(c.GetHeader("Authorization"))
		if err != nil {
			abort(c, http.StatusUnauthorized, "Missing bearer token")
			return
		}
		if v == nil {
			abort(c, http.StatusUnauthorized, "Invalid authentication token")
			return
		}
		p, err := v.Verify(c.Request.Context(), bearer)
		switch {
		case errors.Is(err, auth.ErrAudience):
			abort(c, http.StatusUnauthorized, "Token client mismatch")
			return
		case err != nil:
			log.Debug().Str("module", "adapters.http").Err(err).Str("client", c.GetString(clientTokenKey)).Msg("bearer rejected")
			abort(c, http.StatusUnauthorized, "Invalid authentication token")
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func principal(c *gin.Context) *auth.Principal {
	p, _ := c.Get(principalKey)
	pr, _ := p.(*auth.Principal)
	if pr == nil {
		return &auth.Principal{}
	}
	return pr
}

func abort(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
