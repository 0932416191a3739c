package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// Principal is the authenticated caller of a backend request.
type Principal struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

var devPrincipal = Principal{Subject: "dev-user", Email: "developer@example.com", Name: "Local Developer"}

type Verifier interface {
	Verify(ctx context.Context, bearer string) (*Principal, error)
}

// GoogleVerifier validates Google access tokens through the tokeninfo endpoint.
type GoogleVerifier struct {
	svc      *oauth2api.Service
	clientID string
	allowDev bool
}

func NewGoogleVerifier(ctx context.Context, clientID string, allowDev bool, opts ...option.ClientOption) (*GoogleVerifier, error) {
	if len(opts) == 0 {
		opts = []option.ClientOption{option.WithoutAuthentication()}
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: oauth2 service: %w", err)
	}
	return &GoogleVerifier{svc: svc, clientID: clientID, allowDev: allowDev}, nil
}

func (v *GoogleVerifier) Verify(ctx context.Context, bearer string) (*Principal, error) {
	if bearer == "" {
		return nil, ErrMissingBearer
	}
	if v.allowDev && bearer == DevToken {
		p := devPrincipal
		return &p, nil
	}
	info, err := v.svc.Tokeninfo().AccessToken(bearer).Context(ctx).Do()
	if err != nil {
		log.Warn().Str("module", "auth").Err(err).Msg("google token validation failed")
		return nil, fmt.Errorf("%w: %v", ErrInvalidBearer, err)
	}
	if v.clientID != "" && info.Audience != v.clientID {
		return nil, ErrAudience
	}
	p := &Principal{Subject: info.UserId, Email: info.Email}
	if p.Subject == "" {
		p.Subject = info.Email
	}
	if p.Email != "" {
		p.Name, _, _ = strings.Cut(p.Email, "@")
	}
	return p, nil
}
