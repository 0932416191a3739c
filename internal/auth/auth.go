// Package auth resolves bearer credentials on both ends: the agent's
// token source and the backend's verifier.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/Helpline/internal/core"
	"golang.org/x/oauth2"
)

// DevToken is accepted by backends started with dev tokens allowed.
const DevToken = "dev-token"

var (
	ErrMissingBearer = errors.New("auth: missing bearer token")
	ErrInvalidBearer = errors.New("auth: invalid authentication token")
	ErrAudience      = errors.New("auth: token client mismatch")
)

// Source adapts an oauth2.TokenSource to core.BearerSource.
type Source struct {
	ts oauth2.TokenSource
}

var _ core.BearerSource = (*Source)(nil)

// NewSource wraps ts so refreshed tokens are reused until they expire.
func NewSource(ts oauth2.TokenSource) *Source {
	return &Source{ts: oauth2.ReuseTokenSource(nil, ts)}
}

// StaticSource serves a fixed bearer such as DevToken.
func StaticSource(bearer string) *Source {
	return &Source{ts: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"})}
}

func (s *Source) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := s.ts.Token()
	if err != nil {
		return "", fmt.Errorf("auth: token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", ErrMissingBearer
	}
	return tok.AccessToken, nil
}

// BearerFromHeader extracts the token from an Authorization header value.
func BearerFromHeader(h string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", ErrMissingBearer
	}
	tok := strings.TrimSpace(h[len(prefix):])
	if tok == "" {
		return "", ErrMissingBearer
	}
	return tok, nil
}
