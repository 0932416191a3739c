// Package token mints and verifies the room credentials handed to clients.
package token

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Helpline/internal/domain"
	"github.com/gorilla/securecookie"
)

const cookieName = "helpline-room"

var (
	ErrInvalid = errors.New("token: invalid room credential")
	ErrExpired = errors.New("token: room credential expired")
)

// Claims is what a room credential grants.
type Claims struct {
	Identity  string          `json:"sub"`
	Name      string          `json:"name,omitempty"`
	Email     string          `json:"email,omitempty"`
	Org       string          `json:"org,omitempty"`
	Room      domain.RoomName `json:"room"`
	SessionID string          `json:"sid"`
	IssuedAt  int64           `json:"iat"`
	ExpiresAt int64           `json:"exp"`
}

type Minter struct {
	codec *securecookie.SecureCookie
	ttl   time.Duration
	now   func() time.Time
}

// NewMinter derives signing and encryption keys from secret.
// An empty blockKey leaves credentials signed but readable.
func NewMinter(secret, blockKey string, ttl time.Duration) *Minter {
	hash := sha256.Sum256([]byte(secret))
	var block []byte
	if blockKey != "" {
		b := sha256.Sum256([]byte(blockKey))
		block = b[:]
	}
	codec := securecookie.New(hash[:], block).
		SetSerializer(securecookie.JSONEncoder{}).
		MaxAge(int(ttl / time.Second))
	return &Minter{codec: codec, ttl: ttl, now: time.Now}
}

func (m *Minter) TTL() time.Duration { return m.ttl }

// Mint fills the time claims and returns the encoded credential.
func (m *Minter) Mint(c Claims) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(m.ttl)
	c.IssuedAt = now.Unix()
	c.ExpiresAt = exp.Unix()
	tok, err := m.codec.Encode(cookieName, c)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: encode: %w", err)
	}
	return tok, exp, nil
}

func (m *Minter) Verify(tok string) (*Claims, error) {
	var c Claims
	if err := m.codec.Decode(cookieName, tok, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.ExpiresAt != 0 && m.now().Unix() > c.ExpiresAt {
		return nil, ErrExpired
	}
	if c.Identity == "" || c.Room == "" {
		return nil, ErrInvalid
	}
	return &c, nil
}
