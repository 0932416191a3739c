// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxUserIDLen   = 128
	MaxUsernameLen = 64
)

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
)

type UserID string

// User is an authenticated principal. ID is the identity the room
// credential was issued to.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Org      string `json:"org,omitempty"`
}

// UserFromIdentity builds the user a room credential names. The display
// name falls back to the identity and is cut to MaxUsernameLen.
func UserFromIdentity(identity, name, email, org string) (*User, error) {
	if identity == "" {
		return nil, ErrIdentityEmpty
	}
	if len(identity) > MaxUserIDLen {
		return nil, ErrIdentityTooLong
	}
	if name == "" {
		name = identity
	}
	if len(name) > MaxUsernameLen {
		name = name[:MaxUsernameLen]
	}
	return &User{ID: UserID(identity), Username: name, Email: email, Org: org}, nil
}
