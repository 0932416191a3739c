package signal

import (
	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/domain"
	"github.com/dkeye/Helpline/internal/token"
)

// memberFromClaims builds the room member a credential grants. The
// identity doubles as the user id so a second connection of the same
// identity replaces the first in the room.
func memberFromClaims(c *token.Claims) (*domain.Member, error) {
	user, err := domain.UserFromIdentity(c.Identity, c.Name, c.Email, c.Org)
	if err != nil {
		return nil, err
	}
	return domain.NewMember(user, c.Identity), nil
}

func memberDTO(m *domain.Member) core.MemberDTO {
	return core.MemberDTO{ID: m.User.ID, Identity: m.Identity, Username: m.User.Username}
}
