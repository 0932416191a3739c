package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type RoomName string

// Room is a live support room on the SFU.
type Room struct {
	Name     RoomName
	OpenedAt time.Time
}

// NewSupportRoomName builds support-<org>-<sub>-<8 hex>.
func NewSupportRoomName(org, sub string) RoomName {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return RoomName(fmt.Sprintf("support-%s-%s-%s", slug(org, "default"), slug(sub, "user"), suffix))
}

func slug(s, fallback string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}
