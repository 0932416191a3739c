package core

import (
	"time"

	"github.com/dkeye/Helpline/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID       domain.UserID `json:"id"`
	Identity string        `json:"identity"`
	Username string        `json:"username"`
}

// RoomService is the core-facing API of a support room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO
	// Members returns every member session except the one bound to skip.
	Members(skip SessionID) []MemberSession

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID)
	Broadcast(from SessionID, data Frame) PublishResult
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"member_count"`
	OpenedAt    time.Time       `json:"opened_at"`
}

// RoomManager owns the live support rooms. A room opens with its first
// member and is stopped when the last one leaves.
type RoomManager interface {
	GetOrCreate(name domain.RoomName) RoomService
	Get(name domain.RoomName) (RoomService, bool)
	List() []RoomInfo
	Count() int
	StopRoom(name domain.RoomName)
}
