package app

import (
	"sync"

	"github.com/dkeye/Helpline/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
	// Delivered clears any strike count for member.
	Delivered(member core.MemberSession)
}

// StrikePolicy drops frames for a slow member and kicks it after Limit
// consecutive drops.
type StrikePolicy struct {
	Limit int

	mu      sync.Mutex
	strikes map[core.MemberSession]int
}

func NewStrikePolicy(limit int) *StrikePolicy {
	if limit <= 0 {
		limit = 1
	}
	return &StrikePolicy{Limit: limit, strikes: make(map[core.MemberSession]int)}
}

func (p *StrikePolicy) OnBackPressure(_ core.RoomService, member core.MemberSession) BackpressureAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strikes[member]++
	if p.strikes[member] >= p.Limit {
		delete(p.strikes, member)
		return KickMember
	}
	return DropFrame
}

func (p *StrikePolicy) Delivered(member core.MemberSession) {
	p.mu.Lock()
	delete(p.strikes, member)
	p.mu.Unlock()
}
