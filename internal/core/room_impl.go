package core

import (
	"sync"

	"github.com/dkeye/Helpline/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room   *domain.Room
	mu     sync.RWMutex
	bySID  map[SessionID]MemberSession
	byUser map[domain.UserID]SessionID
}

func NewRoomService(room *domain.Room) RoomService {
	return &roomImpl{
		room:   room,
		bySID:  make(map[SessionID]MemberSession),
		byUser: make(map[domain.UserID]SessionID),
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

// AddMember registers ms under sid. A user rejoining from a new connection
// replaces its previous entry.
func (r *roomImpl) AddMember(sid SessionID, ms MemberSession) {
	u := ms.Meta().User.ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byUser[u]; ok && old != sid {
		delete(r.bySID, old)
	}
	r.bySID[sid] = ms
	r.byUser[u] = sid
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("sid", string(sid)).Str("user", string(u)).Msg("member added")
}

func (r *roomImpl) RemoveMember(sid SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.bySID[sid]
	if !ok {
		return
	}
	u := ms.Meta().User.ID
	if r.byUser[u] == sid {
		delete(r.byUser, u)
	}
	delete(r.bySID, sid)
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("sid", string(sid)).Msg("member removed")
}

func (r *roomImpl) Members(skip SessionID) []MemberSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberSession, 0, len(r.bySID))
	for sid, m := range r.bySID {
		if sid != skip {
			out = append(out, m)
		}
	}
	return out
}

func (r *roomImpl) Broadcast(from SessionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range r.bySID {
		if sid == from {
			continue
		}
		sig := m.Signal()
		if sig == nil {
			continue
		}
		if err := sig.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, len(r.bySID))
	for _, ms := range r.bySID {
		meta := ms.Meta()
		out = append(out, MemberDTO{ID: meta.User.ID, Identity: meta.Identity, Username: meta.User.Username})
	}
	return out
}
