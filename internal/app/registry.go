package app

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSession = errors.New("registry: unknown session")
	ErrRoomNotGranted = errors.New("registry: room not granted")
)

// binding is one signaling connection and the support room its credential grants.
type binding struct {
	session core.MemberSession
	grant   domain.RoomName
	joined  bool
	cancel  context.CancelFunc
}

// Registry tracks live signaling connections. A connection may only ever be
// a member of its granted room, and only after it joined.
type Registry struct {
	mu       sync.RWMutex
	bindings map[core.SessionID]*binding
	members  map[domain.RoomName]map[core.SessionID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[core.SessionID]*binding),
		members:  make(map[domain.RoomName]map[core.SessionID]struct{}),
	}
}

// Bind registers a connection. cancel closes its socket.
func (r *Registry) Bind(sid core.SessionID, sess core.MemberSession, grant domain.RoomName, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[sid] = &binding{session: sess, grant: grant, cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("identity", sess.Meta().Identity).Str("grant", string(grant)).Msg("bound signal")
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.bindings[sid]; ok {
		return b.session, true
	}
	return nil, false
}

// Grant returns the room the connection's credential allows.
func (r *Registry) Grant(sid core.SessionID) (domain.RoomName, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[sid]
	if !ok {
		return "", false
	}
	return b.grant, true
}

// Join makes sid a member of room. Other connections of the same user
// already in the room are returned; the caller closes them.
func (r *Registry) Join(sid core.SessionID, room domain.RoomName) ([]core.SessionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[sid]
	if !ok {
		return nil, ErrUnknownSession
	}
	if room != b.grant {
		return nil, ErrRoomNotGranted
	}
	set := r.members[room]
	if set == nil {
		set = make(map[core.SessionID]struct{})
		r.members[room] = set
	}
	user := b.session.Meta().User.ID
	var superseded []core.SessionID
	for other := range set {
		if other != sid && r.bindings[other].session.Meta().User.ID == user {
			superseded = append(superseded, other)
		}
	}
	set[sid] = struct{}{}
	b.joined = true
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Int("superseded", len(superseded)).Msg("joined")
	return superseded, nil
}

// Leave drops the membership of sid and returns the room it was in.
func (r *Registry) Leave(sid core.SessionID) (domain.RoomName, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[sid]
	if !ok || !b.joined {
		return "", false
	}
	r.leaveLocked(sid, b)
	return b.grant, true
}

func (r *Registry) leaveLocked(sid core.SessionID, b *binding) {
	b.joined = false
	if set := r.members[b.grant]; set != nil {
		delete(set, sid)
		if len(set) == 0 {
			delete(r.members, b.grant)
		}
	}
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[sid]
	if !ok {
		return
	}
	if b.joined {
		r.leaveLocked(sid, b)
	}
	delete(r.bindings, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

// RoomOf returns the room sid has joined.
func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomName, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[sid]
	if !ok || !b.joined {
		return "", nil, false
	}
	return b.grant, b.session, true
}

type RoomMember struct {
	SID     core.SessionID
	Session core.MemberSession
}

// MembersOfRoom lists joined connections ordered by sid.
func (r *Registry) MembersOfRoom(name domain.RoomName) []RoomMember {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.members[name]
	out := make([]RoomMember, 0, len(set))
	for sid := range set {
		out = append(out, RoomMember{SID: sid, Session: r.bindings[sid].session})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// Count returns the number of bound signaling connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	b, ok := r.bindings[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if b.cancel != nil {
		b.cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
