package app

import (
	"sort"
	"sync"

	"github.com/dkeye/Helpline/internal/clock"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomManagerImpl holds the support rooms that currently have members.
type RoomManagerImpl struct {
	clk   clock.Clock
	mu    sync.RWMutex
	rooms map[domain.RoomName]core.RoomService
}

func NewRoomManager(clk clock.Clock) *RoomManagerImpl {
	return &RoomManagerImpl{clk: clk, rooms: make(map[domain.RoomName]core.RoomService)}
}

func (f *RoomManagerImpl) GetOrCreate(name domain.RoomName) core.RoomService {
	f.mu.RLock()
	room, ok := f.rooms[name]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[name]; ok {
		return room
	}
	room = core.NewRoomService(&domain.Room{Name: name, OpenedAt: f.clk.Now()})
	f.rooms[name] = room
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Int("open", len(f.rooms)).Msg("room opened")
	return room
}

func (f *RoomManagerImpl) Get(name domain.RoomName) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.rooms[name]
	return r, ok
}

// List returns rooms ordered by name.
func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for name, r := range f.rooms {
		out = append(out, core.RoomInfo{Name: name, MemberCount: r.MemberCount(), OpenedAt: r.Room().OpenedAt})
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *RoomManagerImpl) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.rooms)
}

func (f *RoomManagerImpl) StopRoom(name domain.RoomName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[name]
	if !ok {
		return
	}
	delete(f.rooms, name)
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Dur("open_for", f.clk.Now().Sub(r.Room().OpenedAt)).Msg("room stopped")
}
