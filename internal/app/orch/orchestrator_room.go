package orch

import (
	"github.com/dkeye/Helpline/internal/app"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/domain"
	"github.com/rs/zerolog/log"
)

// Join puts sid into roomName, which must be the room its credential
// grants. Older connections of the same user in that room are kicked and
// closed.
func (o *Orchestrator) Join(sid core.SessionID, roomName domain.RoomName) (core.RoomService, error) {
	if prev, _, ok := o.Registry.RoomOf(sid); ok && prev == roomName {
		if room, ok := o.Rooms.Get(prev); ok {
			return room, nil
		}
	}
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return nil, app.ErrUnknownSession
	}
	superseded, err := o.Registry.Join(sid, roomName)
	if err != nil {
		return nil, err
	}
	for _, old := range superseded {
		o.cleanupMedia(old)
		o.Registry.Leave(old)
		o.Registry.Cancel(old)
		log.Info().Str("module", "orch").Str("sid", string(old)).Str("by", string(sid)).Msg("superseded connection")
	}
	room := o.Rooms.GetOrCreate(roomName)
	room.AddMember(sid, session)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomName)).Msg("added to room")
	return room, nil
}

// KickBySID tears down media and membership of sid. The signaling
// connection stays open.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.cleanupMedia(sid)
	o.cleanupMembership(sid)
}

func (o *Orchestrator) cleanupMembership(sid core.SessionID) {
	roomName, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	if room, ok := o.Rooms.Get(roomName); ok {
		room.RemoveMember(sid)
		if room.MemberCount() == 0 {
			o.Rooms.StopRoom(roomName)
			log.Info().Str("module", "orch").Str("room", string(roomName)).Msg("room empty, stopped")
		}
	}
	o.Registry.Leave(sid)
}
