// Package orch coordinates rooms, signaling sessions and media relays on the server.
package orch

import (
	"github.com/dkeye/Helpline/internal/app"
	"github.com/dkeye/Helpline/internal/app/sfu"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Relays   *sfu.RelayManager
}

func New(reg *app.Registry, rooms core.RoomManager, policy app.Policy, relays *sfu.RelayManager) *Orchestrator {
	return &Orchestrator{Registry: reg, Rooms: rooms, Policy: policy, Relays: relays}
}

// OnFrame broadcasts a signaling frame from sid to its room mates.
func (o *Orchestrator) OnFrame(sid core.SessionID, data core.Frame) {
	roomName, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	room, ok := o.Rooms.Get(roomName)
	if !ok {
		return
	}

	res := room.Broadcast(sid, data)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			for _, snap := range o.Registry.MembersOfRoom(roomName) {
				if snap.Session == slow {
					log.Warn().Str("module", "orch").Str("sid", string(snap.SID)).Msg("kicking slow member")
					o.Registry.Cancel(snap.SID)
				}
			}
		case app.DropFrame, app.NoAction:
		}
	}
	for _, m := range room.Members(sid) {
		if !contains(res.Dropped, m) {
			o.Policy.Delivered(m)
		}
	}
}

func contains(list []core.MemberSession, m core.MemberSession) bool {
	for _, x := range list {
		if x == m {
			return true
		}
	}
	return false
}

// OnData relays a data-channel message from sid to every room mate,
// keeping the topic label and reliability class.
func (o *Orchestrator) OnData(sid core.SessionID, msg core.DataMessage) {
	roomName, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	room, ok := o.Rooms.Get(roomName)
	if !ok {
		return
	}
	msg.From = sid
	for _, mate := range room.Members(sid) {
		mc := mate.Media()
		if mc == nil || mc.IsClosed() {
			continue
		}
		if err := mc.SendData(msg); err != nil {
			log.Debug().Str("module", "orch").Err(err).Str("topic", msg.Topic).Str("to", mate.Meta().Identity).Msg("data relay failed")
		}
	}
}
