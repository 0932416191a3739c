package signal

import (
	"errors"

	"github.com/dkeye/Helpline/internal/adapters/wire"
	"github.com/dkeye/Helpline/internal/app"
	"github.com/dkeye/Helpline/internal/domain"
)

// handleJoin puts the member into the room named by its credential. A
// join naming any other room is refused.
func (ctl *Controller) handleJoin(p *peer, m wire.Message) {
	if m.Room != "" && domain.RoomName(m.Room) != p.claims.Room {
		ctl.sendError(p, "room not permitted")
		return
	}
	room, err := ctl.orch.Join(p.sid, p.claims.Room)
	if errors.Is(err, app.ErrRoomNotGranted) {
		ctl.sendError(p, "room not permitted")
		return
	}
	if err != nil {
		p.logger.Warn().Err(err).Msg("join")
		ctl.sendError(p, "join failed")
		return
	}
	sess, ok := ctl.orch.Registry.GetSession(p.sid)
	if !ok {
		return
	}
	you := memberDTO(sess.Meta())
	p.logger.Info().Str("room", string(p.claims.Room)).Int("count", room.MemberCount()).Msg("join")

	ctl.send(p, wire.Message{
		Type:    wire.TypeRoomState,
		Room:    string(p.claims.Room),
		You:     &you,
		Members: room.MembersSnapshot(),
		Count:   room.MemberCount(),
	})
	ctl.broadcast(p, wire.Message{Type: wire.TypeMemberJoined, Room: string(p.claims.Room), Member: &you})

	// a member that kept its peer connection across leave/join gets the
	// room's tracks again
	if sess.Media() != nil {
		ctl.orch.OnMediaReady(p.sid)
	}
}

// handleLeave leaves the current room. The socket stays open.
func (ctl *Controller) handleLeave(p *peer) {
	roomName, _, ok := ctl.orch.Registry.RoomOf(p.sid)
	if !ok {
		return
	}
	p.logger.Info().Str("room", string(roomName)).Msg("leave")
	ctl.broadcastMemberLeft(p, roomName)
	ctl.orch.KickBySID(p.sid)
}

func (ctl *Controller) broadcastMemberLeft(p *peer, roomName domain.RoomName) {
	sess, ok := ctl.orch.Registry.GetSession(p.sid)
	if !ok {
		return
	}
	dto := memberDTO(sess.Meta())
	ctl.broadcast(p, wire.Message{Type: wire.TypeMemberLeft, Room: string(roomName), Member: &dto})
}

// broadcast sends m to every room mate of p through the orchestrator,
// which applies the backpressure policy.
func (ctl *Controller) broadcast(p *peer, m wire.Message) {
	f, err := wire.Encode(m)
	if err != nil {
		p.logger.Error().Err(err).Msg("encode broadcast")
		return
	}
	ctl.orch.OnFrame(p.sid, f)
}

func (ctl *Controller) handleWhoAmI(p *peer) {
	sess, ok := ctl.orch.Registry.GetSession(p.sid)
	if !ok {
		return
	}
	you := memberDTO(sess.Meta())
	resp := wire.Message{Type: wire.TypeWhoAmI, You: &you}
	if roomName, _, ok := ctl.orch.Registry.RoomOf(p.sid); ok {
		resp.Room = string(roomName)
	}
	ctl.send(p, resp)
}
