package orch

import (
	"context"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) BindMediaHandlers(mc core.MediaConnection, sid core.SessionID) {
	mc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		o.OnTrack(trackCtx, sid, track)
	})
	mc.OnData(func(msg core.DataMessage) { o.OnData(sid, msg) })
	mc.OnClosed(func() { o.OnMediaDisconnect(sid) })
}

func (o *Orchestrator) OnMediaDisconnect(sid core.SessionID) {
	o.cleanupMedia(sid)
}

func (o *Orchestrator) cleanupMedia(sid core.SessionID) {
	if o.Relays != nil {
		o.Relays.StopRelays(sid)

		if roomName, _, ok := o.Registry.RoomOf(sid); ok {
			for _, snap := range o.Registry.MembersOfRoom(roomName) {
				o.Relays.Unsubscribe(snap.SID, sid)
			}
		}
	}

	if sess, ok := o.Registry.GetSession(sid); ok {
		if mc := sess.Media(); mc != nil {
			sess.UpdateMedia(nil)
			mc.Close()
		}
	}
}

// OnTrack is called when a new remote media track appears for a given session.
func (o *Orchestrator) OnTrack(ctx context.Context, sid core.SessionID, track *webrtc.TrackRemote) {
	if o.Relays == nil {
		return
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Media() == nil {
		return
	}
	o.Relays.StartRemote(ctx, sid, sess.Meta().Identity, track)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("track", track.ID()).Str("kind", track.Kind().String()).Msg("track published")
	o.OnPublished(sid, track.ID())
}

// OnPublished subscribes every room mate of sid to its relay for trackID.
func (o *Orchestrator) OnPublished(sid core.SessionID, trackID string) {
	roomName, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("track published outside a room")
		return
	}
	for _, snap := range o.Registry.MembersOfRoom(roomName) {
		if snap.SID == sid {
			continue
		}
		pc := snap.Session.Media()
		if pc == nil {
			continue
		}
		if err := o.Relays.Subscribe(sid, trackID, snap.SID, pc); err != nil {
			log.Warn().Str("module", "orch").Err(err).Str("dst", string(snap.SID)).Msg("subscribe failed")
		}
	}
}

// OnMediaReady is called once the member's MediaConnection finished its first
// offer/answer. It subscribes the member to every track already in the room.
func (o *Orchestrator) OnMediaReady(sid core.SessionID) {
	if o.Relays == nil {
		return
	}
	roomName, sess, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	mc := sess.Media()
	if mc == nil {
		return
	}
	for _, snap := range o.Registry.MembersOfRoom(roomName) {
		if snap.SID == sid {
			continue
		}
		o.Relays.SubscribeAll(snap.SID, sid, mc)
	}
}
