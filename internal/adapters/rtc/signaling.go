package rtc

import (
	"context"
	"time"

	"github.com/dkeye/Helpline/internal/adapters/wire"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

func (r *Room) sendMsg(m wire.Message) {
	f, err := wire.Encode(m)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode signal message")
		return
	}
	r.mu.Lock()
	send := r.send
	r.mu.Unlock()
	if send == nil {
		return
	}
	select {
	case send <- f:
	default:
		r.logger.Warn().Str("type", m.Type).Msg("signal send buffer full, message dropped")
	}
}

func (r *Room) writePump(ctx context.Context, ws *websocket.Conn, send <-chan core.Frame) {
	defer ws.Close()
	write := func(data []byte) bool {
		if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return false
		}
		return ws.WriteMessage(websocket.TextMessage, data) == nil
	}
	for {
		select {
		case <-ctx.Done():
			// flush what is queued (a leave message, typically) before closing
			for {
				select {
				case data := <-send:
					if !write(data) {
						return
					}
				default:
					_ = ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
					return
				}
			}
		case data := <-send:
			if !write(data) {
				r.logger.Warn().Msg("signal write failed")
				return
			}
		}
	}
}

func (r *Room) readPump(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("signal read failed")
				r.failConnect(err)
				r.lost("signaling closed")
			}
			return
		}
		m, err := wire.Decode(data)
		if err != nil {
			r.logger.Warn().Err(err).Msg("bad signal message")
			continue
		}
		r.handle(m)
	}
}

func (r *Room) failConnect(err error) {
	r.mu.Lock()
	failed := r.failed
	r.mu.Unlock()
	if failed == nil {
		return
	}
	select {
	case failed <- err:
	default:
	}
}

func participant(m *core.MemberDTO) core.Participant {
	return core.Participant{Identity: m.Identity, SID: m.Identity, Name: m.Username}
}

func (r *Room) handle(m wire.Message) {
	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()

	switch m.Type {
	case wire.TypeRoomState:
		r.onRoomState(m)
	case wire.TypeMemberJoined:
		if m.Member != nil {
			r.events.emit(core.RoomEvent{Kind: core.EventParticipantConnected, Participant: participant(m.Member)})
		}
	case wire.TypeMemberLeft:
		if m.Member != nil {
			r.events.emit(core.RoomEvent{Kind: core.EventParticipantDisconnected, Participant: participant(m.Member)})
		}
	case wire.TypeOffer:
		if pc != nil {
			r.onRemoteOffer(pc, m.SDP)
		}
	case wire.TypeAnswer:
		if pc == nil {
			return
		}
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}); err != nil {
			r.logger.Warn().Err(err).Msg("apply answer failed")
			return
		}
		r.flushCandidates(pc)
	case wire.TypeCandidate:
		if pc != nil && m.Candidate != nil {
			r.addCandidate(pc, *m.Candidate)
		}
	case wire.TypeQuality:
		r.mu.Lock()
		r.serverQuality = QualityFromLevel(m.Level)
		r.mu.Unlock()
	case wire.TypeError:
		r.logger.Warn().Str("error", m.Error).Msg("server error")
		r.failConnect(&ServerError{Message: m.Error})
	case wire.TypePong:
	default:
		r.logger.Debug().Str("type", m.Type).Msg("unknown signal")
	}
}

// ServerError is an error reported by the signaling server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "rtc: server: " + e.Message }

func (r *Room) onRoomState(m wire.Message) {
	r.mu.Lock()
	if m.You != nil {
		r.local = participant(m.You)
	}
	self := r.local.Identity
	joined := r.joined
	r.mu.Unlock()

	for i := range m.Members {
		if m.Members[i].Identity == self {
			continue
		}
		r.events.emit(core.RoomEvent{Kind: core.EventParticipantConnected, Participant: participant(&m.Members[i])})
	}
	if joined != nil {
		select {
		case <-joined:
		default:
			close(joined)
		}
	}
}

// onRemoteOffer answers a server renegotiation. On glare our own offer is
// rolled back and negotiation-needed fires again once stable.
func (r *Room) onRemoteOffer(pc *webrtc.PeerConnection, sdp string) {
	if pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err := pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			r.logger.Warn().Err(err).Msg("rollback failed")
			return
		}
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		r.logger.Warn().Err(err).Msg("apply remote offer failed")
		return
	}
	r.flushCandidates(pc)
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("create answer failed")
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		r.logger.Warn().Err(err).Msg("set local answer failed")
		return
	}
	r.sendMsg(wire.Message{Type: wire.TypeAnswer, SDP: answer.SDP})
}

// addCandidate queues candidates that arrive before the remote description.
func (r *Room) addCandidate(pc *webrtc.PeerConnection, c webrtc.ICECandidateInit) {
	if pc.RemoteDescription() == nil {
		r.mu.Lock()
		r.pending = append(r.pending, c)
		r.mu.Unlock()
		return
	}
	if err := pc.AddICECandidate(c); err != nil {
		r.logger.Debug().Err(err).Msg("add candidate failed")
	}
}

func (r *Room) flushCandidates(pc *webrtc.PeerConnection) {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			r.logger.Debug().Err(err).Msg("add queued candidate failed")
		}
	}
}

// statsLoop turns the measured round trip into quality events. When no RTT
// is available the last level pushed by the server is used.
func (r *Room) statsLoop(ctx context.Context, pc *webrtc.PeerConnection) {
	t := time.NewTicker(r.opts.StatsEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		rtt, ok := roundTrip(pc)
		r.mu.Lock()
		q := r.serverQuality
		if ok {
			q = QualityFromRTT(rtt)
		}
		changed := q != core.QualityUnknown && q != r.quality
		if changed {
			r.quality = q
		}
		r.mu.Unlock()
		if changed {
			r.events.emit(core.RoomEvent{Kind: core.EventConnectionQualityChanged, Quality: q})
		}
	}
}
