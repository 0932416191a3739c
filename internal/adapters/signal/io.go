package signal

import (
	"context"
	"time"

	"github.com/dkeye/Helpline/internal/adapters/wire"
	"github.com/gorilla/websocket"
)

func (ctl *Controller) writePump(ctx context.Context, p *peer) {
	ticker := time.NewTicker(ctl.pingPeriod)
	defer func() {
		ticker.Stop()
		// unblocks readPump when the session is canceled from outside
		_ = p.conn.conn.Close()
	}()
	ws := p.conn.conn
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-p.conn.send:
			if !ok {
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Warn().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, p *peer) {
	defer func() {
		cancel()
		ctl.disconnect(p)
	}()

	ws := p.conn.conn
	pongWait := ctl.pingPeriod * 10 / 9
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		if ctl.limiter != nil && !ctl.limiter.Allow(p.sid) {
			ctl.sendError(p, "rate limited")
			continue
		}
		m, err := wire.Decode(data)
		if err != nil {
			p.logger.Warn().Err(err).Msg("bad json")
			ctl.sendError(p, "bad_payload")
			continue
		}
		ctl.dispatch(p, m)
	}
}

func (ctl *Controller) dispatch(p *peer, m wire.Message) {
	switch m.Type {
	case wire.TypeJoin:
		ctl.handleJoin(p, m)
	case wire.TypeLeave:
		ctl.handleLeave(p)
	case wire.TypePing:
		ctl.send(p, wire.Message{Type: wire.TypePong})
	case wire.TypeWhoAmI:
		ctl.handleWhoAmI(p)
	case wire.TypeOffer:
		ctl.handleOffer(p, m)
	case wire.TypeAnswer:
		ctl.handleAnswer(p, m)
	case wire.TypeCandidate:
		ctl.handleCandidate(p, m)
	default:
		p.logger.Warn().Str("type", m.Type).Msg("unknown signal")
	}
}

func (ctl *Controller) send(p *peer, m wire.Message) {
	f, err := wire.Encode(m)
	if err != nil {
		p.logger.Error().Err(err).Msg("encode signal message")
		return
	}
	if err := p.conn.TrySend(f); err != nil {
		p.logger.Debug().Err(err).Str("type", m.Type).Msg("signal message dropped")
	}
}

func (ctl *Controller) sendError(p *peer, msg string) {
	ctl.send(p, wire.Message{Type: wire.TypeError, Error: msg})
}
