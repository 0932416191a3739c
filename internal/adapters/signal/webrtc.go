package signal

import (
	"context"
	"time"

	"github.com/dkeye/Helpline/internal/adapters/rtc"
	"github.com/dkeye/Helpline/internal/adapters/wire"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/pion/webrtc/v4"
)

// WebRTCMedia returns a MediaFactory backed by pion peer connections.
func WebRTCMedia(api *webrtc.API, cfg webrtc.Configuration) MediaFactory {
	return func(sid core.SessionID) (core.MediaConnection, error) {
		wc, err := rtc.NewWebRTCConnection(api, cfg, sid)
		if err != nil {
			return nil, err
		}
		return wc, nil
	}
}

func (ctl *Controller) media(p *peer) core.MediaConnection {
	sess, ok := ctl.orch.Registry.GetSession(p.sid)
	if !ok {
		return nil
	}
	mc := sess.Media()
	if mc == nil || mc.IsClosed() {
		return nil
	}
	return mc
}

// handleOffer answers a client offer. The first offer creates the peer
// connection; later ones renegotiate it, ICE restarts included.
func (ctl *Controller) handleOffer(p *peer, m wire.Message) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}

	p.mu.Lock()
	if p.awaitingAnswer {
		// our own offer wins; the client rolls back and answers it
		p.mu.Unlock()
		p.logger.Debug().Msg("client offer ignored during server offer")
		return
	}
	mc := ctl.media(p)
	fresh := mc == nil
	if fresh {
		var err error
		if mc, err = ctl.startMedia(p); err != nil {
			p.mu.Unlock()
			p.logger.Error().Err(err).Msg("webrtc start")
			ctl.sendError(p, "media unavailable")
			return
		}
	}
	answer, err := mc.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		p.mu.Unlock()
		p.logger.Error().Err(err).Msg("webrtc apply offer")
		if fresh {
			mc.Close()
		}
		return
	}
	ctl.send(p, wire.Message{Type: wire.TypeAnswer, SDP: answer.SDP})
	p.mu.Unlock()

	if fresh {
		if sess, ok := ctl.orch.Registry.GetSession(p.sid); ok {
			sess.UpdateMedia(mc)
			ctl.orch.OnMediaReady(p.sid)
		}
	}
}

// startMedia must be called with p.mu held.
func (ctl *Controller) startMedia(p *peer) (core.MediaConnection, error) {
	mc, err := ctl.newMedia(p.sid)
	if err != nil {
		return nil, err
	}
	mc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		ctl.send(p, wire.Message{Type: wire.TypeCandidate, Candidate: &ci})
	})
	mc.OnNegotiationNeeded(func() {
		// may fire from inside a relay subscription; never block it
		go ctl.negotiate(p)
	})
	ctl.orch.BindMediaHandlers(mc, p.sid)
	if err := mc.Start(context.Background()); err != nil {
		mc.Close()
		return nil, err
	}
	return mc, nil
}

// negotiate sends a server offer after tracks were added or removed.
// Requests arriving while an offer is outstanding are folded into one
// follow-up offer.
func (ctl *Controller) negotiate(p *peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.awaitingAnswer {
		p.dirty = true
		return
	}
	mc := ctl.media(p)
	if mc == nil {
		return
	}
	offer, err := mc.CreateAndSetOffer()
	if err != nil {
		p.logger.Warn().Err(err).Msg("create renegotiation offer")
		return
	}
	p.awaitingAnswer = true
	ctl.send(p, wire.Message{Type: wire.TypeOffer, SDP: offer.SDP})
}

func (ctl *Controller) handleAnswer(p *peer, m wire.Message) {
	p.mu.Lock()
	mc := ctl.media(p)
	if mc == nil || !p.awaitingAnswer {
		p.mu.Unlock()
		p.logger.Warn().Msg("unexpected answer")
		return
	}
	err := mc.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP})
	p.awaitingAnswer = false
	again := p.dirty
	p.dirty = false
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn().Err(err).Msg("apply answer")
	}
	if again {
		ctl.negotiate(p)
	}
}

func (ctl *Controller) handleCandidate(p *peer, m wire.Message) {
	if m.Candidate == nil {
		return
	}
	mc := ctl.media(p)
	if mc == nil {
		p.logger.Warn().Msg("candidate: no media connection")
		return
	}
	if err := mc.AddICECandidate(*m.Candidate); err != nil {
		p.logger.Debug().Err(err).Msg("add ice candidate")
	}
}

// qualityLoop pushes the link quality seen from the server whenever the
// bucket changes.
func (ctl *Controller) qualityLoop(ctx context.Context, p *peer) {
	t := time.NewTicker(ctl.qualityEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		mc := ctl.media(p)
		if mc == nil {
			continue
		}
		rtt, ok := mc.RoundTrip()
		if !ok {
			continue
		}
		q := rtc.QualityFromRTT(rtt)
		p.mu.Lock()
		changed := q != p.quality
		p.quality = q
		p.mu.Unlock()
		if changed {
			ctl.send(p, wire.Message{Type: wire.TypeQuality, Level: q.String(), RTTMs: rtt.Milliseconds()})
		}
	}
}
