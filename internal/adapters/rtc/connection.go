package rtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoChannel = errors.New("rtc: no open data channel for topic")

// WebRTCConnection is the SFU side of one member's peer connection.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	sid    core.SessionID
	logger zerolog.Logger
	cancel context.CancelFunc

	mu            sync.RWMutex
	closed        bool
	channels      map[string]*webrtc.DataChannel
	onICE         func(webrtc.ICECandidateInit)
	onTrack       func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onNegotiation func()
	onData        func(core.DataMessage)
	onClosed      func()
	closeOnce     sync.Once
}

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, sid core.SessionID) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &WebRTCConnection{
		pc:       pc,
		sid:      sid,
		logger:   log.With().Str("module", "webrtc").Str("sid", string(sid)).Logger(),
		channels: make(map[string]*webrtc.DataChannel),
	}, nil
}

func (c *WebRTCConnection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.Close()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(ctx, track, receiver)
		}
	})

	c.pc.OnNegotiationNeeded(func() {
		c.mu.RLock()
		fn := c.onNegotiation
		c.mu.RUnlock()
		if fn != nil {
			fn()
		}
	})

	c.pc.OnDataChannel(c.bindChannel)
	return nil
}

func (c *WebRTCConnection) bindChannel(dc *webrtc.DataChannel) {
	label := dc.Label()
	reliable := dc.Ordered() && dc.MaxRetransmits() == nil && dc.MaxPacketLifeTime() == nil
	dc.OnOpen(func() {
		c.mu.Lock()
		c.channels[label] = dc
		c.mu.Unlock()
		c.logger.Debug().Str("label", label).Bool("reliable", reliable).Msg("data channel open")
	})
	dc.OnClose(func() {
		c.mu.Lock()
		if c.channels[label] == dc {
			delete(c.channels, label)
		}
		c.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.RLock()
		fn := c.onData
		c.mu.RUnlock()
		if fn != nil {
			fn(core.DataMessage{Topic: label, Reliable: reliable, From: c.sid, Payload: msg.Data})
		}
	})
}

func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

// CreateAndSetOffer starts a server-side renegotiation. Candidates trickle.
func (c *WebRTCConnection) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

// Close releases the peer connection and fires OnClosed once.
func (c *WebRTCConnection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		fn := c.onClosed
		c.mu.Unlock()
		if c.cancel != nil {
			c.cancel()
		}
		if err := c.pc.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
		if fn != nil {
			fn()
		}
	})
}

func (c *WebRTCConnection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnNegotiationNeeded(fn func()) {
	c.mu.Lock()
	c.onNegotiation = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnData(fn func(core.DataMessage)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

// OnClosed sets application-level callback for cleanup tracks
func (c *WebRTCConnection) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

func (c *WebRTCConnection) RemoveSender(sender *webrtc.RTPSender) error {
	if sender == nil {
		return nil
	}
	return c.pc.RemoveTrack(sender)
}

func (c *WebRTCConnection) SendData(msg core.DataMessage) error {
	c.mu.RLock()
	dc, ok := c.channels[msg.Topic]
	c.mu.RUnlock()
	if !ok {
		return ErrNoChannel
	}
	return dc.Send(msg.Payload)
}

func (c *WebRTCConnection) RoundTrip() (time.Duration, bool) {
	return roundTrip(c.pc)
}
