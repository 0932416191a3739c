package sfu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoRelay = errors.New("sfu: no relay for track")

// RelayManager owns every relay, keyed by publisher sid then track id.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[core.SessionID]map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[core.SessionID]map[string]*Relay),
	}
}

// remoteSource trims TrackRemote.ReadRTP to the PacketSource shape.
type remoteSource struct{ t *webrtc.TrackRemote }

func (s remoteSource) ID() string { return s.t.ID() }

func (s remoteSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.t.ReadRTP()
	return pkt, err
}

// StartRemote starts a relay for a track received from a publisher.
func (m *RelayManager) StartRemote(ctx context.Context, sid core.SessionID, streamID string, track *webrtc.TrackRemote) *Relay {
	return m.StartRelay(ctx, sid, remoteSource{t: track}, track.Codec().RTPCodecCapability, streamID)
}

// StartRelay creates a new Relay for the publisher track and starts its loop.
// A relay already running for the same track id is replaced.
func (m *RelayManager) StartRelay(ctx context.Context, sid core.SessionID, src PacketSource, codec webrtc.RTPCodecCapability, streamID string) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("sid", string(sid)).
		Str("track", src.ID()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, codec, streamID, cancel)

	m.mu.Lock()
	byTrack, ok := m.relays[sid]
	if !ok {
		byTrack = make(map[string]*Relay)
		m.relays[sid] = byTrack
	}
	old := byTrack[src.ID()]
	byTrack[src.ID()] = relay
	m.mu.Unlock()

	if old != nil {
		logger.Info().Msg("replacing existing relay for track")
		old.cancel()
	}
	logger.Info().Str("mime", codec.MimeType).Msg("starting relay loop")

	go func() {
		relay.loop(relayCtx, &logger)
		m.forget(sid, src.ID(), relay)
	}()
	return relay
}

func (m *RelayManager) forget(sid core.SessionID, trackID string, relay *Relay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTrack := m.relays[sid]
	if byTrack[trackID] != relay {
		return
	}
	delete(byTrack, trackID)
	if len(byTrack) == 0 {
		delete(m.relays, sid)
	}
}

func (m *RelayManager) relay(srcSID core.SessionID, trackID string) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[srcSID][trackID]
	return r, ok
}

// Subscribe forwards the publisher track to dst through a new local track.
func (m *RelayManager) Subscribe(srcSID core.SessionID, trackID string, dstSID core.SessionID, dst core.MediaConnection) error {
	relay, ok := m.relay(srcSID, trackID)
	if !ok {
		return ErrNoRelay
	}
	local, err := webrtc.NewTrackLocalStaticRTP(relay.Codec, trackID, relay.StreamID)
	if err != nil {
		return fmt.Errorf("sfu: local track: %w", err)
	}
	sender, err := dst.AddLocalTrack(local)
	if err != nil {
		return fmt.Errorf("sfu: add track: %w", err)
	}
	if sender != nil {
		go drainRTCP(sender)
	}
	relay.AddOutTrack(dstSID, NewOutTrack(local, sender, dst))
	log.Debug().Str("module", "relay").Str("src", string(srcSID)).Str("dst", string(dstSID)).Str("track", trackID).Msg("subscribed")
	return nil
}

// SubscribeAll subscribes dst to every track published by srcSID.
func (m *RelayManager) SubscribeAll(srcSID, dstSID core.SessionID, dst core.MediaConnection) {
	for _, id := range m.TrackIDs(srcSID) {
		if err := m.Subscribe(srcSID, id, dstSID, dst); err != nil {
			log.Warn().Str("module", "relay").Err(err).Str("src", string(srcSID)).Str("dst", string(dstSID)).Msg("subscribe failed")
		}
	}
}

// Unsubscribe removes dst from every relay published by srcSID.
func (m *RelayManager) Unsubscribe(srcSID, dstSID core.SessionID) {
	m.mu.RLock()
	relays := make([]*Relay, 0, len(m.relays[srcSID]))
	for _, r := range m.relays[srcSID] {
		relays = append(relays, r)
	}
	m.mu.RUnlock()
	for _, r := range relays {
		if err := r.remove(dstSID); err != nil {
			log.Debug().Str("module", "relay").Err(err).Msg("unsubscribe remove sender failed")
		}
	}
}

// StopRelays stops every relay published by sid.
func (m *RelayManager) StopRelays(sid core.SessionID) {
	m.mu.Lock()
	byTrack := m.relays[sid]
	delete(m.relays, sid)
	m.mu.Unlock()
	for _, r := range byTrack {
		r.cancel()
	}
}

// HasRelay reports whether sid publishes anything.
func (m *RelayManager) HasRelay(sid core.SessionID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays[sid]) > 0
}

func (m *RelayManager) TrackIDs(sid core.SessionID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.relays[sid]))
	for id := range m.relays[sid] {
		out = append(out, id)
	}
	return out
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Str("module", "relay").Err(err).Msg("rtcp reader stopped")
			}
			return
		}
	}
}
