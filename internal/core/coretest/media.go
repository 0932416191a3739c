package coretest

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/pion/webrtc/v4"
)

// MediaConn is an in-memory core.MediaConnection for server-side tests.
type MediaConn struct {
	mu sync.Mutex

	Added      []*webrtc.TrackLocalStaticRTP
	Removed    int
	Sent       []core.DataMessage
	Candidates []webrtc.ICECandidateInit
	Answers    []webrtc.SessionDescription
	Offers     int
	RTT        time.Duration
	SendErr    error
	closed     bool

	onTrack       func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)
	onNegotiation func()
	onData        func(core.DataMessage)
	onClosed      func()
	onICE         func(webrtc.ICECandidateInit)
}

func NewMediaConn() *MediaConn { return &MediaConn{} }

func (m *MediaConn) Start(context.Context) error { return nil }

func (m *MediaConn) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cb := m.onClosed
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (m *MediaConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MediaConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	m.Candidates = append(m.Candidates, c)
	m.mu.Unlock()
	return nil
}

func (m *MediaConn) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (m *MediaConn) ApplyAnswer(sd webrtc.SessionDescription) error {
	m.mu.Lock()
	m.Answers = append(m.Answers, sd)
	m.mu.Unlock()
	return nil
}

func (m *MediaConn) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	m.mu.Lock()
	m.Offers++
	m.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (m *MediaConn) OnICECandidate(f func(webrtc.ICECandidateInit)) { m.set(func() { m.onICE = f }) }
func (m *MediaConn) OnNegotiationNeeded(f func())                  { m.set(func() { m.onNegotiation = f }) }
func (m *MediaConn) OnData(f func(core.DataMessage))               { m.set(func() { m.onData = f }) }
func (m *MediaConn) OnClosed(f func())                             { m.set(func() { m.onClosed = f }) }

func (m *MediaConn) OnTrack(f func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	m.set(func() { m.onTrack = f })
}

func (m *MediaConn) set(f func()) {
	m.mu.Lock()
	f()
	m.mu.Unlock()
}

func (m *MediaConn) AddLocalTrack(t *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	m.mu.Lock()
	m.Added = append(m.Added, t)
	cb := m.onNegotiation
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil, nil
}

func (m *MediaConn) RemoveSender(*webrtc.RTPSender) error {
	m.mu.Lock()
	m.Removed++
	m.mu.Unlock()
	return nil
}

func (m *MediaConn) SendData(msg core.DataMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

func (m *MediaConn) RoundTrip() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RTT, m.RTT > 0
}

// Receive simulates a data-channel message arriving from the peer.
func (m *MediaConn) Receive(msg core.DataMessage) {
	m.mu.Lock()
	cb := m.onData
	m.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

// Counts returns added, removed and sent totals.
func (m *MediaConn) Counts() (added, removed, sent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Added), m.Removed, len(m.Sent)
}

func (m *MediaConn) SentData() []core.DataMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.DataMessage(nil), m.Sent...)
}
