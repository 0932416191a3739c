package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/Helpline/internal/adapters/wire"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait   = 5 * time.Second
	sendBuffer  = 32
	reasonLocal = "client initiated"
	reasonLost  = "connection lost"
)

type published struct {
	track  core.LocalTrack
	sender *webrtc.RTPSender
}

// Room is a client connection to one support room on the signaling/SFU server.
type Room struct {
	opts   EngineOptions
	logger zerolog.Logger
	events *dispatcher

	mu            sync.Mutex
	state         core.RoomState
	closed        bool
	canPlay       bool
	local         core.Participant
	pc            *webrtc.PeerConnection
	ws            *websocket.Conn
	send          chan core.Frame
	cancel        context.CancelFunc
	channels      map[string]*webrtc.DataChannel
	published     map[string]published
	pending       []webrtc.ICECandidateInit
	quality       core.ConnectionQuality
	serverQuality core.ConnectionQuality

	// connect handshake; set only while Connect is waiting
	joined    chan struct{}
	connected chan struct{}
	failed    chan error
}

func newRoom(opts EngineOptions) *Room {
	logger := log.With().Str("module", "rtc.room").Logger()
	return &Room{
		opts:      opts,
		logger:    logger,
		events:    newDispatcher(logger),
		canPlay:   opts.Autoplay,
		channels:  make(map[string]*webrtc.DataChannel),
		published: make(map[string]published),
	}
}

func (r *Room) On(h func(core.RoomEvent)) func() { return r.events.on(h) }

func (r *Room) RemoveAllListeners() { r.events.removeAll() }

func (r *Room) State() core.RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Room) LocalParticipant() core.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local
}

func (r *Room) CanPlaybackAudio() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canPlay
}

// StartAudio unlocks remote audio. Callers invoke it from a user gesture.
func (r *Room) StartAudio(context.Context) error {
	r.mu.Lock()
	changed := !r.canPlay
	r.canPlay = true
	r.mu.Unlock()
	if changed {
		r.events.emit(core.RoomEvent{Kind: core.EventAudioPlaybackStatusChanged, CanPlayback: true})
	}
	return nil
}

func (r *Room) setState(s core.RoomState) bool {
	r.mu.Lock()
	if r.state == s {
		r.mu.Unlock()
		return false
	}
	r.state = s
	r.mu.Unlock()
	r.events.emit(core.RoomEvent{Kind: core.EventConnectionStateChanged, State: s})
	return true
}

func signalURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("rtc: bad server url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the signaling server, joins the room bound to token and
// waits until the peer connection is up.
func (r *Room) Connect(ctx context.Context, serverURL, token string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if r.pc != nil {
		r.mu.Unlock()
		return errors.New("rtc: already connected")
	}
	r.joined = make(chan struct{})
	r.connected = make(chan struct{})
	r.failed = make(chan error, 1)
	joined, connected, failed := r.joined, r.connected, r.failed
	r.mu.Unlock()

	r.setState(core.RoomConnecting)
	if err := r.open(ctx, serverURL, token); err != nil {
		r.teardown()
		r.setState(core.RoomDisconnected)
		return err
	}

	var err error
	for joined != nil || connected != nil {
		select {
		case <-joined:
			joined = nil
		case <-connected:
			connected = nil
		case err = <-failed:
		case <-ctx.Done():
			err = fmt.Errorf("rtc: connect: %w", ctx.Err())
		}
		if err != nil {
			break
		}
	}

	r.mu.Lock()
	r.joined, r.connected, r.failed = nil, nil, nil
	r.mu.Unlock()
	if err != nil {
		r.teardown()
		r.setState(core.RoomDisconnected)
		return err
	}
	r.setState(core.RoomConnected)
	r.logger.Info().Str("identity", r.LocalParticipant().Identity).Msg("room connected")
	return nil
}

func (r *Room) open(ctx context.Context, serverURL, token string) error {
	u, err := signalURL(serverURL, token)
	if err != nil {
		return err
	}
	ws, resp, err := r.opts.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("rtc: signal dial: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("rtc: signal dial: %w", err)
	}
	pc, err := r.opts.API.NewPeerConnection(r.opts.Config)
	if err != nil {
		_ = ws.Close()
		return fmt.Errorf("rtc: peer connection: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	send := make(chan core.Frame, sendBuffer)
	r.mu.Lock()
	r.ws, r.pc, r.send, r.cancel = ws, pc, send, cancel
	r.mu.Unlock()

	r.bindPeer(pc)
	go r.writePump(loopCtx, ws, send)
	go r.readPump(loopCtx, ws)
	go r.statsLoop(loopCtx, pc)

	r.sendMsg(wire.Message{Type: wire.TypeJoin})

	// the first channel triggers negotiation, which sends our offer
	if err := r.openChannel(pc, LabelEvents, true); err != nil {
		return err
	}
	return r.openChannel(pc, LabelScreenShare, false)
}

func (r *Room) openChannel(pc *webrtc.PeerConnection, label string, reliable bool) error {
	var init *webrtc.DataChannelInit
	if !reliable {
		ordered, retransmits := false, uint16(0)
		init = &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &retransmits}
	}
	dc, err := pc.CreateDataChannel(label, init)
	if err != nil {
		return fmt.Errorf("rtc: data channel %s: %w", label, err)
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		r.events.emit(core.RoomEvent{Kind: core.EventDataReceived, Topic: label, Payload: msg.Data})
	})
	r.mu.Lock()
	r.channels[label] = dc
	r.mu.Unlock()
	return nil
}

func (r *Room) bindPeer(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		r.sendMsg(wire.Message{Type: wire.TypeCandidate, Candidate: &init})
	})
	pc.OnNegotiationNeeded(func() { r.negotiate(pc, false) })
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		r.logger.Debug().Str("peer_state", s.String()).Msg("peer state")
		r.onPeerState(s)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := newRemoteTrack(track, r.opts.Sinks)
		p := core.Participant{Identity: track.StreamID(), SID: track.StreamID()}
		pub := core.TrackPublication{SID: track.ID(), Name: track.ID(), Kind: rt.Kind(), Source: sourceOf(track)}
		r.events.emit(core.RoomEvent{Kind: core.EventTrackSubscribed, Participant: p, Track: rt, Publication: pub})
		go func() {
			rt.pump()
			r.events.emit(core.RoomEvent{Kind: core.EventTrackUnsubscribed, Participant: p, Track: rt, Publication: pub})
		}()
	})
}

func (r *Room) onPeerState(s webrtc.PeerConnectionState) {
	r.mu.Lock()
	connecting := r.connected != nil
	connected, failed := r.connected, r.failed
	state := r.state
	r.mu.Unlock()

	switch s {
	case webrtc.PeerConnectionStateConnected:
		if connecting {
			select {
			case <-connected:
			default:
				close(connected)
			}
			return
		}
		if state != core.RoomConnected && r.setState(core.RoomConnected) {
			r.events.emit(core.RoomEvent{Kind: core.EventReconnected})
		}
	case webrtc.PeerConnectionStateDisconnected:
		if !connecting && state == core.RoomConnected && r.setState(core.RoomReconnecting) {
			r.events.emit(core.RoomEvent{Kind: core.EventReconnecting})
		}
	case webrtc.PeerConnectionStateFailed:
		if connecting {
			select {
			case failed <- errors.New("rtc: ice connection failed"):
			default:
			}
			return
		}
		// keep the peer so Reconnect can restart ICE on it
		if r.setState(core.RoomDisconnected) {
			r.events.emit(core.RoomEvent{Kind: core.EventDisconnected, Reason: reasonLost + ": ice connection failed"})
		}
	}
}

// lost drops the transport after the signaling socket failed.
func (r *Room) lost(reason string) {
	r.mu.Lock()
	if r.pc == nil || r.closed || r.connected != nil {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.teardown()
	r.setState(core.RoomDisconnected)
	r.events.emit(core.RoomEvent{Kind: core.EventDisconnected, Reason: reasonLost + ": " + reason})
}

// negotiate sends a fresh offer. The server answers on the signaling socket.
func (r *Room) negotiate(pc *webrtc.PeerConnection, iceRestart bool) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := pc.CreateOffer(opts)
	if err != nil {
		r.logger.Warn().Err(err).Msg("create offer failed")
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		r.logger.Warn().Err(err).Msg("set local offer failed")
		return
	}
	r.sendMsg(wire.Message{Type: wire.TypeOffer, SDP: offer.SDP})
}

// Reconnect restarts ICE on the existing peer connection.
func (r *Room) Reconnect(context.Context) error {
	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()
	if pc == nil {
		return ErrNotConnected
	}
	if r.setState(core.RoomReconnecting) {
		r.events.emit(core.RoomEvent{Kind: core.EventReconnecting})
	}
	r.negotiate(pc, true)
	return nil
}

// Disconnect leaves the room. The room cannot be reused afterwards.
func (r *Room) Disconnect(_ context.Context, stopTracks bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	hadPeer := r.pc != nil
	tracks := make([]core.LocalTrack, 0, len(r.published))
	for _, p := range r.published {
		tracks = append(tracks, p.track)
	}
	r.mu.Unlock()

	if hadPeer {
		r.sendMsg(wire.Message{Type: wire.TypeLeave})
	}
	r.teardown()
	if stopTracks {
		for _, t := range tracks {
			_ = t.Stop()
		}
	}
	if r.setState(core.RoomDisconnected) || hadPeer {
		r.events.emit(core.RoomEvent{Kind: core.EventDisconnected, Reason: reasonLocal})
	}
	r.events.close()
	return nil
}

// teardown releases the socket and peer connection without emitting events.
func (r *Room) teardown() {
	r.mu.Lock()
	pc, cancel := r.pc, r.cancel
	r.pc, r.ws, r.send, r.cancel = nil, nil, nil, nil
	r.channels = make(map[string]*webrtc.DataChannel)
	r.published = make(map[string]published)
	r.pending = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("peer close")
		}
	}
}

func (r *Room) PublishTrack(_ context.Context, track core.LocalTrack, opts core.PublishOptions) (core.TrackPublication, error) {
	src, ok := track.(TrackLocalProvider)
	if !ok {
		return core.TrackPublication{}, ErrUnsupportedTrack
	}
	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()
	if pc == nil {
		return core.TrackPublication{}, ErrNotConnected
	}

	local := src.TrackLocal()
	if opts.Name != "" {
		local = namedTrack{TrackLocal: local, id: opts.Name}
	}
	sender, err := pc.AddTrack(local)
	if err != nil {
		return core.TrackPublication{}, fmt.Errorf("rtc: add track: %w", err)
	}
	go drainRTCP(sender)

	r.mu.Lock()
	r.published[track.ID()] = published{track: track, sender: sender}
	r.mu.Unlock()
	return core.TrackPublication{SID: local.ID(), Name: opts.Name, Kind: track.Kind(), Source: opts.Source}, nil
}

func (r *Room) UnpublishTrack(_ context.Context, track core.LocalTrack, stop bool) error {
	r.mu.Lock()
	p, ok := r.published[track.ID()]
	delete(r.published, track.ID())
	pc := r.pc
	r.mu.Unlock()

	var err error
	if ok && pc != nil {
		err = pc.RemoveTrack(p.sender)
	}
	if stop {
		if serr := track.Stop(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// PublishData sends payload on the channel named by opts.Topic. An empty
// topic picks the default channel for the reliability class.
func (r *Room) PublishData(_ context.Context, payload []byte, opts core.DataOptions) error {
	label := opts.Topic
	if label == "" {
		label = LabelScreenShare
		if opts.Reliable {
			label = LabelEvents
		}
	}
	r.mu.Lock()
	dc, ok := r.channels[label]
	pc := r.pc
	r.mu.Unlock()
	if pc == nil {
		return ErrNotConnected
	}
	if !ok {
		if err := r.openChannel(pc, label, opts.Reliable); err != nil {
			return err
		}
		return ErrNoChannel
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNoChannel
	}
	return dc.Send(payload)
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
