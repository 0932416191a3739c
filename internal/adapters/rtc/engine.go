package rtc

import (
	"errors"
	"time"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNotConnected     = errors.New("rtc: room not connected")
	ErrRoomClosed       = errors.New("rtc: room closed")
	ErrUnsupportedTrack = errors.New("rtc: track has no webrtc source")
	ErrNoSink           = errors.New("rtc: no audio output configured")
)

// TrackLocalProvider is implemented by capture tracks that can be sent over WebRTC.
type TrackLocalProvider interface {
	TrackLocal() webrtc.TrackLocal
}

// PacketWriter is implemented by sinks fed with raw RTP from a remote track.
type PacketWriter interface {
	WriteRTP(*rtp.Packet) error
}

// SinkFactory opens an audio sink for a remote track with the given codec.
type SinkFactory func(trackID string, codec webrtc.RTPCodecParameters) (core.AudioSink, error)

type EngineOptions struct {
	API    *webrtc.API
	Config webrtc.Configuration
	Dialer *websocket.Dialer
	// Autoplay starts rooms with audio playback already allowed.
	Autoplay   bool
	Sinks      SinkFactory
	StatsEvery time.Duration
}

// Engine creates client rooms backed by pion.
type Engine struct {
	opts EngineOptions
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.API == nil {
		api, err := NewAPI(nil)
		if err != nil {
			return nil, err
		}
		opts.API = api
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.StatsEvery <= 0 {
		opts.StatsEvery = 2 * time.Second
	}
	return &Engine{opts: opts}, nil
}

func (e *Engine) NewRoom() core.Room {
	return newRoom(e.opts)
}
