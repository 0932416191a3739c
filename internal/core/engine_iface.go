package core

import (
	"context"
	"time"
)

// RoomState is the media engine's own view of its connection.
type RoomState int

const (
	RoomDisconnected RoomState = iota
	RoomConnecting
	RoomConnected
	RoomReconnecting
)

func (s RoomState) String() string {
	switch s {
	case RoomConnecting:
		return "connecting"
	case RoomConnected:
		return "connected"
	case RoomReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

type ConnectionQuality int

const (
	QualityUnknown ConnectionQuality = iota
	QualityPoor
	QualityGood
	QualityExcellent
	QualityLost
)

func (q ConnectionQuality) String() string {
	switch q {
	case QualityPoor:
		return "poor"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	case QualityLost:
		return "lost"
	default:
		return "unknown"
	}
}

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

type TrackSource string

const (
	SourceMicrophone       TrackSource = "microphone"
	SourceScreenShare      TrackSource = "screen_share"
	SourceScreenShareAudio TrackSource = "screen_share_audio"
	SourceUnknown          TrackSource = "unknown"
)

type Participant struct {
	Identity string `json:"identity"`
	SID      string `json:"sid"`
	Name     string `json:"name,omitempty"`
}

type TrackPublication struct {
	SID    string      `json:"sid"`
	Name   string      `json:"name"`
	Kind   TrackKind   `json:"kind"`
	Source TrackSource `json:"source"`
}

type RoomEventKind int

const (
	EventConnectionStateChanged RoomEventKind = iota
	EventReconnecting
	EventReconnected
	EventDisconnected
	EventConnectionQualityChanged
	EventParticipantConnected
	EventParticipantDisconnected
	EventTrackSubscribed
	EventTrackUnsubscribed
	EventAudioPlaybackStatusChanged
	EventDataReceived
)

// RoomEvent is one notification from the media engine. Only the fields
// relevant to Kind are set.
type RoomEvent struct {
	Kind        RoomEventKind
	State       RoomState
	Reason      string
	Quality     ConnectionQuality
	Participant Participant
	Track       RemoteTrack
	Publication TrackPublication
	CanPlayback bool
	Topic       string
	Payload     []byte
}

type DataOptions struct {
	Reliable bool
	Topic    string
}

type PublishOptions struct {
	Name   string
	Source TrackSource
}

// Room is the capability surface of the external real-time media engine.
// Events are delivered in emission order from a single goroutine.
type Room interface {
	Connect(ctx context.Context, url, token string) error
	// Disconnect closes the connection; stopTracks also stops every published local track.
	Disconnect(ctx context.Context, stopTracks bool) error
	State() RoomState

	// On registers h and returns a function that removes it.
	On(h func(RoomEvent)) (unsubscribe func())
	RemoveAllListeners()

	CanPlaybackAudio() bool
	// StartAudio must be invoked from a user-gesture context.
	StartAudio(ctx context.Context) error

	LocalParticipant() Participant
	PublishTrack(ctx context.Context, track LocalTrack, opts PublishOptions) (TrackPublication, error)
	UnpublishTrack(ctx context.Context, track LocalTrack, stop bool) error
	PublishData(ctx context.Context, payload []byte, opts DataOptions) error
}

// Reconnector is implemented by rooms that can re-establish transport on request.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Engine creates rooms.
type Engine interface {
	NewRoom() Room
}

type RemoteTrack interface {
	SID() string
	Kind() TrackKind
	// Attach creates a sink that renders the track.
	Attach() (AudioSink, error)
	Detach(AudioSink)
}

// LocalTrack is a captured media track owned by the session controller.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Stop() error
	SetMuted(muted bool)
	// OnEnded fires once when the track ends outside the app's control.
	OnEnded(func(error))
}

// ReadyState mirrors how much media a sink has buffered.
type ReadyState int

const (
	HaveNothing ReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

type SinkEvent int

const (
	SinkPlaying SinkEvent = iota
	SinkPaused
	SinkEnded
	SinkStalled
	SinkError
)

// AudioSink renders one remote audio track.
type AudioSink interface {
	// Play returns ErrPlaybackNotAllowed when the platform blocks autoplay.
	Play(ctx context.Context) error
	Pause()
	Paused() bool
	Ended() bool
	Position() time.Duration
	ReadyState() ReadyState
	// Listen delivers sink events to fn until ctx is done.
	Listen(ctx context.Context, fn func(SinkEvent))
	ClearSource()
}
