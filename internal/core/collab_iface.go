package core

import (
	"context"
	"image"

	"github.com/dkeye/Helpline/internal/domain"
)

// BearerSource yields the user's bearer credential.
type BearerSource interface {
	Token(ctx context.Context) (string, error)
}

type TokenIssuer interface {
	IssueRoomToken(ctx context.Context, bearer string) (*domain.RoomCredential, error)
}

// SessionLog is the backend's telemetry surface.
type SessionLog interface {
	UploadScreenFrame(ctx context.Context, bearer, sessionID string, frame domain.ScreenFrameUpload) error
	EndScreenShare(ctx context.Context, bearer, sessionID string) error
	LogEvent(ctx context.Context, bearer, sessionID string, event string, data map[string]any) error
	SubmitFeedback(ctx context.Context, bearer, sessionID string, rating float64, comment string) error
}

// MediaDevices acquires local capture tracks.
type MediaDevices interface {
	Microphone(ctx context.Context) (LocalTrack, error)
	// Display returns the screen video track and, when available, system audio.
	Display(ctx context.Context) (video LocalTrack, audio LocalTrack, err error)
}

// FrameGrabber is implemented by video tracks that can hand out raw frames.
type FrameGrabber interface {
	GrabFrame(ctx context.Context) (image.Image, error)
}

type EventType string

const (
	EventConnectionStateChangedMsg EventType = "CONNECTION_STATE_CHANGED"
	EventConnectionFailed          EventType = "CONNECTION_FAILED"
	EventConnectionRecovered       EventType = "CONNECTION_RECOVERED"
	EventScreenShareEnded          EventType = "SCREEN_SHARE_ENDED"
	EventParticipantConnectedMsg   EventType = "PARTICIPANT_CONNECTED"
	EventTrackSubscribedMsg        EventType = "TRACK_SUBSCRIBED"
	EventAudioBlocked              EventType = "AUDIO_BLOCKED"
)

// Event is a push notification to the UI shell.
type Event struct {
	Type    EventType      `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Notifier delivers events to the UI shell. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }
