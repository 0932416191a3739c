package core

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
)

// DataMessage is one data-channel payload relayed between room members.
type DataMessage struct {
	Topic    string
	Reliable bool
	From     SessionID
	Payload  []byte
}

// MediaConnection is the server side of one member's peer connection.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool

	AddICECandidate(webrtc.ICECandidateInit) error
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	CreateAndSetOffer() (*webrtc.SessionDescription, error)

	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack is invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnNegotiationNeeded fires after local tracks were added or removed.
	OnNegotiationNeeded(func())
	OnData(func(DataMessage))
	// OnClosed sets a callback for cleanup of the media session.
	OnClosed(func())

	AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)
	RemoveSender(*webrtc.RTPSender) error
	// SendData writes to the channel whose label equals msg.Topic.
	SendData(msg DataMessage) error
	// RoundTrip returns the latest ICE round-trip time, if one was measured.
	RoundTrip() (time.Duration, bool)
}
