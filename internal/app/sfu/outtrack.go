package sfu

import (
	"sync/atomic"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// OutTrack is a single forwarded track on one subscriber's peer connection.
type OutTrack struct {
	Track  *webrtc.TrackLocalStaticRTP
	Sender *webrtc.RTPSender
	Dst    core.MediaConnection
	state  atomic.Int32 // zero is TrackStateOk
}

func NewOutTrack(track *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender, dst core.MediaConnection) *OutTrack {
	return &OutTrack{Track: track, Sender: sender, Dst: dst}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.Store(int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.Store(int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

// detach removes the sender from the subscriber. Safe to call more than once.
func (ot *OutTrack) detach() error {
	if ot.Dst == nil || ot.Dst.IsClosed() {
		return nil
	}
	return ot.Dst.RemoveSender(ot.Sender)
}
