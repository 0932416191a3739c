package rtc

import (
	"slices"
	"sync"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/pion/webrtc/v4"
)

// enderSink is implemented by sinks that want to know the source is gone.
type enderSink interface {
	End()
}

// remoteTrack pumps RTP from one subscribed track into its attached sinks.
type remoteTrack struct {
	track *webrtc.TrackRemote
	sinks SinkFactory

	mu       sync.Mutex
	attached []core.AudioSink
}

func newRemoteTrack(track *webrtc.TrackRemote, sinks SinkFactory) *remoteTrack {
	return &remoteTrack{track: track, sinks: sinks}
}

func (t *remoteTrack) SID() string { return t.track.ID() }

func (t *remoteTrack) Kind() core.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return core.KindVideo
	}
	return core.KindAudio
}

func (t *remoteTrack) Attach() (core.AudioSink, error) {
	if t.sinks == nil {
		return nil, ErrNoSink
	}
	s, err := t.sinks(t.track.ID(), t.track.Codec())
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.attached = append(t.attached, s)
	t.mu.Unlock()
	return s, nil
}

func (t *remoteTrack) Detach(s core.AudioSink) {
	t.mu.Lock()
	t.attached = slices.DeleteFunc(t.attached, func(x core.AudioSink) bool { return x == s })
	t.mu.Unlock()
}

// pump runs until the track stops delivering packets.
func (t *remoteTrack) pump() {
	for {
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			break
		}
		t.mu.Lock()
		sinks := slices.Clone(t.attached)
		t.mu.Unlock()
		for _, s := range sinks {
			if w, ok := s.(PacketWriter); ok {
				_ = w.WriteRTP(pkt)
			}
		}
	}
	t.mu.Lock()
	sinks := t.attached
	t.attached = nil
	t.mu.Unlock()
	for _, s := range sinks {
		if e, ok := s.(enderSink); ok {
			e.End()
		}
	}
}

func sourceOf(track *webrtc.TrackRemote) core.TrackSource {
	switch {
	case track.Kind() == webrtc.RTPCodecTypeVideo:
		return core.SourceScreenShare
	case track.ID() == string(core.SourceScreenShareAudio), track.ID() == "system-audio":
		return core.SourceScreenShareAudio
	default:
		return core.SourceMicrophone
	}
}

// namedTrack publishes a capture track under a stable id so subscribers can
// tell the microphone from system audio.
type namedTrack struct {
	webrtc.TrackLocal
	id string
}

func (n namedTrack) ID() string { return n.id }
