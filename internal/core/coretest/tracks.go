package coretest

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/dkeye/Helpline/internal/core"
)

// Sink is a scriptable core.AudioSink.
type Sink struct {
	mu        sync.Mutex
	paused    bool
	ended     bool
	position  time.Duration
	ready     core.ReadyState
	listeners []sinkListener
	cleared   bool
	PlayCalls int
	PlayErrs  []error
	// Healthy makes a successful Play advance position and buffer.
	Healthy bool
}

type sinkListener struct {
	ctx context.Context
	fn  func(core.SinkEvent)
}

func NewSink() *Sink { return &Sink{paused: true, Healthy: true} }

func (s *Sink) Play(context.Context) error {
	s.mu.Lock()
	s.PlayCalls++
	var err error
	if len(s.PlayErrs) > 0 {
		err, s.PlayErrs = s.PlayErrs[0], s.PlayErrs[1:]
	}
	if err == nil {
		s.paused = false
		if s.Healthy {
			s.position = 20 * time.Millisecond
			s.ready = core.HaveEnoughData
		}
	}
	s.mu.Unlock()
	if err == nil {
		s.Fire(core.SinkPlaying)
	}
	return err
}

func (s *Sink) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *Sink) Paused() bool            { s.mu.Lock(); defer s.mu.Unlock(); return s.paused }
func (s *Sink) Ended() bool             { s.mu.Lock(); defer s.mu.Unlock(); return s.ended }
func (s *Sink) Position() time.Duration { s.mu.Lock(); defer s.mu.Unlock(); return s.position }
func (s *Sink) ReadyState() core.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Sink) Listen(ctx context.Context, fn func(core.SinkEvent)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, sinkListener{ctx: ctx, fn: fn})
	s.mu.Unlock()
}

// Fire delivers ev to listeners whose context is still live.
func (s *Sink) Fire(ev core.SinkEvent) {
	s.mu.Lock()
	ls := append([]sinkListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range ls {
		if l.ctx.Err() == nil {
			l.fn(ev)
		}
	}
}

func (s *Sink) LiveListeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.listeners {
		if l.ctx.Err() == nil {
			n++
		}
	}
	return n
}

func (s *Sink) ClearSource() {
	s.mu.Lock()
	s.cleared = true
	s.mu.Unlock()
}

func (s *Sink) Cleared() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.cleared }

// RemoteTrack hands out a fixed sink.
type RemoteTrack struct {
	TrackSID  string
	TrackKind core.TrackKind
	Sink      *Sink

	mu       sync.Mutex
	detached int
}

func NewRemoteAudio(sid string) *RemoteTrack {
	return &RemoteTrack{TrackSID: sid, TrackKind: core.KindAudio, Sink: NewSink()}
}

func (t *RemoteTrack) SID() string                     { return t.TrackSID }
func (t *RemoteTrack) Kind() core.TrackKind            { return t.TrackKind }
func (t *RemoteTrack) Attach() (core.AudioSink, error) { return t.Sink, nil }
func (t *RemoteTrack) Detach(core.AudioSink) {
	t.mu.Lock()
	t.detached++
	t.mu.Unlock()
}

func (t *RemoteTrack) Detached() int { t.mu.Lock(); defer t.mu.Unlock(); return t.detached }

// LocalTrack records Stop/mute calls and lets tests end it.
type LocalTrack struct {
	TrackID   string
	TrackKind core.TrackKind

	mu      sync.Mutex
	stopped int
	muted   bool
	onEnded func(error)
}

func NewLocalTrack(id string, kind core.TrackKind) *LocalTrack {
	return &LocalTrack{TrackID: id, TrackKind: kind}
}

func (t *LocalTrack) ID() string           { return t.TrackID }
func (t *LocalTrack) Kind() core.TrackKind { return t.TrackKind }
func (t *LocalTrack) Stop() error {
	t.mu.Lock()
	t.stopped++
	t.mu.Unlock()
	return nil
}
func (t *LocalTrack) SetMuted(m bool) { t.mu.Lock(); t.muted = m; t.mu.Unlock() }
func (t *LocalTrack) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *LocalTrack) Stopped() int { t.mu.Lock(); defer t.mu.Unlock(); return t.stopped }
func (t *LocalTrack) Muted() bool  { t.mu.Lock(); defer t.mu.Unlock(); return t.muted }

// End simulates the OS ending the track.
func (t *LocalTrack) End(err error) {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// VideoTrack is a LocalTrack that can grab frames.
type VideoTrack struct {
	*LocalTrack
	Grab func(ctx context.Context) (image.Image, error)
}

func (v *VideoTrack) GrabFrame(ctx context.Context) (image.Image, error) { return v.Grab(ctx) }
