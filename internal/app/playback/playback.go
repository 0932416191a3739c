// Package playback keeps remote audio tracks audible: it queues tracks while
// autoplay is blocked, verifies that playback really started and retries a
// bounded number of times when it did not.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Helpline/internal/clock"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts = 3
	DefaultVerifyDelay = 500 * time.Millisecond
	firstRetryDelay    = 100 * time.Millisecond
)

type Options struct {
	Clock       clock.Clock
	Notifier    core.Notifier
	MaxAttempts int
	VerifyDelay time.Duration
}

// element is the bookkeeping for one subscribed remote audio track.
type element struct {
	id          string
	track       core.RemoteTrack
	sink        core.AudioSink
	participant core.Participant
	createdAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	attempts int
	playing  bool
	queued   bool
	closed   bool
	timer    clock.Timer
}

type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	room       core.Room
	detachRoom func()
	autoplay   bool
	elements   map[string]*element
	pending    []*element
}

func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Notifier == nil {
		opts.Notifier = core.NotifierFunc(func(core.Event) {})
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.VerifyDelay <= 0 {
		opts.VerifyDelay = DefaultVerifyDelay
	}
	return &Manager{
		opts:     opts,
		logger:   log.With().Str("module", "app.playback").Logger(),
		elements: make(map[string]*element),
	}
}

func trackKey(participant core.Participant, pub core.TrackPublication) string {
	return participant.Identity + "-" + pub.SID
}

// AttachToRoom picks up the room's autoplay status and follows its changes.
func (m *Manager) AttachToRoom(room core.Room) {
	m.mu.Lock()
	prev := m.detachRoom
	m.room = room
	m.autoplay = room.CanPlaybackAudio()
	m.detachRoom = nil
	m.mu.Unlock()
	if prev != nil {
		prev()
	}

	detach := room.On(func(ev core.RoomEvent) {
		if ev.Kind != core.EventAudioPlaybackStatusChanged {
			return
		}
		m.logger.Info().Bool("can_playback", ev.CanPlayback).Msg("audio playback status changed")
		if ev.CanPlayback {
			m.enableAndFlush(room)
		}
	})
	m.mu.Lock()
	if m.room == room {
		m.detachRoom, detach = detach, nil
	}
	m.mu.Unlock()
	if detach != nil {
		detach()
	}
	m.logger.Info().Bool("autoplay", room.CanPlaybackAudio()).Msg("attached to room")
}

// EnableAudioPlayback unlocks audio output. It must run in response to a user gesture.
func (m *Manager) EnableAudioPlayback(ctx context.Context) error {
	m.mu.Lock()
	room, enabled := m.room, m.autoplay
	m.mu.Unlock()
	if room == nil {
		return core.ErrNoRoom
	}
	if enabled {
		m.logger.Debug().Msg("audio playback already enabled")
		return nil
	}
	if err := room.StartAudio(ctx); err != nil {
		m.logger.Error().Err(err).Msg("enable audio playback failed")
		return err
	}
	m.logger.Info().Msg("audio playback enabled")
	m.enableAndFlush(room)
	return nil
}

func (m *Manager) enableAndFlush(room core.Room) {
	m.mu.Lock()
	if m.room != room {
		m.mu.Unlock()
		return
	}
	m.autoplay = true
	queue := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(queue) > 0 {
		m.logger.Info().Int("count", len(queue)).Msg("processing queued audio")
	}
	for _, e := range queue {
		m.attempt(e)
	}
}

// HandleTrackSubscribed binds a sink to an audio track and starts playback,
// or queues it until autoplay is allowed. Non-audio tracks are ignored.
func (m *Manager) HandleTrackSubscribed(track core.RemoteTrack, pub core.TrackPublication, participant core.Participant) error {
	if track == nil || track.Kind() != core.KindAudio {
		return nil
	}
	id := trackKey(participant, pub)
	sink, err := track.Attach()
	if err != nil {
		m.logger.Error().Err(err).Str("track", id).Msg("attach failed")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &element{
		id:          id,
		track:       track,
		sink:        sink,
		participant: participant,
		createdAt:   m.opts.Clock.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
	sink.Listen(ctx, func(ev core.SinkEvent) { m.onSinkEvent(e, ev) })

	m.mu.Lock()
	old := m.elements[id]
	if old != nil {
		m.dropPendingLocked(old)
	}
	m.elements[id] = e
	autoplay := m.autoplay
	if !autoplay {
		e.queued = true
		m.pending = append(m.pending, e)
	}
	count := len(m.elements)
	m.mu.Unlock()
	if old != nil {
		m.release(old)
	}
	m.logger.Info().Str("track", id).Int("elements", count).Msg("audio track subscribed")

	if autoplay {
		m.attempt(e)
		return nil
	}
	m.logger.Info().Str("track", id).Msg("autoplay blocked, queued")
	m.notifyBlocked()
	return nil
}

func (m *Manager) HandleTrackUnsubscribed(_ core.RemoteTrack, pub core.TrackPublication, participant core.Participant) {
	id := trackKey(participant, pub)
	m.mu.Lock()
	e, ok := m.elements[id]
	if ok {
		delete(m.elements, id)
		m.dropPendingLocked(e)
	}
	count := len(m.elements)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.release(e)
	m.logger.Info().Str("track", id).Int("elements", count).Msg("audio track unsubscribed")
}

func (m *Manager) ActiveElementsCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.elements)
}

func (m *Manager) IsAutoplayEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoplay
}

// Cleanup releases every sink and forgets the room. Safe to call repeatedly.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	all := make([]*element, 0, len(m.elements))
	for _, e := range m.elements {
		all = append(all, e)
	}
	m.elements = make(map[string]*element)
	m.pending = nil
	m.autoplay = false
	m.room = nil
	detach := m.detachRoom
	m.detachRoom = nil
	m.mu.Unlock()

	if detach != nil {
		detach()
	}
	for _, e := range all {
		m.release(e)
	}
	if len(all) > 0 {
		m.logger.Info().Int("count", len(all)).Msg("audio elements cleaned up")
	}
}

func (m *Manager) attempt(e *element) {
	m.mu.Lock()
	if e.closed {
		m.mu.Unlock()
		return
	}
	e.attempts++
	e.queued = false
	n := e.attempts
	m.mu.Unlock()

	m.logger.Debug().Str("track", e.id).Int("attempt", n).Int("max", m.opts.MaxAttempts).Msg("attempting playback")
	err := e.sink.Play(e.ctx)
	if err != nil {
		if errors.Is(err, core.ErrPlaybackNotAllowed) {
			m.logger.Info().Str("track", e.id).Msg("autoplay blocked, waiting for user gesture")
			m.mu.Lock()
			if e.closed {
				m.mu.Unlock()
				return
			}
			m.autoplay = false
			e.queued = true
			m.pending = append(m.pending, e)
			m.mu.Unlock()
			m.notifyBlocked()
			return
		}
		m.logger.Warn().Err(err).Str("track", e.id).Msg("playback failed")
		m.retry(e)
		return
	}

	m.mu.Lock()
	if !e.closed {
		m.stopTimerLocked(e)
		e.timer = m.opts.Clock.AfterFunc(m.opts.VerifyDelay, func() { m.verify(e) })
	}
	m.mu.Unlock()
}

func (m *Manager) verify(e *element) {
	m.mu.Lock()
	if e.closed {
		m.mu.Unlock()
		return
	}
	e.timer = nil
	m.mu.Unlock()

	s := e.sink
	ok := !s.Paused() && !s.Ended() && s.Position() > 0 && s.ReadyState() > core.HaveCurrentData
	if !ok {
		m.logger.Warn().Str("track", e.id).Msg("playback did not start")
		m.retry(e)
		return
	}
	m.mu.Lock()
	e.playing = true
	m.mu.Unlock()
	m.logger.Debug().Str("track", e.id).Msg("playback verified")
}

// retry schedules another attempt after 100ms·3^(attempts-1), up to the
// attempt ceiling.
func (m *Manager) retry(e *element) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.closed || e.queued {
		return
	}
	if e.attempts >= m.opts.MaxAttempts {
		m.logger.Error().Str("track", e.id).Int("max", m.opts.MaxAttempts).Msg("max playback attempts reached, giving up")
		return
	}
	delay := retryDelay(e.attempts)
	m.logger.Debug().Str("track", e.id).Dur("delay", delay).Msg("retrying playback")
	m.stopTimerLocked(e)
	e.timer = m.opts.Clock.AfterFunc(delay, func() {
		m.mu.Lock()
		e.timer = nil
		m.mu.Unlock()
		m.attempt(e)
	})
}

func retryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     firstRetryDelay,
		RandomizationFactor: 0,
		Multiplier:          3,
		MaxInterval:         time.Minute,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (m *Manager) onSinkEvent(e *element, ev core.SinkEvent) {
	switch ev {
	case core.SinkPlaying:
		m.setPlaying(e, true)
	case core.SinkPaused, core.SinkEnded:
		m.setPlaying(e, false)
	case core.SinkStalled:
		m.logger.Warn().Str("track", e.id).Msg("playback stalled")
		m.retry(e)
	case core.SinkError:
		m.logger.Error().Str("track", e.id).Msg("playback error")
		m.retry(e)
	}
}

func (m *Manager) setPlaying(e *element, v bool) {
	m.mu.Lock()
	e.playing = v
	m.mu.Unlock()
}

func (m *Manager) release(e *element) {
	m.mu.Lock()
	e.closed = true
	m.stopTimerLocked(e)
	m.mu.Unlock()

	e.cancel()
	e.track.Detach(e.sink)
	e.sink.Pause()
	e.sink.ClearSource()
}

func (m *Manager) stopTimerLocked(e *element) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (m *Manager) dropPendingLocked(e *element) {
	for i, p := range m.pending {
		if p == e {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

func (m *Manager) notifyBlocked() {
	m.opts.Notifier.Notify(core.Event{
		Type:    core.EventAudioBlocked,
		Payload: map[string]any{"message": "Click to enable audio"},
	})
}
