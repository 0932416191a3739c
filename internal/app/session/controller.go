// Package session owns the life of one support session: credentials, the
// room connection, local media and the guaranteed teardown of all of it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Helpline/internal/app/capture"
	"github.com/dkeye/Helpline/internal/app/playback"
	"github.com/dkeye/Helpline/internal/app/tracker"
	"github.com/dkeye/Helpline/internal/clock"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSettleDelay  = 500 * time.Millisecond
	DefaultStartTimeout = 45 * time.Second
)

var (
	ErrMicrophoneDenied = errors.New("Microphone access denied. Please allow microphone access in the side panel first.")
	ErrNoMicrophone     = errors.New("No microphone found. Please connect a microphone and try again.")
	ErrNoSession        = errors.New("no active session")
	ErrSessionEnded     = errors.New("session ended while starting")
)

type Options struct {
	Clock    clock.Clock
	Auth     core.BearerSource
	Tokens   core.TokenIssuer
	Log      core.SessionLog
	Engine   core.Engine
	Devices  core.MediaDevices
	Notifier core.Notifier

	MaxReconnectionAttempts int
	CaptureInterval         time.Duration
	// SettleDelay is the pause after clearing leftovers of a previous session.
	SettleDelay time.Duration
	// StartTimeout bounds one shared start. Callers leaving early do not cancel it.
	StartTimeout time.Duration
}

type Controller struct {
	opts     Options
	logger   zerolog.Logger
	tracker  *tracker.Tracker
	playback *playback.Manager
	starts   singleflight.Group
	endMu    sync.Mutex

	mu          sync.Mutex
	state       domain.SessionState
	session     *domain.Session
	epoch       uint64
	bearer      string
	room        core.Room
	mic         core.LocalTrack
	screen      core.LocalTrack
	screenAudio core.LocalTrack
	sampler     *capture.Sampler
	sharing     bool
}

func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Notifier == nil {
		opts.Notifier = core.NotifierFunc(func(core.Event) {})
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	c := &Controller{
		opts:   opts,
		logger: log.With().Str("module", "app.session").Logger(),
		tracker: tracker.New(tracker.Options{
			Clock:                   opts.Clock,
			MaxReconnectionAttempts: opts.MaxReconnectionAttempts,
		}),
		playback: playback.New(playback.Options{Clock: opts.Clock, Notifier: opts.Notifier}),
		state:    domain.SessionIdle,
	}
	c.tracker.OnStateChange(c.onConnectionState)
	return c
}

func (c *Controller) onConnectionState(ev tracker.StateChange) {
	c.logger.Info().Str("from", string(ev.From)).Str("to", string(ev.To)).Str("reason", ev.Reason).Msg("connection state changed")
	c.opts.Notifier.Notify(core.Event{
		Type: core.EventConnectionStateChangedMsg,
		Payload: map[string]any{
			"state":     string(ev.To),
			"from":      string(ev.From),
			"reason":    ev.Reason,
			"timestamp": ev.Timestamp.UnixMilli(),
		},
	})
	if ev.To == domain.StateFailed {
		reason := ev.Reason
		if reason == "" {
			reason = "Unknown connection failure"
		}
		c.opts.Notifier.Notify(core.Event{
			Type:    core.EventConnectionFailed,
			Payload: map[string]any{"reason": reason},
		})
	}
	if ev.From == domain.StateReconnecting && ev.To == domain.StateConnected {
		c.opts.Notifier.Notify(core.Event{
			Type:    core.EventConnectionRecovered,
			Payload: map[string]any{"message": "Connection restored successfully"},
		})
	}
}

// StartSession connects a new session, or returns the active one. Concurrent
// callers share the result of a single start.
func (c *Controller) StartSession(ctx context.Context) (*domain.Session, error) {
	if s := c.activeSession(); s != nil {
		c.logger.Debug().Str("session", s.SessionID).Msg("session already active")
		return s, nil
	}
	ch := c.starts.DoChan("start", func() (any, error) {
		if s := c.activeSession(); s != nil {
			return s, nil
		}
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.StartTimeout)
		defer cancel()
		return c.start(startCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := *res.Val.(*domain.Session)
		return &s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) activeSession() *domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.SessionConnected && c.session != nil {
		s := *c.session
		return &s
	}
	return nil
}

func (c *Controller) start(ctx context.Context) (*domain.Session, error) {
	c.mu.Lock()
	leftover := c.room != nil || c.mic != nil || c.screen != nil || c.screenAudio != nil
	c.mu.Unlock()
	if leftover || c.playback.ActiveElementsCount() > 0 {
		c.logger.Warn().Msg("leftover session resources, forcing cleanup")
		c.EndSession(ctx)
		if err := clock.Sleep(ctx, c.opts.Clock, c.opts.SettleDelay); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.state = domain.SessionConnecting
	epoch := c.epoch
	c.mu.Unlock()

	s, err := c.connect(ctx, epoch)
	if err != nil {
		c.logger.Error().Err(err).Msg("session start failed")
		c.EndSession(ctx)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return nil, ErrSessionEnded
	}
	s.State = domain.SessionConnected
	c.state = domain.SessionConnected
	c.session = s
	c.logger.Info().Str("session", s.SessionID).Str("room", string(s.RoomName)).Msg("session started")
	out := *s
	return &out, nil
}

func (c *Controller) connect(ctx context.Context, epoch uint64) (*domain.Session, error) {
	bearer, err := c.opts.Auth.Token(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.bearer = bearer
	c.mu.Unlock()

	cred, err := c.opts.Tokens.IssueRoomToken(ctx, bearer)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("session", cred.SessionID).Str("room", string(cred.RoomName)).Str("server", cred.ServerURL).Msg("room credential issued")

	room := c.opts.Engine.NewRoom()
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil, ErrSessionEnded
	}
	c.room = room
	c.mu.Unlock()

	c.tracker.Attach(room)
	c.playback.AttachToRoom(room)
	room.On(c.forward(cred.SessionID))

	c.tracker.StartConnecting()
	if err := room.Connect(ctx, cred.ServerURL, cred.AccessToken); err != nil {
		return nil, fmt.Errorf("connect room: %w", err)
	}
	c.tracker.MarkConnected()

	if err := c.playback.EnableAudioPlayback(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("audio playback not enabled, waiting for user gesture")
	}
	if err := c.publishMicrophone(ctx, room, epoch); err != nil {
		return nil, err
	}

	return &domain.Session{
		SessionID: cred.SessionID,
		RoomName:  cred.RoomName,
		StartedAt: c.opts.Clock.Now(),
	}, nil
}

func (c *Controller) forward(sessionID string) func(core.RoomEvent) {
	return func(ev core.RoomEvent) {
		switch ev.Kind {
		case core.EventParticipantConnected:
			c.opts.Notifier.Notify(core.Event{
				Type:    core.EventParticipantConnectedMsg,
				Payload: map[string]any{"participant": ev.Participant.Identity, "sessionId": sessionID},
			})
		case core.EventTrackSubscribed:
			if ev.Track != nil && ev.Track.Kind() == core.KindAudio {
				_ = c.playback.HandleTrackSubscribed(ev.Track, ev.Publication, ev.Participant)
			}
			c.opts.Notifier.Notify(core.Event{
				Type:    core.EventTrackSubscribedMsg,
				Payload: map[string]any{"participant": ev.Participant.Identity, "track": ev.Publication.SID},
			})
		case core.EventTrackUnsubscribed:
			if ev.Track != nil && ev.Track.Kind() == core.KindAudio {
				c.playback.HandleTrackUnsubscribed(ev.Track, ev.Publication, ev.Participant)
			}
		case core.EventConnectionStateChanged:
			c.opts.Notifier.Notify(core.Event{
				Type:    core.EventConnectionStateChangedMsg,
				Payload: map[string]any{"state": ev.State.String(), "sessionId": sessionID},
			})
		}
	}
}

func (c *Controller) publishMicrophone(ctx context.Context, room core.Room, epoch uint64) error {
	track, err := c.opts.Devices.Microphone(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("microphone unavailable")
		return microphoneError(err)
	}
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		_ = track.Stop()
		return ErrSessionEnded
	}
	c.mic = track
	c.mu.Unlock()

	if _, err := room.PublishTrack(ctx, track, core.PublishOptions{Name: "microphone", Source: core.SourceMicrophone}); err != nil {
		c.logger.Error().Err(err).Msg("publish microphone failed")
		return microphoneError(err)
	}
	c.logger.Info().Msg("microphone published")
	return nil
}

func microphoneError(err error) error {
	switch {
	case errors.Is(err, core.ErrPermissionDenied):
		return ErrMicrophoneDenied
	case errors.Is(err, core.ErrDeviceNotFound):
		return ErrNoMicrophone
	default:
		return fmt.Errorf("Failed to publish microphone: %w", err)
	}
}

// EndSession tears down everything the session acquired. It is the only
// teardown path and is safe to call at any time, any number of times.
func (c *Controller) EndSession(ctx context.Context) {
	c.endMu.Lock()
	defer c.endMu.Unlock()

	c.mu.Lock()
	c.epoch++
	room := c.room
	sampler := c.sampler
	tracks := []struct {
		name  string
		track core.LocalTrack
	}{{"microphone", c.mic}, {"screen", c.screen}, {"system audio", c.screenAudio}}
	c.mic, c.screen, c.screenAudio, c.sampler = nil, nil, nil, nil
	c.sharing = false
	c.mu.Unlock()

	c.guard("start disconnecting", func() error { c.tracker.StartDisconnecting(); return nil })
	if room != nil {
		c.guard("remove listeners", func() error { room.RemoveAllListeners(); return nil })
	}
	if sampler != nil {
		c.guard("stop sampler", func() error { sampler.Stop(); return nil })
	}
	for _, t := range tracks {
		if t.track == nil {
			continue
		}
		if room != nil {
			c.guard("unpublish "+t.name, func() error { return room.UnpublishTrack(ctx, t.track, false) })
		}
		c.guard("stop "+t.name, t.track.Stop)
	}
	if room != nil {
		c.guard("disconnect", func() error { return room.Disconnect(ctx, true) })
	}

	c.mu.Lock()
	c.room = nil
	c.state = domain.SessionIdle
	c.session = nil
	c.bearer = ""
	c.mu.Unlock()

	c.guard("mark disconnected", func() error { c.tracker.MarkDisconnected(); return nil })
	c.guard("detach tracker", func() error { c.tracker.Detach(); return nil })
	c.guard("playback cleanup", func() error { c.playback.Cleanup(); return nil })
	if room != nil {
		c.logger.Info().Msg("session cleanup complete")
	}
}

// guard runs one teardown step; failures are logged and never stop the teardown.
func (c *Controller) guard(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("step", step).Msg("teardown step panicked")
		}
	}()
	if err := fn(); err != nil {
		c.logger.Warn().Err(err).Str("step", step).Msg("teardown step failed")
	}
}

func (c *Controller) SetMicrophoneMuted(muted bool) {
	c.mu.Lock()
	mic := c.mic
	c.mu.Unlock()
	if mic != nil {
		mic.SetMuted(muted)
	}
}

// StartScreenShare publishes the display and starts frame sampling. It is a
// no-op while a share is already running.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if c.screen != nil || c.sharing {
		c.mu.Unlock()
		c.logger.Warn().Msg("screen share already active")
		return nil
	}
	room, epoch := c.room, c.epoch
	if room == nil || c.session == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	sessionID := c.session.SessionID
	c.sharing = true
	c.mu.Unlock()

	err := c.startScreenShare(ctx, room, epoch, sessionID)
	if err != nil {
		c.mu.Lock()
		if c.epoch == epoch {
			c.sharing = false
		}
		c.mu.Unlock()
	}
	return err
}

func (c *Controller) startScreenShare(ctx context.Context, room core.Room, epoch uint64, sessionID string) error {
	bearer, err := c.ensureBearer(ctx)
	if err != nil {
		return err
	}
	video, audio, err := c.opts.Devices.Display(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		stopAll(video, audio)
		return ErrSessionEnded
	}
	c.screen, c.screenAudio = video, audio
	c.mu.Unlock()

	if _, err := room.PublishTrack(ctx, video, core.PublishOptions{Name: "screen-share", Source: core.SourceScreenShare}); err != nil {
		c.dropScreen(ctx, room, video)
		return fmt.Errorf("publish screen: %w", err)
	}
	if audio != nil {
		if _, err := room.PublishTrack(ctx, audio, core.PublishOptions{Name: "system-audio", Source: core.SourceScreenShareAudio}); err != nil {
			c.dropScreen(ctx, room, video)
			return fmt.Errorf("publish system audio: %w", err)
		}
	}

	sampler := capture.New(capture.Options{
		Clock:     c.opts.Clock,
		Interval:  c.opts.CaptureInterval,
		SessionID: sessionID,
		Bearer:    staticBearer(bearer),
		Log:       c.opts.Log,
		Room:      room,
	})
	c.mu.Lock()
	if c.epoch != epoch || c.screen != video {
		c.mu.Unlock()
		return ErrSessionEnded
	}
	c.sampler = sampler
	c.mu.Unlock()
	sampler.Start(video)

	video.OnEnded(func(err error) {
		c.logger.Info().Err(err).Msg("screen share ended by the system")
		if c.dropScreen(context.Background(), room, video) {
			c.opts.Notifier.Notify(core.Event{
				Type:    core.EventScreenShareEnded,
				Payload: map[string]any{"sessionId": sessionID},
			})
		}
	})
	c.logger.Info().Bool("system_audio", audio != nil).Msg("screen share published")
	return nil
}

// dropScreen unpublishes and stops the share owned by video. It reports
// false when video is no longer the active share.
func (c *Controller) dropScreen(ctx context.Context, room core.Room, video core.LocalTrack) bool {
	c.mu.Lock()
	if c.screen != video {
		c.mu.Unlock()
		return false
	}
	audio, sampler := c.screenAudio, c.sampler
	c.screen, c.screenAudio, c.sampler = nil, nil, nil
	c.sharing = false
	c.mu.Unlock()

	c.guard("unpublish screen", func() error { return room.UnpublishTrack(ctx, video, false) })
	c.guard("stop screen", video.Stop)
	if audio != nil {
		c.guard("unpublish system audio", func() error { return room.UnpublishTrack(ctx, audio, false) })
		c.guard("stop system audio", audio.Stop)
	}
	if sampler != nil {
		sampler.Stop()
	}
	return true
}

func stopAll(tracks ...core.LocalTrack) {
	for _, t := range tracks {
		if t != nil {
			_ = t.Stop()
		}
	}
}

// EnableAudio unlocks remote audio; call it from a user gesture.
func (c *Controller) EnableAudio(ctx context.Context) error {
	return c.playback.EnableAudioPlayback(ctx)
}

// LogEvent records a client-side event against the active session.
func (c *Controller) LogEvent(ctx context.Context, event string, data map[string]any) error {
	id, bearer, err := c.sessionCall(ctx)
	if err != nil {
		return err
	}
	return c.opts.Log.LogEvent(ctx, bearer, id, event, data)
}

func (c *Controller) SubmitFeedback(ctx context.Context, rating float64, comment string) error {
	id, bearer, err := c.sessionCall(ctx)
	if err != nil {
		return err
	}
	return c.opts.Log.SubmitFeedback(ctx, bearer, id, rating, comment)
}

func (c *Controller) sessionCall(ctx context.Context) (sessionID, bearer string, err error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil || c.opts.Log == nil {
		return "", "", ErrNoSession
	}
	bearer, err = c.ensureBearer(ctx)
	return s.SessionID, bearer, err
}

// ensureBearer returns the cached bearer credential, fetching it once if needed.
func (c *Controller) ensureBearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	b := c.bearer
	c.mu.Unlock()
	if b != "" {
		return b, nil
	}
	b, err := c.opts.Auth.Token(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearer = b
	c.mu.Unlock()
	return b, nil
}

// Session returns a copy of the active session, or nil.
func (c *Controller) Session() *domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

func (c *Controller) ConnectionState() domain.ConnectionState { return c.tracker.State() }

func (c *Controller) Metrics() tracker.Metrics { return c.tracker.Metrics() }

func (c *Controller) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

// Close ends any session and releases the tracker.
func (c *Controller) Close(ctx context.Context) {
	c.EndSession(ctx)
	c.tracker.Destroy()
}

type staticBearer string

func (b staticBearer) Token(context.Context) (string, error) { return string(b), nil }
