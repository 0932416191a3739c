// Package capture samples the shared screen on a fixed period and ships a
// compact summary of every frame to the backend and to room peers.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Helpline/internal/clock"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval = 2 * time.Second
	Topic           = "screen-share"
	FrameSource     = "screen-track"
	MessageType     = "SCREEN_FRAME"

	endShareTimeout = 5 * time.Second
)

type Options struct {
	Clock     clock.Clock
	Interval  time.Duration
	SessionID string
	Bearer    core.BearerSource
	Log       core.SessionLog
	Room      core.Room
}

// loop is one Start..Stop cycle. In-flight captures only ever touch their own loop.
type loop struct {
	ctx     context.Context
	cancel  context.CancelFunc
	grabber core.FrameGrabber
	busy    atomic.Bool
	timer   clock.Timer
}

type Sampler struct {
	opts   Options
	logger zerolog.Logger

	mu   sync.Mutex
	loop *loop

	captured atomic.Int64
	skipped  atomic.Int64
}

func New(opts Options) *Sampler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Sampler{
		opts:   opts,
		logger: log.With().Str("module", "app.capture").Str("session", opts.SessionID).Logger(),
	}
}

// Start begins sampling track. Tracks that cannot hand out frames are ignored.
func (s *Sampler) Start(track core.LocalTrack) {
	grabber, ok := track.(core.FrameGrabber)
	if !ok {
		s.logger.Warn().Msg("track cannot grab frames, screen capture disabled")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{ctx: ctx, cancel: cancel, grabber: grabber}

	s.mu.Lock()
	if s.loop != nil {
		s.loop.halt()
	}
	s.loop = l
	s.mu.Unlock()

	s.logger.Info().Dur("interval", s.opts.Interval).Msg("screen capture started")
	s.trigger(l)
	s.arm(l)
}

// Stop cancels the loop and tells the backend the share is over.
func (s *Sampler) Stop() {
	s.mu.Lock()
	l := s.loop
	s.loop = nil
	if l != nil {
		l.halt()
	}
	s.mu.Unlock()
	if l == nil {
		return
	}
	s.logger.Info().Int64("captured", s.captured.Load()).Int64("skipped", s.skipped.Load()).Msg("screen capture stopped")

	if s.opts.Log == nil || s.opts.SessionID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), endShareTimeout)
		defer cancel()
		bearer, err := s.bearer(ctx)
		if err != nil {
			return
		}
		if err := s.opts.Log.EndScreenShare(ctx, bearer, s.opts.SessionID); err != nil {
			s.logger.Debug().Err(err).Msg("end screen share notify failed")
		}
	}()
}

func (s *Sampler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop != nil
}

// halt must be called with Sampler.mu held.
func (l *loop) halt() {
	l.cancel()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.busy.Store(false)
}

func (s *Sampler) arm(l *loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop != l {
		return
	}
	l.timer = s.opts.Clock.AfterFunc(s.opts.Interval, func() {
		s.arm(l)
		s.trigger(l)
	})
}

// trigger starts one capture unless the previous one is still running.
func (s *Sampler) trigger(l *loop) {
	if l.ctx.Err() != nil {
		return
	}
	if !l.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Debug().Msg("capture in flight, tick skipped")
		return
	}
	go s.run(l)
}

func (s *Sampler) run(l *loop) {
	defer l.busy.Store(false)

	img, err := l.grabber.GrabFrame(l.ctx)
	if err != nil {
		if l.ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("grab frame failed")
		}
		return
	}
	frame, err := Encode(img, s.opts.Clock.Now())
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode frame failed")
		return
	}
	if l.ctx.Err() != nil {
		return
	}
	s.captured.Add(1)

	var g errgroup.Group
	g.Go(func() error {
		if err := s.upload(l.ctx, frame); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Msg("send screen frame to backend failed")
		}
		return nil
	})
	g.Go(func() error {
		if err := s.broadcast(l.ctx, frame); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Msg("publish screen frame message failed")
		}
		return nil
	})
	_ = g.Wait()
}

func (s *Sampler) upload(ctx context.Context, f *domain.CaptureFrame) error {
	if s.opts.Log == nil || s.opts.SessionID == "" {
		return nil
	}
	bearer, err := s.bearer(ctx)
	if err != nil {
		return err
	}
	avg, variance := f.AverageColor, f.Variance
	return s.opts.Log.UploadScreenFrame(ctx, bearer, s.opts.SessionID, domain.ScreenFrameUpload{
		ImageBase64:  f.Base64,
		Width:        f.Width,
		Height:       f.Height,
		CapturedAt:   f.CapturedAt,
		AverageColor: &avg,
		Variance:     &variance,
		Digest:       f.Digest,
		Source:       FrameSource,
	})
}

func (s *Sampler) broadcast(ctx context.Context, f *domain.CaptureFrame) error {
	if s.opts.Room == nil {
		return nil
	}
	payload, err := json.Marshal(domain.ScreenFrameMessage{
		Type:         MessageType,
		SessionID:    s.opts.SessionID,
		Width:        f.Width,
		Height:       f.Height,
		AverageColor: f.AverageColor,
		Variance:     f.Variance,
		Digest:       f.Digest,
		CapturedAt:   s.opts.Clock.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return s.opts.Room.PublishData(ctx, payload, core.DataOptions{Reliable: false, Topic: Topic})
}

func (s *Sampler) bearer(ctx context.Context) (string, error) {
	if s.opts.Bearer == nil {
		return "", core.ErrNoBearer
	}
	return s.opts.Bearer.Token(ctx)
}
