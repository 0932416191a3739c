package capture

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Helpline/internal/clock"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/core/coretest"
	"github.com/dkeye/Helpline/internal/domain"
)

type staticBearer string

func (b staticBearer) Token(context.Context) (string, error) { return string(b), nil }

type fakeLog struct {
	mu        sync.Mutex
	uploads   []domain.ScreenFrameUpload
	bearers   []string
	ends      int
	uploadErr error
	uploaded  chan struct{}
	ended     chan struct{}
}

func newFakeLog() *fakeLog {
	return &fakeLog{uploaded: make(chan struct{}, 16), ended: make(chan struct{}, 4)}
}

func (l *fakeLog) UploadScreenFrame(_ context.Context, bearer, _ string, f domain.ScreenFrameUpload) error {
	l.mu.Lock()
	l.uploads = append(l.uploads, f)
	l.bearers = append(l.bearers, bearer)
	err := l.uploadErr
	l.mu.Unlock()
	l.uploaded <- struct{}{}
	return err
}

func (l *fakeLog) EndScreenShare(context.Context, string, string) error {
	l.mu.Lock()
	l.ends++
	l.mu.Unlock()
	l.ended <- struct{}{}
	return errors.New("not found")
}

func (l *fakeLog) LogEvent(context.Context, string, string, string, map[string]any) error {
	return nil
}

func (l *fakeLog) SubmitFeedback(context.Context, string, string, float64, string) error {
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func recv(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func newSampler(clk clock.Clock, log *fakeLog, room core.Room) *Sampler {
	return New(Options{
		Clock:     clk,
		SessionID: "sess-1",
		Bearer:    staticBearer("bearer-1"),
		Log:       log,
		Room:      room,
	})
}

func TestSamplerCapturesImmediatelyAndDispatchesBoth(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	log, room := newFakeLog(), coretest.NewRoom()
	s := newSampler(clk, log, room)

	video := &coretest.VideoTrack{
		LocalTrack: coretest.NewLocalTrack("screen", core.KindVideo),
		Grab: func(context.Context) (image.Image, error) {
			return uniform(64, 32, color.RGBA{R: 1, G: 2, B: 3}), nil
		},
	}
	s.Start(video)
	recv(t, log.uploaded, "upload")
	waitFor(t, "data message", func() bool {
		_, _, data := room.Snapshot()
		return len(data) == 1
	})

	log.mu.Lock()
	up, bearer := log.uploads[0], log.bearers[0]
	log.mu.Unlock()
	if bearer != "bearer-1" || up.Source != FrameSource || up.Width != 64 || up.Height != 32 {
		t.Fatalf("upload = %+v, bearer %q", up, bearer)
	}
	if up.AverageColor == nil || *up.AverageColor != (domain.Color{R: 1, G: 2, B: 3}) || up.Variance == nil {
		t.Fatalf("upload stats = %+v %+v", up.AverageColor, up.Variance)
	}

	_, _, data := room.Snapshot()
	if data[0].Opts.Reliable || data[0].Opts.Topic != Topic {
		t.Fatalf("data options = %+v", data[0].Opts)
	}
	var msg domain.ScreenFrameMessage
	if err := json.Unmarshal(data[0].Payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageType || msg.SessionID != "sess-1" || msg.Digest != up.Digest || msg.CapturedAt != clk.Now().UnixMilli() {
		t.Fatalf("message = %+v", msg)
	}
	if !s.Active() {
		t.Fatal("sampler not active")
	}
	s.Stop()
}

func TestSamplerNeverOverlapsAndSkipsTicks(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	log := newFakeLog()
	s := newSampler(clk, log, nil)

	var inFlight, maxInFlight, calls atomic.Int32
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	video := &coretest.VideoTrack{
		LocalTrack: coretest.NewLocalTrack("screen", core.KindVideo),
		Grab: func(context.Context) (image.Image, error) {
			n := inFlight.Add(1)
			if n > maxInFlight.Load() {
				maxInFlight.Store(n)
			}
			c := calls.Add(1)
			entered <- struct{}{}
			if c == 1 {
				<-release
			}
			inFlight.Add(-1)
			return uniform(8, 8, color.RGBA{}), nil
		},
	}

	s.Start(video)
	recv(t, entered, "first grab")
	for i := 0; i < 3; i++ {
		clk.Advance(DefaultInterval)
	}
	if got := s.skipped.Load(); got != 3 {
		t.Fatalf("skipped = %d, want 3", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("grab calls = %d while busy", calls.Load())
	}

	close(release)
	recv(t, log.uploaded, "first upload")
	s.mu.Lock()
	l := s.loop
	s.mu.Unlock()
	waitFor(t, "capture to finish", func() bool { return !l.busy.Load() })

	clk.Advance(DefaultInterval)
	recv(t, entered, "second grab")
	recv(t, log.uploaded, "second upload")
	if maxInFlight.Load() != 1 {
		t.Fatalf("captures overlapped: %d in flight", maxInFlight.Load())
	}
	s.Stop()
}

func TestSamplerDispatchesIndependently(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	log, room := newFakeLog(), coretest.NewRoom()
	log.uploadErr = errors.New("backend down")
	s := newSampler(clk, log, room)
	video := &coretest.VideoTrack{
		LocalTrack: coretest.NewLocalTrack("screen", core.KindVideo),
		Grab: func(context.Context) (image.Image, error) {
			return uniform(4, 4, color.RGBA{R: 9}), nil
		},
	}
	s.Start(video)
	recv(t, log.uploaded, "upload")
	waitFor(t, "data message despite upload error", func() bool {
		_, _, data := room.Snapshot()
		return len(data) == 1
	})
	s.Stop()

	log2, room2 := newFakeLog(), coretest.NewRoom()
	room2.DataErr = errors.New("channel closed")
	s2 := newSampler(clk, log2, room2)
	s2.Start(video)
	recv(t, log2.uploaded, "upload despite data error")
	s2.Stop()
}

func TestSamplerStop(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	log := newFakeLog()
	s := newSampler(clk, log, nil)

	s.Stop()
	select {
	case <-log.ended:
		t.Fatal("DELETE sent for a sampler that never ran")
	case <-time.After(20 * time.Millisecond):
	}

	var calls atomic.Int32
	video := &coretest.VideoTrack{
		LocalTrack: coretest.NewLocalTrack("screen", core.KindVideo),
		Grab: func(context.Context) (image.Image, error) {
			calls.Add(1)
			return uniform(4, 4, color.RGBA{}), nil
		},
	}
	s.Start(video)
	recv(t, log.uploaded, "upload")
	s.Stop()
	recv(t, log.ended, "end screen share")

	if clk.PendingCount() != 0 {
		t.Fatalf("timers left: %d", clk.PendingCount())
	}
	before := calls.Load()
	clk.Advance(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if calls.Load() != before {
		t.Fatal("captured after Stop")
	}
	if s.Active() {
		t.Fatal("still active")
	}
}

func TestSamplerWithoutRoomOnlyUploads(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	log := newFakeLog()
	s := newSampler(clk, log, nil)
	video := &coretest.VideoTrack{
		LocalTrack: coretest.NewLocalTrack("screen", core.KindVideo),
		Grab: func(context.Context) (image.Image, error) {
			return uniform(4, 4, color.RGBA{G: 7}), nil
		},
	}
	s.Start(video)
	recv(t, log.uploaded, "upload")
	s.mu.Lock()
	l := s.loop
	s.mu.Unlock()
	waitFor(t, "capture to finish", func() bool { return !l.busy.Load() })

	clk.Advance(DefaultInterval)
	recv(t, log.uploaded, "second upload")
	s.Stop()
	recv(t, log.ended, "end screen share")
}

func TestSamplerIgnoresTracksWithoutFrames(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newSampler(clk, newFakeLog(), nil)
	s.Start(coretest.NewLocalTrack("screen", core.KindVideo))
	if s.Active() || clk.PendingCount() != 0 {
		t.Fatal("sampler started without a frame source")
	}
}
