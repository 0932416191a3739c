package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Helpline/internal/clock"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/core/coretest"
)

type events struct {
	mu  sync.Mutex
	got []core.Event
}

func (e *events) Notify(ev core.Event) {
	e.mu.Lock()
	e.got = append(e.got, ev)
	e.mu.Unlock()
}

func (e *events) count(t core.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.got {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func setup(t *testing.T, canPlayback bool) (*Manager, *clock.Fake, *coretest.Room, *events) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ev := &events{}
	m := New(Options{Clock: clk, Notifier: ev})
	room := coretest.NewRoom()
	room.SetCanPlayback(canPlayback)
	m.AttachToRoom(room)
	return m, clk, room, ev
}

func subscribe(t *testing.T, m *Manager, identity, sid string) *coretest.RemoteTrack {
	t.Helper()
	tr := coretest.NewRemoteAudio(sid)
	err := m.HandleTrackSubscribed(tr,
		core.TrackPublication{SID: sid, Kind: core.KindAudio},
		core.Participant{Identity: identity})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return tr
}

func TestPlaysAndVerifiesWhenAutoplayAllowed(t *testing.T) {
	m, clk, _, ev := setup(t, true)
	tr := subscribe(t, m, "agent", "TR_1")

	if tr.Sink.PlayCalls != 1 {
		t.Fatalf("play calls = %d", tr.Sink.PlayCalls)
	}
	clk.Advance(DefaultVerifyDelay)
	if e := m.elements["agent-TR_1"]; e == nil || !e.playing {
		t.Fatal("element not marked playing after verification")
	}
	if clk.PendingCount() != 0 {
		t.Fatalf("timers left: %d", clk.PendingCount())
	}
	if ev.count(core.EventAudioBlocked) != 0 {
		t.Fatal("unexpected AUDIO_BLOCKED")
	}
	if m.ActiveElementsCount() != 1 || !m.IsAutoplayEnabled() {
		t.Fatalf("count=%d autoplay=%v", m.ActiveElementsCount(), m.IsAutoplayEnabled())
	}
}

func TestQueuedTracksFlushOnceWhenAutoplayEnabled(t *testing.T) {
	m, _, room, ev := setup(t, false)
	a := subscribe(t, m, "agent", "TR_a")
	b := subscribe(t, m, "agent", "TR_b")

	if a.Sink.PlayCalls+b.Sink.PlayCalls != 0 {
		t.Fatal("played while autoplay blocked")
	}
	if n := ev.count(core.EventAudioBlocked); n != 2 {
		t.Fatalf("AUDIO_BLOCKED count = %d", n)
	}

	room.SetCanPlayback(true)
	room.Emit(core.RoomEvent{Kind: core.EventAudioPlaybackStatusChanged, CanPlayback: true})
	room.Emit(core.RoomEvent{Kind: core.EventAudioPlaybackStatusChanged, CanPlayback: true})

	if a.Sink.PlayCalls != 1 || b.Sink.PlayCalls != 1 {
		t.Fatalf("play calls a=%d b=%d, want 1 each", a.Sink.PlayCalls, b.Sink.PlayCalls)
	}
	if !m.IsAutoplayEnabled() {
		t.Fatal("autoplay not enabled")
	}
}

func TestEnableAudioPlayback(t *testing.T) {
	empty := New(Options{Clock: clock.NewFake(time.Time{})})
	if err := empty.EnableAudioPlayback(context.Background()); !errors.Is(err, core.ErrNoRoom) {
		t.Fatalf("err = %v, want ErrNoRoom", err)
	}

	m, _, room, _ := setup(t, false)
	tr := subscribe(t, m, "agent", "TR_1")

	room.StartAudioErr = errors.New("no gesture")
	if err := m.EnableAudioPlayback(context.Background()); err == nil {
		t.Fatal("expected StartAudio error")
	}
	if tr.Sink.PlayCalls != 0 {
		t.Fatal("played after failed enable")
	}

	room.StartAudioErr = nil
	if err := m.EnableAudioPlayback(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if tr.Sink.PlayCalls != 1 {
		t.Fatalf("play calls = %d", tr.Sink.PlayCalls)
	}
	if err := m.EnableAudioPlayback(context.Background()); err != nil {
		t.Fatalf("second enable: %v", err)
	}
	if room.StartAudioCall != 2 {
		t.Fatalf("StartAudio calls = %d, want 2", room.StartAudioCall)
	}
}

func TestRetriesUntilCeiling(t *testing.T) {
	m, clk, _, _ := setup(t, true)
	tr := coretest.NewRemoteAudio("TR_1")
	tr.Sink.Healthy = false
	if err := m.HandleTrackSubscribed(tr, core.TrackPublication{SID: "TR_1"}, core.Participant{Identity: "agent"}); err != nil {
		t.Fatal(err)
	}

	// verify at 500ms, retry at 600ms
	clk.Advance(599 * time.Millisecond)
	if tr.Sink.PlayCalls != 1 {
		t.Fatalf("play calls before first retry = %d", tr.Sink.PlayCalls)
	}
	clk.Advance(time.Millisecond)
	if tr.Sink.PlayCalls != 2 {
		t.Fatalf("play calls after first retry = %d", tr.Sink.PlayCalls)
	}
	// verify at 1100ms, retry at 1400ms
	clk.Advance(800 * time.Millisecond)
	if tr.Sink.PlayCalls != 3 {
		t.Fatalf("play calls after second retry = %d", tr.Sink.PlayCalls)
	}
	clk.Advance(10 * time.Second)
	if tr.Sink.PlayCalls != 3 {
		t.Fatalf("play calls past ceiling = %d", tr.Sink.PlayCalls)
	}
	if clk.PendingCount() != 0 {
		t.Fatalf("timers left: %d", clk.PendingCount())
	}
	if m.ActiveElementsCount() != 1 {
		t.Fatal("giving up must keep the element")
	}
}

func TestRetryDelay(t *testing.T) {
	want := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond}
	for i, w := range want {
		if got := retryDelay(i + 1); got != w {
			t.Errorf("retryDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestPlayErrorRetries(t *testing.T) {
	m, clk, _, _ := setup(t, true)
	tr := coretest.NewRemoteAudio("TR_1")
	tr.Sink.PlayErrs = []error{errors.New("decoder busy")}
	if err := m.HandleTrackSubscribed(tr, core.TrackPublication{SID: "TR_1"}, core.Participant{Identity: "agent"}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(100 * time.Millisecond)
	if tr.Sink.PlayCalls != 2 {
		t.Fatalf("play calls = %d", tr.Sink.PlayCalls)
	}
	clk.Advance(DefaultVerifyDelay)
	if !m.elements["agent-TR_1"].playing {
		t.Fatal("not playing after successful retry")
	}
}

func TestPermissionErrorRequeues(t *testing.T) {
	m, clk, room, ev := setup(t, true)
	tr := coretest.NewRemoteAudio("TR_1")
	tr.Sink.PlayErrs = []error{core.ErrPlaybackNotAllowed}
	if err := m.HandleTrackSubscribed(tr, core.TrackPublication{SID: "TR_1"}, core.Participant{Identity: "agent"}); err != nil {
		t.Fatal(err)
	}
	if m.IsAutoplayEnabled() {
		t.Fatal("autoplay still enabled after permission error")
	}
	if ev.count(core.EventAudioBlocked) != 1 {
		t.Fatal("AUDIO_BLOCKED not sent")
	}
	clk.Advance(5 * time.Second)
	if tr.Sink.PlayCalls != 1 {
		t.Fatalf("queued track retried on its own: %d calls", tr.Sink.PlayCalls)
	}

	room.SetCanPlayback(false)
	if err := m.EnableAudioPlayback(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.Sink.PlayCalls != 2 {
		t.Fatalf("play calls after enable = %d", tr.Sink.PlayCalls)
	}
}

func TestStalledTriggersRetry(t *testing.T) {
	m, clk, _, _ := setup(t, true)
	tr := subscribe(t, m, "agent", "TR_1")
	clk.Advance(DefaultVerifyDelay)
	tr.Sink.Fire(core.SinkStalled)
	clk.Advance(100 * time.Millisecond)
	if tr.Sink.PlayCalls != 2 {
		t.Fatalf("play calls = %d", tr.Sink.PlayCalls)
	}
}

func TestUnsubscribeReleasesSink(t *testing.T) {
	m, clk, _, _ := setup(t, true)
	tr := coretest.NewRemoteAudio("TR_1")
	tr.Sink.Healthy = false
	pub := core.TrackPublication{SID: "TR_1"}
	who := core.Participant{Identity: "agent"}
	if err := m.HandleTrackSubscribed(tr, pub, who); err != nil {
		t.Fatal(err)
	}
	clk.Advance(DefaultVerifyDelay)

	m.HandleTrackUnsubscribed(tr, pub, who)
	if tr.Detached() != 1 || !tr.Sink.Paused() || !tr.Sink.Cleared() {
		t.Fatalf("detached=%d paused=%v cleared=%v", tr.Detached(), tr.Sink.Paused(), tr.Sink.Cleared())
	}
	if tr.Sink.LiveListeners() != 0 {
		t.Fatal("sink listeners still live")
	}
	clk.Advance(time.Second)
	if tr.Sink.PlayCalls != 1 {
		t.Fatalf("retry fired after unsubscribe: %d calls", tr.Sink.PlayCalls)
	}
	if m.ActiveElementsCount() != 0 {
		t.Fatal("element not forgotten")
	}
	m.HandleTrackUnsubscribed(tr, pub, who)
}

func TestIgnoresVideoTracks(t *testing.T) {
	m, _, _, _ := setup(t, true)
	v := &coretest.RemoteTrack{TrackSID: "TR_v", TrackKind: core.KindVideo, Sink: coretest.NewSink()}
	if err := m.HandleTrackSubscribed(v, core.TrackPublication{SID: "TR_v"}, core.Participant{Identity: "agent"}); err != nil {
		t.Fatal(err)
	}
	if m.ActiveElementsCount() != 0 || v.Sink.PlayCalls != 0 {
		t.Fatal("video track handled as audio")
	}
}

func TestCleanup(t *testing.T) {
	m, _, room, _ := setup(t, false)
	a := subscribe(t, m, "agent", "TR_a")
	b := subscribe(t, m, "user", "TR_b")

	m.Cleanup()
	m.Cleanup()

	for _, tr := range []*coretest.RemoteTrack{a, b} {
		if tr.Detached() != 1 || !tr.Sink.Cleared() {
			t.Fatalf("%s not released", tr.TrackSID)
		}
	}
	if m.ActiveElementsCount() != 0 || m.IsAutoplayEnabled() {
		t.Fatal("state not reset")
	}
	if room.HandlerCount() != 0 {
		t.Fatal("room listener not removed")
	}
	if err := m.EnableAudioPlayback(context.Background()); !errors.Is(err, core.ErrNoRoom) {
		t.Fatalf("err = %v", err)
	}
	room.Emit(core.RoomEvent{Kind: core.EventAudioPlaybackStatusChanged, CanPlayback: true})
	if a.Sink.PlayCalls != 0 {
		t.Fatal("queue survived cleanup")
	}
}
