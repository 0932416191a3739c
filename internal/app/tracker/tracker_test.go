package tracker

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Helpline/internal/clock"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/core/coretest"
	"github.com/dkeye/Helpline/internal/domain"
)

var allStates = []domain.ConnectionState{
	domain.StateIdle,
	domain.StateConnecting,
	domain.StateConnected,
	domain.StateReconnecting,
	domain.StateDegraded,
	domain.StateDisconnecting,
	domain.StateFailed,
}

func newTestTracker(t *testing.T) (*Tracker, *clock.Fake, *coretest.Room) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := New(Options{
		Clock: clk,
		Delay: func(int) time.Duration { return time.Second },
	})
	room := coretest.NewRoom()
	room.SetState(core.RoomConnected)
	tr.Attach(room)
	return tr, clk, room
}

func record(tr *Tracker) *[]StateChange {
	var got []StateChange
	tr.OnStateChange(func(c StateChange) { got = append(got, c) })
	return &got
}

func connect(tr *Tracker) {
	tr.StartConnecting()
	tr.MarkConnected()
}

func TestTransitionTable(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			tr, _, _ := newTestTracker(t)
			tr.state = from
			tr.transition(to, "test")
			want := from
			if CanTransition(from, to) {
				want = to
			}
			if got := tr.State(); got != want {
				t.Errorf("%s -> %s: state = %s, want %s", from, to, got, want)
			}
			tr.Destroy()
		}
	}
}

func TestRandomSequencesFollowTable(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tr, clk, room := newTestTracker(t)
	events := record(tr)

	ops := []func(){
		tr.StartConnecting,
		tr.MarkConnected,
		tr.StartDisconnecting,
		tr.MarkDisconnected,
		tr.TriggerReconnection,
		func() { room.Emit(core.RoomEvent{Kind: core.EventConnectionQualityChanged, Quality: core.QualityPoor}) },
		func() { room.Emit(core.RoomEvent{Kind: core.EventConnectionQualityChanged, Quality: core.QualityGood}) },
		func() { room.Emit(core.RoomEvent{Kind: core.EventDisconnected, Reason: "network timeout"}) },
		func() { room.Emit(core.RoomEvent{Kind: core.EventDisconnected, Reason: "unauthorized"}) },
		func() { room.Emit(core.RoomEvent{Kind: core.EventReconnected}) },
		func() { room.Emit(core.RoomEvent{Kind: core.EventConnectionStateChanged, State: core.RoomDisconnected}) },
		func() { clk.Advance(5 * time.Second) },
		func() { clk.Advance(25 * time.Second) },
	}
	for i := 0; i < 2000; i++ {
		ops[rng.Intn(len(ops))]()
	}

	prev := domain.StateIdle
	for i, ev := range *events {
		if ev.From != prev {
			t.Fatalf("event %d: from %s, previous state was %s", i, ev.From, prev)
		}
		if !CanTransition(ev.From, ev.To) {
			t.Fatalf("event %d: illegal transition %s -> %s", i, ev.From, ev.To)
		}
		prev = ev.To
	}
	if prev != tr.State() {
		t.Fatalf("last event ended in %s, tracker is %s", prev, tr.State())
	}
}

func TestInvalidRequestLeavesStateUnchanged(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	events := record(tr)
	tr.MarkConnected()
	tr.MarkDisconnected()
	tr.TriggerReconnection()
	if tr.State() != domain.StateIdle || len(*events) != 0 {
		t.Fatalf("state %s, %d events", tr.State(), len(*events))
	}
}

func TestEnteringConnectedResetsAttemptsAndTimers(t *testing.T) {
	tr, clk, room := newTestTracker(t)
	room.ReconnectErr = errors.New("still down")
	connect(tr)

	room.Emit(core.RoomEvent{Kind: core.EventConnectionQualityChanged, Quality: core.QualityPoor})
	if _, degraded := tr.PendingTimers(); !degraded {
		t.Fatal("degraded watchdog not armed")
	}
	room.Emit(core.RoomEvent{Kind: core.EventDisconnected, Reason: "websocket closed"})
	clk.Advance(time.Second)
	if tr.reconnectAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", tr.reconnectAttempts)
	}
	if reconnect, _ := tr.PendingTimers(); !reconnect {
		t.Fatal("reconnection not rescheduled")
	}

	room.Emit(core.RoomEvent{Kind: core.EventReconnected})
	if tr.State() != domain.StateConnected {
		t.Fatalf("state = %s", tr.State())
	}
	if tr.reconnectAttempts != 0 {
		t.Fatalf("attempts = %d after connect", tr.reconnectAttempts)
	}
	if reconnect, degraded := tr.PendingTimers(); reconnect || degraded {
		t.Fatalf("timers still armed: reconnect=%v degraded=%v", reconnect, degraded)
	}
	if clk.PendingCount() != 0 {
		t.Fatalf("fake clock still holds %d timers", clk.PendingCount())
	}
	if m := tr.Metrics(); m.ReconnectionAttempts != 1 {
		t.Fatalf("metrics reconnection attempts = %d", m.ReconnectionAttempts)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	for n := 0; n <= 6; n++ {
		base := float64(time.Second) * float64(int(1)<<n)
		if base > float64(4*time.Second) {
			base = float64(4 * time.Second)
		}
		lo, hi := time.Duration(0.75*base), time.Duration(1.25*base)
		for i := 0; i < 200; i++ {
			d := BackoffDelay(n)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", n, d, lo, hi)
			}
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		reason string
		want   ErrorType
	}{
		{"request timeout", Transient},
		{"Unauthorized", Fatal},
		{"websocket closed", Transient},
		{"permission denied by server", Fatal},
		{"connection unauthorized", Fatal},
		{"something odd", Transient},
		{"", Transient},
	}
	for _, c := range cases {
		if got := Classify(c.reason); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.reason, got, c.want)
		}
	}
}

func TestPoorQualityEscalatesAfterWatchdog(t *testing.T) {
	tr, clk, room := newTestTracker(t)
	connect(tr)
	events := record(tr)

	room.Emit(core.RoomEvent{Kind: core.EventConnectionQualityChanged, Quality: core.QualityPoor})
	clk.Advance(19 * time.Second)
	if tr.State() != domain.StateDegraded {
		t.Fatalf("state = %s before watchdog", tr.State())
	}
	clk.Advance(2 * time.Second)
	if tr.State() != domain.StateReconnecting {
		t.Fatalf("state = %s after watchdog", tr.State())
	}
	got := *events
	if len(got) != 2 ||
		got[0].From != domain.StateConnected || got[0].To != domain.StateDegraded ||
		got[1].To != domain.StateReconnecting || got[1].Reason != "Degraded connection timeout" {
		t.Fatalf("events = %+v", got)
	}
}

func TestQualityRecoveryCancelsWatchdog(t *testing.T) {
	tr, clk, room := newTestTracker(t)
	connect(tr)
	room.Emit(core.RoomEvent{Kind: core.EventConnectionQualityChanged, Quality: core.QualityPoor})
	clk.Advance(10 * time.Second)
	room.Emit(core.RoomEvent{Kind: core.EventConnectionQualityChanged, Quality: core.QualityExcellent})
	clk.Advance(30 * time.Second)
	if tr.State() != domain.StateConnected {
		t.Fatalf("state = %s", tr.State())
	}
}

func TestDisconnectionHandling(t *testing.T) {
	tr, _, room := newTestTracker(t)
	connect(tr)
	room.Emit(core.RoomEvent{Kind: core.EventDisconnected, Reason: "invalid token"})
	if tr.State() != domain.StateFailed {
		t.Fatalf("fatal reason: state = %s", tr.State())
	}

	tr2, _, room2 := newTestTracker(t)
	connect(tr2)
	room2.Emit(core.RoomEvent{Kind: core.EventDisconnected})
	if tr2.State() != domain.StateReconnecting {
		t.Fatalf("unknown reason: state = %s", tr2.State())
	}
	m := tr2.Metrics()
	if len(m.Errors) != 1 || m.Errors[0].Type != Transient || m.Errors[0].Message != "Unknown disconnection" {
		t.Fatalf("errors = %+v", m.Errors)
	}
	if m.Errors[0].Timestamp.IsZero() {
		t.Fatal("error entry has no timestamp")
	}
}

func TestFatalDisconnectFromSettledStates(t *testing.T) {
	for _, degraded := range []bool{false, true} {
		tr, clk, room := newTestTracker(t)
		connect(tr)
		if degraded {
			room.Emit(core.RoomEvent{Kind: core.EventConnectionQualityChanged, Quality: core.QualityPoor})
		}
		events := record(tr)
		room.Emit(core.RoomEvent{Kind: core.EventDisconnected, Reason: "unauthorized"})

		if tr.State() != domain.StateFailed {
			t.Fatalf("degraded=%v: state = %s", degraded, tr.State())
		}
		got := *events
		if len(got) != 2 || got[0].To != domain.StateDisconnecting || got[1].To != domain.StateFailed {
			t.Fatalf("degraded=%v: events = %+v", degraded, got)
		}
		if got[1].Reason != "Fatal error: unauthorized" {
			t.Fatalf("reason = %q", got[1].Reason)
		}
		if clk.PendingCount() != 0 {
			t.Fatalf("timers left after Failed: %d", clk.PendingCount())
		}
	}
}

func TestRoomDisconnectedWhileConnectedFails(t *testing.T) {
	tr, _, room := newTestTracker(t)
	connect(tr)
	room.Emit(core.RoomEvent{Kind: core.EventConnectionStateChanged, State: core.RoomDisconnected})
	if tr.State() != domain.StateFailed {
		t.Fatalf("state = %s", tr.State())
	}
}

func TestReconnectionGivesUpAtMax(t *testing.T) {
	tr, clk, room := newTestTracker(t)
	room.ReconnectErr = errors.New("ice restart failed")
	connect(tr)
	events := record(tr)

	room.Emit(core.RoomEvent{Kind: core.EventDisconnected, Reason: "network lost"})
	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
	}
	if tr.State() != domain.StateFailed {
		t.Fatalf("state = %s", tr.State())
	}
	if room.ReconnectCalls != 3 {
		t.Fatalf("reconnect calls = %d", room.ReconnectCalls)
	}
	last := (*events)[len(*events)-1]
	if !strings.Contains(last.Reason, "Max reconnection attempts (3)") {
		t.Fatalf("last reason = %q", last.Reason)
	}
	if clk.PendingCount() != 0 {
		t.Fatalf("timers left after Failed: %d", clk.PendingCount())
	}
}

func TestReconnectionFailsWhenRoomGone(t *testing.T) {
	tr, clk, room := newTestTracker(t)
	connect(tr)
	tr.TriggerReconnection()
	room.SetState(core.RoomDisconnected)
	clk.Advance(time.Second)
	if tr.State() != domain.StateFailed {
		t.Fatalf("state = %s", tr.State())
	}
	if room.ReconnectCalls != 0 {
		t.Fatalf("reconnect called on a dead room")
	}
}

func TestRoomStateMapping(t *testing.T) {
	tr, _, room := newTestTracker(t)
	room.Emit(core.RoomEvent{Kind: core.EventConnectionStateChanged, State: core.RoomConnecting})
	room.Emit(core.RoomEvent{Kind: core.EventConnectionStateChanged, State: core.RoomConnected})
	if tr.State() != domain.StateConnected {
		t.Fatalf("state = %s", tr.State())
	}
	room.Emit(core.RoomEvent{Kind: core.EventReconnecting})
	if tr.State() != domain.StateReconnecting {
		t.Fatalf("state = %s", tr.State())
	}
	room.Emit(core.RoomEvent{Kind: core.EventConnectionStateChanged, State: core.RoomDisconnected})
	if tr.State() != domain.StateFailed {
		t.Fatalf("state = %s", tr.State())
	}
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	tr.OnStateChange(func(StateChange) { panic("boom") })
	var seen int
	tr.OnStateChange(func(StateChange) { seen++ })
	connect(tr)
	if seen != 2 || tr.State() != domain.StateConnected {
		t.Fatalf("seen=%d state=%s", seen, tr.State())
	}
}

func TestUnsubscribeDestroyAndReset(t *testing.T) {
	tr, clk, room := newTestTracker(t)
	var n int
	unsub := tr.OnStateChange(func(StateChange) { n++ })
	tr.StartConnecting()
	unsub()
	unsub()
	tr.MarkConnected()
	if n != 1 {
		t.Fatalf("listener calls = %d", n)
	}

	clk.Advance(time.Minute)
	room.Emit(core.RoomEvent{Kind: core.EventConnectionQualityChanged, Quality: core.QualityPoor})
	tr.Reset()
	if tr.State() != domain.StateIdle || clk.PendingCount() != 0 || room.HandlerCount() != 0 {
		t.Fatalf("reset left state=%s timers=%d handlers=%d", tr.State(), clk.PendingCount(), room.HandlerCount())
	}
	if m := tr.Metrics(); m.ConnectionAttempts != 0 || !m.LastConnectedAt.IsZero() {
		t.Fatalf("metrics not reset: %+v", m)
	}
	tr.Destroy()
	tr.Destroy()
}

func TestDowntimeAccumulates(t *testing.T) {
	tr, clk, room := newTestTracker(t)
	connect(tr)
	room.Emit(core.RoomEvent{Kind: core.EventReconnecting})
	clk.Advance(700 * time.Millisecond)
	room.Emit(core.RoomEvent{Kind: core.EventReconnected})
	m := tr.Metrics()
	if m.TotalDowntime != 700*time.Millisecond {
		t.Fatalf("downtime = %v", m.TotalDowntime)
	}
	if !m.LastDisconnectedAt.Before(m.LastConnectedAt) {
		t.Fatalf("timestamps out of order: %+v", m)
	}
}

func TestFailedCanRestart(t *testing.T) {
	tr, _, room := newTestTracker(t)
	connect(tr)
	room.Emit(core.RoomEvent{Kind: core.EventDisconnected, Reason: "forbidden"})
	tr.StartDisconnecting()
	if tr.State() != domain.StateFailed {
		t.Fatalf("StartDisconnecting must not leave Failed, got %s", tr.State())
	}
	tr.MarkDisconnected()
	if tr.State() != domain.StateIdle {
		t.Fatalf("state = %s", tr.State())
	}
	connect(tr)
	if tr.State() != domain.StateConnected {
		t.Fatalf("state = %s", tr.State())
	}
}

func TestEndingUnsettledConnectionReturnsToIdle(t *testing.T) {
	for _, setup := range []func(*Tracker){
		func(tr *Tracker) { tr.StartConnecting() },
		func(tr *Tracker) { connect(tr); tr.TriggerReconnection() },
	} {
		tr, clk, _ := newTestTracker(t)
		setup(tr)
		tr.StartDisconnecting()
		if tr.State() != domain.StateFailed {
			t.Fatalf("state = %s", tr.State())
		}
		tr.MarkDisconnected()
		if tr.State() != domain.StateIdle || clk.PendingCount() != 0 {
			t.Fatalf("state = %s, timers = %d", tr.State(), clk.PendingCount())
		}
	}
}

func TestDetachKeepsStateAndMetrics(t *testing.T) {
	tr, _, room := newTestTracker(t)
	connect(tr)
	tr.StartDisconnecting()
	tr.MarkDisconnected()
	tr.Detach()

	if tr.Attached() || room.HandlerCount() != 0 {
		t.Fatalf("attached=%v handlers=%d", tr.Attached(), room.HandlerCount())
	}
	if m := tr.Metrics(); m.ConnectionAttempts != 1 || m.LastConnectedAt.IsZero() {
		t.Fatalf("metrics = %+v", m)
	}
	room.Emit(core.RoomEvent{Kind: core.EventDisconnected, Reason: "unauthorized"})
	if tr.State() != domain.StateIdle {
		t.Fatalf("detached tracker reacted to room: %s", tr.State())
	}
}
