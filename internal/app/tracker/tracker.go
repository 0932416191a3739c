// Package tracker owns the lifecycle state machine of one real-time connection.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Helpline/internal/clock"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxReconnectionAttempts = 3
	DefaultDegradedTimeout         = 20 * time.Second
	DefaultReconnectTimeout        = 10 * time.Second
)

var transitions = map[domain.ConnectionState][]domain.ConnectionState{
	domain.StateIdle:          {domain.StateConnecting},
	domain.StateConnecting:    {domain.StateConnected, domain.StateFailed, domain.StateReconnecting},
	domain.StateConnected:     {domain.StateReconnecting, domain.StateDegraded, domain.StateDisconnecting},
	domain.StateReconnecting:  {domain.StateConnected, domain.StateFailed},
	domain.StateDegraded:      {domain.StateReconnecting, domain.StateConnected, domain.StateDisconnecting},
	domain.StateDisconnecting: {domain.StateIdle, domain.StateFailed},
	domain.StateFailed:        {domain.StateIdle, domain.StateConnecting},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to domain.ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type StateChange struct {
	From      domain.ConnectionState `json:"from"`
	To        domain.ConnectionState `json:"to"`
	Reason    string                 `json:"reason,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type Listener func(StateChange)

type Metrics struct {
	ConnectionAttempts   int               `json:"connectionAttempts"`
	ReconnectionAttempts int               `json:"reconnectionAttempts"`
	LastConnectedAt      time.Time         `json:"lastConnectedAt"`
	LastDisconnectedAt   time.Time         `json:"lastDisconnectedAt"`
	TotalDowntime        time.Duration     `json:"totalDowntime"`
	Errors               []ClassifiedError `json:"errors"`
}

type Options struct {
	Clock                   clock.Clock
	MaxReconnectionAttempts int
	DegradedTimeout         time.Duration
	ReconnectTimeout        time.Duration
	// Delay overrides the reconnection backoff; used by tests.
	Delay func(attempt int) time.Duration
}

type Tracker struct {
	opts   Options
	logger zerolog.Logger

	mu                sync.Mutex
	state             domain.ConnectionState
	room              core.Room
	detachRoom        func()
	listeners         map[int]Listener
	nextListener      int
	reconnectAttempts int
	metrics           Metrics
	downSince         time.Time

	reconnectTimer clock.Timer
	reconnectGen   uint64
	degradedTimer  clock.Timer
	degradedGen    uint64

	pending  []StateChange
	emitting bool
}

func New(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MaxReconnectionAttempts <= 0 {
		opts.MaxReconnectionAttempts = DefaultMaxReconnectionAttempts
	}
	if opts.DegradedTimeout <= 0 {
		opts.DegradedTimeout = DefaultDegradedTimeout
	}
	if opts.ReconnectTimeout <= 0 {
		opts.ReconnectTimeout = DefaultReconnectTimeout
	}
	if opts.Delay == nil {
		opts.Delay = BackoffDelay
	}
	return &Tracker{
		opts:      opts,
		logger:    log.With().Str("module", "app.tracker").Logger(),
		state:     domain.StateIdle,
		listeners: make(map[int]Listener),
	}
}

// Attach binds the tracker to room events. A previously attached room is released.
func (t *Tracker) Attach(room core.Room) {
	t.mu.Lock()
	prev := t.detachRoom
	t.room = room
	t.detachRoom = nil
	t.mu.Unlock()
	if prev != nil {
		prev()
	}

	detach := room.On(t.handleRoomEvent)
	t.mu.Lock()
	if t.room == room {
		t.detachRoom = detach
		detach = nil
	}
	t.mu.Unlock()
	if detach != nil {
		detach()
	}
}

// Detach releases the room without touching state or metrics.
func (t *Tracker) Detach() {
	t.mu.Lock()
	t.stopReconnectLocked()
	t.room = nil
	detach := t.detachRoom
	t.detachRoom = nil
	t.mu.Unlock()
	if detach != nil {
		detach()
	}
}

// Attached reports whether a room is bound.
func (t *Tracker) Attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.room != nil
}

func (t *Tracker) State() domain.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Metrics returns a copy.
func (t *Tracker) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.metrics
	m.Errors = append([]ClassifiedError(nil), t.metrics.Errors...)
	return m
}

func (t *Tracker) OnStateChange(l Listener) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextListener
	t.nextListener++
	t.listeners[id] = l
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.listeners, id)
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) StartConnecting() {
	t.mu.Lock()
	if t.state == domain.StateIdle || t.state == domain.StateFailed {
		t.metrics.ConnectionAttempts++
		t.transitionLocked(domain.StateConnecting, "Session start")
	}
	t.mu.Unlock()
	t.emit()
}

func (t *Tracker) MarkConnected() {
	t.mu.Lock()
	if t.state == domain.StateConnecting {
		t.transitionLocked(domain.StateConnected, "Connection established")
	}
	t.mu.Unlock()
	t.emit()
}

// StartDisconnecting begins a user-requested teardown. A connection that
// never settled cannot enter Disconnecting and is failed instead, so that
// MarkDisconnected still brings it back to Idle.
func (t *Tracker) StartDisconnecting() {
	t.mu.Lock()
	switch t.state {
	case domain.StateIdle, domain.StateFailed, domain.StateDisconnecting:
	case domain.StateConnecting, domain.StateReconnecting:
		t.transitionLocked(domain.StateFailed, "Session ended before connection settled")
	default:
		t.transitionLocked(domain.StateDisconnecting, "Session end")
	}
	t.clearTimersLocked()
	t.mu.Unlock()
	t.emit()
}

// MarkDisconnected finishes teardown. A failed connection also returns to Idle.
func (t *Tracker) MarkDisconnected() {
	t.mu.Lock()
	if t.state == domain.StateDisconnecting || t.state == domain.StateFailed {
		t.transitionLocked(domain.StateIdle, "Cleanup complete")
	}
	t.mu.Unlock()
	t.emit()
}

func (t *Tracker) TriggerReconnection() {
	t.mu.Lock()
	if t.state == domain.StateConnected || t.state == domain.StateDegraded {
		t.reconnectAttempts = 0
		t.transitionLocked(domain.StateReconnecting, "Manual reconnection triggered")
	}
	t.mu.Unlock()
	t.emit()
}

// Reset cancels timers, forgets the room and returns to Idle without notifying.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.clearTimersLocked()
	t.reconnectAttempts = 0
	t.metrics = Metrics{}
	t.downSince = time.Time{}
	t.state = domain.StateIdle
	t.room = nil
	detach := t.detachRoom
	t.detachRoom = nil
	t.pending = nil
	t.mu.Unlock()
	if detach != nil {
		detach()
	}
	t.logger.Debug().Msg("reset to idle")
}

// Destroy is Reset plus dropping every listener. Safe to call repeatedly.
func (t *Tracker) Destroy() {
	t.Reset()
	t.mu.Lock()
	t.listeners = make(map[int]Listener)
	t.mu.Unlock()
}

func (t *Tracker) transition(to domain.ConnectionState, reason string) {
	t.mu.Lock()
	t.transitionLocked(to, reason)
	t.mu.Unlock()
	t.emit()
}

// transitionLocked validates, applies the state actions and queues the
// notification. Listeners run in emit, outside the lock.
func (t *Tracker) transitionLocked(to domain.ConnectionState, reason string) bool {
	from := t.state
	if !CanTransition(from, to) {
		t.logger.Warn().Str("from", string(from)).Str("to", string(to)).Msg("invalid state transition")
		return false
	}
	now := t.opts.Clock.Now()
	t.state = to
	t.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("state")

	if to == domain.StateConnected {
		t.metrics.LastConnectedAt = now
		if !t.downSince.IsZero() {
			t.metrics.TotalDowntime += now.Sub(t.downSince)
			t.downSince = time.Time{}
		}
		t.reconnectAttempts = 0
		t.clearTimersLocked()
	}
	if from == domain.StateConnected {
		t.metrics.LastDisconnectedAt = now
		t.downSince = now
	}
	if to == domain.StateReconnecting && t.reconnectAttempts < t.opts.MaxReconnectionAttempts {
		t.scheduleReconnectionLocked()
	}
	if to == domain.StateFailed {
		t.clearTimersLocked()
	}

	t.pending = append(t.pending, StateChange{From: from, To: to, Reason: reason, Timestamp: now})
	return true
}

// emit drains queued notifications. Only one goroutine drains at a time so
// listeners observe changes in the order they happened.
func (t *Tracker) emit() {
	t.mu.Lock()
	if t.emitting {
		t.mu.Unlock()
		return
	}
	t.emitting = true
	for len(t.pending) > 0 {
		ev := t.pending[0]
		t.pending = t.pending[1:]
		ls := make([]Listener, 0, len(t.listeners))
		for i := 0; i < t.nextListener; i++ {
			if l, ok := t.listeners[i]; ok {
				ls = append(ls, l)
			}
		}
		t.mu.Unlock()
		for _, l := range ls {
			t.notify(l, ev)
		}
		t.mu.Lock()
	}
	t.emitting = false
	t.mu.Unlock()
}

func (t *Tracker) notify(l Listener, ev StateChange) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Msg("state change listener failed")
		}
	}()
	l(ev)
}

func (t *Tracker) handleRoomEvent(ev core.RoomEvent) {
	switch ev.Kind {
	case core.EventConnectionStateChanged:
		t.handleRoomState(ev.State)
	case core.EventReconnecting:
		t.handleRoomState(core.RoomReconnecting)
	case core.EventReconnected:
		t.handleRoomState(core.RoomConnected)
	case core.EventConnectionQualityChanged:
		t.handleQuality(ev.Quality)
	case core.EventDisconnected:
		t.handleDisconnection(ev.Reason)
	}
}

func (t *Tracker) handleRoomState(s core.RoomState) {
	t.mu.Lock()
	switch s {
	case core.RoomConnecting:
		if t.state == domain.StateIdle {
			t.transitionLocked(domain.StateConnecting, "Room connecting")
		}
	case core.RoomConnected:
		if t.state == domain.StateConnecting || t.state == domain.StateReconnecting {
			t.transitionLocked(domain.StateConnected, "Room connected")
		}
	case core.RoomReconnecting:
		if t.state == domain.StateConnected || t.state == domain.StateDegraded {
			t.transitionLocked(domain.StateReconnecting, "Room reconnecting")
		}
	case core.RoomDisconnected:
		switch t.state {
		case domain.StateIdle, domain.StateDisconnecting, domain.StateFailed:
		default:
			t.failLocked("Room disconnected")
		}
	}
	t.mu.Unlock()
	t.emit()
}

func (t *Tracker) handleQuality(q core.ConnectionQuality) {
	t.mu.Lock()
	switch q {
	case core.QualityPoor:
		if t.state == domain.StateConnected {
			t.transitionLocked(domain.StateDegraded, "Poor connection quality")
			t.startDegradedWatchdogLocked()
		}
	case core.QualityGood, core.QualityExcellent:
		if t.state == domain.StateDegraded {
			t.transitionLocked(domain.StateConnected, "Connection quality improved")
		}
	}
	t.mu.Unlock()
	t.emit()
}

func (t *Tracker) handleDisconnection(reason string) {
	if reason == "" {
		reason = "Unknown disconnection"
	}
	kind := Classify(reason)

	t.mu.Lock()
	t.metrics.Errors = append(t.metrics.Errors, ClassifiedError{
		Type:      kind,
		Message:   reason,
		Timestamp: t.opts.Clock.Now(),
	})
	if kind == Transient && t.reconnectAttempts < t.opts.MaxReconnectionAttempts {
		t.transitionLocked(domain.StateReconnecting, "Transient error: "+reason)
	} else if t.state != domain.StateIdle && t.state != domain.StateFailed {
		t.failLocked("Fatal error: " + reason)
	}
	t.mu.Unlock()
	t.emit()
}

// failLocked moves to Failed. Connected and Degraded have no direct edge to
// Failed and pass through Disconnecting.
func (t *Tracker) failLocked(reason string) {
	if t.state == domain.StateConnected || t.state == domain.StateDegraded {
		t.transitionLocked(domain.StateDisconnecting, reason)
	}
	t.transitionLocked(domain.StateFailed, reason)
}

func (t *Tracker) startDegradedWatchdogLocked() {
	t.stopDegradedLocked()
	t.degradedGen++
	gen := t.degradedGen
	t.degradedTimer = t.opts.Clock.AfterFunc(t.opts.DegradedTimeout, func() {
		t.mu.Lock()
		if gen == t.degradedGen && t.state == domain.StateDegraded {
			t.degradedTimer = nil
			t.logger.Info().Dur("after", t.opts.DegradedTimeout).Msg("degraded too long, reconnecting")
			t.transitionLocked(domain.StateReconnecting, "Degraded connection timeout")
		}
		t.mu.Unlock()
		t.emit()
	})
}

func (t *Tracker) scheduleReconnectionLocked() {
	t.stopReconnectLocked()
	delay := t.opts.Delay(t.reconnectAttempts)
	t.reconnectGen++
	gen := t.reconnectGen
	t.logger.Info().
		Int("attempt", t.reconnectAttempts+1).
		Int("max", t.opts.MaxReconnectionAttempts).
		Dur("delay", delay).
		Msg("scheduling reconnection")
	t.reconnectTimer = t.opts.Clock.AfterFunc(delay, func() { t.attemptReconnection(gen) })
}

func (t *Tracker) attemptReconnection(gen uint64) {
	t.mu.Lock()
	if gen != t.reconnectGen {
		t.mu.Unlock()
		return
	}
	t.reconnectTimer = nil
	room := t.room
	if room == nil {
		t.transitionLocked(domain.StateFailed, "No room instance")
		t.mu.Unlock()
		t.emit()
		return
	}
	t.reconnectAttempts++
	t.metrics.ReconnectionAttempts++
	attempt := t.reconnectAttempts
	t.mu.Unlock()

	t.logger.Info().Int("attempt", attempt).Int("max", t.opts.MaxReconnectionAttempts).Msg("reconnection attempt")

	if room.State() == core.RoomDisconnected {
		t.transition(domain.StateFailed, "Room disconnected, manual reconnection needed")
		return
	}
	rc, ok := room.(core.Reconnector)
	if !ok {
		// the engine reconnects on its own and reports back through events
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.ReconnectTimeout)
	err := rc.Reconnect(ctx)
	cancel()
	if err == nil {
		return
	}
	t.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnection attempt failed")

	t.mu.Lock()
	if t.state == domain.StateReconnecting {
		if t.reconnectAttempts >= t.opts.MaxReconnectionAttempts {
			t.transitionLocked(domain.StateFailed,
				fmt.Sprintf("Max reconnection attempts (%d) reached", t.opts.MaxReconnectionAttempts))
		} else {
			t.scheduleReconnectionLocked()
		}
	}
	t.mu.Unlock()
	t.emit()
}

func (t *Tracker) stopReconnectLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.reconnectGen++
}

func (t *Tracker) stopDegradedLocked() {
	if t.degradedTimer != nil {
		t.degradedTimer.Stop()
		t.degradedTimer = nil
	}
	t.degradedGen++
}

func (t *Tracker) clearTimersLocked() {
	t.stopReconnectLocked()
	t.stopDegradedLocked()
}

// PendingTimers reports whether a reconnection or degraded timer is armed.
func (t *Tracker) PendingTimers() (reconnect, degraded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnectTimer != nil, t.degradedTimer != nil
}
