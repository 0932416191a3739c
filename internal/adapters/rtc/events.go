package rtc

import (
	"sync"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/rs/zerolog"
)

// dispatcher delivers room events in order from one goroutine. The queue is
// unbounded so handlers may call back into the room.
type dispatcher struct {
	logger zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []core.RoomEvent
	closed   bool
	handlers map[int]func(core.RoomEvent)
	nextID   int
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	d := &dispatcher{logger: logger, handlers: make(map[int]func(core.RoomEvent))}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) on(h func(core.RoomEvent)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) removeAll() {
	d.mu.Lock()
	d.handlers = make(map[int]func(core.RoomEvent))
	d.mu.Unlock()
}

func (d *dispatcher) emit(ev core.RoomEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, ev)
	d.cond.Signal()
}

// close lets queued events drain, then stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue = d.queue[1:]
		hs := make([]func(core.RoomEvent), 0, len(d.handlers))
		for i := 0; i < d.nextID; i++ {
			if h, ok := d.handlers[i]; ok {
				hs = append(hs, h)
			}
		}
		d.mu.Unlock()

		for _, h := range hs {
			d.deliver(h, ev)
		}
	}
}

func (d *dispatcher) deliver(h func(core.RoomEvent), ev core.RoomEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Int("kind", int(ev.Kind)).Msg("room event handler panicked")
		}
	}()
	h(ev)
}
