package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock. Time moves only on Advance, and due
// AfterFunc callbacks run synchronously in the goroutine calling Advance,
// in deadline order. Callbacks may schedule further timers; those fire in
// the same Advance if they fall due.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	waiters []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	c        *Fake
	deadline time.Time
	seq      int
	f        func()
	done     bool
}

// NewFake returns a Fake set to start.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	if d <= 0 {
		f()
		return &fakeTimer{c: c, done: true}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, deadline: c.now.Add(d), seq: c.seq, f: f}
	c.waiters = append(c.waiters, t)
	c.changed.Broadcast()
	return t
}

func (t *fakeTimer) Stop() bool {
	if t.c == nil {
		return false
	}
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.c.removeLocked(t)
	t.c.changed.Broadcast()
	return true
}

func (c *Fake) removeLocked(t *fakeTimer) {
	for i, w := range c.waiters {
		if w == t {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward by d, firing every timer that falls due.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.Slice(c.waiters, func(i, j int) bool {
			if c.waiters[i].deadline.Equal(c.waiters[j].deadline) {
				return c.waiters[i].seq < c.waiters[j].seq
			}
			return c.waiters[i].deadline.Before(c.waiters[j].deadline)
		})
		if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		next := c.waiters[0]
		c.waiters = c.waiters[1:]
		next.done = true
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		c.changed.Broadcast()
		c.mu.Unlock()

		next.f()
	}
}

// PendingCount returns the number of timers not yet fired or stopped.
func (c *Fake) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// WaitForTimers blocks until at least n timers are pending. Tests use it
// to synchronise with goroutines that schedule work on the clock.
func (c *Fake) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}
