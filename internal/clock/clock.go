// Package clock abstracts the time operations used by the session
// components so tests can drive timers deterministically.
package clock

import (
	"context"
	"time"
)

// Clock is the subset of the time package the client components use.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f after d. The real clock runs f on its own
	// goroutine; the fake clock runs it synchronously inside Advance.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call.
type Timer interface {
	// Stop reports whether the call was prevented from running.
	Stop() bool
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	t := c.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
