package clock

import (
	"context"
	"testing"
	"time"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(epoch)
	var got []int
	c.AfterFunc(300*time.Millisecond, func() { got = append(got, 3) })
	c.AfterFunc(100*time.Millisecond, func() { got = append(got, 1) })
	c.AfterFunc(200*time.Millisecond, func() { got = append(got, 2) })

	c.Advance(150 * time.Millisecond)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("after 150ms got %v", got)
	}
	c.Advance(time.Second)
	if len(got) != 3 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("after advance got %v", got)
	}
	if want := epoch.Add(1150 * time.Millisecond); !c.Now().Equal(want) {
		t.Fatalf("now = %v, want %v", c.Now(), want)
	}
}

func TestFakeStop(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if tm.Stop() {
		t.Fatal("second Stop returned true")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending = %d", c.PendingCount())
	}
}

func TestFakeChainedTimersFireWithinOneAdvance(t *testing.T) {
	c := NewFake(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)
	c.Advance(3500 * time.Millisecond)
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	c := NewFake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Sleep(ctx, c, time.Minute) }()
	c.WaitForTimers(1)
	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("err = %v", err)
	}

	go func() { errCh <- Sleep(context.Background(), c, time.Second) }()
	c.WaitForTimers(1)
	c.Advance(time.Second)
	if err := <-errCh; err != nil {
		t.Fatalf("err = %v", err)
	}
}
