// Package clock abstracts timers so that schedulers and task loops can be
// driven by wall time in production and by a deterministic fake in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Timer is a pending callback created by a Clock.
type Timer interface {
	// Stop prevents the timer from firing again and reports whether it was live.
	Stop() bool
}

type Clock interface {
	Now() time.Time
	// AfterFunc calls f once, in its own goroutine for Real, after d.
	AfterFunc(d time.Duration, f func()) Timer
	// TickFunc calls f every d until stopped.
	TickFunc(d time.Duration, f func()) Timer
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (Real) TickFunc(d time.Duration, f func()) Timer {
	t := &realTicker{
		ticker: time.NewTicker(d),
		stop:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.stop:
				return
			case <-t.ticker.C:
				f()
			}
		}
	}()
	return t
}

type realTicker struct {
	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

func (t *realTicker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.stop)
		stopped = true
	})
	return stopped
}

// Wait suspends until d has elapsed on c, or ctx is done. It returns false if
// ctx ended the wait, in which case the caller must not take its next action.
func Wait(ctx context.Context, c Clock, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	done := make(chan struct{})
	t := c.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return ctx.Err() == nil
	case <-ctx.Done():
		t.Stop()
		return false
	}
}
