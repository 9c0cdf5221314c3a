package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/zond/swarmbot/heap"
)

// Fake is a manually advanced Clock. Timers fire synchronously, in deadline
// order, inside Advance.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers *heap.Heap[*fakeTimer]
}

func NewFake(start time.Time) *Fake {
	return &Fake{
		now: start,
		timers: heap.New(func(a, b *fakeTimer) bool {
			if a.at.Equal(b.at) {
				return a.seq < b.seq
			}
			return a.at.Before(b.at)
		}),
	}
}

type fakeTimer struct {
	clock  *Fake
	at     time.Time
	seq    uint64
	period time.Duration
	f      func()
	done   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return t.clock.timers.Remove(func(o *fakeTimer) bool { return o == t })
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) push(d, period time.Duration, fn func()) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{
		clock:  f,
		at:     f.now.Add(d),
		seq:    f.seq,
		period: period,
		f:      fn,
	}
	f.timers.Push(t)
	return t
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	return f.push(d, 0, fn)
}

func (f *Fake) TickFunc(d time.Duration, fn func()) Timer {
	if d <= 0 {
		panic(fmt.Errorf("non-positive tick period %v", d))
	}
	return f.push(d, d, fn)
}

// Advance moves the clock forward by d, firing every timer that comes due on
// the way. Timers created by fired callbacks also fire if they come due before
// the new time.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		next, found := f.timers.Peek()
		if !found || next.at.After(target) {
			break
		}
		f.timers.Pop()
		if next.at.After(f.now) {
			f.now = next.at
		}
		if next.period > 0 {
			f.seq++
			next.at = next.at.Add(next.period)
			next.seq = f.seq
			f.timers.Push(next)
		} else {
			next.done = true
		}
		f.mu.Unlock()
		next.f()
		f.mu.Lock()
	}
	// A callback may itself have advanced the clock past target.
	if target.After(f.now) {
		f.now = target
	}
	f.mu.Unlock()
}

// Pending returns the number of live timers and tickers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timers.Size()
}

// BlockUntil waits, in real time, until at least n timers are pending. It is
// used to synchronize with goroutines that are about to suspend on the clock.
func (f *Fake) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.Pending() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return f.Pending() >= n
}
