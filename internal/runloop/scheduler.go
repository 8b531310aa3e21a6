// Package runloop provides the single-goroutine event loop that owns all
// animation, staleness and subscription state.
//
// Upstream push events, per-frame animation callbacks and wall-clock polling
// timers are all delivered on one goroutine, so the state they touch needs
// no locking. Code running on other goroutines (store readers, HTTP
// handlers) hands work to the loop with Post or Do.
package runloop

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFrameRate is the display refresh cadence frames are delivered at.
const DefaultFrameRate = 60

// FrameFunc runs once on the next frame with that frame's timestamp.
type FrameFunc func(now time.Time)

// Handle cancels a scheduled callback. Cancel is idempotent and safe to call
// from any goroutine; a cancelled callback never runs.
type Handle interface {
	Cancel()
}

// Scheduler is the capability animation and polling code depends on.
type Scheduler interface {
	// Now returns the scheduler's notion of the current time.
	Now() time.Time
	// Post enqueues fn to run on the loop goroutine.
	Post(fn func())
	// RequestFrame schedules fn for the next frame only.
	RequestFrame(fn FrameFunc) Handle
	// Every runs fn each time interval elapses until cancelled.
	Every(interval time.Duration, fn func(now time.Time)) Handle
}

type handle struct {
	cancelled atomic.Bool
}

func (h *handle) Cancel() { h.cancelled.Store(true) }

type frameCallback struct {
	handle
	fn FrameFunc
}

type timer struct {
	handle
	interval time.Duration
	next     time.Time
	fn       func(time.Time)
}

// queues is the state shared by Loop and Manual: pending events, the frame
// callbacks requested for the next frame and the interval timers.
type queues struct {
	mu     sync.Mutex
	events []func()
	frames []*frameCallback
	timers []*timer
}

func (q *queues) post(fn func()) {
	q.mu.Lock()
	q.events = append(q.events, fn)
	q.mu.Unlock()
}

func (q *queues) requestFrame(fn FrameFunc) Handle {
	cb := &frameCallback{fn: fn}
	q.mu.Lock()
	q.frames = append(q.frames, cb)
	q.mu.Unlock()
	return cb
}

func (q *queues) every(now time.Time, interval time.Duration, fn func(time.Time)) Handle {
	if interval <= 0 {
		interval = time.Second
	}
	t := &timer{interval: interval, next: now.Add(interval), fn: fn}
	q.mu.Lock()
	q.timers = append(q.timers, t)
	q.mu.Unlock()
	return t
}

// runEvents drains the event queue, including events posted while draining.
func (q *queues) runEvents() int {
	n := 0
	for {
		q.mu.Lock()
		batch := q.events
		q.events = nil
		q.mu.Unlock()
		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			fn()
			n++
		}
	}
}

// runTimers fires every timer that is due at now. A timer that fell behind
// fires once and is rescheduled relative to now.
func (q *queues) runTimers(now time.Time) {
	q.mu.Lock()
	live := q.timers[:0]
	var due []*timer
	for _, t := range q.timers {
		if t.cancelled.Load() {
			continue
		}
		live = append(live, t)
		if !now.Before(t.next) {
			due = append(due, t)
			t.next = t.next.Add(t.interval)
			if !t.next.After(now) {
				t.next = now.Add(t.interval)
			}
		}
	}
	q.timers = live
	q.mu.Unlock()

	for _, t := range due {
		if !t.cancelled.Load() {
			t.fn(now)
		}
	}
}

// runFrame invokes the callbacks requested before this frame started.
// Callbacks requested while it runs land in the next frame.
func (q *queues) runFrame(now time.Time) int {
	q.mu.Lock()
	batch := q.frames
	q.frames = nil
	q.mu.Unlock()

	n := 0
	for _, cb := range batch {
		if cb.cancelled.Load() {
			continue
		}
		cb.fn(now)
		n++
	}
	return n
}

func (q *queues) pendingFrames() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, cb := range q.frames {
		if !cb.cancelled.Load() {
			n++
		}
	}
	return n
}

func frameInterval(rate int) time.Duration {
	if rate <= 0 {
		rate = DefaultFrameRate
	}
	return time.Second / time.Duration(rate)
}
