package runloop

import (
	"context"
	"errors"
	"time"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("runloop: stopped")

// Loop is the wall-clock Scheduler. Run must be called exactly once.
type Loop struct {
	queues
	interval time.Duration
	wake     chan struct{}
	done     chan struct{}
	now      func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithFrameRate sets how many frames per second are delivered.
func WithFrameRate(fps int) Option {
	return func(l *Loop) { l.interval = frameInterval(fps) }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// NewLoop builds a loop that is idle until Run is called.
func NewLoop(opts ...Option) *Loop {
	l := &Loop{
		interval: frameInterval(DefaultFrameRate),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the wall-clock time.
func (l *Loop) Now() time.Time { return l.now() }

// Post enqueues fn. Events posted after Run returned are dropped.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
		return
	default:
	}
	l.post(fn)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// RequestFrame schedules fn for the next frame tick.
func (l *Loop) RequestFrame(fn FrameFunc) Handle { return l.requestFrame(fn) }

// Every schedules fn on a fixed wall-clock interval.
func (l *Loop) Every(interval time.Duration, fn func(time.Time)) Handle {
	return l.every(l.now(), interval, fn)
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run processes events, frames and timers until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
			l.runEvents()
		case <-ticker.C:
			now := l.now()
			l.runEvents()
			l.runTimers(now)
			l.runFrame(now)
		}
	}
}
