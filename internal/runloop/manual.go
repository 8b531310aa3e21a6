package runloop

import "time"

// Manual is a deterministic Scheduler driven explicitly by the caller. It is
// used by tests and by replay tooling where wall-clock time must not leak in.
//
// Nothing runs until Flush or Advance is called; both must be called from a
// single goroutine.
type Manual struct {
	queues
	now      time.Time
	interval time.Duration
}

// NewManual starts a manual scheduler at start with the default frame rate.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, interval: frameInterval(DefaultFrameRate)}
}

// SetFrameRate changes the frame step used by Advance.
func (m *Manual) SetFrameRate(fps int) { m.interval = frameInterval(fps) }

// Now returns the manual clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Post enqueues fn until the next Flush or Advance.
func (m *Manual) Post(fn func()) { m.post(fn) }

// RequestFrame schedules fn for the next frame Advance produces.
func (m *Manual) RequestFrame(fn FrameFunc) Handle { return m.requestFrame(fn) }

// Every schedules fn relative to the manual clock.
func (m *Manual) Every(interval time.Duration, fn func(time.Time)) Handle {
	return m.every(m.Now(), interval, fn)
}

// Flush runs every queued event and returns how many ran.
func (m *Manual) Flush() int { return m.runEvents() }

// PendingFrames counts live callbacks waiting for the next frame.
func (m *Manual) PendingFrames() int { return m.pendingFrames() }

// Frame advances the clock by one frame interval and runs a single frame.
func (m *Manual) Frame() { m.step(m.interval) }

// Advance moves the clock forward by d in frame-sized steps. Each step runs
// queued events, then due timers, then the frame callbacks. The final step
// is shortened so the clock lands exactly on start+d.
func (m *Manual) Advance(d time.Duration) {
	for d > 0 {
		step := m.interval
		if step > d {
			step = d
		}
		m.step(step)
		d -= step
	}
	m.runEvents()
}

func (m *Manual) step(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	m.mu.Unlock()

	m.runEvents()
	m.runTimers(now)
	m.runFrame(now)
}
