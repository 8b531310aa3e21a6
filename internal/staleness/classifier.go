// Package staleness classifies tracked vehicles as live or stale from the
// age of their last fix.
package staleness

import (
	"time"

	"bus-tracker/internal/runloop"
)

const (
	// DefaultThreshold is how old a fix may get before the vehicle is stale.
	DefaultThreshold = 5 * time.Minute
	// DefaultPollInterval is how often the age is re-checked without new data.
	DefaultPollInterval = 30 * time.Second
)

// IsStale reports whether a fix taken at last is older than threshold at
// now. A zero last means no timestamp is known and is never stale.
func IsStale(last, now time.Time, threshold time.Duration) bool {
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > threshold
}

// Classifier keeps an entity's live/stale flag current. Wall-clock polling
// is needed because time passes without any upstream event. There is no
// hysteresis, so a fix right at the threshold may flip between states.
type Classifier struct {
	sched     runloop.Scheduler
	threshold time.Duration
	interval  time.Duration
	onChange  func(stale bool)

	last  time.Time
	stale bool
	poll  runloop.Handle
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.threshold = d
		}
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithOnChange is invoked whenever the classification flips.
func WithOnChange(fn func(stale bool)) Option {
	return func(c *Classifier) { c.onChange = fn }
}

// New evaluates last immediately and starts polling.
func New(sched runloop.Scheduler, last time.Time, opts ...Option) *Classifier {
	c := &Classifier{
		sched:     sched,
		threshold: DefaultThreshold,
		interval:  DefaultPollInterval,
		last:      last,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.stale = IsStale(c.last, sched.Now(), c.threshold)
	c.poll = sched.Every(c.interval, c.evaluate)
	return c
}

// SetLastUpdate re-evaluates right away when the timestamp changed.
func (c *Classifier) SetLastUpdate(last time.Time) {
	if c.poll == nil || last.Equal(c.last) {
		return
	}
	c.last = last
	c.evaluate(c.sched.Now())
}

func (c *Classifier) evaluate(now time.Time) {
	stale := IsStale(c.last, now, c.threshold)
	if stale == c.stale {
		return
	}
	c.stale = stale
	if c.onChange != nil {
		c.onChange(stale)
	}
}

// Stale is the current classification.
func (c *Classifier) Stale() bool { return c.stale }

// LastUpdate is the timestamp being classified.
func (c *Classifier) LastUpdate() time.Time { return c.last }

// Close stops polling; the flag keeps its last value.
func (c *Classifier) Close() {
	if c.poll != nil {
		c.poll.Cancel()
		c.poll = nil
	}
}
