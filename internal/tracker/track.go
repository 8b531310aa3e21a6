// Package tracker keeps the display state of every visible vehicle: one
// animated position, derived heading and staleness flag per entity, created
// when the entity first appears and torn down when it leaves the list.
package tracker

import (
	"time"

	"bus-tracker/internal/anim"
	"bus-tracker/internal/feed"
	"bus-tracker/internal/runloop"
	"bus-tracker/internal/staleness"
)

// Config tunes every Track created by a Fleet.
type Config struct {
	Duration       time.Duration
	Heading        anim.HeadingStrategy
	JitterDegrees  float64
	StaleThreshold time.Duration
	StalePoll      time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Duration:       anim.DefaultDuration,
		Heading:        anim.SnapHeading{},
		JitterDegrees:  anim.DefaultJitterDegrees,
		StaleThreshold: staleness.DefaultThreshold,
		StalePoll:      staleness.DefaultPollInterval,
	}
}

// Marker is the rendered state of one entity.
type Marker struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Heading   float64 `json:"heading"`
	Stale     bool    `json:"stale"`
	Timestamp int64   `json:"timestamp"`
}

// Track animates a single entity. It must be used on the scheduler's
// goroutine and is inert after Close.
type Track struct {
	id        string
	name      string
	timestamp int64

	heading *anim.HeadingTracker
	interp  *anim.Interpolator
	stale   *staleness.Classifier
	closed  bool
}

// NewTrack places the entity at its first fix without animating. onDirty,
// if set, runs whenever the rendered marker changes on its own: on every
// animation frame and on staleness flips.
func NewTrack(sched runloop.Scheduler, e feed.Entity, cfg Config, onDirty func()) *Track {
	if onDirty == nil {
		onDirty = func() {}
	}
	t := &Track{
		id:        e.ID,
		name:      e.Name,
		timestamp: e.Timestamp,
		heading:   anim.NewHeadingTracker(cfg.JitterDegrees),
	}
	h := t.heading.Observe(e.Lat, e.Lng, e.Heading, e.HasHeading)

	var iopts []anim.InterpolatorOption
	if cfg.Duration > 0 {
		iopts = append(iopts, anim.WithDuration(cfg.Duration))
	}
	if cfg.Heading != nil {
		iopts = append(iopts, anim.WithHeadingStrategy(cfg.Heading))
	}
	iopts = append(iopts, anim.WithFrameHook(func(anim.Position) { onDirty() }))
	t.interp = anim.NewInterpolator(sched, anim.Position{Lat: e.Lat, Lng: e.Lng, Heading: h}, iopts...)

	t.stale = staleness.New(sched, e.UpdatedAt(),
		staleness.WithThreshold(cfg.StaleThreshold),
		staleness.WithPollInterval(cfg.StalePoll),
		staleness.WithOnChange(func(bool) { onDirty() }),
	)
	return t
}

// Update feeds a new fix. Updates after Close are ignored.
func (t *Track) Update(e feed.Entity) {
	if t.closed {
		return
	}
	t.name = e.Name
	t.timestamp = e.Timestamp
	h := t.heading.Observe(e.Lat, e.Lng, e.Heading, e.HasHeading)
	t.interp.Update(anim.Position{Lat: e.Lat, Lng: e.Lng, Heading: h})
	t.stale.SetLastUpdate(e.UpdatedAt())
}

// Marker returns what to draw now.
func (t *Track) Marker() Marker {
	p := t.interp.Current()
	return Marker{
		ID:        t.id,
		Name:      t.name,
		Lat:       p.Lat,
		Lng:       p.Lng,
		Heading:   p.Heading,
		Stale:     t.stale.Stale(),
		Timestamp: t.timestamp,
	}
}

// Animating reports whether the position is still moving.
func (t *Track) Animating() bool { return t.interp.Animating() }

// Close stops the animation frame and the staleness timer.
func (t *Track) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.interp.Close()
	t.stale.Close()
}
