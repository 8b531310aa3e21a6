// Package anim turns sparse position fixes into a continuously animated
// on-screen position.
package anim

import (
	"time"

	"bus-tracker/internal/runloop"
)

// DefaultDuration is the interpolation window. It is shorter than the usual
// 3-5 s publish cadence so an animation finishes, or is smoothly superseded,
// before the next fix lands.
const DefaultDuration = 2000 * time.Millisecond

// Position is a displayed or target location with a compass heading.
type Position struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Heading float64 `json:"heading"`
}

// Interpolator animates one entity's position linearly towards the latest
// target on every frame. It must only be used from the scheduler's
// goroutine.
type Interpolator struct {
	sched    runloop.Scheduler
	duration time.Duration
	heading  HeadingStrategy
	onFrame  func(Position)

	start     Position
	target    Position
	current   Position
	startTime time.Time
	frame     runloop.Handle
	closed    bool
}

// InterpolatorOption configures an Interpolator.
type InterpolatorOption func(*Interpolator)

// WithDuration sets the interpolation window. Non-positive values make
// updates jump straight to the target on the next frame.
func WithDuration(d time.Duration) InterpolatorOption {
	return func(ip *Interpolator) { ip.duration = d }
}

// WithHeadingStrategy replaces SnapHeading.
func WithHeadingStrategy(s HeadingStrategy) InterpolatorOption {
	return func(ip *Interpolator) {
		if s != nil {
			ip.heading = s
		}
	}
}

// WithFrameHook is called with the new position after every animation step.
func WithFrameHook(fn func(Position)) InterpolatorOption {
	return func(ip *Interpolator) { ip.onFrame = fn }
}

// NewInterpolator starts at rest on initial.
func NewInterpolator(sched runloop.Scheduler, initial Position, opts ...InterpolatorOption) *Interpolator {
	ip := &Interpolator{
		sched:    sched,
		duration: DefaultDuration,
		heading:  SnapHeading{},
		start:    initial,
		target:   initial,
		current:  initial,
	}
	for _, opt := range opts {
		opt(ip)
	}
	return ip
}

// Update retargets the animation. The new animation starts from the
// position currently on screen, even when the previous one was still in
// flight, so successive updates never jump.
func (ip *Interpolator) Update(target Position) {
	if ip.closed || target == ip.target {
		return
	}
	ip.start = ip.current
	ip.target = target
	ip.startTime = ip.sched.Now()
	ip.current.Heading = ip.heading.Heading(ip.start.Heading, target.Heading, 0)

	if ip.frame != nil {
		ip.frame.Cancel()
	}
	ip.frame = ip.sched.RequestFrame(ip.step)
}

func (ip *Interpolator) step(now time.Time) {
	ip.frame = nil
	if ip.closed {
		return
	}

	progress := Progress(now.Sub(ip.startTime), ip.duration)
	if progress >= 1 {
		ip.current = ip.target
	} else {
		ip.current = Position{
			Lat:     ip.start.Lat + (ip.target.Lat-ip.start.Lat)*progress,
			Lng:     ip.start.Lng + (ip.target.Lng-ip.start.Lng)*progress,
			Heading: ip.heading.Heading(ip.start.Heading, ip.target.Heading, progress),
		}
		ip.frame = ip.sched.RequestFrame(ip.step)
	}

	if ip.onFrame != nil {
		ip.onFrame(ip.current)
	}
}

// Current is the position to draw now.
func (ip *Interpolator) Current() Position { return ip.current }

// Target is the most recent target passed to Update.
func (ip *Interpolator) Target() Position { return ip.target }

// Animating reports whether a frame is pending.
func (ip *Interpolator) Animating() bool { return ip.frame != nil }

// Close cancels the in-flight animation. Later updates are ignored.
func (ip *Interpolator) Close() {
	ip.closed = true
	if ip.frame != nil {
		ip.frame.Cancel()
		ip.frame = nil
	}
}

// Progress is elapsed/duration clamped to [0, 1].
func Progress(elapsed, duration time.Duration) float64 {
	if duration <= 0 {
		return 1
	}
	p := float64(elapsed) / float64(duration)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
