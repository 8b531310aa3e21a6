package anim

import "bus-tracker/internal/geo"

// DefaultJitterDegrees is the smallest derived heading change that is shown.
const DefaultJitterDegrees = 1.0

// HeadingStrategy decides the displayed heading while an animation runs.
type HeadingStrategy interface {
	Heading(start, target, progress float64) float64
}

// SnapHeading shows the target heading for the whole animation. Linear
// interpolation of a circular quantity spins the wrong way across north, so
// this is the default.
type SnapHeading struct{}

func (SnapHeading) Heading(_, target, _ float64) float64 { return target }

// ShortestArcHeading turns along the shorter arc between start and target.
type ShortestArcHeading struct{}

func (ShortestArcHeading) Heading(start, target, progress float64) float64 {
	delta := geo.NormalizeDegrees(target-start)
	if delta > 180 {
		delta -= 360
	}
	if progress >= 1 {
		return geo.NormalizeDegrees(target)
	}
	return geo.NormalizeDegrees(start + delta*progress)
}

// HeadingTracker derives a displayed heading from consecutive raw fixes.
type HeadingTracker struct {
	jitter    float64
	seen      bool
	prevLat   float64
	prevLng   float64
	displayed float64
}

// NewHeadingTracker returns a tracker that ignores bearing changes of at
// most jitter degrees. A non-positive jitter uses DefaultJitterDegrees.
func NewHeadingTracker(jitter float64) *HeadingTracker {
	if jitter <= 0 {
		jitter = DefaultJitterDegrees
	}
	return &HeadingTracker{jitter: jitter}
}

// Observe records a raw fix and returns the heading to display.
//
// A heading supplied by the publisher is used as is. Otherwise the bearing
// from the previous raw fix is adopted when the vehicle moved and the
// bearing differs from the displayed heading by more than the jitter
// threshold; GPS noise around a stationary vehicle stays below it.
func (h *HeadingTracker) Observe(lat, lng, supplied float64, hasSupplied bool) float64 {
	if !h.seen {
		h.seen = true
		h.prevLat, h.prevLng = lat, lng
		if hasSupplied {
			h.displayed = geo.NormalizeDegrees(supplied)
		}
		return h.displayed
	}

	moved := lat != h.prevLat || lng != h.prevLng
	if hasSupplied {
		h.displayed = geo.NormalizeDegrees(supplied)
	} else if moved {
		b := geo.Bearing(h.prevLat, h.prevLng, lat, lng)
		if geo.AngleDelta(b, h.displayed) > h.jitter {
			h.displayed = b
		}
	}
	h.prevLat, h.prevLng = lat, lng
	return h.displayed
}

// Displayed returns the last heading Observe produced.
func (h *HeadingTracker) Displayed() float64 { return h.displayed }
