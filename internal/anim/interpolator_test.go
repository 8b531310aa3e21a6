package anim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/runloop"
)

var epoch = time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)

func TestInterpolatorConvergesToTarget(t *testing.T) {
	sched := runloop.NewManual(epoch)
	ip := NewInterpolator(sched, Position{Lat: 12.80, Lng: 80.00}, WithDuration(1200*time.Millisecond))

	target := Position{Lat: 12.81, Lng: 80.02, Heading: 45}
	ip.Update(target)
	sched.Advance(1200 * time.Millisecond)

	assert.Equal(t, target, ip.Current())
	assert.False(t, ip.Animating())
	assert.Equal(t, 0, sched.PendingFrames())
}

func TestInterpolatorIsLinear(t *testing.T) {
	sched := runloop.NewManual(epoch)
	sched.SetFrameRate(10)
	ip := NewInterpolator(sched, Position{Lat: 10, Lng: 20}, WithDuration(time.Second))

	ip.Update(Position{Lat: 11, Lng: 22})
	sched.Advance(500 * time.Millisecond)

	got := ip.Current()
	assert.InDelta(t, 10.5, got.Lat, 1e-9)
	assert.InDelta(t, 21.0, got.Lng, 1e-9)
	assert.True(t, ip.Animating())
}

func TestInterpolatorRestartsFromDisplayedPosition(t *testing.T) {
	sched := runloop.NewManual(epoch)
	sched.SetFrameRate(10)
	ip := NewInterpolator(sched, Position{Lat: 0.0, Lng: 0.0}, WithDuration(time.Second))

	ip.Update(Position{Lat: 1, Lng: 1})
	sched.Advance(400 * time.Millisecond)
	onScreen := ip.Current()
	require.InDelta(t, 0.4, onScreen.Lat, 1e-9)

	// A new target mid-flight must not move the marker until the next frame,
	// and the next frame starts from where the marker was.
	ip.Update(Position{Lat: 2, Lng: 2})
	assert.Equal(t, onScreen.Lat, ip.Current().Lat)
	assert.Equal(t, onScreen.Lng, ip.Current().Lng)

	sched.Frame()
	after := ip.Current()
	assert.Greater(t, after.Lat, onScreen.Lat)
	assert.InDelta(t, 0.4+(2-0.4)*0.1, after.Lat, 1e-9)

	sched.Advance(time.Second)
	assert.Equal(t, Position{Lat: 2, Lng: 2}, ip.Current())
}

func TestInterpolatorNeverJumpsBackAcrossUpdates(t *testing.T) {
	sched := runloop.NewManual(epoch)
	ip := NewInterpolator(sched, Position{Lat: 1, Lng: 1}, WithDuration(1500*time.Millisecond))

	targets := []Position{{Lat: 2, Lng: 2}, {Lat: 3, Lng: 3}, {Lat: 4, Lng: 4}}
	prev := ip.Current()
	for _, tgt := range targets {
		ip.Update(tgt)
		for i := 0; i < 30; i++ {
			sched.Frame()
			cur := ip.Current()
			assert.GreaterOrEqual(t, cur.Lat, prev.Lat)
			prev = cur
		}
	}
}

func TestInterpolatorIgnoresEqualTarget(t *testing.T) {
	sched := runloop.NewManual(epoch)
	ip := NewInterpolator(sched, Position{Lat: 1, Lng: 1})

	ip.Update(Position{Lat: 1, Lng: 1})
	assert.False(t, ip.Animating())

	ip.Update(Position{Lat: 2, Lng: 1})
	sched.Advance(time.Second)
	mid := ip.Current()

	// Same value again must not restart the clock.
	ip.Update(Position{Lat: 2, Lng: 1})
	sched.Advance(time.Second)
	assert.Greater(t, ip.Current().Lat, mid.Lat)
	assert.Equal(t, 2.0, ip.Current().Lat)
}

func TestInterpolatorSnapsHeadingImmediately(t *testing.T) {
	sched := runloop.NewManual(epoch)
	ip := NewInterpolator(sched, Position{Lat: 1, Lng: 1, Heading: 350})

	ip.Update(Position{Lat: 1.1, Lng: 1, Heading: 10})
	assert.Equal(t, 10.0, ip.Current().Heading)
	sched.Frame()
	assert.Equal(t, 10.0, ip.Current().Heading)
}

func TestInterpolatorShortestArcHeading(t *testing.T) {
	sched := runloop.NewManual(epoch)
	sched.SetFrameRate(10)
	ip := NewInterpolator(sched, Position{Lat: 1, Lng: 1, Heading: 350},
		WithDuration(time.Second), WithHeadingStrategy(ShortestArcHeading{}))

	ip.Update(Position{Lat: 1.1, Lng: 1, Heading: 10})
	assert.Equal(t, 350.0, ip.Current().Heading)

	sched.Advance(500 * time.Millisecond)
	assert.InDelta(t, 0.0, geoWrap(ip.Current().Heading), 1e-9)

	sched.Advance(time.Second)
	assert.Equal(t, 10.0, ip.Current().Heading)
}

func geoWrap(h float64) float64 {
	if h > 180 {
		return h - 360
	}
	return h
}

func TestInterpolatorCloseStopsWrites(t *testing.T) {
	sched := runloop.NewManual(epoch)
	frames := 0
	ip := NewInterpolator(sched, Position{Lat: 1, Lng: 1}, WithFrameHook(func(Position) { frames++ }))

	ip.Update(Position{Lat: 2, Lng: 2})
	sched.Frame()
	require.Equal(t, 1, frames)
	frozen := ip.Current()

	ip.Close()
	ip.Update(Position{Lat: 3, Lng: 3})
	sched.Advance(5 * time.Second)

	assert.Equal(t, 1, frames)
	assert.Equal(t, frozen, ip.Current())
	assert.Equal(t, 0, sched.PendingFrames())
}

func TestProgressClamps(t *testing.T) {
	assert.Equal(t, 0.0, Progress(-time.Second, time.Second))
	assert.Equal(t, 0.5, Progress(500*time.Millisecond, time.Second))
	assert.Equal(t, 1.0, Progress(3*time.Second, time.Second))
	assert.Equal(t, 1.0, Progress(0, 0))
}
