package staleness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"bus-tracker/internal/runloop"
)

var epoch = time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)

func TestIsStaleBoundary(t *testing.T) {
	threshold := 300000 * time.Millisecond
	assert.True(t, IsStale(epoch.Add(-300001*time.Millisecond), epoch, threshold))
	assert.False(t, IsStale(epoch.Add(-299999*time.Millisecond), epoch, threshold))
	assert.False(t, IsStale(epoch.Add(-300000*time.Millisecond), epoch, threshold))
	assert.False(t, IsStale(time.Time{}, epoch, threshold))
}

func TestClassifierBecomesStaleByPolling(t *testing.T) {
	sched := runloop.NewManual(epoch)
	sched.SetFrameRate(1)
	var flips []bool
	c := New(sched, epoch, WithOnChange(func(s bool) { flips = append(flips, s) }))
	assert.False(t, c.Stale())

	sched.Advance(5 * time.Minute)
	assert.False(t, c.Stale(), "exactly at the threshold is still live")

	// The next poll after the threshold passes flips it.
	sched.Advance(30 * time.Second)
	assert.True(t, c.Stale())
	assert.Equal(t, []bool{true}, flips)
}

func TestClassifierReevaluatesOnNewTimestamp(t *testing.T) {
	sched := runloop.NewManual(epoch)
	c := New(sched, epoch.Add(-10*time.Minute))
	assert.True(t, c.Stale())

	c.SetLastUpdate(epoch)
	assert.False(t, c.Stale(), "fresh fix must not wait for the next poll")
}

func TestClassifierCustomThreshold(t *testing.T) {
	sched := runloop.NewManual(epoch)
	c := New(sched, epoch.Add(-2*time.Second), WithThreshold(time.Second), WithPollInterval(time.Second))
	assert.True(t, c.Stale())
}

func TestClassifierCloseStopsPolling(t *testing.T) {
	sched := runloop.NewManual(epoch)
	sched.SetFrameRate(1)
	c := New(sched, epoch)
	c.Close()
	c.Close()

	sched.Advance(10 * time.Minute)
	assert.False(t, c.Stale())

	c.SetLastUpdate(epoch.Add(-time.Hour))
	assert.False(t, c.Stale())
}
