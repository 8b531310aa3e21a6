package runloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)

func TestManualFramesAreOneShot(t *testing.T) {
	m := NewManual(epoch)
	calls := 0
	m.RequestFrame(func(time.Time) { calls++ })

	m.Frame()
	m.Frame()
	assert.Equal(t, 1, calls)
}

func TestManualFrameRequestedDuringFrameRunsNext(t *testing.T) {
	m := NewManual(epoch)
	var stamps []time.Time
	var tick FrameFunc
	tick = func(now time.Time) {
		stamps = append(stamps, now)
		if len(stamps) < 3 {
			m.RequestFrame(tick)
		}
	}
	m.RequestFrame(tick)

	m.Advance(time.Second)
	require.Len(t, stamps, 3)
	assert.True(t, stamps[0].Before(stamps[1]))
	assert.True(t, stamps[1].Before(stamps[2]))
}

func TestManualCancelledFrameNeverRuns(t *testing.T) {
	m := NewManual(epoch)
	ran := false
	h := m.RequestFrame(func(time.Time) { ran = true })
	h.Cancel()
	h.Cancel()

	m.Advance(100 * time.Millisecond)
	assert.False(t, ran)
	assert.Equal(t, 0, m.PendingFrames())
}

func TestManualAdvanceLandsExactly(t *testing.T) {
	m := NewManual(epoch)
	m.Advance(1234 * time.Millisecond)
	assert.Equal(t, epoch.Add(1234*time.Millisecond), m.Now())
}

func TestManualEveryFiresOnInterval(t *testing.T) {
	m := NewManual(epoch)
	var fired []time.Time
	h := m.Every(30*time.Second, func(now time.Time) { fired = append(fired, now) })

	m.Advance(29 * time.Second)
	assert.Empty(t, fired)

	m.Advance(2 * time.Second)
	require.Len(t, fired, 1)

	m.Advance(30 * time.Second)
	assert.Len(t, fired, 2)

	h.Cancel()
	m.Advance(time.Minute)
	assert.Len(t, fired, 2)
}

func TestManualPostRunsOnFlushInOrder(t *testing.T) {
	m := NewManual(epoch)
	var order []int
	m.Post(func() { order = append(order, 1) })
	m.Post(func() {
		order = append(order, 2)
		m.Post(func() { order = append(order, 3) })
	})

	assert.Empty(t, order)
	assert.Equal(t, 3, m.Flush())
	assert.Equal(t, []int{1, 2, 3}, order)
}
