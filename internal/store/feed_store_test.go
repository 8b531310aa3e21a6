package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	vehicles []Vehicle
	err      error
	calls    atomic.Int32
}

func (f *fakeFeed) Fetch(context.Context) ([]Vehicle, error) {
	f.calls.Add(1)
	return f.vehicles, f.err
}

func TestFeedStorePublishesOrderedSnapshots(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	feed := &fakeFeed{vehicles: []Vehicle{
		{ID: "B2", Lat: 12.8, Lon: 80.1},
		{ID: "A1", Name: "Route 5", Lat: 12.9, Lon: 80.2, Bearing: float64Ptr(45), Timestamp: 1_699_999_999_000},
	}}
	s := NewFeedStore(feed, time.Second, nil, WithFeedClock(func() time.Time { return now }))

	var locs, status recorder
	unsubL, err := s.Subscribe(context.Background(), "locations", locs.onValue, nil)
	require.NoError(t, err)
	defer unsubL()
	unsubS, err := s.Subscribe(context.Background(), "status", status.onValue, nil)
	require.NoError(t, err)
	defer unsubS()

	s.Poll(context.Background())

	assert.Equal(t,
		`{"B2":{"lat":12.8,"lng":80.1,"timestamp":1700000000000},"A1":{"lat":12.9,"lng":80.2,"name":"Route 5","heading":45,"timestamp":1699999999000}}`,
		locs.last())
	assert.Equal(t, `{"B2":"online","A1":"online"}`, status.last())
}

func TestFeedStoreSkipsUnchangedPolls(t *testing.T) {
	clock := time.UnixMilli(1_700_000_000_000)
	feed := &fakeFeed{vehicles: []Vehicle{{ID: "A", Lat: 1, Lon: 1}}}
	s := NewFeedStore(feed, time.Second, nil, WithFeedClock(func() time.Time { return clock }))

	var locs recorder
	unsub, err := s.Subscribe(context.Background(), "locations", locs.onValue, nil)
	require.NoError(t, err)
	defer unsub()

	s.Poll(context.Background())
	clock = clock.Add(5 * time.Second)
	s.Poll(context.Background())
	require.Len(t, locs.values, 2, "initial null plus one publish")
	assert.Contains(t, locs.last(), `"timestamp":1700000000000`)

	feed.vehicles = []Vehicle{{ID: "A", Lat: 1.5, Lon: 1}}
	s.Poll(context.Background())
	require.Len(t, locs.values, 3)
	assert.Contains(t, locs.last(), `"timestamp":1700000005000`)

	feed.vehicles = nil
	s.Poll(context.Background())
	assert.Equal(t, `{}`, locs.last())
}

func TestFeedStoreReportsPollErrors(t *testing.T) {
	feed := &fakeFeed{err: errors.New("upstream 503")}
	s := NewFeedStore(feed, time.Second, nil)

	var errs []error
	unsub, err := s.Subscribe(context.Background(), "locations", func([]byte) {}, func(err error) { errs = append(errs, err) })
	require.NoError(t, err)

	s.Poll(context.Background())
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "upstream 503")

	unsub()
	s.Poll(context.Background())
	assert.Len(t, errs, 1)
}

func TestFeedStoreRunStopsOnCancel(t *testing.T) {
	feed := &fakeFeed{}
	s := NewFeedStore(feed, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return feed.calls.Load() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
