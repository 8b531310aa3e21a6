package feed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.UnixMilli(1_700_000_000_000)

func mustSnapshot(t *testing.T, raw string) *Snapshot {
	t.Helper()
	snap, err := DecodeSnapshot([]byte(raw))
	require.NoError(t, err)
	return snap
}

func TestNormalizeFieldNaming(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		lat, lng float64
	}{
		{"short names", `{"lat":12.9,"lng":80.2}`, 12.9, 80.2},
		{"long names", `{"latitude":12.9,"longitude":80.2}`, 12.9, 80.2},
		{"short wins", `{"lat":1,"lng":2,"latitude":3,"longitude":4}`, 1, 2},
		{"zero short falls through", `{"lat":0,"lng":2,"latitude":3,"longitude":4}`, 3, 2},
		{"numeric strings", `{"lat":"12.5","lng":" 80.25 "}`, 12.5, 80.25},
		{"missing", `{"name":"x"}`, 0, 0},
		{"non numeric", `{"lat":true,"lng":"east"}`, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := Normalize("AA1", json.RawMessage(tt.raw), now)
			require.True(t, ok)
			assert.Equal(t, tt.lat, e.Lat)
			assert.Equal(t, tt.lng, e.Lng)
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	e, ok := Normalize("AA1", json.RawMessage(`{"lat":1,"lng":2}`), now)
	require.True(t, ok)
	assert.Equal(t, "AA1", e.Name)
	assert.Equal(t, 0.0, e.Heading)
	assert.False(t, e.HasHeading)
	assert.Equal(t, now.UnixMilli(), e.Timestamp)

	e, ok = Normalize("AA1", json.RawMessage(`{"lat":1,"lng":2,"name":"Route 9","heading":-90,"timestamp":1699999990000,"lastUpdated":"08:01"}`), now)
	require.True(t, ok)
	assert.Equal(t, "Route 9", e.Name)
	assert.Equal(t, 270.0, e.Heading)
	assert.True(t, e.HasHeading)
	assert.Equal(t, int64(1699999990000), e.Timestamp)
	assert.Equal(t, "08:01", e.LastUpdated)

	_, ok = Normalize("AA1", json.RawMessage(`"online"`), now)
	assert.False(t, ok)
}

func TestMergeFiltersAndOrders(t *testing.T) {
	locations := mustSnapshot(t, `{
		"C": {"lat": 12.1, "lng": 80.1},
		"A": {"latitude": 12.2, "longitude": 80.2, "name": "Alpha"},
		"Z": {"lat": 0, "lng": 80.3},
		"B": {"lat": 12.4, "lng": 80.4},
		"D": {"lat": 12.5, "lng": 80.5}
	}`)
	status := mustSnapshot(t, `{"A":"online","B":"offline","C":"online","Z":"online","E":"online"}`)

	got := Merge(locations, status, now)
	require.Len(t, got, 2)
	assert.Equal(t, "C", got[0].ID)
	assert.Equal(t, "C", got[0].Name)
	assert.Equal(t, "A", got[1].ID)
	assert.Equal(t, "Alpha", got[1].Name)
	assert.True(t, got[1].Online)

	assert.Equal(t, got, Merge(locations, status, now), "merge is a pure function of its inputs")
}

func TestMergeEmptyWhenEitherFeedAbsent(t *testing.T) {
	locations := mustSnapshot(t, `{"A":{"lat":1,"lng":1}}`)
	status := mustSnapshot(t, `{"A":"online"}`)

	for _, got := range [][]Entity{
		Merge(nil, status, now),
		Merge(locations, nil, now),
		Merge(nil, nil, now),
	} {
		assert.NotNil(t, got)
		assert.Empty(t, got)
	}
}

func TestIsOnlineNeedsExactSentinel(t *testing.T) {
	status := mustSnapshot(t, `{"a":"online","b":"Online","c":true,"d":{"state":"online"}}`)
	assert.True(t, IsOnline(status, "a"))
	assert.False(t, IsOnline(status, "b"))
	assert.False(t, IsOnline(status, "c"))
	assert.False(t, IsOnline(status, "d"))
	assert.False(t, IsOnline(status, "missing"))
	assert.False(t, IsOnline(nil, "a"))
}
