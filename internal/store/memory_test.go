package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	values []string
}

func (r *recorder) onValue(b []byte) { r.values = append(r.values, string(b)) }

func (r *recorder) last() string {
	if len(r.values) == 0 {
		return ""
	}
	return r.values[len(r.values)-1]
}

func TestMemoryStoreDeliversInitialAndChanges(t *testing.T) {
	s := NewMemoryStore()
	var rec recorder
	unsub, err := s.Subscribe(context.Background(), "locations", rec.onValue, nil)
	require.NoError(t, err)
	defer unsub()

	require.Equal(t, []string{"null"}, rec.values)

	require.NoError(t, s.Set("locations", []byte(`{"B":{"lat":1},"A":{"lat":2}}`)))
	assert.Equal(t, `{"B":{"lat":1},"A":{"lat":2}}`, rec.last(), "key order is preserved")
}

func TestMemoryStoreChildPathResolvesInsideParent(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Set("/buses/", []byte(`{"AA1":{"latitude":12.8,"longitude":80.0}}`)))

	var rec recorder
	unsub, err := s.Subscribe(context.Background(), "buses/AA1", rec.onValue, nil)
	require.NoError(t, err)
	defer unsub()
	assert.JSONEq(t, `{"latitude":12.8,"longitude":80.0}`, rec.last())

	require.NoError(t, s.Set("buses", []byte(`{"AB1":{}}`)))
	assert.Equal(t, "null", rec.last())
}

func TestMemoryStoreRejectsWriteInsideValue(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Set("buses", []byte(`{}`)))
	assert.ErrorIs(t, s.Set("buses/AA1", []byte(`{}`)), ErrShadowed)
	assert.Error(t, s.Set("", []byte(`{}`)))
	assert.Error(t, s.Set("x", []byte(`{`)))
}

func TestMemoryStoreUnrelatedPathsAreNotNotified(t *testing.T) {
	s := NewMemoryStore()
	var rec recorder
	unsub, err := s.Subscribe(context.Background(), "status", rec.onValue, nil)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.Set("locations", []byte(`{}`)))
	assert.Len(t, rec.values, 1)
}

func TestMemoryStoreUnsubscribeStopsDelivery(t *testing.T) {
	s := NewMemoryStore()
	var rec recorder
	unsub, err := s.Subscribe(context.Background(), "status", rec.onValue, nil)
	require.NoError(t, err)
	unsub()
	unsub()

	require.NoError(t, s.Set("status", []byte(`{"A":"online"}`)))
	assert.Equal(t, []string{"null"}, rec.values)
}

func TestMemoryStoreDeleteWithNull(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.SetJSON("status", map[string]string{"A": "online"}))
	require.NoError(t, s.Set("status", Null))
	assert.Equal(t, "null", string(s.Get("status")))
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "buses/AA1", CleanPath("//buses//AA1/"))
	assert.Equal(t, "buses.AA1", RoutingKey("/buses/AA1"))
	assert.True(t, related("buses/AA1", "buses"))
	assert.True(t, related("buses", "buses/AA1"))
	assert.False(t, related("buses", "busesX"))
	assert.False(t, related("locations", "status"))
}
