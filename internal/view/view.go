// Package view holds the presentation helpers shared by the fleet and
// track-by-id streams: search, nearest vehicle, selection with camera
// moves, and the online summary.
package view

import (
	"math"
	"strings"
	"time"

	"bus-tracker/internal/feed"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/staleness"
)

// Camera fly-to settings.
const (
	SelectZoom     = 17
	SelectDuration = 1500 * time.Millisecond
	TrackZoom      = 16
	TrackDuration  = 1200 * time.Millisecond
	DefaultZoom    = 15
)

// DefaultCenter is where the map opens before any vehicle is selected.
var DefaultCenter = Camera{Lat: 12.8231, Lng: 80.0453, Zoom: DefaultZoom}

// Camera is a map viewport move.
type Camera struct {
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Zoom       int     `json:"zoom"`
	DurationMs int64   `json:"durationMs"`
}

// FlyTo builds a camera move to a point.
func FlyTo(lat, lng float64, zoom int, d time.Duration) Camera {
	return Camera{Lat: lat, Lng: lng, Zoom: zoom, DurationMs: d.Milliseconds()}
}

// Search keeps entities whose name contains query, ignoring case. An empty
// query keeps everything.
func Search(entities []feed.Entity, query string) []feed.Entity {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]feed.Entity, 0, len(entities))
	for _, e := range entities {
		if q == "" || strings.Contains(strings.ToLower(e.Name), q) {
			out = append(out, e)
		}
	}
	return out
}

// Nearby is an entity with its distance from a reference point.
type Nearby struct {
	feed.Entity
	DistanceMeters float64 `json:"distanceMeters"`
}

// DistanceKm is the distance rounded to one decimal, as shown in lists.
func (n Nearby) DistanceKm() float64 {
	return math.Round(n.DistanceMeters/100) / 10
}

// Nearest returns the entity closest to lat/lng. Ties keep the earlier
// entity. ok is false when entities is empty.
func Nearest(entities []feed.Entity, lat, lng float64) (Nearby, bool) {
	best := Nearby{DistanceMeters: math.Inf(1)}
	found := false
	for _, e := range entities {
		d := geo.Distance(lat, lng, e.Lat, e.Lng)
		if d < best.DistanceMeters {
			best = Nearby{Entity: e, DistanceMeters: d}
			found = true
		}
	}
	return best, found
}

// Summary counts entities by freshness.
type Summary struct {
	Online int `json:"online"`
	Total  int `json:"total"`
}

// Summarize counts entities whose last fix is within threshold of now.
func Summarize(entities []feed.Entity, now time.Time, threshold time.Duration) Summary {
	s := Summary{Total: len(entities)}
	for _, e := range entities {
		if !staleness.IsStale(e.UpdatedAt(), now, threshold) {
			s.Online++
		}
	}
	return s
}

// Selection remembers the selected entity of one viewer.
type Selection struct {
	id string
}

// Select picks id from entities and returns the camera move to it. It
// returns false, leaving the selection unchanged, when id is not listed.
func (s *Selection) Select(id string, entities []feed.Entity) (Camera, bool) {
	for _, e := range entities {
		if e.ID == id {
			s.id = id
			return FlyTo(e.Lat, e.Lng, SelectZoom, SelectDuration), true
		}
	}
	return Camera{}, false
}

// Clear drops the selection.
func (s *Selection) Clear() { s.id = "" }

// Selected returns the selected id, empty when none.
func (s *Selection) Selected() string { return s.id }
