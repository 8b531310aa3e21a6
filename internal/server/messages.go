package server

import (
	"bus-tracker/internal/feed"
	"bus-tracker/internal/tracker"
	"bus-tracker/internal/view"
)

// frameMessage is the fleet stream state sent on every visible change.
type frameMessage struct {
	Type    string           `json:"type"`
	Loading bool             `json:"loading"`
	Error   string           `json:"error"`
	Markers []tracker.Marker `json:"markers"`
	Summary view.Summary     `json:"summary"`
}

// trackMessage is the track-by-id stream state.
type trackMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Loading bool            `json:"loading"`
	Error   string          `json:"error"`
	Marker  *tracker.Marker `json:"marker"`
	Camera  *view.Camera    `json:"camera,omitempty"`
}

type cameraMessage struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Camera view.Camera `json:"camera"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// clientMessage is anything a browser sends: select, clear or track.
type clientMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type busesResponse struct {
	Loading bool          `json:"loading"`
	Error   string        `json:"error"`
	Summary view.Summary  `json:"summary"`
	Buses   []feed.Entity `json:"buses"`
}

type nearestResponse struct {
	Bus            feed.Entity `json:"bus"`
	DistanceMeters float64     `json:"distanceMeters"`
	DistanceKm     float64     `json:"distanceKm"`
}
