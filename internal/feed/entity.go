package feed

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"bus-tracker/internal/geo"
)

// Entity is one tracked vehicle as derived from the feeds. Values are
// replaced wholesale on every derivation, never mutated.
type Entity struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	// Heading is in [0,360). HasHeading reports whether the record carried
	// one; without it the display derives heading from movement.
	Heading    float64 `json:"heading"`
	HasHeading bool    `json:"-"`
	// Timestamp is the fix time in epoch ms.
	Timestamp   int64  `json:"timestamp"`
	LastUpdated string `json:"lastUpdated,omitempty"`
	Online      bool   `json:"online"`
}

// UpdatedAt returns Timestamp as a time.
func (e Entity) UpdatedAt() time.Time { return time.UnixMilli(e.Timestamp) }

type locationRecord map[string]json.RawMessage

// Normalize converts one location record into an Entity. It reports false
// when the record is not a JSON object. Coordinates are resolved but not
// validated; callers filter with geo.HasFix.
func Normalize(id string, raw json.RawMessage, now time.Time) (Entity, bool) {
	var rec locationRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec == nil {
		return Entity{}, false
	}
	e := Entity{
		ID:   id,
		Name: id,
		Lat:  rec.coordinate("lat", "latitude"),
		Lng:  rec.coordinate("lng", "longitude"),
	}
	if name, ok := rec.str("name"); ok && name != "" {
		e.Name = name
	}
	if h, ok := rec.number("heading"); ok {
		e.Heading = geo.NormalizeDegrees(h)
		e.HasHeading = true
	}
	if ts, ok := rec.number("timestamp"); ok && ts > 0 {
		e.Timestamp = int64(ts)
	} else {
		e.Timestamp = now.UnixMilli()
	}
	if s, ok := rec.str("lastUpdated"); ok {
		e.LastUpdated = s
	}
	return e, true
}

// ResolveFix returns the record's coordinates and whether they form a fix.
func ResolveFix(raw json.RawMessage) (lat, lng float64, ok bool) {
	rec := locationRecordOf(raw)
	if rec == nil {
		return 0, 0, false
	}
	lat = rec.coordinate("lat", "latitude")
	lng = rec.coordinate("lng", "longitude")
	return lat, lng, geo.HasFix(lat, lng)
}

func locationRecordOf(raw json.RawMessage) locationRecord {
	var rec locationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil
	}
	return rec
}

// coordinate prefers the short field name. A zero or missing short value
// falls through to the long one.
func (r locationRecord) coordinate(short, long string) float64 {
	if v, ok := r.number(short); ok && v != 0 {
		return v
	}
	v, _ := r.number(long)
	return v
}

// number accepts JSON numbers and numeric strings.
func (r locationRecord) number(key string) (float64, bool) {
	raw, ok := r[key]
	if !ok {
		return 0, false
	}
	raw = bytes.TrimSpace(raw)
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n = json.Number(strings.TrimSpace(s))
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (r locationRecord) str(key string) (string, bool) {
	raw, ok := r[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
