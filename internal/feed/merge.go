package feed

import (
	"encoding/json"
	"time"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/store"
)

// IsOnline reports whether the status snapshot flags id as online.
func IsOnline(status *Snapshot, id string) bool {
	raw, ok := status.Get(id)
	if !ok {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == store.OnlineStatus
}

// Merge joins the location and status snapshots. The result is never nil;
// it is empty when either snapshot is absent. Entities keep the location
// snapshot's key order and are included only when online with a valid fix.
func Merge(locations, status *Snapshot, now time.Time) []Entity {
	out := []Entity{}
	if locations == nil || status == nil {
		return out
	}
	for _, id := range locations.Keys {
		if !IsOnline(status, id) {
			continue
		}
		e, ok := Normalize(id, locations.Values[id], now)
		if !ok || !geo.HasFix(e.Lat, e.Lng) {
			continue
		}
		e.Online = true
		out = append(out, e)
	}
	return out
}
