package geo

import "math"

// HasFix reports whether a coordinate pair is a usable position fix.
//
// Publishers write an exact 0 for either coordinate while the device has no
// GPS fix yet, so zero is rejected here even though (0, 0) is a real place.
// Callers must go through this predicate rather than comparing against zero
// so the convention can be replaced by an explicit presence flag later.
func HasFix(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat != 0 && lng != 0
}
