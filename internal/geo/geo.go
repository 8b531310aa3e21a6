// Package geo holds the spherical-earth helpers used to orient and rank vehicles.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

// Bearing returns the initial great-circle bearing from (lat1, lng1) to
// (lat2, lng2) in degrees clockwise from north, normalized into [0, 360).
// Identical points yield 0.
func Bearing(lat1, lng1, lat2, lng2 float64) float64 {
	startLat, destLat := toRad(lat1), toRad(lat2)
	dLng := toRad(lng2 - lng1)

	y := math.Sin(dLng) * math.Cos(destLat)
	x := math.Cos(startLat)*math.Sin(destLat) -
		math.Sin(startLat)*math.Cos(destLat)*math.Cos(dLng)

	return NormalizeDegrees(toDeg(math.Atan2(y, x)))
}

// Distance returns the haversine great-circle distance in meters.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1, phi2 := toRad(lat1), toRad(lat2)
	dPhi := toRad(lat2 - lat1)
	dLambda := toRad(lng2 - lng1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(a))
}

// NormalizeDegrees folds any finite angle into [0, 360).
func NormalizeDegrees(deg float64) float64 {
	d := math.Mod(math.Mod(deg, 360)+360, 360)
	if d == 360 {
		return 0
	}
	return d
}

// AngleDelta is the smallest absolute difference between two headings, in [0, 180].
func AngleDelta(a, b float64) float64 {
	d := math.Abs(NormalizeDegrees(a) - NormalizeDegrees(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}
