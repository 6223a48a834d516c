// Package geo holds the great-circle helpers shared by the geofence and the smoothing engine.
package geo

import "math"

// EarthRadiusM is the mean Earth radius used for all distance math.
const EarthRadiusM = 6371000.0

func toRad(d float64) float64 { return d * math.Pi / 180 }

// HaversineM returns the great-circle distance in meters between two lat/lng points.
func HaversineM(aLat, aLng, bLat, bLng float64) float64 {
	dLat := toRad(bLat - aLat)
	dLng := toRad(bLng - aLng)
	s1 := math.Sin(dLat / 2)
	s2 := math.Sin(dLng / 2)
	q := s1*s1 + math.Cos(toRad(aLat))*math.Cos(toRad(bLat))*s2*s2
	if q > 1 {
		q = 1
	}
	return 2 * EarthRadiusM * math.Asin(math.Sqrt(q))
}

// ValidLatLng reports whether lat/lng are finite and inside WGS84 bounds.
func ValidLatLng(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Finite reports whether every value is a finite float.
func Finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// OffsetNorth returns the point distM meters due north of lat/lng.
func OffsetNorth(lat, lng, distM float64) (float64, float64) {
	return lat + distM/EarthRadiusM*180/math.Pi, lng
}
