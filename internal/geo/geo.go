// Package geo implements the distance, bearing and interpolation math used
// when replaying a track.
package geo

import "math"

// EarthRadiusKm is the mean earth radius used by Haversine.
const EarthRadiusKm = 6371.0

const degreesToRadians = math.Pi / 180.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Haversine returns the great-circle distance in kilometres between two
// coordinates given in degrees.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * degreesToRadians
	dLng := (lng2 - lng1) * degreesToRadians
	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)

	a := sinLat*sinLat + math.Cos(lat1*degreesToRadians)*math.Cos(lat2*degreesToRadians)*sinLng*sinLng
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Distance is Haversine over two points.
func Distance(p, q Point) float64 {
	return Haversine(p.Lat, p.Lng, q.Lat, q.Lng)
}

// Bearing returns the heading in degrees from the first coordinate to the
// second as atan2(Δlng, Δlat). This is a flat projection, not a geodesic
// initial bearing. 0 is north, 90 is east.
func Bearing(lat1, lng1, lat2, lng2 float64) float64 {
	return math.Atan2(lng2-lng1, lat2-lat1) * (180 / math.Pi)
}

// Lerp interpolates linearly between a and b.
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// LerpPoint interpolates lat and lng independently.
func LerpPoint(p, q Point, t float64) Point {
	return Point{Lat: Lerp(p.Lat, q.Lat, t), Lng: Lerp(p.Lng, q.Lng, t)}
}

// ValidLatLng reports whether lat is within [-90, 90] and lng within
// [-180, 180]. NaN and infinities are rejected.
func ValidLatLng(lat, lng float64) bool {
	if !Finite(lat) || !Finite(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// NormalizeHeading maps any angle in degrees into [0, 360).
func NormalizeHeading(deg float64) float64 {
	h := math.Mod(deg, 360)
	if h < 0 {
		h += 360
	}
	return h
}
