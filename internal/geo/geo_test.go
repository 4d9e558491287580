package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversine(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
		wantKm                 float64
		tol                    float64
	}{
		{"same point", 10, 10, 10, 10, 0, 1e-12},
		{"one degree of longitude at the equator", 0, 0, 0, 1, 111.19492664455873, 1e-9},
		{"one degree of latitude", 0, 0, 1, 0, 111.19492664455873, 1e-9},
		{"London to Paris", 51.5074, -0.1278, 48.8566, 2.3522, 343.5, 1.0},
		{"antipodes", 0, 0, 0, 180, math.Pi * EarthRadiusKm, 1e-6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Haversine(tt.lat1, tt.lng1, tt.lat2, tt.lng2)
			assert.InDelta(t, tt.wantKm, got, tt.tol)
		})
	}
}

func TestHaversine_Symmetric(t *testing.T) {
	a := Haversine(12.97, 77.59, 13.08, 80.27)
	b := Haversine(13.08, 80.27, 12.97, 77.59)
	assert.InDelta(t, a, b, 1e-9)
}

func TestBearing(t *testing.T) {
	assert.InDelta(t, 90.0, Bearing(0, 0, 0, 1), 1e-9, "east")
	assert.InDelta(t, 0.0, Bearing(0, 0, 1, 0), 1e-9, "north")
	assert.InDelta(t, 180.0, Bearing(1, 0, 0, 0), 1e-9, "south")
	assert.InDelta(t, -90.0, Bearing(0, 1, 0, 0), 1e-9, "west")
	assert.InDelta(t, 45.0, Bearing(0, 0, 1, 1), 1e-9, "north-east")
}

func TestLerpPoint(t *testing.T) {
	p := LerpPoint(Point{0, 0}, Point{2, 4}, 0.25)
	assert.Equal(t, Point{Lat: 0.5, Lng: 1}, p)
	assert.Equal(t, 3.0, Lerp(1, 5, 0.5))
}

func TestValidLatLng(t *testing.T) {
	assert.True(t, ValidLatLng(90, 180))
	assert.True(t, ValidLatLng(-90, -180))
	assert.False(t, ValidLatLng(90.0001, 0))
	assert.False(t, ValidLatLng(0, -180.5))
	assert.False(t, ValidLatLng(math.NaN(), 0))
	assert.False(t, ValidLatLng(0, math.Inf(1)))
}

func TestNormalizeHeading(t *testing.T) {
	assert.Equal(t, 270.0, NormalizeHeading(-90))
	assert.Equal(t, 0.0, NormalizeHeading(360))
	assert.Equal(t, 45.0, NormalizeHeading(405))
}
