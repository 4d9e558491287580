// Package track turns raw location records into time-ordered tracks that can
// be replayed.
package track

import (
	"sort"
	"time"

	"github.com/banshee-data/track.replay/internal/geo"
)

// Sample is one recorded observation. Speed is in km/h and Heading in degrees.
// HasSpeed is false when the source record carried no speed, in which case
// Speed is 0 and replay derives a speed from distance over time.
type Sample struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Timestamp time.Time `json:"time"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	HasSpeed  bool      `json:"has_speed"`
}

// Point returns the sample's coordinate.
func (s Sample) Point() geo.Point {
	return geo.Point{Lat: s.Latitude, Lng: s.Longitude}
}

// Track is an immutable, timestamp-ordered sequence of at least MinSamples
// samples.
type Track struct {
	samples []Sample
}

// New validates, sorts and wraps typed samples. Samples with out-of-range
// coordinates or a zero timestamp are dropped.
func New(samples []Sample) (*Track, error) {
	valid := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if !geo.ValidLatLng(s.Latitude, s.Longitude) || s.Timestamp.IsZero() {
			continue
		}
		if !geo.Finite(s.Speed) {
			s.Speed, s.HasSpeed = 0, false
		}
		if !geo.Finite(s.Heading) {
			s.Heading = 0
		}
		s.Timestamp = s.Timestamp.UTC()
		valid = append(valid, s)
	}
	return build(valid, len(samples)-len(valid))
}

func build(samples []Sample, dropped int) (*Track, error) {
	if len(samples) < MinSamples {
		return nil, &InsufficientDataError{Valid: len(samples), Dropped: dropped}
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
	return &Track{samples: samples}, nil
}

// Len returns the number of samples.
func (t *Track) Len() int { return len(t.samples) }

// At returns the i-th sample.
func (t *Track) At(i int) Sample { return t.samples[i] }

// Samples returns a copy of the samples.
func (t *Track) Samples() []Sample {
	return append([]Sample(nil), t.samples...)
}

// Start returns the first timestamp.
func (t *Track) Start() time.Time { return t.samples[0].Timestamp }

// End returns the last timestamp.
func (t *Track) End() time.Time { return t.samples[len(t.samples)-1].Timestamp }

// Duration is the recorded span from the first to the last sample.
func (t *Track) Duration() time.Duration { return t.End().Sub(t.Start()) }

// SegmentKm returns the haversine distance between sample i and i+1.
func (t *Track) SegmentKm(i int) float64 {
	return geo.Distance(t.samples[i].Point(), t.samples[i+1].Point())
}

// Points returns the coordinates of the first n samples. n is clamped to Len.
func (t *Track) Points(n int) []geo.Point {
	if n > len(t.samples) {
		n = len(t.samples)
	}
	if n < 0 {
		n = 0
	}
	pts := make([]geo.Point, n)
	for i := 0; i < n; i++ {
		pts[i] = t.samples[i].Point()
	}
	return pts
}
