package track

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/track.replay/internal/units"
)

// Summary holds whole-track statistics.
type Summary struct {
	Samples     int           `json:"samples"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Duration    time.Duration `json:"duration_ns"`
	DistanceKm  float64       `json:"distance_km"`
	MaxSpeedKmH float64       `json:"max_speed_kmh"`
	AvgSpeedKmH float64       `json:"avg_speed_kmh"`

	// Percentiles of the recorded speeds; zero when no sample carries one.
	P50SpeedKmH float64 `json:"p50_speed_kmh"`
	P85SpeedKmH float64 `json:"p85_speed_kmh"`
	P95SpeedKmH float64 `json:"p95_speed_kmh"`
}

// Summarize computes a Summary. MaxSpeedKmH only considers recorded speeds.
func Summarize(t *Track) Summary {
	s := Summary{
		Samples:  t.Len(),
		Start:    t.Start(),
		End:      t.End(),
		Duration: t.Duration(),
	}
	for i := 0; i < t.Len()-1; i++ {
		s.DistanceKm += t.SegmentKm(i)
	}
	var speeds []float64
	for _, smp := range t.samples {
		if smp.HasSpeed {
			speeds = append(speeds, smp.Speed)
		}
	}
	if len(speeds) > 0 {
		sort.Float64s(speeds)
		s.MaxSpeedKmH = speeds[len(speeds)-1]
		s.P50SpeedKmH = stat.Quantile(0.50, stat.Empirical, speeds, nil)
		s.P85SpeedKmH = stat.Quantile(0.85, stat.Empirical, speeds, nil)
		s.P95SpeedKmH = stat.Quantile(0.95, stat.Empirical, speeds, nil)
	}
	if avg, ok := units.KMHFromDistance(s.DistanceKm, s.Duration); ok {
		s.AvgSpeedKmH = avg
	}
	return s
}
