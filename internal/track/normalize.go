package track

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/track.replay/internal/geo"
)

// Record is one loosely-typed location record as delivered by the telemetry
// API or read from a file. Values may be numbers, numeric strings or, for
// timestamps, RFC 3339 strings.
type Record map[string]any

// Field name variants accepted for each canonical sample field. Lookup is
// case-insensitive and the first present key wins.
var (
	latKeys     = []string{"lat", "latitude"}
	lngKeys     = []string{"lng", "lon", "long", "longitude"}
	timeKeys    = []string{"timestamputc", "timestamp", "time", "t", "ts", "datetime"}
	speedKeys   = []string{"speed", "speedkmh"}
	headingKeys = []string{"heading", "course", "bearing"}
)

// unixMillisThreshold separates unix seconds from unix milliseconds. Second
// values above it would be past the year 33000.
const unixMillisThreshold = 1e12

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// Normalize coerces raw records into a Track. Records that lack a numeric
// latitude or longitude, hold out-of-range coordinates, or carry an
// unparsable timestamp are dropped and reported in the returned slice; they do
// not fail the whole track. Missing speed and heading default to 0. The
// remaining samples are stable-sorted by timestamp.
//
// If fewer than MinSamples records survive, the error is an
// *InsufficientDataError and the track is nil.
func Normalize(records []Record) (*Track, []*InvalidSampleError, error) {
	samples, dropped := ParseRecords(records)
	t, err := build(samples, len(dropped))
	if err != nil {
		return nil, dropped, err
	}
	return t, dropped, nil
}

// ParseRecords converts each record to a Sample without sorting or enforcing
// a minimum length. Invalid records are returned separately.
func ParseRecords(records []Record) ([]Sample, []*InvalidSampleError) {
	samples := make([]Sample, 0, len(records))
	var dropped []*InvalidSampleError

	for i, rec := range records {
		s, err := toSample(i, rec)
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		samples = append(samples, s)
	}
	return samples, dropped
}

func toSample(idx int, rec Record) (Sample, *InvalidSampleError) {
	if len(rec) == 0 {
		return Sample{}, &InvalidSampleError{Index: idx, Reason: "empty record"}
	}
	fields := lowerKeys(rec)

	lat, err := numberField(fields, latKeys)
	if err != nil {
		return Sample{}, &InvalidSampleError{Index: idx, Field: "latitude", Reason: err.Error()}
	}
	lng, err := numberField(fields, lngKeys)
	if err != nil {
		return Sample{}, &InvalidSampleError{Index: idx, Field: "longitude", Reason: err.Error()}
	}
	if !geo.ValidLatLng(lat, lng) {
		return Sample{}, &InvalidSampleError{Index: idx, Field: "coordinates",
			Reason: fmt.Sprintf("out of range (%g, %g)", lat, lng)}
	}

	raw, ok := lookup(fields, timeKeys)
	if !ok {
		return Sample{}, &InvalidSampleError{Index: idx, Field: "timestamp", Reason: "missing"}
	}
	ts, err := parseTime(raw)
	if err != nil {
		return Sample{}, &InvalidSampleError{Index: idx, Field: "timestamp", Reason: err.Error()}
	}

	s := Sample{Latitude: lat, Longitude: lng, Timestamp: ts}
	if v, err := numberField(fields, speedKeys); err == nil && v >= 0 {
		s.Speed, s.HasSpeed = v, true
	}
	if v, err := numberField(fields, headingKeys); err == nil {
		s.Heading = v
	}
	return s, nil
}

func lowerKeys(rec Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		lk := strings.ToLower(strings.TrimSpace(k))
		if _, dup := out[lk]; !dup {
			out[lk] = v
		}
	}
	return out
}

func lookup(fields map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func numberField(fields map[string]any, keys []string) (float64, error) {
	raw, ok := lookup(fields, keys)
	if !ok {
		return 0, fmt.Errorf("missing")
	}
	v, err := toFloat(raw)
	if err != nil {
		return 0, err
	}
	if !geo.Finite(v) {
		return 0, fmt.Errorf("not finite")
	}
	return v, nil
}

type floater interface {
	Float64() (float64, error)
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case floater:
		return v.Float64()
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, fmt.Errorf("empty")
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", raw)
	}
}

func parseTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, fmt.Errorf("zero time")
		}
		return v.UTC(), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty")
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixTime(f)
		}
		return time.Time{}, fmt.Errorf("unparsable %q", v)
	default:
		f, err := toFloat(raw)
		if err != nil {
			return time.Time{}, err
		}
		return unixTime(f)
	}
}

func unixTime(f float64) (time.Time, error) {
	if !geo.Finite(f) || f < 0 {
		return time.Time{}, fmt.Errorf("invalid epoch %v", f)
	}
	if f > unixMillisThreshold {
		ms := math.Floor(f)
		return time.UnixMilli(int64(ms)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
