package track

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestNormalize_FieldVariants(t *testing.T) {
	records := []Record{
		{"lat": 12.5, "lng": 77.1, "time": t0.Format(time.RFC3339)},
		{"latitude": "12.6", "longitude": "77.2", "timestamp": float64(t0.Add(10 * time.Second).Unix())},
		{"Latitude": 12.7, "Lon": 77.3, "timestampUtc": float64(t0.Add(20*time.Second).UnixMilli()), "speed": 42.0, "course": 90},
	}

	tr, dropped, err := Normalize(records)
	require.NoError(t, err)
	assert.Empty(t, dropped)
	require.Equal(t, 3, tr.Len())

	assert.Equal(t, 12.5, tr.At(0).Latitude)
	assert.Equal(t, 77.2, tr.At(1).Longitude)
	assert.True(t, tr.At(1).Timestamp.Equal(t0.Add(10*time.Second)))
	assert.True(t, tr.At(2).Timestamp.Equal(t0.Add(20*time.Second)))
	assert.Equal(t, 42.0, tr.At(2).Speed)
	assert.True(t, tr.At(2).HasSpeed)
	assert.Equal(t, 90.0, tr.At(2).Heading)
}

func TestNormalize_DefaultsSpeedAndHeading(t *testing.T) {
	tr, _, err := Normalize([]Record{
		{"lat": 1, "lng": 1, "t": 0},
		{"lat": 2, "lng": 2, "t": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, tr.At(0).Speed)
	assert.False(t, tr.At(0).HasSpeed)
	assert.Equal(t, 0.0, tr.At(0).Heading)
}

func TestNormalize_SortsStable(t *testing.T) {
	tr, _, err := Normalize([]Record{
		{"lat": 3, "lng": 0, "t": 30},
		{"lat": 1, "lng": 0, "t": 10},
		{"lat": 2, "lng": 0, "t": 10},
		{"lat": 0, "lng": 0, "t": 0},
	})
	require.NoError(t, err)

	got := make([]float64, tr.Len())
	for i := range got {
		got[i] = tr.At(i).Latitude
	}
	assert.Equal(t, []float64{0, 1, 2, 3}, got, "equal timestamps keep input order")
}

func TestNormalize_DropsInvalidRecords(t *testing.T) {
	records := []Record{
		{"lat": 1, "lng": 1, "t": 0},
		{"lng": 1, "t": 1},                        // missing latitude
		{"lat": "north", "lng": 1, "t": 2},        // non-numeric
		{"lat": 91, "lng": 1, "t": 3},             // out of range
		{"lat": 1, "lng": 181, "t": 4},            // out of range
		{"lat": 1, "lng": 1, "t": "yesterday"},    // bad timestamp
		{"lat": 1, "lng": 1},                      // missing timestamp
		{},                                        // empty
		{"lat": 2, "lng": 2, "t": 10},
	}

	tr, dropped, err := Normalize(records)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Len())
	require.Len(t, dropped, 7)

	idx := make([]int, len(dropped))
	for i, d := range dropped {
		idx[i] = d.Index
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, idx)
	assert.Equal(t, "latitude", dropped[0].Field)
	assert.Equal(t, "coordinates", dropped[2].Field)
	assert.Equal(t, "timestamp", dropped[4].Field)
	assert.Contains(t, dropped[0].Error(), "record 1")
}

func TestNormalize_InsufficientData(t *testing.T) {
	tests := []struct {
		name    string
		records []Record
		valid   int
		dropped int
	}{
		{"empty", nil, 0, 0},
		{"one sample", []Record{{"lat": 0, "lng": 0, "t": 0}}, 1, 0},
		{"invalid drops below minimum", []Record{
			{"lat": 0, "lng": 0, "t": 0},
			{"lat": 100, "lng": 0, "t": 1},
		}, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _, err := Normalize(tt.records)
			assert.Nil(t, tr)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInsufficientData))

			var ide *InsufficientDataError
			require.True(t, errors.As(err, &ide))
			assert.Equal(t, tt.valid, ide.Valid)
			assert.Equal(t, tt.dropped, ide.Dropped)
		})
	}
}

func TestNormalize_JSONNumbers(t *testing.T) {
	tr, _, err := Normalize([]Record{
		{"lat": json.Number("1.5"), "lng": json.Number("2.5"), "t": json.Number("1700000000000")},
		{"lat": json.Number("1.6"), "lng": json.Number("2.6"), "t": json.Number("1700000005000")},
	})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, tr.Duration())
	assert.Equal(t, int64(1700000000), tr.Start().Unix())
}

func TestNormalize_NegativeSpeedIgnored(t *testing.T) {
	tr, _, err := Normalize([]Record{
		{"lat": 0, "lng": 0, "t": 0, "speed": -5},
		{"lat": 0, "lng": 1, "t": 1, "speed": "12.5"},
	})
	require.NoError(t, err)
	assert.False(t, tr.At(0).HasSpeed)
	assert.True(t, tr.At(1).HasSpeed)
	assert.Equal(t, 12.5, tr.At(1).Speed)
}

func TestParseTime_Layouts(t *testing.T) {
	for _, in := range []any{
		"2024-03-01T08:00:00Z",
		"2024-03-01T10:00:00+02:00",
		"2024-03-01 08:00:00",
		"2024-03-01T08:00:00",
		"1709280000",
		float64(1709280000),
		int64(1709280000000),
		t0,
	} {
		got, err := parseTime(in)
		require.NoError(t, err, "input %v", in)
		assert.True(t, got.Equal(t0), "input %v parsed as %v", in, got)
	}

	for _, in := range []any{"", "soon", -1.0, true} {
		_, err := parseTime(in)
		assert.Error(t, err, "input %v", in)
	}
}

func TestNew(t *testing.T) {
	tr, err := New([]Sample{
		{Latitude: 1, Longitude: 1, Timestamp: t0.Add(time.Minute)},
		{Latitude: 95, Longitude: 1, Timestamp: t0},
		{Latitude: 0, Longitude: 0, Timestamp: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, 0.0, tr.At(0).Latitude)
	assert.Equal(t, time.Minute, tr.Duration())

	_, err = New([]Sample{{Latitude: 1, Longitude: 1, Timestamp: t0}})
	assert.ErrorIs(t, err, ErrInsufficientData)
}
