package render

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/track.replay/internal/geo"
	"github.com/banshee-data/track.replay/internal/monitoring"
	"github.com/banshee-data/track.replay/internal/replay"
	"github.com/banshee-data/track.replay/internal/track"
)

func init() {
	monitoring.SetLogger(nil)
}

func testTrack(t *testing.T) *track.Track {
	t.Helper()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	tr, err := track.New([]track.Sample{
		{Latitude: 0, Longitude: 0, Timestamp: base},
		{Latitude: 0, Longitude: 1, Timestamp: base.Add(10 * time.Second)},
		{Latitude: 1, Longitude: 1, Timestamp: base.Add(20 * time.Second)},
		{Latitude: 1, Longitude: 2, Timestamp: base.Add(30 * time.Second)},
	})
	require.NoError(t, err)
	return tr
}

func kinds(s *MemorySurface) map[Kind]int {
	out := make(map[Kind]int)
	for _, e := range s.Elements() {
		out[e.Kind]++
	}
	return out
}

func TestMapAdapter_DrawsMarkerPathAndTrail(t *testing.T) {
	surface := NewMemorySurface()
	cfg := DefaultMapConfig()
	cfg.TrailLength = 3
	m := NewMapAdapter(surface, testTrack(t), cfg)

	m.Update(replay.Position{Lat: 0, Lng: 0.5, HeadingDegrees: 90}, replay.PlaybackState{CurrentSampleIndex: 0})
	got := kinds(surface)
	assert.Equal(t, 1, got[KindMarker])
	assert.Equal(t, 1, got[KindPolyline], "path only; a single position has no trail segment")

	m.Update(replay.Position{Lat: 0.5, Lng: 1, HeadingDegrees: 0}, replay.PlaybackState{CurrentSampleIndex: 1})

	marker, ok := surface.Get(m.marker)
	require.True(t, ok)
	assert.Equal(t, []geo.Point{{Lat: 0.5, Lng: 1}}, marker.Points)
	assert.Equal(t, 0.0, marker.Heading)

	path, ok := surface.Get(m.path)
	require.True(t, ok)
	assert.Equal(t, []geo.Point{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 0.5, Lng: 1}}, path.Points)
	assert.Equal(t, cfg.PathStyle, path.Style)

	require.Len(t, m.trail, 1)
	seg, _ := surface.Get(m.trail[0])
	assert.Equal(t, []geo.Point{{Lat: 0, Lng: 0.5}, {Lat: 0.5, Lng: 1}}, seg.Points)
}

func TestMapAdapter_NormalizesMarkerRotation(t *testing.T) {
	surface := NewMemorySurface()
	m := NewMapAdapter(surface, testTrack(t), DefaultMapConfig())

	m.Update(replay.Position{Lat: 0.5, Lng: 0.9, HeadingDegrees: -90}, replay.PlaybackState{})
	marker, ok := surface.Get(m.marker)
	require.True(t, ok)
	assert.Equal(t, 270.0, marker.Heading, "westward bearing is drawn as 270")
}

func TestMapAdapter_TrailFadesAndIsBounded(t *testing.T) {
	surface := NewMemorySurface()
	cfg := DefaultMapConfig()
	cfg.TrailLength = 4
	cfg.TrailStyle.Opacity = 0.8
	m := NewMapAdapter(surface, testTrack(t), cfg)

	for i := 0; i < 10; i++ {
		m.Update(replay.Position{Lat: 0, Lng: float64(i) / 10}, replay.PlaybackState{})
	}

	require.Len(t, m.trail, 4)
	assert.Equal(t, 1+1+4, surface.Len())

	var prev float64
	for i, id := range m.trail {
		seg, ok := surface.Get(id)
		require.True(t, ok)
		assert.InDelta(t, 0.8*float64(i+1)/4, seg.Style.Opacity, 1e-12, "segment %d", i)
		assert.Greater(t, seg.Style.Opacity, prev)
		prev = seg.Style.Opacity
	}
	newest, _ := surface.Get(m.trail[3])
	assert.Equal(t, []geo.Point{{Lat: 0, Lng: 0.8}, {Lat: 0, Lng: 0.9}}, newest.Points)
}

func TestMapAdapter_ReleaseRemovesEverything(t *testing.T) {
	surface := NewMemorySurface()
	other := surface.AddMarker(geo.Point{Lat: 5, Lng: 5}, 0)
	m := NewMapAdapter(surface, testTrack(t), DefaultMapConfig())

	for i := 0; i < 5; i++ {
		m.Update(replay.Position{Lat: 0, Lng: float64(i) / 10}, replay.PlaybackState{})
	}
	require.Greater(t, surface.Len(), 3)

	m.Release()
	assert.Equal(t, 1, surface.Len(), "only elements the adapter did not draw remain")
	_, ok := surface.Get(other)
	assert.True(t, ok)
	assert.True(t, m.Released())

	m.Release()
	m.Update(replay.Position{Lat: 1, Lng: 1}, replay.PlaybackState{})
	assert.Equal(t, 1, surface.Len(), "updates after release draw nothing")
}

func TestMapAdapter_NoTrail(t *testing.T) {
	surface := NewMemorySurface()
	cfg := DefaultMapConfig()
	cfg.TrailLength = 0
	m := NewMapAdapter(surface, testTrack(t), cfg)

	m.Update(replay.Position{Lat: 0, Lng: 0.1}, replay.PlaybackState{})
	m.Update(replay.Position{Lat: 0, Lng: 0.2}, replay.PlaybackState{})
	assert.Equal(t, 2, surface.Len())
}

func TestMapAdapter_WithEngine(t *testing.T) {
	tr := testTrack(t)
	surface := NewMemorySurface()
	rec := NewRecorder(0)
	m := NewMapAdapter(surface, tr, DefaultMapConfig())

	e := replay.NewEngine(Multi{m, rec}, nil)
	require.NoError(t, e.Start(tr, replay.Options{InitialSpeedMultiplier: 10}))
	replay.Simulate(e, 50*time.Millisecond, 10000)

	assert.Equal(t, replay.Completed, e.State())
	assert.Equal(t, 0, surface.Len(), "completion releases every drawn element")
	assert.True(t, rec.Released())

	last, ok := rec.Last()
	require.True(t, ok)
	assert.Equal(t, 1.0, last.Position.Progress)
	assert.Equal(t, 3, last.State.CurrentSampleIndex)
}

func TestMemorySurface_GeoJSON(t *testing.T) {
	s := NewMemorySurface()
	s.AddMarker(geo.Point{Lat: 52.5, Lng: 13.4}, 45)
	line := s.AddPolyline([]geo.Point{{Lat: 52.5, Lng: 13.4}, {Lat: 52.6, Lng: 13.5}}, Style{Color: "#000", Width: 2, Opacity: 0.5})
	s.SetOpacity(line, 0.25)

	raw, err := s.GeoJSON()
	require.NoError(t, err)

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			ID       string `json:"id"`
			Geometry struct {
				Type        string          `json:"type"`
				Coordinates json.RawMessage `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(raw, &fc))

	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 2)

	assert.Equal(t, "Point", fc.Features[0].Geometry.Type)
	assert.JSONEq(t, `[13.4, 52.5]`, string(fc.Features[0].Geometry.Coordinates))
	assert.Equal(t, 45.0, fc.Features[0].Properties["heading"])

	assert.Equal(t, line, fc.Features[1].ID)
	assert.Equal(t, "LineString", fc.Features[1].Geometry.Type)
	assert.JSONEq(t, `[[13.4, 52.5], [13.5, 52.6]]`, string(fc.Features[1].Geometry.Coordinates))
	assert.Equal(t, 0.25, fc.Features[1].Properties["opacity"])
	assert.Equal(t, "#000", fc.Features[1].Properties["color"])
}

func TestMemorySurface_IgnoresUnknownIDs(t *testing.T) {
	s := NewMemorySurface()
	marker := s.AddMarker(geo.Point{}, 0)

	assert.NotPanics(t, func() {
		s.MoveMarker("missing", geo.Point{Lat: 1}, 0)
		s.SetPolyline(marker, []geo.Point{{Lat: 1}})
		s.SetOpacity("missing", 0)
		s.Remove("missing")
	})
	e, _ := s.Get(marker)
	assert.Equal(t, []geo.Point{{}}, e.Points, "SetPolyline does not touch markers")
}

func TestRecorder_Limit(t *testing.T) {
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.Update(replay.Position{Progress: float64(i)}, replay.PlaybackState{})
	}

	frames := r.Frames()
	require.Len(t, frames, 3)
	assert.Equal(t, 2.0, frames[0].Position.Progress)
	assert.Equal(t, 4.0, frames[2].Position.Progress)
	assert.Equal(t, 5, r.Total())

	_, ok := NewRecorder(0).Last()
	assert.False(t, ok)
}

func TestMultiAndNop(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	m := Multi{a, nil, Nop{}, b}

	m.Update(replay.Position{Lat: 1}, replay.PlaybackState{})
	m.Release()

	assert.Equal(t, 1, a.Total())
	assert.Equal(t, 1, b.Total())
	assert.True(t, a.Released())
	assert.True(t, b.Released())
}
