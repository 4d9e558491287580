package render

import (
	"sync"

	"github.com/banshee-data/track.replay/internal/geo"
	"github.com/banshee-data/track.replay/internal/replay"
	"github.com/banshee-data/track.replay/internal/track"
)

// DefaultTrailLength is the number of recent positions kept in the fading
// trail.
const DefaultTrailLength = 20

// MapConfig controls what MapAdapter draws.
type MapConfig struct {
	TrailLength int
	PathStyle   Style
	TrailStyle  Style
}

// DefaultMapConfig returns the standard marker, path and trail styling.
func DefaultMapConfig() MapConfig {
	return MapConfig{
		TrailLength: DefaultTrailLength,
		PathStyle:   Style{Color: "#1e88e5", Width: 4, Opacity: 0.9},
		TrailStyle:  Style{Color: "#ff7043", Width: 3, Opacity: 1},
	}
}

// MapAdapter draws a replay onto a Surface: a marker rotated to the current
// heading in [0, 360), the travelled path through every crossed sample up to
// the current position, and a trail of short segments over the most recent
// positions whose opacity fades linearly with age.
type MapAdapter struct {
	mu      sync.Mutex
	surface Surface
	track   *track.Track
	cfg     MapConfig

	marker   string
	path     string
	trail    []string
	recent   []geo.Point
	released bool
}

// NewMapAdapter creates an adapter for t. Nothing is drawn until the first
// Update.
func NewMapAdapter(s Surface, t *track.Track, cfg MapConfig) *MapAdapter {
	if cfg.TrailLength < 0 {
		cfg.TrailLength = 0
	}
	return &MapAdapter{surface: s, track: t, cfg: cfg}
}

// Update moves the marker, extends the path and shifts the trail.
func (m *MapAdapter) Update(pos replay.Position, snap replay.PlaybackState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}

	p := geo.Point{Lat: pos.Lat, Lng: pos.Lng}
	rotation := geo.NormalizeHeading(pos.HeadingDegrees)
	if m.marker == "" {
		m.marker = m.surface.AddMarker(p, rotation)
	} else {
		m.surface.MoveMarker(m.marker, p, rotation)
	}

	path := append(m.track.Points(snap.CurrentSampleIndex+1), p)
	if m.path == "" {
		m.path = m.surface.AddPolyline(path, m.cfg.PathStyle)
	} else {
		m.surface.SetPolyline(m.path, path)
	}

	m.updateTrail(p)
}

func (m *MapAdapter) updateTrail(p geo.Point) {
	if m.cfg.TrailLength == 0 {
		return
	}
	m.recent = append(m.recent, p)
	if len(m.recent) > m.cfg.TrailLength+1 {
		m.recent = m.recent[len(m.recent)-m.cfg.TrailLength-1:]
	}

	segments := len(m.recent) - 1
	for i := 0; i < segments; i++ {
		pts := []geo.Point{m.recent[i], m.recent[i+1]}
		// Oldest segment first; the newest is drawn at full trail opacity.
		opacity := m.cfg.TrailStyle.Opacity * float64(i+1) / float64(segments)
		if i < len(m.trail) {
			m.surface.SetPolyline(m.trail[i], pts)
			m.surface.SetOpacity(m.trail[i], opacity)
			continue
		}
		style := m.cfg.TrailStyle
		style.Opacity = opacity
		m.trail = append(m.trail, m.surface.AddPolyline(pts, style))
	}
}

// Release removes every element the adapter drew. Later calls to Update and
// Release do nothing.
func (m *MapAdapter) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	m.released = true

	if m.marker != "" {
		m.surface.Remove(m.marker)
	}
	if m.path != "" {
		m.surface.Remove(m.path)
	}
	for _, id := range m.trail {
		m.surface.Remove(id)
	}
	m.marker, m.path, m.trail, m.recent = "", "", nil, nil
}

// Released reports whether Release has run.
func (m *MapAdapter) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}
