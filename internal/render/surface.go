package render

import (
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/banshee-data/track.replay/internal/geo"
)

// Style describes how a polyline is drawn.
type Style struct {
	Color   string  `json:"color"`
	Width   float64 `json:"width"`
	Opacity float64 `json:"opacity"`
}

// Surface is the host map. Element IDs are chosen by the surface.
type Surface interface {
	AddMarker(p geo.Point, heading float64) string
	MoveMarker(id string, p geo.Point, heading float64)
	AddPolyline(points []geo.Point, style Style) string
	SetPolyline(id string, points []geo.Point)
	SetOpacity(id string, opacity float64)
	Remove(id string)
}

// Kind is the element type held by a MemorySurface.
type Kind string

const (
	KindMarker   Kind = "marker"
	KindPolyline Kind = "polyline"
)

// Element is one drawn map element.
type Element struct {
	ID      string      `json:"id"`
	Kind    Kind        `json:"kind"`
	Points  []geo.Point `json:"points"`
	Heading float64     `json:"heading,omitempty"`
	Style   Style       `json:"style"`
	seq     int
}

// MemorySurface is an in-memory Surface. It backs headless sessions and
// exports its elements as GeoJSON. It is safe for concurrent use.
type MemorySurface struct {
	mu       sync.RWMutex
	next     int
	elements map[string]*Element
}

// NewMemorySurface creates an empty surface.
func NewMemorySurface() *MemorySurface {
	return &MemorySurface{elements: make(map[string]*Element)}
}

func (s *MemorySurface) add(e *Element) string {
	s.next++
	e.seq = s.next
	e.ID = fmt.Sprintf("%s-%d", e.Kind, s.next)
	s.elements[e.ID] = e
	return e.ID
}

func (s *MemorySurface) AddMarker(p geo.Point, heading float64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(&Element{
		Kind:    KindMarker,
		Points:  []geo.Point{p},
		Heading: heading,
		Style:   Style{Opacity: 1},
	})
}

func (s *MemorySurface) MoveMarker(id string, p geo.Point, heading float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.elements[id]; ok && e.Kind == KindMarker {
		e.Points = []geo.Point{p}
		e.Heading = heading
	}
}

func (s *MemorySurface) AddPolyline(points []geo.Point, style Style) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(&Element{
		Kind:   KindPolyline,
		Points: append([]geo.Point(nil), points...),
		Style:  style,
	})
}

func (s *MemorySurface) SetPolyline(id string, points []geo.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.elements[id]; ok && e.Kind == KindPolyline {
		e.Points = append(e.Points[:0], points...)
	}
}

func (s *MemorySurface) SetOpacity(id string, opacity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.elements[id]; ok {
		e.Style.Opacity = opacity
	}
}

func (s *MemorySurface) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.elements, id)
}

// Len returns the number of elements on the surface.
func (s *MemorySurface) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.elements)
}

// Get returns a copy of one element.
func (s *MemorySurface) Get(id string) (Element, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.elements[id]
	if !ok {
		return Element{}, false
	}
	return copyElement(e), true
}

// Elements returns copies of all elements in creation order.
func (s *MemorySurface) Elements() []Element {
	s.mu.RLock()
	out := make([]Element, 0, len(s.elements))
	for _, e := range s.elements {
		out = append(out, copyElement(e))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func copyElement(e *Element) Element {
	c := *e
	c.Points = append([]geo.Point(nil), e.Points...)
	return c
}

// FeatureCollection is a GeoJSON (RFC 7946) feature collection.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// Feature is a GeoJSON feature.
type Feature struct {
	Type       string         `json:"type"`
	ID         string         `json:"id,omitempty"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

// Geometry is a Point or LineString geometry. Coordinates are [lng, lat].
type Geometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// FeatureCollection converts the surface into GeoJSON. Markers become
// Point features and polylines LineString features.
func (s *MemorySurface) FeatureCollection() FeatureCollection {
	elems := s.Elements()
	fc := FeatureCollection{Type: "FeatureCollection", Features: make([]Feature, 0, len(elems))}
	for _, e := range elems {
		f := Feature{
			Type: "Feature",
			ID:   e.ID,
			Properties: map[string]any{
				"kind":    string(e.Kind),
				"opacity": e.Style.Opacity,
			},
		}
		switch e.Kind {
		case KindMarker:
			if len(e.Points) == 0 {
				continue
			}
			f.Geometry = Geometry{Type: "Point", Coordinates: lngLat(e.Points[0])}
			f.Properties["heading"] = e.Heading
		default:
			coords := make([][2]float64, len(e.Points))
			for i, p := range e.Points {
				coords[i] = lngLat(p)
			}
			f.Geometry = Geometry{Type: "LineString", Coordinates: coords}
			if e.Style.Color != "" {
				f.Properties["color"] = e.Style.Color
			}
			f.Properties["width"] = e.Style.Width
		}
		fc.Features = append(fc.Features, f)
	}
	return fc
}

// GeoJSON encodes FeatureCollection.
func (s *MemorySurface) GeoJSON() ([]byte, error) {
	return json.Marshal(s.FeatureCollection())
}

func lngLat(p geo.Point) [2]float64 {
	return [2]float64{p.Lng, p.Lat}
}
