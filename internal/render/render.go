// Package render draws replay frames onto a map surface.
//
// The engine only knows the replay.Renderer interface. This package supplies
// the implementations: MapAdapter draws a vehicle marker, the travelled path
// and a fading trail onto any Surface; Recorder keeps frames for charts;
// Multi fans out to several renderers.
package render

import (
	"github.com/banshee-data/track.replay/internal/replay"
)

// Adapter is the rendering contract the engine drives.
type Adapter = replay.Renderer

// Multi forwards every call to each adapter in order.
type Multi []Adapter

// Update forwards the frame to every non-nil adapter.
func (m Multi) Update(pos replay.Position, snap replay.PlaybackState) {
	for _, a := range m {
		if a != nil {
			a.Update(pos, snap)
		}
	}
}

// Release releases every non-nil adapter.
func (m Multi) Release() {
	for _, a := range m {
		if a != nil {
			a.Release()
		}
	}
}

// Nop discards frames.
type Nop struct{}

func (Nop) Update(replay.Position, replay.PlaybackState) {}
func (Nop) Release()                                     {}
