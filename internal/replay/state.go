// Package replay implements the track playback state machine: it advances a
// virtual clock over a recorded track, interpolates the vehicle position and
// reports heading, speed and travelled distance to a renderer.
package replay

import (
	"fmt"
	"time"
)

// State is the playback lifecycle state.
type State int

const (
	Idle State = iota
	Playing
	Paused
	Completed
	Cancelled
)

var stateNames = [...]string{"idle", "playing", "paused", "completed", "cancelled"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further ticks are processed in s.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown playback state %q", string(b))
}

// PlaybackState is the cursor over a track. The engine owns the only mutable
// copy; callers receive snapshots.
type PlaybackState struct {
	ElapsedVirtual       time.Duration `json:"elapsed_virtual_ns"`
	SpeedMultiplier      float64       `json:"speed_multiplier"`
	State                State         `json:"state"`
	CurrentSampleIndex   int           `json:"current_sample_index"`
	CumulativeDistanceKm float64       `json:"cumulative_distance_km"`
}

// IsPlaying reports whether the state is Playing.
func (p PlaybackState) IsPlaying() bool { return p.State == Playing }

// Position is the interpolated vehicle position for one frame. Time is the
// recorded time the frame corresponds to.
type Position struct {
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	HeadingDegrees float64   `json:"heading"`
	SpeedKmH       float64   `json:"speed_kmh"`
	Progress       float64   `json:"progress"`
	Time           time.Time `json:"time"`
}

// DefaultSpeedWindow is the number of trailing track segments used to derive
// a speed when samples carry no recorded speed.
const DefaultSpeedWindow = 5

// Options configure a playback started with Engine.Start.
type Options struct {
	// InitialSpeedMultiplier scales wall-clock time into virtual time.
	// Non-positive values mean 1.
	InitialSpeedMultiplier float64

	// SpeedWindow overrides DefaultSpeedWindow when positive.
	SpeedWindow int
}

// Renderer draws frames on a host map. The engine calls Update for every
// emitted frame and Release exactly once when playback completes or is
// cancelled. Both are called with the engine locked and must not call back
// into the engine.
type Renderer interface {
	Update(pos Position, snap PlaybackState)
	Release()
}

// Observer receives playback events. Like Renderer, callbacks run with the
// engine locked and must not call engine methods synchronously.
type Observer interface {
	OnStateChange(from, to State, snap PlaybackState)
	OnPosition(pos Position, snap PlaybackState)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StateChange func(from, to State, snap PlaybackState)
	Position    func(pos Position, snap PlaybackState)
}

func (o ObserverFuncs) OnStateChange(from, to State, snap PlaybackState) {
	if o.StateChange != nil {
		o.StateChange(from, to, snap)
	}
}

func (o ObserverFuncs) OnPosition(pos Position, snap PlaybackState) {
	if o.Position != nil {
		o.Position(pos, snap)
	}
}
