// Package session runs many independent replays at once. Each session owns
// its own engine, ticker loop, map surface and event stream; sessions share
// nothing but the telemetry source.
package session

import (
	"sync"
	"time"

	"github.com/banshee-data/track.replay/internal/render"
	"github.com/banshee-data/track.replay/internal/replay"
	"github.com/banshee-data/track.replay/internal/track"
)

// Session is one running or finished replay.
type Session struct {
	ID        string
	VehicleID string
	CreatedAt time.Time

	engine      *replay.Engine
	runner      *replay.Runner
	surface     *render.MemorySurface
	recorder    *render.Recorder
	broadcaster *Broadcaster
	summary     track.Summary
	dropped     int
	stop        func()
	done        chan struct{}

	mu         sync.Mutex
	finishedAt time.Time
	lastFrame  *replay.Position
}

// Info is the JSON view of a session.
type Info struct {
	ID          string               `json:"id"`
	VehicleID   string               `json:"vehicle_id,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
	State       string               `json:"state"`
	Playback    replay.PlaybackState `json:"playback"`
	Position    *replay.Position     `json:"position,omitempty"`
	Summary     track.Summary        `json:"summary"`
	Dropped     int                  `json:"dropped_samples"`
	Subscribers int                  `json:"subscribers"`
}

// Info returns a consistent view of the session.
func (s *Session) Info() Info {
	snap, _ := s.engine.Snapshot()
	info := Info{
		ID:          s.ID,
		VehicleID:   s.VehicleID,
		CreatedAt:   s.CreatedAt,
		State:       snap.State.String(),
		Playback:    snap,
		Summary:     s.summary,
		Dropped:     s.dropped,
		Subscribers: s.broadcaster.Subscribers(),
	}

	s.mu.Lock()
	if !s.finishedAt.IsZero() {
		t := s.finishedAt
		info.FinishedAt = &t
	}
	if s.lastFrame != nil {
		p := *s.lastFrame
		info.Position = &p
	}
	s.mu.Unlock()
	return info
}

// Engine returns the session's playback engine.
func (s *Session) Engine() *replay.Engine { return s.engine }

// Track returns the replayed track.
func (s *Session) Track() *track.Track { return s.engine.Track() }

// Surface returns the map surface the session draws on.
func (s *Session) Surface() *render.MemorySurface { return s.surface }

// Recorder returns the recorded frames.
func (s *Session) Recorder() *render.Recorder { return s.recorder }

// Subscribe streams the session's events until it finishes.
func (s *Session) Subscribe() (<-chan Event, func()) { return s.broadcaster.Subscribe() }

// Done is closed once the session's loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) finished() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedAt, !s.finishedAt.IsZero()
}

func (s *Session) markFinished(at time.Time) {
	s.mu.Lock()
	s.finishedAt = at
	s.mu.Unlock()
}

// observer publishes engine events. It runs with the engine locked, so it
// only touches the session's own mutex and the non-blocking broadcaster.
func (s *Session) observer() replay.Observer {
	return replay.ObserverFuncs{
		StateChange: func(from, to replay.State, snap replay.PlaybackState) {
			s.broadcaster.Publish(Event{
				Type:      EventState,
				SessionID: s.ID,
				Snapshot:  snap,
				From:      from.String(),
				To:        to.String(),
			})
		},
		Position: func(pos replay.Position, snap replay.PlaybackState) {
			s.mu.Lock()
			p := pos
			s.lastFrame = &p
			s.mu.Unlock()
			s.broadcaster.Publish(Event{
				Type:      EventPosition,
				SessionID: s.ID,
				Position:  &pos,
				Snapshot:  snap,
			})
		},
	}
}
