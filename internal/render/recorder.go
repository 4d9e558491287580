package render

import (
	"sync"

	"github.com/banshee-data/track.replay/internal/replay"
)

// Frame is one recorded engine update.
type Frame struct {
	Position replay.Position      `json:"position"`
	State    replay.PlaybackState `json:"state"`
}

// Recorder keeps the frames it receives. When limit is positive only the
// most recent limit frames are retained.
type Recorder struct {
	mu       sync.Mutex
	limit    int
	frames   []Frame
	total    int
	released bool
}

// NewRecorder creates a recorder. limit <= 0 keeps every frame.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Update(pos replay.Position, snap replay.PlaybackState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	r.frames = append(r.frames, Frame{Position: pos, State: snap})
	if r.limit > 0 && len(r.frames) > r.limit {
		r.frames = append(r.frames[:0], r.frames[len(r.frames)-r.limit:]...)
	}
}

func (r *Recorder) Release() {
	r.mu.Lock()
	r.released = true
	r.mu.Unlock()
}

// Frames returns a copy of the retained frames.
func (r *Recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

// Last returns the most recent frame.
func (r *Recorder) Last() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return Frame{}, false
	}
	return r.frames[len(r.frames)-1], true
}

// Total is the number of frames received, including any no longer retained.
func (r *Recorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Released reports whether the engine released the recorder.
func (r *Recorder) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}
