package replay

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/track.replay/internal/geo"
	"github.com/banshee-data/track.replay/internal/metrics"
	"github.com/banshee-data/track.replay/internal/monitoring"
	"github.com/banshee-data/track.replay/internal/track"
	"github.com/banshee-data/track.replay/internal/units"
)

// lerpPoint interpolates between bracketing samples. Tests replace it to
// produce non-finite frames.
var lerpPoint = geo.LerpPoint

// Engine replays one track. It is safe for concurrent use; every control
// method and Tick runs under a single mutex, so ticks never overlap and the
// sample index and distance only move forward between ticks.
//
// The control surface is forgiving: Pause, Resume, SetSpeed, Seek and Cancel
// are no-ops in states that do not support them.
type Engine struct {
	mu       sync.Mutex
	renderer Renderer
	observer Observer
	log      zerolog.Logger

	track  *track.Track
	ps     *PlaybackState // nil until a successful Start
	total  time.Duration
	window int

	heading  float64
	speed    float64
	released bool
	done     chan struct{}
}

// NewEngine creates an idle engine. Either argument may be nil; a nil
// renderer runs the engine headless.
func NewEngine(r Renderer, obs Observer) *Engine {
	return &Engine{
		renderer: r,
		observer: obs,
		log:      monitoring.Component("replay"),
		done:     make(chan struct{}),
	}
}

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(l zerolog.Logger) {
	e.mu.Lock()
	e.log = l
	e.mu.Unlock()
}

// Start begins playback of t. It fails with a *track.InsufficientDataError
// when t has fewer than two samples, in which case no playback state is
// created. Calling Start on an engine that already started is a no-op.
func (e *Engine) Start(t *track.Track, opts Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ps != nil {
		return nil
	}
	if t == nil || t.Len() < track.MinSamples {
		n := 0
		if t != nil {
			n = t.Len()
		}
		return &track.InsufficientDataError{Valid: n}
	}

	speed := opts.InitialSpeedMultiplier
	if !validSpeed(speed) {
		speed = 1
	}
	e.window = opts.SpeedWindow
	if e.window <= 0 {
		e.window = DefaultSpeedWindow
	}

	e.track = t
	e.total = t.Duration()
	e.heading = e.segmentHeading(0, 0)
	e.speed = 0
	e.ps = &PlaybackState{SpeedMultiplier: speed, State: Idle}

	e.log.Debug().
		Int("samples", t.Len()).
		Dur("duration", e.total).
		Float64("speed", speed).
		Msg("playback starting")

	e.transition(Playing)
	e.emitFrame()
	return nil
}

// StartRecords normalizes raw records and starts playback. Dropped records
// are logged; they only fail the call when fewer than two samples remain.
func (e *Engine) StartRecords(records []track.Record, opts Options) error {
	t, dropped, err := track.Normalize(records)
	if len(dropped) > 0 {
		metrics.SamplesDropped.Add(float64(len(dropped)))
		for _, d := range dropped {
			e.log.Debug().Err(d).Msg("dropped invalid sample")
		}
	}
	if err != nil {
		return err
	}
	return e.Start(t, opts)
}

// Pause freezes playback without resetting progress.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ps != nil && e.ps.State == Playing {
		e.transition(Paused)
	}
}

// Resume continues a paused playback from where it stopped.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ps != nil && e.ps.State == Paused {
		e.transition(Playing)
	}
}

// SetSpeed changes the speed multiplier. Any positive finite value is
// accepted. While paused the new speed applies once playback resumes.
func (e *Engine) SetSpeed(multiplier float64) {
	if !validSpeed(multiplier) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ps == nil || e.ps.State.Terminal() {
		return
	}
	e.ps.SpeedMultiplier = multiplier
	e.log.Debug().Float64("speed", multiplier).Msg("speed changed")
}

// Seek jumps to a fractional progress in [0, 1] while playing or paused and
// emits one frame. Seeking backwards recomputes the travelled distance from
// the start of the track.
func (e *Engine) Seek(progress float64) {
	if !geo.Finite(progress) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ps == nil || e.ps.State.Terminal() {
		return
	}

	progress = clamp01(progress)
	e.ps.ElapsedVirtual = time.Duration(progress * float64(e.total))
	base, _ := e.cursor(e.progress())
	if base < e.ps.CurrentSampleIndex {
		e.ps.CurrentSampleIndex = 0
		e.ps.CumulativeDistanceKm = 0
	}
	e.emitFrame()
}

// Cancel stops a playing or paused replay. The renderer is released before
// Cancel returns and no callback fires afterwards.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ps != nil && (e.ps.State == Playing || e.ps.State == Paused) {
		e.transition(Cancelled)
	}
}

// Tick advances virtual time by dt scaled by the speed multiplier and emits
// one frame. Ticks outside the Playing state are ignored. Reaching the end of
// the track emits the final frame and moves to Completed.
func (e *Engine) Tick(dt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			metrics.ReplayCallbackPanics.WithLabelValues("tick").Inc()
			e.log.Error().Interface("panic", r).Msg("recovered from panic in tick")
		}
	}()

	if e.ps == nil || e.ps.State != Playing || dt <= 0 {
		return
	}
	metrics.ReplayTicks.Inc()

	next := float64(e.ps.ElapsedVirtual) + float64(dt)*e.ps.SpeedMultiplier
	if next >= float64(e.total) {
		e.ps.ElapsedVirtual = e.total
	} else {
		e.ps.ElapsedVirtual = time.Duration(next)
	}

	e.emitFrame()
	if e.ps.ElapsedVirtual >= e.total {
		e.transition(Completed)
	}
}

// State returns the current state; Idle before a successful Start.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ps == nil {
		return Idle
	}
	return e.ps.State
}

// Snapshot returns a copy of the playback state. ok is false before a
// successful Start.
func (e *Engine) Snapshot() (PlaybackState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ps == nil {
		return PlaybackState{}, false
	}
	return *e.ps, true
}

// Track returns the track being replayed, or nil before Start.
func (e *Engine) Track() *track.Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.track
}

// Done is closed when playback reaches Completed or Cancelled.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// transition must be called with e.mu held.
func (e *Engine) transition(to State) {
	from := e.ps.State
	if from == to {
		return
	}
	e.ps.State = to
	metrics.ReplayTransitions.WithLabelValues(to.String()).Inc()
	e.log.Debug().Stringer("from", from).Stringer("to", to).Msg("playback state changed")

	snap := *e.ps
	if e.observer != nil {
		e.guard("observer", func() { e.observer.OnStateChange(from, to, snap) })
	}
	if to.Terminal() {
		e.release()
		close(e.done)
	}
}

func (e *Engine) release() {
	if e.released {
		return
	}
	e.released = true
	if e.renderer != nil {
		e.guard("renderer", e.renderer.Release)
	}
}

// emitFrame computes the frame for the current elapsed time and hands it to
// the renderer and observer. Non-finite positions are skipped.
func (e *Engine) emitFrame() {
	pos, ok := e.frame()
	if !ok {
		metrics.ReplayFramesSkipped.Inc()
		e.log.Warn().
			Dur("elapsed", e.ps.ElapsedVirtual).
			Int("index", e.ps.CurrentSampleIndex).
			Msg("skipping non-finite frame")
		return
	}
	metrics.ReplayFramesEmitted.Inc()

	snap := *e.ps
	if e.renderer != nil && !e.released {
		e.guard("renderer", func() { e.renderer.Update(pos, snap) })
	}
	if e.observer != nil {
		e.guard("observer", func() { e.observer.OnPosition(pos, snap) })
	}
}

func (e *Engine) frame() (Position, bool) {
	p := e.progress()
	base, ratio := e.cursor(p)
	e.advanceTo(base)

	n := e.track.Len()
	cur := e.track.At(base)
	pt := cur.Point()
	if base < n-1 {
		pt = lerpPoint(cur.Point(), e.track.At(base+1).Point(), ratio)
		e.heading = e.segmentHeading(base, e.heading)
	}

	if v := e.speedAt(base, ratio); geo.Finite(v) {
		e.speed = v
	}
	if !geo.Finite(pt.Lat) || !geo.Finite(pt.Lng) {
		return Position{}, false
	}

	return Position{
		Lat:            pt.Lat,
		Lng:            pt.Lng,
		HeadingDegrees: e.heading,
		SpeedKmH:       e.speed,
		Progress:       p,
		Time:           e.track.Start().Add(e.ps.ElapsedVirtual),
	}, true
}

func (e *Engine) progress() float64 {
	if e.total <= 0 {
		return 1
	}
	return clamp01(float64(e.ps.ElapsedVirtual) / float64(e.total))
}

// cursor maps progress onto a sample index and the fraction of the way to
// the next sample.
func (e *Engine) cursor(p float64) (int, float64) {
	last := e.track.Len() - 1
	exact := p * float64(last)
	base := int(math.Floor(exact))
	if base >= last {
		return last, 0
	}
	if base < 0 {
		return 0, 0
	}
	return base, exact - float64(base)
}

// advanceTo adds the length of every segment crossed since the last frame.
// Each segment is counted once no matter how many ticks it spans.
func (e *Engine) advanceTo(base int) {
	for i := e.ps.CurrentSampleIndex; i < base; i++ {
		if d := e.track.SegmentKm(i); geo.Finite(d) {
			e.ps.CumulativeDistanceKm += d
		}
	}
	if base > e.ps.CurrentSampleIndex {
		e.ps.CurrentSampleIndex = base
	}
}

// segmentHeading returns the bearing of segment i, or fallback when the
// segment is stationary or the result is not finite.
func (e *Engine) segmentHeading(i int, fallback float64) float64 {
	if i >= e.track.Len()-1 {
		return fallback
	}
	a, b := e.track.At(i), e.track.At(i+1)
	if a.Latitude == b.Latitude && a.Longitude == b.Longitude {
		return fallback
	}
	h := geo.Bearing(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
	if !geo.Finite(h) {
		return fallback
	}
	return h
}

// speedAt prefers recorded speeds, interpolated between the bracketing
// samples, and otherwise derives km/h from the trailing window of segments
// ending at the one being traversed. NaN means no usable value.
func (e *Engine) speedAt(base int, ratio float64) float64 {
	n := e.track.Len()
	cur := e.track.At(base)
	if base < n-1 {
		next := e.track.At(base + 1)
		if cur.HasSpeed && next.HasSpeed {
			return geo.Lerp(cur.Speed, next.Speed, ratio)
		}
	} else if cur.HasSpeed {
		return cur.Speed
	}

	end := base + 1
	if end > n-1 {
		end = n - 1
	}
	start := end - e.window
	if start < 0 {
		start = 0
	}
	if start >= end {
		return math.NaN()
	}

	var km float64
	for i := start; i < end; i++ {
		km += e.track.SegmentKm(i)
	}
	v, ok := units.KMHFromDistance(km, e.track.At(end).Timestamp.Sub(e.track.At(start).Timestamp))
	if !ok {
		return math.NaN()
	}
	return v
}

// guard runs a callback and recovers any panic so a faulty renderer or
// observer cannot stop the playback loop.
func (e *Engine) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ReplayCallbackPanics.WithLabelValues(name).Inc()
			e.log.Error().Str("callback", name).Interface("panic", r).Msg("recovered from panic in callback")
		}
	}()
	fn()
}

func validSpeed(m float64) bool {
	return m > 0 && geo.Finite(m)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
