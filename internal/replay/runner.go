package replay

import (
	"context"
	"time"

	"github.com/banshee-data/track.replay/internal/timeutil"
)

// DefaultTickInterval is the wall-clock period between playback ticks.
const DefaultTickInterval = 50 * time.Millisecond

// Runner drives an Engine from a periodic ticker. Each tick advances the
// engine by the fixed interval, so a slow consumer slows playback instead of
// skipping frames.
type Runner struct {
	engine   *Engine
	clock    timeutil.Clock
	interval time.Duration
}

// NewRunner creates a runner. A nil clock uses the real clock and a
// non-positive interval uses DefaultTickInterval.
func NewRunner(e *Engine, clk timeutil.Clock, interval time.Duration) *Runner {
	if clk == nil {
		clk = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Runner{engine: e, clock: clk, interval: interval}
}

// Interval returns the tick period.
func (r *Runner) Interval() time.Duration { return r.interval }

// Run ticks the engine until it completes or is cancelled, or until ctx is
// done, in which case the engine is cancelled and ctx.Err() returned. The
// ticker is stopped before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.engine.Cancel()
			return ctx.Err()
		case <-r.engine.Done():
			return nil
		case <-ticker.C():
			r.engine.Tick(r.interval)
		}
	}
}

// Simulate drives the engine with fixed steps and no wall-clock waiting
// until it reaches a terminal state or maxTicks is hit. It returns the number
// of ticks that advanced playback.
func Simulate(e *Engine, step time.Duration, maxTicks int) int {
	ticks := 0
	for ticks < maxTicks && e.State() == Playing {
		e.Tick(step)
		ticks++
	}
	return ticks
}
