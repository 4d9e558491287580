package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/banshee-data/track.replay/internal/metrics"
	"github.com/banshee-data/track.replay/internal/monitoring"
	"github.com/banshee-data/track.replay/internal/render"
	"github.com/banshee-data/track.replay/internal/replay"
	"github.com/banshee-data/track.replay/internal/telemetry"
	"github.com/banshee-data/track.replay/internal/timeutil"
	"github.com/banshee-data/track.replay/internal/track"
)

var (
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("session not found")

	// ErrTooManySessions is returned when MaxActive sessions are playing.
	ErrTooManySessions = errors.New("too many active sessions")

	// ErrNoSource is returned when a request has no inline samples and the
	// manager has no telemetry source.
	ErrNoSource = errors.New("no telemetry source configured")

	// ErrSpeedNotAllowed is returned by SetSpeed for multipliers outside the
	// configured presets.
	ErrSpeedNotAllowed = errors.New("speed multiplier not allowed")

	// ErrVehicleRequired is returned when a request has neither samples nor
	// a vehicle to fetch.
	ErrVehicleRequired = errors.New("vehicle_id is required")

	// ErrShutdown is returned by Create after Shutdown.
	ErrShutdown = errors.New("session manager is shut down")
)

// Config tunes the manager.
type Config struct {
	TickInterval   time.Duration
	DefaultSpeed   float64
	SpeedWindow    int
	Map            render.MapConfig
	MaxFrames      int
	MaxActive      int
	RetainFinished time.Duration
	ReapInterval   time.Duration

	// SpeedAllowed restricts SetSpeed and initial speeds. Nil allows any
	// positive speed.
	SpeedAllowed func(float64) bool

	// Clock drives tickers; nil uses the real clock.
	Clock timeutil.Clock
}

// Request describes a replay to start. Records, when present, are replayed
// directly instead of being fetched.
type Request struct {
	VehicleID string         `json:"vehicle_id"`
	From      time.Time      `json:"from"`
	To        time.Time      `json:"to"`
	Records   []track.Record `json:"samples,omitempty"`
	Speed     float64        `json:"speed,omitempty"`
}

// Manager owns every session.
type Manager struct {
	cfg    Config
	source telemetry.Source
	clock  timeutil.Clock
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  int // slots reserved by in-flight Create calls
}

// NewManager creates a manager. source may be nil when every request
// carries inline samples.
func NewManager(source telemetry.Source, cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 64
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		source:   source,
		clock:    cfg.Clock,
		log:      monitoring.Component("session"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Create loads the track, starts playback and runs the session's ticker loop
// in the background. Normalization errors, including
// track.ErrInsufficientData, are returned as-is.
func (m *Manager) Create(ctx context.Context, req Request) (*Session, error) {
	if m.ctx.Err() != nil {
		return nil, ErrShutdown
	}
	if !m.reserve() {
		return nil, ErrTooManySessions
	}
	inserted := false
	defer func() {
		if !inserted {
			m.mu.Lock()
			m.pending--
			m.mu.Unlock()
		}
	}()

	speed := req.Speed
	if speed == 0 {
		speed = m.cfg.DefaultSpeed
	}
	if !m.speedAllowed(speed) {
		return nil, fmt.Errorf("%w: %g", ErrSpeedNotAllowed, speed)
	}

	records := req.Records
	if len(records) == 0 {
		if m.source == nil {
			return nil, ErrNoSource
		}
		if req.VehicleID == "" {
			return nil, ErrVehicleRequired
		}
		var err error
		records, err = m.source.FetchTrack(ctx, req.VehicleID, req.From, req.To)
		if err != nil {
			return nil, err
		}
	}

	tr, dropped, err := track.Normalize(records)
	if len(dropped) > 0 {
		metrics.SamplesDropped.Add(float64(len(dropped)))
	}
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := m.log.With().Str("session", id).Str("vehicle", req.VehicleID).Logger()

	s := &Session{
		ID:          id,
		VehicleID:   req.VehicleID,
		CreatedAt:   m.clock.Now().UTC(),
		surface:     render.NewMemorySurface(),
		recorder:    render.NewRecorder(m.cfg.MaxFrames),
		broadcaster: NewBroadcaster(),
		summary:     track.Summarize(tr),
		dropped:     len(dropped),
		done:        make(chan struct{}),
	}
	adapter := render.NewMapAdapter(s.surface, tr, m.cfg.Map)
	s.engine = replay.NewEngine(render.Multi{adapter, s.recorder}, s.observer())
	s.engine.SetLogger(log)
	s.runner = replay.NewRunner(s.engine, m.clock, m.cfg.TickInterval)

	if err := s.engine.Start(tr, replay.Options{
		InitialSpeedMultiplier: speed,
		SpeedWindow:            m.cfg.SpeedWindow,
	}); err != nil {
		return nil, err
	}

	runCtx, stop := context.WithCancel(m.ctx)
	s.stop = stop

	m.mu.Lock()
	m.sessions[id] = s
	m.pending--
	inserted = true
	m.mu.Unlock()

	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()
	log.Info().
		Int("samples", tr.Len()).
		Int("dropped", len(dropped)).
		Float64("speed", speed).
		Msg("replay session started")

	m.wg.Add(1)
	go m.run(runCtx, s, log)
	return s, nil
}

// reserve claims a slot against MaxActive for a Create in progress.
func (m *Manager) reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeLocked()+m.pending >= m.cfg.MaxActive {
		return false
	}
	m.pending++
	return true
}

func (m *Manager) run(ctx context.Context, s *Session, log zerolog.Logger) {
	defer m.wg.Done()
	defer close(s.done)
	defer s.stop()

	err := s.runner.Run(ctx)
	s.markFinished(m.clock.Now().UTC())
	s.broadcaster.Close()
	metrics.SessionsActive.Dec()

	ev := log.Info().Stringer("state", s.engine.State())
	if err != nil && !errors.Is(err, context.Canceled) {
		ev = log.Warn().Err(err)
	}
	ev.Msg("replay session finished")
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns every known session, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active counts sessions that are still playing or paused.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, s := range m.sessions {
		if !s.engine.State().Terminal() {
			n++
		}
	}
	return n
}

// Pause pauses a session. Control calls on sessions in states that do not
// support them are no-ops and still return the current Info.
func (m *Manager) Pause(id string) (Info, error) {
	return m.control(id, func(e *replay.Engine) { e.Pause() })
}

// Resume resumes a paused session.
func (m *Manager) Resume(id string) (Info, error) {
	return m.control(id, func(e *replay.Engine) { e.Resume() })
}

// Cancel stops a session and releases its map elements.
func (m *Manager) Cancel(id string) (Info, error) {
	return m.control(id, func(e *replay.Engine) { e.Cancel() })
}

// Seek jumps to a fractional progress.
func (m *Manager) Seek(id string, progress float64) (Info, error) {
	return m.control(id, func(e *replay.Engine) { e.Seek(progress) })
}

// SetSpeed changes the speed multiplier.
func (m *Manager) SetSpeed(id string, multiplier float64) (Info, error) {
	if !m.speedAllowed(multiplier) {
		return Info{}, fmt.Errorf("%w: %g", ErrSpeedNotAllowed, multiplier)
	}
	return m.control(id, func(e *replay.Engine) { e.SetSpeed(multiplier) })
}

func (m *Manager) control(id string, fn func(*replay.Engine)) (Info, error) {
	s, err := m.Get(id)
	if err != nil {
		return Info{}, err
	}
	fn(s.engine)
	return s.Info(), nil
}

func (m *Manager) speedAllowed(v float64) bool {
	if v <= 0 {
		return false
	}
	if m.cfg.SpeedAllowed == nil {
		return true
	}
	return m.cfg.SpeedAllowed(v)
}

// Subscribe streams events for a session.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsub := s.Subscribe()
	return ch, unsub, nil
}

// Reap forgets sessions that finished more than RetainFinished before now
// and returns how many were removed.
func (m *Manager) Reap(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		at, ok := s.finished()
		if ok && now.Sub(at) >= m.cfg.RetainFinished {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		m.log.Debug().Int("reaped", n).Msg("removed finished sessions")
	}
	return n
}

// RunReaper reaps finished sessions every ReapInterval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case now := <-ticker.C():
			m.Reap(now)
		}
	}
}

// Shutdown cancels every session and waits for their loops to exit or for
// ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info().Msg("all replay sessions stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
