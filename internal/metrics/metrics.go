// Package metrics exposes Prometheus instrumentation for replay sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Replay engine
	ReplayTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackreplay_ticks_total",
			Help: "Total number of playback ticks processed while playing",
		},
	)

	ReplayFramesEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackreplay_frames_emitted_total",
			Help: "Total number of interpolated positions emitted to renderers",
		},
	)

	ReplayFramesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackreplay_frames_skipped_total",
			Help: "Frames dropped because interpolation produced a non-finite value",
		},
	)

	ReplayCallbackPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackreplay_callback_panics_total",
			Help: "Panics recovered from renderer or observer callbacks",
		},
		[]string{"callback"}, // "renderer", "observer", "tick"
	)

	ReplayTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackreplay_state_transitions_total",
			Help: "Playback state transitions by target state",
		},
		[]string{"to"},
	)

	// Ingestion
	SamplesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackreplay_samples_dropped_total",
			Help: "Raw records dropped during track normalization",
		},
	)

	// Sessions
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackreplay_sessions_active",
			Help: "Replay sessions that are playing or paused",
		},
	)

	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackreplay_sessions_created_total",
			Help: "Replay sessions successfully started",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackreplay_stream_subscribers",
			Help: "Connected event stream subscribers",
		},
	)

	// Telemetry source
	TelemetryFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackreplay_telemetry_fetches_total",
			Help: "Track fetches from the telemetry source by outcome",
		},
		[]string{"source", "outcome"}, // outcome: "ok", "error", "breaker_open"
	)

	TelemetryBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trackreplay_telemetry_breaker_state",
			Help: "Circuit breaker state for the telemetry API (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
