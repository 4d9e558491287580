package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/banshee-data/track.replay/internal/httputil"
	"github.com/banshee-data/track.replay/internal/metrics"
	"github.com/banshee-data/track.replay/internal/monitoring"
	"github.com/banshee-data/track.replay/internal/track"
)

const maxResponseBytes = 32 << 20

// maxErrorBody bounds the upstream text kept in an APIError.
const maxErrorBody = 256

// HTTPConfig configures HTTPSource.
type HTTPConfig struct {
	BaseURL string
	Token   string

	// Breaker trips after MaxFailures consecutive failures and stays open for
	// OpenTimeout before letting a trial request through.
	MaxFailures uint32
	OpenTimeout time.Duration
}

// HTTPSource reads locations from the fleet telemetry API:
//
//	GET {base}/vehicles/{id}/locations?from=RFC3339&to=RFC3339
//
// Calls go through a circuit breaker so a failing API is not hammered while
// replays are being requested. Client errors (4xx) do not count as failures.
type HTTPSource struct {
	cfg    HTTPConfig
	base   *url.URL
	client httputil.HTTPClient
	cb     *gobreaker.CircuitBreaker[[]byte]
	log    zerolog.Logger
}

// NewHTTPSource validates cfg and builds the source. A nil client uses a
// 30 second *http.Client.
func NewHTTPSource(cfg HTTPConfig, client httputil.HTTPClient) (*HTTPSource, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid telemetry base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("telemetry base url %q must be http or https", cfg.BaseURL)
	}
	if client == nil {
		client = httputil.NewStandardClient(30 * time.Second)
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	s := &HTTPSource{
		cfg:    cfg,
		base:   base,
		client: client,
		log:    monitoring.Component("telemetry"),
	}

	name := "telemetry-api"
	metrics.TelemetryBreakerState.WithLabelValues(name).Set(0)
	s.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var apiErr *APIError
			return errors.As(err, &apiErr) && !apiErr.Temporary()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn().
				Str("breaker", name).
				Stringer("from", from).
				Stringer("to", to).
				Msg("telemetry circuit breaker state changed")
			metrics.TelemetryBreakerState.WithLabelValues(name).Set(breakerGauge(to))
		},
	})
	return s, nil
}

func (s *HTTPSource) Name() string { return "http" }

// BreakerState exposes the breaker state for status endpoints.
func (s *HTTPSource) BreakerState() gobreaker.State { return s.cb.State() }

// FetchTrack implements Source.
func (s *HTTPSource) FetchTrack(ctx context.Context, vehicleID string, from, to time.Time) ([]track.Record, error) {
	if vehicleID == "" {
		return nil, errors.New("vehicle id is required")
	}

	body, err := s.cb.Execute(func() ([]byte, error) {
		return s.get(ctx, s.locationsURL(vehicleID, from, to))
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "breaker_open"
		}
		metrics.TelemetryFetches.WithLabelValues(s.Name(), outcome).Inc()
		return nil, fmt.Errorf("fetch locations for %s: %w", vehicleID, err)
	}

	records, err := track.DecodeJSON(bytes.NewReader(body))
	if err != nil {
		metrics.TelemetryFetches.WithLabelValues(s.Name(), "error").Inc()
		return nil, fmt.Errorf("decode locations for %s: %w", vehicleID, err)
	}
	metrics.TelemetryFetches.WithLabelValues(s.Name(), "ok").Inc()
	s.log.Debug().Str("vehicle", vehicleID).Int("records", len(records)).Msg("fetched locations")
	return records, nil
}

func (s *HTTPSource) locationsURL(vehicleID string, from, to time.Time) string {
	u := *s.base
	u.Path = s.base.Path + "/vehicles/" + vehicleID + "/locations"
	u.RawPath = s.base.EscapedPath() + "/vehicles/" + url.PathEscape(vehicleID) + "/locations"
	q := url.Values{}
	if !from.IsZero() {
		q.Set("from", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("to", to.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *HTTPSource) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Body: truncate(strings.TrimSpace(string(body)), maxErrorBody)}
	}
	return body, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
