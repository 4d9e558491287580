// Package api exposes replay sessions over HTTP: JSON control endpoints, a
// websocket event stream, chart and map exports, Prometheus metrics and the
// debug console.
package api

import (
	"bufio"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/banshee-data/track.replay/internal/httputil"
	"github.com/banshee-data/track.replay/internal/monitoring"
	"github.com/banshee-data/track.replay/internal/session"
	"github.com/banshee-data/track.replay/internal/telemetry"
	"github.com/banshee-data/track.replay/internal/units"
	"github.com/banshee-data/track.replay/internal/version"
)

// Config controls the HTTP surface.
type Config struct {
	CORSOrigins     []string
	RateLimit       int
	RateLimitWindow time.Duration
	SpeedUnits      string

	// Vehicles backs GET /api/vehicles when the telemetry source can list
	// its vehicles.
	Vehicles telemetry.VehicleLister

	// EnableDebug mounts the tsweb debugger under /debug/. When DB is also
	// set the debugger gains a tailsql console and a backup download.
	EnableDebug bool
	DB          *sql.DB
	DBLabel     string
}

type Server struct {
	manager *session.Manager
	cfg     Config
	log     zerolog.Logger
}

func NewServer(m *session.Manager, cfg Config) *Server {
	if !units.IsValid(cfg.SpeedUnits) {
		cfg.SpeedUnits = units.KMPH
	}
	return &Server{
		manager: m,
		cfg:     cfg,
		log:     monitoring.Component("api"),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{w, http.StatusOK}
			next.ServeHTTP(lrw, r)

			ev := log.Debug()
			switch {
			case lrw.statusCode >= 500:
				ev = log.Error()
			case lrw.statusCode >= 400:
				ev = log.Warn()
			}
			ev.Int("status", lrw.statusCode).
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Float64("ms", float64(time.Since(start).Nanoseconds())/1e6).
				Msg("request")
		})
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(httprate.Limit(
				s.cfg.RateLimit,
				s.cfg.RateLimitWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					httputil.TooManyRequests(w, "rate limit exceeded")
				}),
			))
		}
		r.Get("/health", s.health)
		r.Get("/vehicles", s.listVehicles)
		r.Route("/replays", func(r chi.Router) {
			r.Post("/", s.createReplay)
			r.Get("/", s.listReplays)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getReplay)
				r.Post("/pause", s.pauseReplay)
				r.Post("/resume", s.resumeReplay)
				r.Post("/cancel", s.cancelReplay)
				r.Post("/speed", s.setSpeed)
				r.Post("/seek", s.seek)
				r.Get("/stream", s.stream)
				r.Get("/chart", s.chart)
				r.Get("/plot.png", s.plot)
				r.Get("/geojson", s.geojson)
			})
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	if s.cfg.EnableDebug {
		debugMux := http.NewServeMux()
		if err := s.AttachDebugRoutes(debugMux); err != nil {
			s.log.Error().Err(err).Msg("debug routes disabled")
		} else {
			r.Mount("/debug", debugMux)
		}
	}

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httputil.MethodNotAllowed(w)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, "not found")
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]any{
		"status":          "ok",
		"version":         version.Version,
		"active_sessions": s.manager.Active(),
	})
}
