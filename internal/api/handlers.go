package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/banshee-data/track.replay/internal/chart"
	"github.com/banshee-data/track.replay/internal/geo"
	"github.com/banshee-data/track.replay/internal/httputil"
	"github.com/banshee-data/track.replay/internal/session"
	"github.com/banshee-data/track.replay/internal/telemetry"
	"github.com/banshee-data/track.replay/internal/track"
	"github.com/banshee-data/track.replay/internal/units"
)

type speedRequest struct {
	Multiplier float64 `json:"multiplier"`
}

type seekRequest struct {
	Progress *float64 `json:"progress"`
}

// writeSessionError maps manager and telemetry errors onto HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, telemetry.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, track.ErrInsufficientData):
		httputil.UnprocessableEntity(w, err.Error())
	case errors.Is(err, session.ErrTooManySessions):
		httputil.TooManyRequests(w, err.Error())
	case errors.Is(err, session.ErrSpeedNotAllowed),
		errors.Is(err, session.ErrVehicleRequired),
		errors.Is(err, session.ErrNoSource):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, session.ErrShutdown), errors.Is(err, gobreaker.ErrOpenState):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		httputil.BadGateway(w, fmt.Sprintf("fetch telemetry: %v", err))
	}
}

func (s *Server) createReplay(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		httputil.BadRequest(w, "to must not be before from")
		return
	}

	sess, err := s.manager.Create(r.Context(), req)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	w.Header().Set("Location", "/api/replays/"+sess.ID)
	httputil.WriteJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) listReplays(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	out := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) listVehicles(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Vehicles == nil {
		httputil.WriteJSONError(w, http.StatusNotImplemented, "telemetry source cannot list vehicles")
		return
	}
	ids, err := s.cfg.Vehicles.Vehicles(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list vehicles")
		httputil.InternalServerError(w, "failed to list vehicles")
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"vehicles": ids})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) getReplay(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.session(w, r); ok {
		httputil.WriteJSONOK(w, sess.Info())
	}
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, fn func(id string) (session.Info, error)) {
	info, err := fn(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	httputil.WriteJSONOK(w, info)
}

func (s *Server) pauseReplay(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.manager.Pause)
}

func (s *Server) resumeReplay(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.manager.Resume)
}

func (s *Server) cancelReplay(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.manager.Cancel)
}

func (s *Server) setSpeed(w http.ResponseWriter, r *http.Request) {
	var req speedRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	s.control(w, r, func(id string) (session.Info, error) {
		return s.manager.SetSpeed(id, req.Multiplier)
	})
}

func (s *Server) seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Progress == nil {
		httputil.BadRequest(w, "progress is required")
		return
	}
	s.control(w, r, func(id string) (session.Info, error) {
		return s.manager.Seek(id, *req.Progress)
	})
}

// speedUnits returns the ?units= override or the configured default.
func (s *Server) speedUnits(w http.ResponseWriter, r *http.Request) (string, bool) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.cfg.SpeedUnits, true
	}
	if !units.IsValid(u) {
		httputil.BadRequest(w, units.GetValidUnitsString())
		return "", false
	}
	return u, true
}

func (s *Server) chart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	unit, ok := s.speedUnits(w, r)
	if !ok {
		return
	}

	title := "Replay " + sess.ID
	if sess.VehicleID != "" {
		title = "Vehicle " + sess.VehicleID
	}
	var buf bytes.Buffer
	if err := chart.SpeedDistanceHTML(&buf, title, sess.Recorder().Frames(), unit); err != nil {
		if errors.Is(err, chart.ErrNoFrames) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) plot(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	info := sess.Info()
	var current *geo.Point
	if info.Position != nil {
		current = &geo.Point{Lat: info.Position.Lat, Lng: info.Position.Lng}
	}

	var buf bytes.Buffer
	if err := chart.TrackPNG(&buf, sess.Track(), info.Playback.CurrentSampleIndex, current, 0); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) geojson(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	raw, err := sess.Surface().GeoJSON()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("encode geojson: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(raw)
}
