package api

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/track.replay/internal/config"
	"github.com/banshee-data/track.replay/internal/httputil"
	"github.com/banshee-data/track.replay/internal/monitoring"
	"github.com/banshee-data/track.replay/internal/render"
	"github.com/banshee-data/track.replay/internal/session"
	"github.com/banshee-data/track.replay/internal/telemetry"
	"github.com/banshee-data/track.replay/internal/timeutil"
	"github.com/banshee-data/track.replay/internal/track"
)

func init() {
	monitoring.SetLogger(nil)
}

var epoch = time.Date(2024, 6, 1, 7, 30, 0, 0, time.UTC)

func samples(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{
			"lat":       12.97 + float64(i)*0.001,
			"lng":       77.59,
			"timestamp": epoch.Add(time.Duration(i) * 10 * time.Second).Format(time.RFC3339),
			"speed":     30,
		}
	}
	return out
}

type stubSource struct {
	records []track.Record
	err     error
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) FetchTrack(context.Context, string, time.Time, time.Time) ([]track.Record, error) {
	return s.records, s.err
}

type fixture struct {
	t       *testing.T
	handler http.Handler
	manager *session.Manager
}

func newFixture(t *testing.T, src telemetry.Source, mutate ...func(*session.Config, *Config)) *fixture {
	t.Helper()
	mcfg := session.Config{
		TickInterval:   100 * time.Millisecond,
		DefaultSpeed:   1,
		SpeedWindow:    5,
		Map:            render.DefaultMapConfig(),
		MaxActive:      8,
		RetainFinished: time.Minute,
		Clock:          timeutil.NewMockClock(epoch),
	}
	acfg := Config{SpeedUnits: "kmph", RateLimitWindow: time.Minute}
	for _, fn := range mutate {
		fn(&mcfg, &acfg)
	}
	m := session.NewManager(src, mcfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &fixture{t: t, handler: NewServer(m, acfg).Handler(), manager: m}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(f.t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) create(n int) session.Info {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/replays", map[string]any{"vehicle_id": "bus-7", "samples": samples(n)})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[session.Info](f.t, rec)
}

func TestCreateReplay(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/replays", map[string]any{"vehicle_id": "bus-7", "samples": samples(4)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	info := decode[session.Info](t, rec)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "/api/replays/"+info.ID, rec.Header().Get("Location"))
	assert.Equal(t, "playing", info.State)
	assert.Equal(t, "bus-7", info.VehicleID)
	assert.Equal(t, 4, info.Summary.Samples)
	require.NotNil(t, info.Position)
	assert.InDelta(t, 12.97, info.Position.Lat, 1e-9)

	list := decode[[]session.Info](t, f.do(http.MethodGet, "/api/replays", nil))
	require.Len(t, list, 1)
	assert.Equal(t, info.ID, list[0].ID)

	got := f.do(http.MethodGet, "/api/replays/"+info.ID, nil)
	assert.Equal(t, http.StatusOK, got.Code)
}

func TestCreateReplay_Errors(t *testing.T) {
	tests := []struct {
		name   string
		src    telemetry.Source
		body   any
		status int
	}{
		{"insufficient data", nil, map[string]any{"samples": samples(1)}, http.StatusUnprocessableEntity},
		{"malformed body", nil, `{"samples": [`, http.StatusBadRequest},
		{"inverted range", nil, map[string]any{"vehicle_id": "a", "from": epoch, "to": epoch.Add(-time.Hour)}, http.StatusBadRequest},
		{"no source", nil, map[string]any{"vehicle_id": "a"}, http.StatusBadRequest},
		{"vehicle required", &stubSource{}, map[string]any{}, http.StatusBadRequest},
		{"unknown vehicle", &stubSource{err: telemetry.ErrNotFound}, map[string]any{"vehicle_id": "ghost"}, http.StatusNotFound},
		{"upstream failure", &stubSource{err: &telemetry.APIError{Status: 503}}, map[string]any{"vehicle_id": "a"}, http.StatusBadGateway},
		{"transport failure", &stubSource{err: errors.New("connection refused")}, map[string]any{"vehicle_id": "a"}, http.StatusBadGateway},
		{"speed not allowed", nil, map[string]any{"samples": samples(3), "speed": 3}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.src, func(c *session.Config, _ *Config) {
				c.SpeedAllowed = func(v float64) bool { return v == 1 || v == 2 }
			})
			rec := f.do(http.MethodPost, "/api/replays", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[httputil.ErrorBody](t, rec).Error)
			assert.Empty(t, f.manager.List())
		})
	}
}

func TestCreateReplay_TooManySessions(t *testing.T) {
	f := newFixture(t, nil, func(c *session.Config, _ *Config) { c.MaxActive = 1 })
	f.create(3)

	rec := f.do(http.MethodPost, "/api/replays", map[string]any{"samples": samples(3)})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestControls(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(4).ID
	base := "/api/replays/" + id

	info := decode[session.Info](t, f.do(http.MethodPost, base+"/pause", nil))
	assert.Equal(t, "paused", info.State)

	rec := f.do(http.MethodPost, base+"/pause", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "pausing twice is a no-op")

	info = decode[session.Info](t, f.do(http.MethodPost, base+"/speed", map[string]any{"multiplier": 4}))
	assert.Equal(t, 4.0, info.Playback.SpeedMultiplier)
	assert.Equal(t, "paused", info.State)

	info = decode[session.Info](t, f.do(http.MethodPost, base+"/seek", map[string]any{"progress": 0.5}))
	assert.InDelta(t, 0.5, info.Position.Progress, 1e-9)
	assert.Equal(t, 1, info.Playback.CurrentSampleIndex)

	rec = f.do(http.MethodPost, base+"/seek", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	info = decode[session.Info](t, f.do(http.MethodPost, base+"/resume", nil))
	assert.Equal(t, "playing", info.State)

	info = decode[session.Info](t, f.do(http.MethodPost, base+"/cancel", nil))
	assert.Equal(t, "cancelled", info.State)

	info = decode[session.Info](t, f.do(http.MethodPost, base+"/resume", nil))
	assert.Equal(t, "cancelled", info.State, "controls after cancel are no-ops")
}

func TestSetSpeed_ShippedPresets(t *testing.T) {
	presets := config.MustLoadDefault().Replay
	f := newFixture(t, nil, func(c *session.Config, _ *Config) { c.SpeedAllowed = presets.SpeedAllowed })
	base := "/api/replays/" + f.create(4).ID

	for _, m := range []float64{0.5, 1, 2, 5, 10} {
		rec := f.do(http.MethodPost, base+"/speed", map[string]any{"multiplier": m})
		require.Equal(t, http.StatusOK, rec.Code, "multiplier %g: %s", m, rec.Body.String())
		assert.Equal(t, m, decode[session.Info](t, rec).Playback.SpeedMultiplier)
	}

	rec := f.do(http.MethodPost, base+"/speed", map[string]any{"multiplier": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type stubLister struct {
	ids []string
	err error
}

func (l stubLister) Vehicles(context.Context) ([]string, error) { return l.ids, l.err }

func TestListVehicles(t *testing.T) {
	f := newFixture(t, nil, func(_ *session.Config, c *Config) {
		c.Vehicles = stubLister{ids: []string{"bus-7", "van-2"}}
	})
	rec := f.do(http.MethodGet, "/api/vehicles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"bus-7", "van-2"}, decode[struct {
		Vehicles []string `json:"vehicles"`
	}](t, rec).Vehicles)

	f = newFixture(t, nil, func(_ *session.Config, c *Config) {
		c.Vehicles = stubLister{err: errors.New("disk gone")}
	})
	assert.Equal(t, http.StatusInternalServerError, f.do(http.MethodGet, "/api/vehicles", nil).Code)

	f = newFixture(t, nil)
	assert.Equal(t, http.StatusNotImplemented, f.do(http.MethodGet, "/api/vehicles", nil).Code)
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"", "/chart", "/plot.png", "/geojson", "/stream"} {
		rec := f.do(http.MethodGet, "/api/replays/nope"+path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := f.do(http.MethodPost, "/api/replays/nope/pause", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodDelete, "/api/replays", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestExports(t *testing.T) {
	f := newFixture(t, nil)
	base := "/api/replays/" + f.create(4).ID

	rec := f.do(http.MethodGet, base+"/chart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Vehicle bus-7")

	rec = f.do(http.MethodGet, base+"/chart?units=mph", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mph")

	rec = f.do(http.MethodGet, base+"/chart?units=furlongs", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, base+"/plot.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	_, err := png.Decode(rec.Body)
	require.NoError(t, err)

	rec = f.do(http.MethodGet, base+"/geojson", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fc := decode[render.FeatureCollection](t, rec)
	assert.Equal(t, "FeatureCollection", fc.Type)
	assert.Len(t, fc.Features, 2, "marker and path")
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t, nil)
	f.create(3)

	rec := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trackreplay_sessions_active")

	health := decode[map[string]any](t, f.do(http.MethodGet, "/api/health", nil))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "dev", health["version"])
	assert.Equal(t, 1.0, health["active_sessions"])
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, nil, func(_ *session.Config, c *Config) { c.RateLimit = 2 })
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/replays", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/replays", nil).Code)

	rec := f.do(http.MethodGet, "/api/replays", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", decode[httputil.ErrorBody](t, rec).Error)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics", nil).Code, "metrics are not rate limited")
}

func TestCORS(t *testing.T) {
	f := newFixture(t, nil, func(_ *session.Config, c *Config) { c.CORSOrigins = []string{"https://ops.example.com"} })

	req := httptest.NewRequest(http.MethodOptions, "/api/replays", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCheckOrigin(t *testing.T) {
	s := &Server{cfg: Config{CORSOrigins: []string{"https://ops.example.com"}}}
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://replay.local/api/replays/x/stream", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, s.checkOrigin(req("")))
	assert.True(t, s.checkOrigin(req("https://ops.example.com")))
	assert.True(t, s.checkOrigin(req("http://replay.local")))
	assert.False(t, s.checkOrigin(req("https://evil.example.com")))
}

func TestStream(t *testing.T) {
	f := newFixture(t, nil)
	info := f.create(4)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/replays/" + info.ID + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	_, err = f.manager.Seek(info.ID, 0.5)
	require.NoError(t, err)
	_, err = f.manager.Cancel(info.ID)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got []session.Event
	for {
		var ev session.Event
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		got = append(got, ev)
	}

	require.Len(t, got, 2)
	assert.Equal(t, session.EventPosition, got[0].Type)
	require.NotNil(t, got[0].Position)
	assert.InDelta(t, 0.5, got[0].Position.Progress, 1e-9)
	assert.Equal(t, session.EventState, got[1].Type)
	assert.Equal(t, "playing", got[1].From)
	assert.Equal(t, "cancelled", got[1].To)
}
