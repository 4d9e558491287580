// Command replay-server serves vehicle track replays over HTTP.
//
// Replays are created with POST /api/replays and driven by a ticker per
// session. Positions stream over a websocket and charts, PNG plots and
// GeoJSON snapshots are available per session.
//
// Usage:
//
//	go run ./cmd/replay-server [flags]
//
// Flags:
//
//	-config   Path to a YAML config file (default: config/replay.defaults.yaml)
//	-listen   Listen address, overrides server.listen
//	-version  Print the build version and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/track.replay/internal/api"
	"github.com/banshee-data/track.replay/internal/config"
	"github.com/banshee-data/track.replay/internal/httputil"
	"github.com/banshee-data/track.replay/internal/monitoring"
	"github.com/banshee-data/track.replay/internal/render"
	"github.com/banshee-data/track.replay/internal/session"
	"github.com/banshee-data/track.replay/internal/telemetry"
	"github.com/banshee-data/track.replay/internal/version"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "Path to YAML config file")
	listen := flag.String("listen", "", "Listen address (overrides server.listen)")
	showVersion := flag.Bool("version", false, "Print the build version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("replay-server", version.String())
		return
	}

	if err := run(*configPath, *listen); err != nil {
		fmt.Fprintf(os.Stderr, "replay-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listen string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}

	monitoring.Init(monitoring.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log := monitoring.Component("main")

	source, closeSource, err := openSource(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer closeSource()

	mapCfg := render.DefaultMapConfig()
	mapCfg.TrailLength = cfg.Replay.TrailLength
	manager := session.NewManager(source, session.Config{
		TickInterval:   cfg.Replay.TickInterval,
		DefaultSpeed:   cfg.Replay.DefaultSpeed,
		SpeedWindow:    cfg.Replay.SpeedWindow,
		Map:            mapCfg,
		MaxFrames:      cfg.Replay.MaxFrames,
		MaxActive:      cfg.Sessions.MaxActive,
		RetainFinished: cfg.Sessions.RetainFinished,
		ReapInterval:   cfg.Sessions.ReapInterval,
		SpeedAllowed:   cfg.Replay.SpeedAllowed,
	})

	apiCfg := api.Config{
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		SpeedUnits:      cfg.Replay.SpeedUnits,
		EnableDebug:     cfg.Server.EnableDebug,
	}
	if l, ok := source.(telemetry.VehicleLister); ok {
		apiCfg.Vehicles = l
	}
	if db, ok := source.(*telemetry.SQLiteSource); ok {
		apiCfg.DB = db.DB()
		apiCfg.DBLabel = db.Path()
	}
	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: api.NewServer(manager, apiCfg).Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go manager.RunReaper(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("source", source.Name()).Str("version", version.Version).Msg("replay server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("sessions did not stop in time")
	}
	return srv.Shutdown(shutdownCtx)
}

// openSource builds the telemetry source selected by cfg.Mode.
func openSource(cfg config.TelemetryConfig) (telemetry.Source, func(), error) {
	noop := func() {}
	switch cfg.Mode {
	case config.ModeSQLite:
		src, err := telemetry.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		if v, dirty, err := src.MigrateVersion(); err == nil {
			log := monitoring.Component("main")
			log.Info().Str("path", cfg.SQLitePath).Uint("schema_version", v).Bool("dirty", dirty).Msg("opened sqlite export")
		}
		return src, func() { _ = src.Close() }, nil
	case config.ModeFile:
		return &telemetry.FileSource{Dir: cfg.Dir}, noop, nil
	default:
		src, err := telemetry.NewHTTPSource(telemetry.HTTPConfig{
			BaseURL:     cfg.BaseURL,
			Token:       cfg.Token,
			MaxFailures: cfg.MaxFailures,
			OpenTimeout: cfg.OpenTimeout,
		}, httputil.NewStandardClient(cfg.Timeout))
		if err != nil {
			return nil, noop, err
		}
		return src, noop, nil
	}
}
