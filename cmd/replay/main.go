// Command replay plays a recorded track file headlessly on simulated ticks
// and writes the results.
//
// Usage:
//
//	go run ./cmd/replay -file track.json [flags]
//
// Flags:
//
//	-file       JSON or CSV track file (required)
//	-format     json or csv (default: from extension, else sniffed)
//	-speed      Playback speed multiplier (default: 1)
//	-interval   Simulated tick interval (default: 50ms)
//	-window     Trailing segments for derived speed (default: 5)
//	-units      Speed units for output (default: kmph)
//	-chart      Write a speed/distance HTML chart to this path
//	-png        Write a PNG plot of the track to this path
//	-geojson    Write the final map surface as GeoJSON to this path
package main

import (
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/banshee-data/track.replay/internal/chart"
	"github.com/banshee-data/track.replay/internal/geo"
	"github.com/banshee-data/track.replay/internal/monitoring"
	"github.com/banshee-data/track.replay/internal/render"
	"github.com/banshee-data/track.replay/internal/replay"
	"github.com/banshee-data/track.replay/internal/telemetry"
	"github.com/banshee-data/track.replay/internal/track"
	"github.com/banshee-data/track.replay/internal/units"
)

type options struct {
	file     string
	format   string
	speed    float64
	interval time.Duration
	window   int
	units    string
	chart    string
	png      string
	geojson  string
	logLevel string
}

func main() {
	var o options
	flag.StringVar(&o.file, "file", "", "JSON or CSV track file (required)")
	flag.StringVar(&o.format, "format", "", "json or csv (default: from extension)")
	flag.Float64Var(&o.speed, "speed", 1, "playback speed multiplier")
	flag.DurationVar(&o.interval, "interval", replay.DefaultTickInterval, "simulated tick interval")
	flag.IntVar(&o.window, "window", replay.DefaultSpeedWindow, "trailing segments for derived speed")
	flag.StringVar(&o.units, "units", units.KMPH, "speed units: "+units.GetValidUnitsString())
	flag.StringVar(&o.chart, "chart", "", "write speed/distance chart HTML to this path")
	flag.StringVar(&o.png, "png", "", "write track PNG to this path")
	flag.StringVar(&o.geojson, "geojson", "", "write final map GeoJSON to this path")
	flag.StringVar(&o.logLevel, "log-level", "warn", "log level")
	flag.Parse()

	monitoring.Init(monitoring.Config{Level: o.logLevel, Format: "console"})
	if err := run(o, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
}

func run(o options, out io.Writer) error {
	if o.file == "" {
		return fmt.Errorf("-file is required")
	}
	if o.speed <= 0 || !geo.Finite(o.speed) {
		return fmt.Errorf("-speed must be positive, got %g", o.speed)
	}
	if o.interval <= 0 {
		return fmt.Errorf("-interval must be positive, got %s", o.interval)
	}
	if !units.IsValid(o.units) {
		return fmt.Errorf("-units must be one of %s", units.GetValidUnitsString())
	}

	records, err := telemetry.ReadFile(o.file, o.format)
	if err != nil {
		return err
	}
	tr, dropped, err := track.Normalize(records)
	if err != nil {
		return err
	}

	surface := render.NewMemorySurface()
	mapCfg := render.DefaultMapConfig()
	rec := render.NewRecorder(0)
	e := replay.NewEngine(render.Multi{render.NewMapAdapter(surface, tr, mapCfg), rec}, nil)
	if err := e.Start(tr, replay.Options{InitialSpeedMultiplier: o.speed, SpeedWindow: o.window}); err != nil {
		return err
	}

	maxTicks := int(math.Ceil(float64(tr.Duration())/(float64(o.interval)*o.speed))) + 2
	ticks := replay.Simulate(e, o.interval, maxTicks)
	snap, _ := e.Snapshot()
	last, _ := rec.Last()

	sum := track.Summarize(tr)
	fmt.Fprintf(out, "samples:   %d (%d dropped)\n", sum.Samples, len(dropped))
	fmt.Fprintf(out, "recorded:  %s to %s (%s)\n", sum.Start.Format(time.RFC3339), sum.End.Format(time.RFC3339), sum.Duration)
	fmt.Fprintf(out, "distance:  %.3f km\n", snap.CumulativeDistanceKm)
	fmt.Fprintf(out, "avg speed: %s\n", units.FormatSpeed(sum.AvgSpeedKmH, o.units))
	if sum.MaxSpeedKmH > 0 {
		fmt.Fprintf(out, "max speed: %s\n", units.FormatSpeed(sum.MaxSpeedKmH, o.units))
		fmt.Fprintf(out, "p85 speed: %s\n", units.FormatSpeed(sum.P85SpeedKmH, o.units))
	}
	fmt.Fprintf(out, "playback:  %s after %d ticks at %gx (%s wall time)\n",
		snap.State, ticks, o.speed, time.Duration(ticks)*o.interval)

	if o.chart != "" {
		if err := writeFile(o.chart, func(w io.Writer) error {
			return chart.SpeedDistanceHTML(w, "Replay of "+o.file, rec.Frames(), o.units)
		}); err != nil {
			return err
		}
		fmt.Fprintf(out, "chart:     %s\n", o.chart)
	}

	if o.png != "" {
		pos := geo.Point{Lat: last.Position.Lat, Lng: last.Position.Lng}
		if err := writeFile(o.png, func(w io.Writer) error {
			return chart.TrackPNG(w, tr, last.State.CurrentSampleIndex, &pos, 0)
		}); err != nil {
			return err
		}
		fmt.Fprintf(out, "png:       %s\n", o.png)
	}

	if o.geojson != "" {
		// The engine releases the map when playback ends, so the final
		// frames are redrawn onto a fresh surface.
		final := finalSurface(tr, mapCfg, rec.Frames())
		raw, err := final.GeoJSON()
		if err != nil {
			return err
		}
		if err := os.WriteFile(o.geojson, raw, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "geojson:   %s\n", o.geojson)
	}
	return nil
}

func finalSurface(tr *track.Track, cfg render.MapConfig, frames []render.Frame) *render.MemorySurface {
	s := render.NewMemorySurface()
	m := render.NewMapAdapter(s, tr, cfg)
	start := len(frames) - cfg.TrailLength - 1
	if start < 0 {
		start = 0
	}
	for _, f := range frames[start:] {
		m.Update(f.Position, f.State)
	}
	return s
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
