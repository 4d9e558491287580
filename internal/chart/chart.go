// Package chart renders replay summaries: an interactive go-echarts page of
// speed and distance over the replay, and a static PNG of the track path.
package chart

import (
	"errors"
	"fmt"
	"image/color"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/track.replay/internal/geo"
	"github.com/banshee-data/track.replay/internal/render"
	"github.com/banshee-data/track.replay/internal/track"
	"github.com/banshee-data/track.replay/internal/units"
)

// MaxChartPoints caps the points drawn per series; longer recordings are
// decimated evenly.
const MaxChartPoints = 2000

// ErrNoFrames is returned when there is nothing to chart.
var ErrNoFrames = errors.New("chart: no frames recorded")

// SpeedDistanceHTML writes an HTML page charting speed (left axis, in unit)
// and cumulative distance (right axis, km) against virtual replay time.
func SpeedDistanceHTML(w io.Writer, title string, frames []render.Frame, unit string) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	stride := 1
	if len(frames) > MaxChartPoints {
		stride = (len(frames) + MaxChartPoints - 1) / MaxChartPoints
	}

	var (
		x        []string
		speed    []opts.LineData
		distance []opts.LineData
	)
	for i := 0; i < len(frames); i += stride {
		x, speed, distance = appendFrame(x, speed, distance, frames[i], unit)
	}
	if (len(frames)-1)%stride != 0 {
		x, speed, distance = appendFrame(x, speed, distance, frames[len(frames)-1], unit)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "560px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("frames=%d", len(frames))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "speed (" + units.Label(unit) + ")"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)
	line.ExtendYAxis(opts.YAxis{Name: "distance (km)"})

	line.SetXAxis(x).
		AddSeries("speed", speed, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})).
		AddSeries("distance", distance, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false), YAxisIndex: 1}))

	return line.Render(w)
}

func appendFrame(x []string, speed, distance []opts.LineData, f render.Frame, unit string) ([]string, []opts.LineData, []opts.LineData) {
	x = append(x, fmt.Sprintf("%.1f", f.State.ElapsedVirtual.Seconds()))
	speed = append(speed, opts.LineData{Value: units.ConvertSpeed(f.Position.SpeedKmH, unit)})
	distance = append(distance, opts.LineData{Value: f.State.CumulativeDistanceKm})
	return x, speed, distance
}

var (
	pathColor      = color.RGBA{R: 158, G: 158, B: 158, A: 255}
	travelledColor = color.RGBA{R: 30, G: 136, B: 229, A: 255}
	markerColor    = color.RGBA{R: 255, G: 112, B: 67, A: 255}
)

// TrackPNG draws the full track in grey, the travelled part up to
// travelledIndex and current in blue, and the current position as a marker.
// current may be nil. size is the square image edge.
func TrackPNG(w io.Writer, t *track.Track, travelledIndex int, current *geo.Point, size vg.Length) error {
	if t == nil || t.Len() == 0 {
		return ErrNoFrames
	}
	if size <= 0 {
		size = 6 * vg.Inch
	}

	p := plot.New()
	p.Title.Text = "Track"
	p.X.Label.Text = "Longitude"
	p.Y.Label.Text = "Latitude"

	full, err := plotter.NewLine(toXYs(t.Points(t.Len()), nil))
	if err != nil {
		return fmt.Errorf("track line: %w", err)
	}
	full.Color = pathColor
	full.Width = vg.Points(1)
	p.Add(full)
	p.Legend.Add("track", full)

	travelled := toXYs(t.Points(travelledIndex+1), current)
	if len(travelled) >= 2 {
		l, err := plotter.NewLine(travelled)
		if err != nil {
			return fmt.Errorf("travelled line: %w", err)
		}
		l.Color = travelledColor
		l.Width = vg.Points(2.5)
		p.Add(l)
		p.Legend.Add("travelled", l)
	}

	if current != nil {
		s, err := plotter.NewScatter(plotter.XYs{{X: current.Lng, Y: current.Lat}})
		if err != nil {
			return fmt.Errorf("position marker: %w", err)
		}
		s.GlyphStyle.Color = markerColor
		s.GlyphStyle.Radius = vg.Points(4)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
	}

	p.Legend.Top = true
	p.Legend.Left = false

	wt, err := p.WriterTo(size, size, "png")
	if err != nil {
		return fmt.Errorf("png writer: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

func toXYs(pts []geo.Point, extra *geo.Point) plotter.XYs {
	xys := make(plotter.XYs, 0, len(pts)+1)
	for _, pt := range pts {
		xys = append(xys, plotter.XY{X: pt.Lng, Y: pt.Lat})
	}
	if extra != nil {
		xys = append(xys, plotter.XY{X: extra.Lng, Y: extra.Lat})
	}
	return xys
}
