// Package render draws method results as PNG charts. Each measure gets its
// own panel; when a reference baseline is available it is overlaid in grey
// so the downsampled series can be compared by eye.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"sync"
	"time"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/HatiCode/vizbench/pkg/backend"
	"github.com/HatiCode/vizbench/pkg/orchestrator"
)

const (
	minPanelWidth  = 64
	minPanelHeight = 48
)

var (
	methodStyle = chart.Style{
		StrokeColor: chart.ColorBlue,
		StrokeWidth: 1,
	}
	referenceStyle = chart.Style{
		StrokeColor: drawing.Color{R: 150, G: 150, B: 150, A: 255},
		StrokeWidth: 1,
	}
)

// ReferenceFunc returns the current reference baseline, or nil.
type ReferenceFunc func() map[int]*backend.QueryResult

// LabelFunc returns the display name of an instance.
type LabelFunc func(instanceID string) string

// ChartRenderer implements orchestrator.Renderer and keeps the latest PNG
// of every instance it rendered.
type ChartRenderer struct {
	reference ReferenceFunc
	label     LabelFunc
	logger    *slog.Logger

	mu     sync.RWMutex
	charts map[string][]byte
}

var _ orchestrator.Renderer = (*ChartRenderer)(nil)

// NewChartRenderer creates a renderer. reference and label may be nil.
func NewChartRenderer(reference ReferenceFunc, label LabelFunc, logger *slog.Logger) *ChartRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	if label == nil {
		label = func(id string) string { return id }
	}
	return &ChartRenderer{
		reference: reference,
		label:     label,
		logger:    logger,
		charts:    make(map[string][]byte),
	}
}

// Render draws one panel per measure, stacked top to bottom, and stores the
// result as the instance's latest chart.
func (r *ChartRenderer) Render(instanceID string, res *backend.QueryResult, measures []int, canvas orchestrator.Canvas, tr backend.TimeRange) error {
	if len(measures) == 0 {
		return nil
	}
	width := max(canvas.Width, minPanelWidth)
	panelHeight := max(canvas.Height/len(measures), minPanelHeight)

	var ref map[int]*backend.QueryResult
	if r.reference != nil {
		ref = r.reference()
	}

	out := image.NewRGBA(image.Rect(0, 0, width, panelHeight*len(measures)))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	name := r.label(instanceID)
	for i, id := range measures {
		var refSeries []backend.Point
		if b := ref[id]; b != nil {
			refSeries = b.Series(id)
		}
		panel, err := renderPanel(name, res.Series(id), refSeries, width, panelHeight, tr)
		if err != nil {
			return fmt.Errorf("rendering measure %d of %s: %w", id, instanceID, err)
		}
		if panel == nil {
			continue
		}
		dst := image.Rect(0, i*panelHeight, width, (i+1)*panelHeight)
		draw.Draw(out, dst, panel, panel.Bounds().Min, draw.Over)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return fmt.Errorf("encoding chart for %s: %w", instanceID, err)
	}

	r.mu.Lock()
	r.charts[instanceID] = buf.Bytes()
	r.mu.Unlock()

	r.logger.Debug("chart rendered",
		"instance_id", instanceID,
		"measures", len(measures),
		"bytes", buf.Len(),
	)
	return nil
}

// renderPanel returns nil when neither series has enough points to draw.
func renderPanel(name string, series, reference []backend.Point, width, height int, tr backend.TimeRange) (image.Image, error) {
	var plotted []chart.Series
	if s, ok := continuous("reference", reference, referenceStyle); ok {
		plotted = append(plotted, s)
	}
	if s, ok := continuous(name, series, methodStyle); ok {
		plotted = append(plotted, s)
	}
	if len(plotted) == 0 {
		return nil, nil
	}

	ch := chart.Chart{
		Width:      width,
		Height:     height,
		Background: chart.Style{Padding: chart.Box{Top: 8, Left: 8, Right: 8, Bottom: 8}},
		XAxis: chart.XAxis{
			Range:          &chart.ContinuousRange{Min: float64(tr.From), Max: float64(tr.To)},
			ValueFormatter: formatMillis,
		},
		Series: plotted,
	}
	if len(plotted) > 1 {
		ch.Elements = []chart.Renderable{chart.Legend(&ch)}
	}

	var buf bytes.Buffer
	if err := ch.Render(chart.PNG, &buf); err != nil {
		return nil, err
	}
	return png.Decode(&buf)
}

func continuous(name string, points []backend.Point, style chart.Style) (chart.ContinuousSeries, bool) {
	if len(points) < 2 {
		return chart.ContinuousSeries{}, false
	}
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = float64(p.Timestamp)
		ys[i] = p.Value
	}
	return chart.ContinuousSeries{Name: name, XValues: xs, YValues: ys, Style: style}, true
}

func formatMillis(v interface{}) string {
	f, ok := v.(float64)
	if !ok {
		return ""
	}
	return time.UnixMilli(int64(f)).UTC().Format("15:04:05")
}

// Chart returns the latest PNG for an instance.
func (r *ChartRenderer) Chart(instanceID string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.charts[instanceID]
	return b, ok
}

// Forget drops the stored chart of an instance.
func (r *ChartRenderer) Forget(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.charts, instanceID)
}

// Reset drops every stored chart.
func (r *ChartRenderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charts = make(map[string][]byte)
}
