// Package scoring renders time series into screen-space polylines and
// measures the visual similarity of two renderings with SSIM.
package scoring

import (
	"math"

	"github.com/HatiCode/vizbench/pkg/backend"
)

// Margins are the chart insets in pixels. The plot area is the canvas minus
// the margins.
type Margins struct {
	Top, Right, Bottom, Left int
}

// DefaultMargins leave room for the value axis on the left and the time axis
// below the plot.
var DefaultMargins = Margins{Top: 20, Right: 0, Bottom: 20, Left: 40}

// PlotArea returns the width and height left once the margins are removed.
func (m Margins) PlotArea(width, height int) (int, int) {
	return width - m.Left - m.Right, height - m.Top - m.Bottom
}

// Vec is a point in screen space; y grows downwards.
type Vec struct {
	X, Y float64
}

// Path is a polyline in screen space.
type Path []Vec

// Extent is a closed numeric interval.
type Extent struct {
	Min, Max float64
}

// Union returns the smallest extent covering e and o.
func (e Extent) Union(o Extent) Extent {
	return Extent{Min: math.Min(e.Min, o.Min), Max: math.Max(e.Max, o.Max)}
}

// TimeExtent returns the first and last timestamps of a series.
func TimeExtent(series []backend.Point) (Extent, bool) {
	if len(series) == 0 {
		return Extent{}, false
	}
	e := Extent{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, p := range series {
		t := float64(p.Timestamp)
		e.Min = math.Min(e.Min, t)
		e.Max = math.Max(e.Max, t)
	}
	return e, true
}

// ValueExtent returns the minimum and maximum value of a series. Non-finite
// values make the extent invalid.
func ValueExtent(series []backend.Point) (Extent, bool) {
	if len(series) == 0 {
		return Extent{}, false
	}
	e := Extent{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, p := range series {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return Extent{}, false
		}
		e.Min = math.Min(e.Min, p.Value)
		e.Max = math.Max(e.Max, p.Value)
	}
	return e, true
}

// linear maps a domain onto a range. A degenerate domain maps to the middle
// of the range.
type linear struct {
	d0, d1, r0, r1 float64
}

func (s linear) apply(v float64) float64 {
	if s.d1 == s.d0 {
		return (s.r0 + s.r1) / 2
	}
	return s.r0 + (v-s.d0)/(s.d1-s.d0)*(s.r1-s.r0)
}

// Project maps a series into screen space. x maps xDomain onto
// [xRange.Min, xRange.Max]; y maps yDomain onto [yRange.Max, yRange.Min] so
// larger values are drawn higher.
func Project(series []backend.Point, xDomain, yDomain, xRange, yRange Extent) Path {
	x := linear{d0: xDomain.Min, d1: xDomain.Max, r0: xRange.Min, r1: xRange.Max}
	y := linear{d0: yDomain.Min, d1: yDomain.Max, r0: yRange.Max, r1: yRange.Min}

	path := make(Path, len(series))
	for i, p := range series {
		path[i] = Vec{X: x.apply(float64(p.Timestamp)), Y: y.apply(p.Value)}
	}
	return path
}

// PathFor renders a series the way a chart does: time spans the query's time
// range from one pixel right of the value axis to the right edge, and values
// span the series' own extent from one pixel above the time axis to the top
// margin. Coordinates are floored to whole pixels.
func PathFor(series []backend.Point, width, height int, tr backend.TimeRange, m Margins) Path {
	if len(series) == 0 {
		return nil
	}
	ye, ok := ValueExtent(series)
	if !ok {
		return nil
	}

	xRange := Extent{Min: float64(m.Left + 1), Max: math.Floor(float64(width - m.Right))}
	yRange := Extent{Min: float64(m.Top), Max: math.Floor(float64(height-m.Bottom)) - 1}
	xDomain := Extent{Min: float64(tr.From), Max: float64(tr.To)}

	path := Project(series, xDomain, ye, xRange, yRange)
	for i := range path {
		path[i].X = math.Floor(path[i].X)
		path[i].Y = math.Floor(path[i].Y)
	}
	return path
}
