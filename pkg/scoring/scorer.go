package scoring

import (
	"fmt"

	"github.com/HatiCode/vizbench/pkg/backend"
)

// ScaleMode decides how the two series of a comparison are fitted to the canvas.
type ScaleMode string

const (
	// ScaleIndependent fits each series to its own time and value extents,
	// so only the shape is compared.
	ScaleIndependent ScaleMode = "independent"
	// ScaleShared fits both series to the union of their extents, so offsets
	// and range differences lower the score too.
	ScaleShared ScaleMode = "shared"
)

// ParseScaleMode validates a mode name. The empty string selects ScaleIndependent.
func ParseScaleMode(s string) (ScaleMode, error) {
	switch ScaleMode(s) {
	case "", ScaleIndependent:
		return ScaleIndependent, nil
	case ScaleShared:
		return ScaleShared, nil
	default:
		return "", fmt.Errorf("unknown scale mode %q (must be independent or shared)", s)
	}
}

// Scores maps instance id → measure index → SSIM. A missing entry means the
// score is unavailable.
type Scores map[string]map[int]float64

// Get returns the score for an instance and measure index.
func (s Scores) Get(instanceID string, measureIndex int) (float64, bool) {
	v, ok := s[instanceID][measureIndex]
	return v, ok
}

// Scorer compares a method's rendering with the reference rendering.
type Scorer struct {
	Margins Margins
	Mode    ScaleMode
}

// NewScorer returns a scorer with DefaultMargins.
func NewScorer(mode ScaleMode) *Scorer {
	if mode == "" {
		mode = ScaleIndependent
	}
	return &Scorer{Margins: DefaultMargins, Mode: mode}
}

// Score rasterizes both series onto a width×height canvas and returns the
// SSIM of their plot areas. It reports false when either series has fewer
// than two points, holds non-finite values, or the plot area is empty.
//
// Score does not go through PathFor. Both series are projected over the
// full plot area [Left, width-Right] without pixel flooring, and the time
// domain is each series' own extent rather than the query range. This
// differs from the chart path on purpose: the comparison only needs both
// sides drawn the same way, and unfloored coordinates keep sub-pixel detail
// for the anti-aliased stroke.
func (s *Scorer) Score(method, reference []backend.Point, width, height int) (float64, bool) {
	if len(method) < 2 || len(reference) < 2 {
		return 0, false
	}
	pw, ph := s.Margins.PlotArea(width, height)
	if pw <= 0 || ph <= 0 {
		return 0, false
	}

	mt, ok1 := TimeExtent(method)
	mv, ok2 := ValueExtent(method)
	rt, ok3 := TimeExtent(reference)
	rv, ok4 := ValueExtent(reference)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return 0, false
	}
	if s.Mode == ScaleShared {
		mt = mt.Union(rt)
		rt = mt
		mv = mv.Union(rv)
		rv = mv
	}

	xRange := Extent{Min: float64(s.Margins.Left), Max: float64(width - s.Margins.Right)}
	yRange := Extent{Min: float64(s.Margins.Top), Max: float64(height - s.Margins.Bottom)}

	a := Crop(Rasterize(Project(method, mt, mv, xRange, yRange), width, height), s.Margins)
	b := Crop(Rasterize(Project(reference, rt, rv, xRange, yRange), width, height), s.Margins)

	score, err := SSIM(a, b)
	if err != nil {
		return 0, false
	}
	return score, true
}

// Input is everything ScoreAll needs for one pass.
type Input struct {
	// Instances in selection order.
	Instances []string
	// Skip is the reference instance, never scored against itself.
	Skip     string
	Results  map[string]*backend.QueryResult
	Baseline map[int]*backend.QueryResult
	// Measures are measure ids in display order; scores are keyed by index.
	Measures []int
	Width    int
	Height   int
}

// ScoreAll scores every (instance, measure) pair that has both a result and a
// baseline. An unavailable pair is simply absent and never blocks the others.
func (s *Scorer) ScoreAll(in Input) Scores {
	out := make(Scores)
	for _, id := range in.Instances {
		if id == in.Skip {
			continue
		}
		res := in.Results[id]
		if res == nil {
			continue
		}
		for idx, measureID := range in.Measures {
			ref := in.Baseline[measureID]
			if ref == nil {
				continue
			}
			v, ok := s.Score(res.Series(measureID), ref.Series(measureID), in.Width, in.Height)
			if !ok {
				continue
			}
			if out[id] == nil {
				out[id] = make(map[int]float64)
			}
			out[id][idx] = v
		}
	}
	return out
}
