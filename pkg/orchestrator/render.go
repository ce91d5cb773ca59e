package orchestrator

import (
	"github.com/HatiCode/vizbench/pkg/backend"
	"github.com/HatiCode/vizbench/pkg/scoring"
)

// RasterRenderer draws every measure of a result onto an in-memory canvas
// with the same projection and rasterizer the scorer uses.
type RasterRenderer struct {
	Margins scoring.Margins
}

func (r RasterRenderer) Render(_ string, res *backend.QueryResult, measures []int, c Canvas, tr backend.TimeRange) error {
	if len(measures) == 0 {
		return nil
	}
	h := c.Height / len(measures)
	for _, id := range measures {
		path := scoring.PathFor(res.Series(id), c.Width, h, tr, r.Margins)
		scoring.Rasterize(path, c.Width, h)
	}
	return nil
}
