package scoring

import (
	"image"
	"image/draw"
	"math"

	"golang.org/x/image/vector"
)

// strokeHalfWidth draws 1px lines.
const strokeHalfWidth = 0.5

// Rasterize strokes path onto a width×height grayscale canvas: white
// background, black anti-aliased 1px line.
func Rasterize(path Path, width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	if width <= 0 || height <= 0 || len(path) == 0 {
		return img
	}

	coverage := image.NewAlpha(img.Bounds())
	r := vector.NewRasterizer(width, height)
	r.DrawOp = draw.Src

	pts := clampPath(path, width, height)
	if len(pts) == 1 {
		addDot(r, pts[0])
	}
	for i := 1; i < len(pts); i++ {
		addSegment(r, pts[i-1], pts[i])
	}
	r.Draw(coverage, coverage.Bounds(), image.Opaque, image.Point{})

	for i, a := range coverage.Pix {
		img.Pix[i] = 0xff - a
	}
	return img
}

// addSegment adds the outline of a stroked segment as a quad. All quads share
// the same winding so overlapping strokes saturate instead of cancelling.
func addSegment(r *vector.Rasterizer, a, b Vec) {
	dx, dy := b.X-a.X, b.Y-a.Y
	l := math.Hypot(dx, dy)
	if l == 0 {
		addDot(r, a)
		return
	}
	nx, ny := -dy/l*strokeHalfWidth, dx/l*strokeHalfWidth

	r.MoveTo(f32(a.X+nx), f32(a.Y+ny))
	r.LineTo(f32(b.X+nx), f32(b.Y+ny))
	r.LineTo(f32(b.X-nx), f32(b.Y-ny))
	r.LineTo(f32(a.X-nx), f32(a.Y-ny))
	r.ClosePath()
}

func addDot(r *vector.Rasterizer, p Vec) {
	h := strokeHalfWidth
	r.MoveTo(f32(p.X-h), f32(p.Y-h))
	r.LineTo(f32(p.X+h), f32(p.Y-h))
	r.LineTo(f32(p.X+h), f32(p.Y+h))
	r.LineTo(f32(p.X-h), f32(p.Y+h))
	r.ClosePath()
}

func f32(v float64) float32 { return float32(v) }

// clampPath keeps every stroke inside the canvas.
func clampPath(path Path, width, height int) Path {
	maxX := float64(width) - strokeHalfWidth
	maxY := float64(height) - strokeHalfWidth
	out := make(Path, len(path))
	for i, p := range path {
		out[i] = Vec{
			X: math.Min(math.Max(p.X, strokeHalfWidth), maxX),
			Y: math.Min(math.Max(p.Y, strokeHalfWidth), maxY),
		}
	}
	return out
}

// Crop returns the plot area of a full-canvas image as a fresh image whose
// bounds start at the origin.
func Crop(img *image.Gray, m Margins) *image.Gray {
	b := img.Bounds()
	rect := image.Rect(b.Min.X+m.Left, b.Min.Y+m.Top, b.Max.X-m.Right, b.Max.Y-m.Bottom)
	if rect.Empty() {
		return image.NewGray(image.Rectangle{})
	}
	out := image.NewGray(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	return out
}
