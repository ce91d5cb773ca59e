package scoring

import (
	"errors"
	"image"
	"math"
)

const (
	dynamicRange = 255.0
	k1           = 0.01
	k2           = 0.03

	// WindowSize and WindowStride define the sliding window SSIM is averaged over.
	WindowSize   = 8
	WindowStride = 4
)

var (
	c1 = (k1 * dynamicRange) * (k1 * dynamicRange)
	c2 = (k2 * dynamicRange) * (k2 * dynamicRange)
)

// ErrSizeMismatch is returned when two images do not share dimensions.
var ErrSizeMismatch = errors.New("ssim: image sizes differ")

// ErrEmptyImage is returned when there is nothing to compare.
var ErrEmptyImage = errors.New("ssim: empty image")

// SSIM returns the mean structural similarity of two equally sized grayscale
// images, clamped to [0, 1]. Windows that do not fit in an image smaller than
// WindowSize shrink to the image size.
func SSIM(a, b *image.Gray) (float64, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return 0, ErrSizeMismatch
	}
	w, h := ab.Dx(), ab.Dy()
	if w <= 0 || h <= 0 {
		return 0, ErrEmptyImage
	}

	winW, winH := min(WindowSize, w), min(WindowSize, h)

	var total float64
	var windows int
	for y := 0; y+winH <= h; y += WindowStride {
		for x := 0; x+winW <= w; x += WindowStride {
			total += windowSSIM(a, b, ab.Min.X+x, ab.Min.Y+y, bb.Min.X+x, bb.Min.Y+y, winW, winH)
			windows++
		}
	}
	if windows == 0 {
		return 0, ErrEmptyImage
	}

	score := total / float64(windows)
	if math.IsNaN(score) {
		return 0, errors.New("ssim: non-finite result")
	}
	return math.Max(0, math.Min(1, score)), nil
}

func windowSSIM(a, b *image.Gray, ax, ay, bx, by, w, h int) float64 {
	n := float64(w * h)

	var sumA, sumB float64
	for dy := 0; dy < h; dy++ {
		for dx := 0; dx < w; dx++ {
			sumA += float64(a.GrayAt(ax+dx, ay+dy).Y)
			sumB += float64(b.GrayAt(bx+dx, by+dy).Y)
		}
	}
	meanA, meanB := sumA/n, sumB/n

	var varA, varB, cov float64
	for dy := 0; dy < h; dy++ {
		for dx := 0; dx < w; dx++ {
			da := float64(a.GrayAt(ax+dx, ay+dy).Y) - meanA
			db := float64(b.GrayAt(bx+dx, by+dy).Y) - meanB
			varA += da * da
			varB += db * db
			cov += da * db
		}
	}
	if n > 1 {
		varA /= n - 1
		varB /= n - 1
		cov /= n - 1
	}

	num := (2*(meanA*meanB) + c1) * (2*cov + c2)
	den := (meanA*meanA + meanB*meanB + c1) * (varA + varB + c2)
	return num / den
}
