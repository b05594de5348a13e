package suggest

import (
	"context"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/photo-cropper/pkg/region"
)

// SaliencyConfig tunes the local saliency search
type SaliencyConfig struct {
	EdgeWeight     float64
	ContrastWeight float64
	// AnalysisDim is the longer side of the downscaled copy that is scored
	AnalysisDim int
	// Aspect of the searched window, width/height; zero means square
	Aspect float64
	// Coverage is the window size relative to the largest window that fits
	Coverage float64
}

// SaliencySuggester picks the window with the most edge and contrast energy
type SaliencySuggester struct {
	config SaliencyConfig
}

// NewSaliency creates a suggester with default weights and a square window
func NewSaliency() *SaliencySuggester {
	return &SaliencySuggester{
		config: SaliencyConfig{
			EdgeWeight:     0.7,
			ContrastWeight: 0.3,
			AnalysisDim:    128,
			Aspect:         1,
			Coverage:       0.8,
		},
	}
}

// NewSaliencyWithConfig creates a suggester with custom configuration
func NewSaliencyWithConfig(config SaliencyConfig) *SaliencySuggester {
	return &SaliencySuggester{config: config}
}

// Suggest scores every window position on a downscaled copy and returns the best one.
// Flat images with no saliency report ErrNoSubject.
func (s *SaliencySuggester) Suggest(ctx context.Context, img image.Image) (region.Region, error) {
	dim := s.config.AnalysisDim
	if dim <= 0 {
		dim = 128
	}
	small := imaging.Fit(img, dim, dim, imaging.Box)
	w, h := small.Bounds().Dx(), small.Bounds().Dy()
	if w < 3 || h < 3 {
		return region.Region{}, ErrNoSubject
	}

	sal := s.saliencyMap(small)
	integral, total := integrate(sal, w, h)
	if total <= 0 {
		return region.Region{}, ErrNoSubject
	}

	aspect := s.config.Aspect
	if aspect <= 0 {
		aspect = 1
	}
	coverage := clamp(s.config.Coverage, 0.05, 1)
	ww := math.Min(float64(w), float64(h)*aspect) * coverage
	wh := ww / aspect
	winW := max(1, int(math.Round(ww)))
	winH := max(1, int(math.Round(wh)))

	sum := func(x, y int) float64 {
		stride := w + 1
		return integral[(y+winH)*stride+x+winW] - integral[y*stride+x+winW] -
			integral[(y+winH)*stride+x] + integral[y*stride+x]
	}

	// start from the centered window so that ties keep the crop centered
	bestX, bestY := (w-winW)/2, (h-winH)/2
	best := sum(bestX, bestY)
	step := max(1, min(winW, winH)/16)
	for y := 0; y <= h-winH; y += step {
		if err := ctx.Err(); err != nil {
			return region.Region{}, err
		}
		for x := 0; x <= w-winW; x += step {
			if v := sum(x, y); v > best {
				best, bestX, bestY = v, x, y
			}
		}
	}

	return region.Region{
		X:      float64(bestX) * 100 / float64(w),
		Y:      float64(bestY) * 100 / float64(h),
		Width:  float64(winW) * 100 / float64(w),
		Height: float64(winH) * 100 / float64(h),
		Unit:   region.Relative,
	}, nil
}

// saliencyMap combines the mean absolute luminance difference to the 8 neighbours
// with the distance from the mean luminance
func (s *SaliencySuggester) saliencyMap(img *image.NRGBA) []float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	lum := make([]float64, w*h)
	var mean float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*img.Stride + x*4
			l := (0.299*float64(img.Pix[i]) + 0.587*float64(img.Pix[i+1]) + 0.114*float64(img.Pix[i+2])) / 255
			lum[y*w+x] = l
			mean += l
		}
	}
	mean /= float64(w * h)

	sal := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := lum[y*w+x]
			var edge float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					edge += math.Abs(c - lum[(y+dy)*w+x+dx])
				}
			}
			edge /= 8
			sal[y*w+x] = s.config.EdgeWeight*edge + s.config.ContrastWeight*math.Abs(c-mean)
		}
	}
	return sal
}

// integrate builds a summed-area table with a zero first row and column
func integrate(values []float64, w, h int) ([]float64, float64) {
	stride := w + 1
	out := make([]float64, stride*(h+1))
	for y := 0; y < h; y++ {
		var row float64
		for x := 0; x < w; x++ {
			row += values[y*w+x]
			out[(y+1)*stride+x+1] = out[y*stride+x+1] + row
		}
	}
	return out, out[h*stride+w]
}
