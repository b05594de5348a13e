// Package extraction copies a natural-pixel crop out of a decoded image onto an
// off-screen surface and encodes it back into a file of the original type.
package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"golang.org/x/image/draw"

	"github.com/menta2k/photo-cropper/pkg/job"
	"github.com/menta2k/photo-cropper/pkg/region"
	"github.com/menta2k/photo-cropper/pkg/types"
)

var (
	ErrMissingRenderSurface = errors.New("no render surface available")
	ErrEncodeFailure        = errors.New("encoder produced no output")
	ErrEmptyRegion          = errors.New("crop region is empty")
)

// DefaultQuality is the fixed lossy encoding quality
const DefaultQuality = 80

// SurfaceAllocator returns a drawable surface of the requested size, or nil when none
// can be provided
type SurfaceAllocator func(width, height int) draw.Image

// NewNRGBASurface allocates an in-memory NRGBA surface
func NewNRGBASurface(width, height int) draw.Image {
	return image.NewNRGBA(image.Rect(0, 0, width, height))
}

// StageFunc is told when the pipeline enters a new stage
type StageFunc func(job.State)

// Request describes one extraction
type Request struct {
	Image image.Image
	// Region is in natural pixels
	Region   region.Region
	Name     string
	MimeType string
	// Quality defaults to DefaultQuality when zero
	Quality int
}

// Config holds pipeline collaborators
type Config struct {
	Allocator SurfaceAllocator
	Encoders  map[string]Encoder
	Now       func() time.Time
}

// Pipeline performs extractions. It holds no per-job state and may be shared.
type Pipeline struct {
	config Config
}

// New creates a pipeline with an NRGBA allocator and the default encoders
func New() *Pipeline {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a pipeline; zero fields take their defaults
func NewWithConfig(config Config) *Pipeline {
	if config.Allocator == nil {
		config.Allocator = NewNRGBASurface
	}
	if config.Encoders == nil {
		config.Encoders = DefaultEncoders()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Pipeline{config: config}
}

// Supports reports whether an encoder is registered for the MIME type
func (p *Pipeline) Supports(mimeType string) bool {
	_, ok := p.config.Encoders[NormalizeMimeType(mimeType)]
	return ok
}

// Extract blits req.Region 1:1 onto a fresh surface and encodes it. The context is
// checked before the blit and again between the blit and the encode.
func (p *Pipeline) Extract(ctx context.Context, req Request, stage StageFunc) (*types.File, error) {
	if stage == nil {
		stage = func(job.State) {}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := req.Image.Bounds()
	rect := req.Region.PixelRect(region.FromRect(bounds))
	if rect.Empty() {
		return nil, fmt.Errorf("%w: %v", ErrEmptyRegion, req.Region)
	}

	stage(job.Extracting)
	surface := p.config.Allocator(rect.Dx(), rect.Dy())
	if surface == nil {
		return nil, ErrMissingRenderSurface
	}
	draw.Draw(surface, surface.Bounds(), req.Image, rect.Min.Add(bounds.Min), draw.Src)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stage(job.Encoding)
	data, err := p.encode(surface, req.MimeType, req.Quality)
	if err != nil {
		return nil, err
	}

	return &types.File{
		Name:         req.Name,
		MimeType:     req.MimeType,
		Data:         data,
		LastModified: p.config.Now(),
	}, nil
}

func (p *Pipeline) encode(img image.Image, mimeType string, quality int) ([]byte, error) {
	enc, ok := p.config.Encoders[NormalizeMimeType(mimeType)]
	if !ok {
		return nil, fmt.Errorf("%w: no encoder for %q", ErrEncodeFailure, mimeType)
	}
	if quality <= 0 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	if err := enc(&buf, img, quality); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailure, err)
	}
	if buf.Len() == 0 {
		return nil, ErrEncodeFailure
	}
	return buf.Bytes(), nil
}
