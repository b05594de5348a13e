// Package source decodes the user's chosen image file and tracks the size it is
// displayed at, which together define the scale used to map a crop back to pixels.
package source

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/photo-cropper/pkg/region"
	"github.com/menta2k/photo-cropper/pkg/types"
)

var (
	ErrEmptyImage     = errors.New("image has no pixels")
	ErrUnknownImage   = errors.New("image: unknown or unsupported format")
	ErrReleased       = errors.New("image source released")
	ErrInvalidDisplay = errors.New("invalid display dimensions")
)

// DefaultMaxDisplay bounds the display rendition on both axes
const DefaultMaxDisplay = 500

// Options controls how a source is presented
type Options struct {
	// MaxDisplay bounds the display dimensions; a zero side is unbounded
	MaxDisplay region.Dimensions
}

// DefaultOptions returns a 500x500 display bound
func DefaultOptions() Options {
	return Options{
		MaxDisplay: region.Dimensions{Width: DefaultMaxDisplay, Height: DefaultMaxDisplay},
	}
}

// Source is a decoded image plus its current display dimensions. The encoded bytes of
// the selected file are not retained. Safe for concurrent use.
type Source struct {
	mu       sync.RWMutex
	name     string
	mimeType string
	size     int64
	img      image.Image
	natural  region.Dimensions
	display  region.Dimensions
	max      region.Dimensions
	released bool
}

// Decode decodes f and fits its display rendition into opts.MaxDisplay. When f carries
// no MIME type it is sniffed from the content.
func Decode(f *types.File, opts Options) (*Source, error) {
	if f == nil || len(f.Data) == 0 {
		return nil, ErrEmptyImage
	}

	img, err := decodeBytes(f.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", f.Name, err)
	}

	natural := region.FromRect(img.Bounds())
	if natural.Empty() {
		return nil, ErrEmptyImage
	}

	mimeType := f.MimeType
	if mimeType == "" {
		mimeType = mimetype.Detect(f.Data).String()
	}

	return &Source{
		name:     f.Name,
		mimeType: mimeType,
		size:     f.Size(),
		img:      img,
		natural:  natural,
		display:  natural.Fit(opts.MaxDisplay),
		max:      opts.MaxDisplay,
	}, nil
}

// decodeBytes decodes through the registered decoders with EXIF orientation applied,
// falling back to an explicit WebP decode
func decodeBytes(data []byte) (image.Image, error) {
	if img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, ErrUnknownImage
}

// Name returns the original file name
func (s *Source) Name() string {
	return s.name
}

// MimeType returns the original (or sniffed) MIME type
func (s *Source) MimeType() string {
	return s.mimeType
}

// Image returns the decoded pixels
func (s *Source) Image() (image.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return nil, ErrReleased
	}
	return s.img, nil
}

// Natural returns the intrinsic pixel dimensions
func (s *Source) Natural() region.Dimensions {
	return s.natural
}

// Display returns the current on-screen dimensions
func (s *Source) Display() region.Dimensions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.display
}

// SetDisplay records new display dimensions after a layout change. The value is fitted
// into the configured maximum.
func (s *Source) SetDisplay(d region.Dimensions) error {
	if d.Empty() {
		return fmt.Errorf("%w: %s", ErrInvalidDisplay, d)
	}
	s.mu.Lock()
	s.display = d.Fit(s.max)
	s.mu.Unlock()
	return nil
}

// Scale returns natural/display ratios for the current display dimensions
func (s *Source) Scale() region.ScaleFactors {
	return region.NewScaleFactors(s.natural, s.Display())
}

// Preview renders the image at its display dimensions
func (s *Source) Preview() (image.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return nil, ErrReleased
	}

	dst := image.NewNRGBA(image.Rect(0, 0, s.display.Width, s.display.Height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), s.img, s.img.Bounds(), draw.Src, nil)
	return dst, nil
}

// Release drops the decoded pixels; later Image and Preview calls fail
func (s *Source) Release() {
	s.mu.Lock()
	s.img = nil
	s.released = true
	s.mu.Unlock()
}

// Released reports whether Release was called
func (s *Source) Released() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}

// Info describes a decoded source
type Info struct {
	Name        string            `json:"name"`
	MimeType    string            `json:"mime_type"`
	Natural     region.Dimensions `json:"natural"`
	Display     region.Dimensions `json:"display"`
	AspectRatio float64           `json:"aspect_ratio"`
	Size        int64             `json:"size"`
}

// Info returns basic metadata about the source
func (s *Source) Info() Info {
	return Info{
		Name:        s.name,
		MimeType:    s.mimeType,
		Natural:     s.natural,
		Display:     s.Display(),
		AspectRatio: float64(s.natural.Width) / float64(s.natural.Height),
		Size:        s.size,
	}
}

// Validate checks that the image meets the minimum size on both axes
func (s *Source) Validate(minSize int) error {
	if s.natural.Width < minSize || s.natural.Height < minSize {
		return fmt.Errorf("image too small: %s (minimum: %d)", s.natural, minSize)
	}
	return nil
}
