// Package region describes crop rectangles in the three coordinate spaces a crop
// passes through (relative, display pixels, natural pixels) and maps between them.
package region

import (
	"fmt"
	"image"
	"math"
)

// Unit identifies the coordinate space of a Region
type Unit int

const (
	// Relative units are percentages (0-100) of the display dimensions
	Relative Unit = iota
	// DisplayPixel units are absolute pixels of the on-screen rendition
	DisplayPixel
	// NaturalPixel units are absolute pixels of the original image
	NaturalPixel
)

func (u Unit) String() string {
	switch u {
	case Relative:
		return "relative"
	case DisplayPixel:
		return "display"
	case NaturalPixel:
		return "natural"
	default:
		return fmt.Sprintf("unit(%d)", int(u))
	}
}

// ParseUnit parses the names produced by Unit.String
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "relative", "%":
		return Relative, nil
	case "display", "px":
		return DisplayPixel, nil
	case "natural":
		return NaturalPixel, nil
	default:
		return 0, fmt.Errorf("unknown region unit %q", s)
	}
}

func (u Unit) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *Unit) UnmarshalText(text []byte) error {
	v, err := ParseUnit(string(text))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// Region is a crop rectangle in some coordinate space
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Unit   Unit    `json:"unit"`
}

func (r Region) String() string {
	return fmt.Sprintf("region(%s x=%.2f,y=%.2f,w=%.2f,h=%.2f)", r.Unit, r.X, r.Y, r.Width, r.Height)
}

// Empty reports whether the region has no area
func (r Region) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// AspectRatio returns width divided by height
func (r Region) AspectRatio() float64 {
	if r.Height == 0 {
		return 0
	}
	return r.Width / r.Height
}

// Right returns the x coordinate of the right edge
func (r Region) Right() float64 {
	return r.X + r.Width
}

// Bottom returns the y coordinate of the bottom edge
func (r Region) Bottom() float64 {
	return r.Y + r.Height
}

// Normalize flips negative extents produced by dragging up or left
func (r Region) Normalize() Region {
	if r.Width < 0 {
		r.X += r.Width
		r.Width = -r.Width
	}
	if r.Height < 0 {
		r.Y += r.Height
		r.Height = -r.Height
	}
	return r
}

// Within reports whether the region lies inside [0,w] x [0,h] with the given tolerance
func (r Region) Within(bounds Dimensions, eps float64) bool {
	return r.X >= -eps && r.Y >= -eps &&
		r.Right() <= float64(bounds.Width)+eps &&
		r.Bottom() <= float64(bounds.Height)+eps
}

// ToDisplay converts a relative region to display pixels. Display regions are returned
// unchanged; natural regions are not convertible without a scale and are returned as is.
func (r Region) ToDisplay(display Dimensions) Region {
	if r.Unit != Relative {
		return r
	}
	return Region{
		X:      r.X * float64(display.Width) / 100,
		Y:      r.Y * float64(display.Height) / 100,
		Width:  r.Width * float64(display.Width) / 100,
		Height: r.Height * float64(display.Height) / 100,
		Unit:   DisplayPixel,
	}
}

// ToRelative converts a display-pixel region to percentages of the display
func (r Region) ToRelative(display Dimensions) Region {
	if r.Unit != DisplayPixel || display.Empty() {
		return r
	}
	return Region{
		X:      r.X * 100 / float64(display.Width),
		Y:      r.Y * 100 / float64(display.Height),
		Width:  r.Width * 100 / float64(display.Width),
		Height: r.Height * 100 / float64(display.Height),
		Unit:   Relative,
	}
}

// PixelRect rounds the region to an integer rectangle inside bounds. Width and height are
// rounded independently of the origin so that the extracted size matches the rounded
// natural size; the origin is shifted back when rounding pushes the far edge out.
func (r Region) PixelRect(bounds Dimensions) image.Rectangle {
	w := clampInt(int(math.Round(r.Width)), 0, bounds.Width)
	h := clampInt(int(math.Round(r.Height)), 0, bounds.Height)
	x := clampInt(int(math.Round(r.X)), 0, bounds.Width-w)
	y := clampInt(int(math.Round(r.Y)), 0, bounds.Height-h)
	return image.Rect(x, y, x+w, y+h)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Dimensions is a width/height pair in pixels
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FromRect returns the dimensions of an image rectangle
func FromRect(r image.Rectangle) Dimensions {
	return Dimensions{Width: r.Dx(), Height: r.Dy()}
}

// Empty reports whether either dimension is zero or negative
func (d Dimensions) Empty() bool {
	return d.Width <= 0 || d.Height <= 0
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Fit scales d down to fit inside max while preserving its aspect ratio.
// Dimensions already inside max are returned unchanged; a zero max side is unbounded.
func (d Dimensions) Fit(max Dimensions) Dimensions {
	if d.Empty() {
		return d
	}
	scale := 1.0
	if max.Width > 0 && d.Width > max.Width {
		scale = math.Min(scale, float64(max.Width)/float64(d.Width))
	}
	if max.Height > 0 && d.Height > max.Height {
		scale = math.Min(scale, float64(max.Height)/float64(d.Height))
	}
	if scale == 1 {
		return d
	}
	w := int(math.Round(float64(d.Width) * scale))
	h := int(math.Round(float64(d.Height) * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return Dimensions{Width: w, Height: h}
}
