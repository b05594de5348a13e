// Package selection holds the interactive crop rectangle while the user drags it and
// keeps it within the image, above the minimum size and on the aspect ratio at all times.
package selection

import (
	"errors"
	"fmt"
	"math"

	"github.com/menta2k/photo-cropper/pkg/region"
)

var (
	ErrNotInitialized = errors.New("selection not initialized")
	ErrEmptyDisplay   = errors.New("display dimensions are empty")
)

// DefaultMinSize is the minimum crop width and height in natural pixels
const DefaultMinSize = 100

// tolerance used when checking float geometry against bounds and ratios
const tol = 1e-6

// DefaultRegion covers 90% of the display with a 5% margin on every side
var DefaultRegion = region.Region{X: 5, Y: 5, Width: 90, Height: 90, Unit: region.Relative}

// Constraints restrict the shapes a selection may take
type Constraints struct {
	// Aspect is width/height; zero leaves the ratio free
	Aspect float64 `json:"aspect"`
	// MinWidth and MinHeight are in natural pixels
	MinWidth  float64 `json:"min_width"`
	MinHeight float64 `json:"min_height"`
}

// DefaultConstraints returns a square aspect with the default minimum size
func DefaultConstraints() Constraints {
	return Constraints{
		Aspect:    1,
		MinWidth:  DefaultMinSize,
		MinHeight: DefaultMinSize,
	}
}

// Validate checks that the constraints are usable
func (c Constraints) Validate() error {
	if c.Aspect < 0 || math.IsNaN(c.Aspect) || math.IsInf(c.Aspect, 0) {
		return fmt.Errorf("aspect must be a positive finite ratio or zero, got %v", c.Aspect)
	}
	if c.MinWidth < 0 || c.MinHeight < 0 {
		return fmt.Errorf("minimum size must not be negative, got %vx%v", c.MinWidth, c.MinHeight)
	}
	return nil
}

// Defaults seeds Initialize. A zero Region selects DefaultRegion.
type Defaults struct {
	Region region.Region
}

// Anchor names the point of the rectangle that stays fixed during a gesture
type Anchor int

const (
	// AnchorNone moves the whole rectangle; it is translated back inside the display
	AnchorNone Anchor = iota
	AnchorTopLeft
	AnchorTopRight
	AnchorBottomLeft
	AnchorBottomRight
	AnchorCenter
)

var anchorNames = map[Anchor]string{
	AnchorNone:        "none",
	AnchorTopLeft:     "top-left",
	AnchorTopRight:    "top-right",
	AnchorBottomLeft:  "bottom-left",
	AnchorBottomRight: "bottom-right",
	AnchorCenter:      "center",
}

func (a Anchor) String() string {
	if name, ok := anchorNames[a]; ok {
		return name
	}
	return fmt.Sprintf("anchor(%d)", int(a))
}

// ParseAnchor parses the names produced by Anchor.String; empty means AnchorNone
func ParseAnchor(s string) (Anchor, error) {
	if s == "" {
		return AnchorNone, nil
	}
	for a, name := range anchorNames {
		if name == s {
			return a, nil
		}
	}
	return AnchorNone, fmt.Errorf("unknown anchor %q", s)
}

// State is the live crop selection for one displayed image. It is not safe for
// concurrent use; the owning session serializes access.
type State struct {
	constraints Constraints
	natural     region.Dimensions
	display     region.Dimensions

	// both kept in relative units so a reflow of the display does not move them
	current   region.Region
	committed region.Region

	initialized bool
	hasCommit   bool
}

// New creates an uninitialized selection with the given constraints
func New(constraints Constraints) *State {
	return &State{constraints: constraints}
}

// Constraints returns the active constraint set
func (s *State) Constraints() Constraints {
	return s.constraints
}

// Initialize sets the starting rectangle for an image of the given natural size shown at
// the given display size. The seed region is normalized to the constraints; when it
// cannot be, the largest centered rectangle that satisfies them is used instead.
func (s *State) Initialize(natural, display region.Dimensions, defaults Defaults) error {
	if display.Empty() || natural.Empty() {
		return ErrEmptyDisplay
	}
	s.natural = natural
	s.display = display
	s.current = region.Region{}
	s.committed = region.Region{}
	s.hasCommit = false

	seed := defaults.Region
	if seed.Empty() {
		seed = DefaultRegion
	}
	c := s.toDisplay(seed).Normalize()

	if a := s.constraints.Aspect; a > 0 && !c.Empty() {
		if c.Width/c.Height > a {
			w := c.Height * a
			c.X += (c.Width - w) / 2
			c.Width = w
		} else {
			h := c.Width / a
			c.Y += (c.Height - h) / 2
			c.Height = h
		}
	}

	next, ok := s.constrain(c, AnchorNone)
	if !ok {
		full := region.Region{Width: float64(display.Width), Height: float64(display.Height), Unit: region.DisplayPixel}
		next, ok = s.constrain(full, AnchorCenter)
		if !ok {
			return fmt.Errorf("no region satisfies constraints on %s display", display)
		}
	}

	s.current = next.ToRelative(display)
	s.initialized = true
	return nil
}

// Update applies a candidate rectangle from a drag or resize gesture. The candidate may be
// relative or display-pixel; it is clamped, grown to the minimum and, with an aspect
// constraint, one dimension is recomputed while the anchor stays put. When no rectangle
// satisfying the constraints fits, the update is dropped and false is returned.
func (s *State) Update(candidate region.Region, anchor Anchor) bool {
	if !s.initialized {
		return false
	}
	next, ok := s.constrain(s.toDisplay(candidate).Normalize(), anchor)
	if !ok {
		return false
	}
	s.current = next.ToRelative(s.display)
	return true
}

// Commit freezes the current rectangle as the one to extract and returns it in display pixels
func (s *State) Commit() (region.Region, error) {
	if !s.initialized {
		return region.Region{}, ErrNotInitialized
	}
	s.committed = s.current
	s.hasCommit = true
	return s.committed.ToDisplay(s.display), nil
}

// Committed returns the committed rectangle resolved against the current display size
func (s *State) Committed() (region.Region, bool) {
	if !s.hasCommit {
		return region.Region{}, false
	}
	return s.committed.ToDisplay(s.display), true
}

// Current returns the live rectangle in relative units
func (s *State) Current() region.Region {
	return s.current
}

// CurrentPixels returns the live rectangle in display pixels
func (s *State) CurrentPixels() region.Region {
	return s.current.ToDisplay(s.display)
}

// Natural returns the natural image dimensions
func (s *State) Natural() region.Dimensions {
	return s.natural
}

// Display returns the display dimensions the selection is measured against
func (s *State) Display() region.Dimensions {
	return s.display
}

// Resize records a new display size after the presentation reflowed. Relative geometry
// is kept; rectangles that no longer satisfy the constraints are re-fitted.
func (s *State) Resize(display region.Dimensions) error {
	if display.Empty() {
		return ErrEmptyDisplay
	}
	s.display = display
	if !s.initialized {
		return nil
	}
	if next, ok := s.constrain(s.current.ToDisplay(display), AnchorNone); ok {
		s.current = next.ToRelative(display)
	}
	if s.hasCommit {
		if next, ok := s.constrain(s.committed.ToDisplay(display), AnchorNone); ok {
			s.committed = next.ToRelative(display)
		}
	}
	return nil
}

func (s *State) toDisplay(r region.Region) region.Region {
	switch r.Unit {
	case region.Relative:
		return r.ToDisplay(s.display)
	case region.NaturalPixel:
		scale := region.NewScaleFactors(s.natural, s.display)
		return region.Region{
			X:      r.X / scale.X,
			Y:      r.Y / scale.Y,
			Width:  r.Width / scale.X,
			Height: r.Height / scale.Y,
			Unit:   region.DisplayPixel,
		}
	default:
		return r
	}
}

// minDisplay returns the minimum size in display pixels, consistent with the aspect and
// never larger than the display itself
func (s *State) minDisplay() (float64, float64) {
	W, H := float64(s.display.Width), float64(s.display.Height)
	scale := region.NewScaleFactors(s.natural, s.display)
	mw := math.Min(s.constraints.MinWidth, float64(s.natural.Width)) / scale.X
	mh := math.Min(s.constraints.MinHeight, float64(s.natural.Height)) / scale.Y
	// never allow a selection thinner than one display pixel
	mw = math.Max(mw, 1)
	mh = math.Max(mh, 1)

	a := s.constraints.Aspect
	if a <= 0 {
		return math.Min(mw, W), math.Min(mh, H)
	}
	w := math.Max(mw, mh*a)
	h := w / a
	if w > W {
		w = W
		h = w / a
	}
	if h > H {
		h = H
		w = h * a
	}
	return w, h
}

func (s *State) constrain(c region.Region, anchor Anchor) (region.Region, bool) {
	W, H := float64(s.display.Width), float64(s.display.Height)
	minW, minH := s.minDisplay()
	a := s.constraints.Aspect

	ax, ay := anchorPoint(c, anchor)
	if anchor != AnchorNone {
		ax = clamp(ax, 0, W)
		ay = clamp(ay, 0, H)
	}
	availW, availH := available(anchor, ax, ay, W, H)

	w, h := c.Width, c.Height
	if a > 0 {
		cur := s.current.ToDisplay(s.display)
		if math.Abs(c.Height-cur.Height) > math.Abs(c.Width-cur.Width) {
			w = h * a
		} else {
			h = w / a
		}
	}

	if w < minW {
		w = minW
		if a > 0 {
			h = w / a
		}
	}
	if h < minH {
		h = minH
		if a > 0 {
			w = h * a
		}
	}

	if w > availW {
		w = availW
		if a > 0 {
			h = w / a
		}
	}
	if h > availH {
		h = availH
		if a > 0 {
			w = h * a
		}
	}
	if w < minW-tol || h < minH-tol {
		return region.Region{}, false
	}

	var x, y float64
	switch anchor {
	case AnchorTopLeft:
		x, y = ax, ay
	case AnchorTopRight:
		x, y = ax-w, ay
	case AnchorBottomLeft:
		x, y = ax, ay-h
	case AnchorBottomRight:
		x, y = ax-w, ay-h
	case AnchorCenter:
		x, y = ax-w/2, ay-h/2
	default:
		x = clamp(c.X, 0, W-w)
		y = clamp(c.Y, 0, H-h)
	}

	next := region.Region{X: x, Y: y, Width: w, Height: h, Unit: region.DisplayPixel}
	if !next.Within(s.display, tol) {
		return region.Region{}, false
	}
	return next, true
}

func anchorPoint(c region.Region, anchor Anchor) (float64, float64) {
	switch anchor {
	case AnchorTopRight:
		return c.Right(), c.Y
	case AnchorBottomLeft:
		return c.X, c.Bottom()
	case AnchorBottomRight:
		return c.Right(), c.Bottom()
	case AnchorCenter:
		return c.X + c.Width/2, c.Y + c.Height/2
	default:
		return c.X, c.Y
	}
}

// available returns the room the rectangle may occupy when the anchor stays fixed
func available(anchor Anchor, ax, ay, W, H float64) (float64, float64) {
	switch anchor {
	case AnchorTopLeft:
		return W - ax, H - ay
	case AnchorTopRight:
		return ax, H - ay
	case AnchorBottomLeft:
		return W - ax, ay
	case AnchorBottomRight:
		return ax, ay
	case AnchorCenter:
		return 2 * math.Min(ax, W-ax), 2 * math.Min(ay, H-ay)
	default:
		return W, H
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
