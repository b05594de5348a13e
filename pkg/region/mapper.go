package region

// ScaleFactors relate natural pixels to display pixels along each axis
type ScaleFactors struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`

	// set by NewScaleFactors; lets Map multiply before dividing so that whole-display
	// extents land exactly on the natural dimensions
	natural, display Dimensions
}

// NewScaleFactors derives natural/display ratios. A zero display dimension yields 1 on
// that axis so that an unrendered image maps onto itself.
func NewScaleFactors(natural, display Dimensions) ScaleFactors {
	s := ScaleFactors{X: 1, Y: 1, natural: natural, display: display}
	if display.Width > 0 {
		s.X = float64(natural.Width) / float64(display.Width)
	}
	if display.Height > 0 {
		s.Y = float64(natural.Height) / float64(display.Height)
	}
	return s
}

// Map converts a display-pixel region into natural pixels
func Map(r Region, s ScaleFactors) Region {
	return Region{
		X:      s.scaleX(r.X),
		Y:      s.scaleY(r.Y),
		Width:  s.scaleX(r.Width),
		Height: s.scaleY(r.Height),
		Unit:   NaturalPixel,
	}
}

func (s ScaleFactors) scaleX(v float64) float64 {
	if s.display.Width > 0 {
		return v * float64(s.natural.Width) / float64(s.display.Width)
	}
	return v * s.X
}

func (s ScaleFactors) scaleY(v float64) float64 {
	if s.display.Height > 0 {
		return v * float64(s.natural.Height) / float64(s.display.Height)
	}
	return v * s.Y
}

// Resolve converts r from whatever unit it carries into natural pixels, using the
// natural and display dimensions passed in. Callers pass the dimensions current at the
// time of the call; nothing is cached.
func Resolve(r Region, natural, display Dimensions) Region {
	switch r.Unit {
	case NaturalPixel:
		return r
	case Relative:
		r = r.ToDisplay(display)
	}
	return Map(r, NewScaleFactors(natural, display))
}
