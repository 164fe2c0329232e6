package stream

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolution is a stream's frame size in pixels.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

var supported = map[Kind][]Resolution{
	Depth:    {{320, 240}, {424, 240}, {480, 270}, {640, 360}, {640, 480}, {848, 480}, {1280, 720}},
	Infrared: {{320, 240}, {424, 240}, {480, 270}, {640, 360}, {640, 480}, {848, 480}, {1280, 720}},
	Color:    {{320, 240}, {424, 240}, {640, 360}, {640, 480}, {848, 480}, {960, 540}, {1280, 720}, {1920, 1080}},
}

var defaults = map[Kind]Resolution{
	Depth:    {320, 240},
	Infrared: {640, 360},
	Color:    {320, 240},
}

// SupportedResolutions lists the resolutions a kind can be captured at.
func SupportedResolutions(k Kind) []Resolution {
	return append([]Resolution(nil), supported[k]...)
}

// DefaultResolution is the resolution a kind starts out with.
func DefaultResolution(k Kind) Resolution {
	return defaults[k]
}

// SupportedBy reports whether the kind can be captured at r.
func (r Resolution) SupportedBy(k Kind) bool {
	for _, s := range supported[k] {
		if s == r {
			return true
		}
	}

	return false
}

// ParseResolution parses "WxH", tolerating whitespace ("640 x 480") and an
// upper case X.
func ParseResolution(s string) (Resolution, error) {
	compact := strings.Join(strings.Fields(strings.ToLower(s)), "")

	parts := strings.Split(compact, "x")
	if len(parts) != 2 {
		return Resolution{}, fmt.Errorf("%w: %q is not of the form WxH", ErrInvalidResolution, s)
	}

	width, err := strconv.Atoi(parts[0])
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: bad width in %q", ErrInvalidResolution, s)
	}

	height, err := strconv.Atoi(parts[1])
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: bad height in %q", ErrInvalidResolution, s)
	}

	if width <= 0 || height <= 0 {
		return Resolution{}, fmt.Errorf("%w: %q must be positive", ErrInvalidResolution, s)
	}

	return Resolution{Width: width, Height: height}, nil
}

// ParseResolutionFor parses s and checks it against the kind's supported set.
func ParseResolutionFor(k Kind, s string) (Resolution, error) {
	r, err := ParseResolution(s)
	if err != nil {
		return Resolution{}, err
	}

	if !r.SupportedBy(k) {
		return Resolution{}, fmt.Errorf("%w: %s not supported for %s", ErrInvalidResolution, r, k)
	}

	return r, nil
}

func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Resolution) UnmarshalText(text []byte) error {
	parsed, err := ParseResolution(string(text))
	if err != nil {
		return err
	}

	*r = parsed
	return nil
}
