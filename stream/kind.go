// Package stream holds the desired stream configuration: which of the depth,
// infrared and color streams are enabled, at which resolution, and which
// device they come from.
package stream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gloworm-vision/depthcam/realsense"
)

var (
	// ErrInvalidStreamKind is returned for settings keys other than the stream
	// kinds and "device".
	ErrInvalidStreamKind = errors.New("invalid stream kind")

	// ErrInvalidResolution is returned for malformed or unsupported resolutions.
	ErrInvalidResolution = errors.New("invalid resolution")
)

// DeviceKey is the settings key that only carries the device selection.
const DeviceKey = "device"

// FPS is the fixed capture rate requested for every stream.
const FPS = 30

// Kind is one of the independently configurable streams.
type Kind int

const (
	Depth Kind = iota
	Infrared
	Color
)

// Kinds lists every stream kind in display order.
var Kinds = []Kind{Depth, Infrared, Color}

func (k Kind) String() string {
	switch k {
	case Depth:
		return "depth"
	case Infrared:
		return "infrared"
	case Color:
		return "color"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses a stream kind name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "depth":
		return Depth, nil
	case "infrared":
		return Infrared, nil
	case "color":
		return Color, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidStreamKind, s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case Depth, Infrared, Color:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidStreamKind, int(k))
	}
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}

	*k = parsed
	return nil
}

// Native returns the native stream type, stream index and pixel format the
// kind is captured with. Infrared uses the left imager (index 1).
func (k Kind) Native() (realsense.Stream, int, realsense.Format) {
	switch k {
	case Depth:
		return realsense.StreamDepth, 0, realsense.FormatZ16
	case Infrared:
		return realsense.StreamInfrared, 1, realsense.FormatY8
	case Color:
		return realsense.StreamColor, 0, realsense.FormatBGR8
	default:
		return 0, 0, 0
	}
}

// KindOf maps a native stream type back to a kind.
func KindOf(s realsense.Stream) (Kind, bool) {
	switch s {
	case realsense.StreamDepth:
		return Depth, true
	case realsense.StreamInfrared:
		return Infrared, true
	case realsense.StreamColor:
		return Color, true
	default:
		return 0, false
	}
}
