// Package realsense is the boundary between depthcam and the native depth
// camera SDK. Everything above this package talks to the Context and Pipeline
// interfaces; the concrete backends are a simulated device (always available)
// and a librealsense2 binding built with the librealsense build tag.
//
// Frames crossing this boundary are plain Go memory. Backends copy native
// buffers out before returning, so callers may keep frames after the native
// frame set has been released.
package realsense

import (
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout mirrors the native SDK's default wait-for-frames timeout.
const DefaultTimeout = 5 * time.Second

// Stream identifies a native stream type.
type Stream int

const (
	StreamDepth Stream = iota + 1
	StreamInfrared
	StreamColor
)

func (s Stream) String() string {
	switch s {
	case StreamDepth:
		return "depth"
	case StreamInfrared:
		return "infrared"
	case StreamColor:
		return "color"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// Format is a native pixel format.
type Format int

const (
	FormatZ16 Format = iota + 1
	FormatY8
	FormatBGR8
)

// BytesPerPixel returns the size of one pixel, or 0 for unknown formats.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatZ16:
		return 2
	case FormatY8:
		return 1
	case FormatBGR8:
		return 3
	default:
		return 0
	}
}

func (f Format) String() string {
	switch f {
	case FormatZ16:
		return "z16"
	case FormatY8:
		return "y8"
	case FormatBGR8:
		return "bgr8"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// DeviceInfo is what the native layer reports about a connected device.
type DeviceInfo struct {
	Name   string
	Serial string
}

// StreamRequest asks the pipeline to enable one stream.
type StreamRequest struct {
	Stream Stream
	Index  int
	Width  int
	Height int
	Format Format
	FPS    int
}

// Config is the stream configuration handed to Pipeline.Start. It is plain data
// so a new one can be built for every start.
type Config struct {
	Serial  string
	Streams []StreamRequest
}

// EnableDevice restricts the pipeline to the device with the given serial.
func (c *Config) EnableDevice(serial string) {
	c.Serial = serial
}

// EnableStream adds a stream request, replacing any earlier request for the
// same stream type.
func (c *Config) EnableStream(req StreamRequest) {
	for i := range c.Streams {
		if c.Streams[i].Stream == req.Stream {
			c.Streams[i] = req
			return
		}
	}

	c.Streams = append(c.Streams, req)
}

// Intrinsics are pinhole camera parameters of a video stream.
type Intrinsics struct {
	Width  int
	Height int
	Fx     float64
	Fy     float64
	Ppx    float64
	Ppy    float64
}

// Frame is a single stream's image out of a frame set.
type Frame struct {
	Stream     Stream
	Width      int
	Height     int
	Format     Format
	Data       []byte
	Timestamp  time.Time
	Intrinsics Intrinsics

	// DepthScale is the number of metres per depth unit (depth frames only).
	DepthScale float64
}

// FrameSet is one bundle of near-simultaneous frames from a single wait call.
type FrameSet struct {
	Frames []Frame
}

// Frame returns the frame of the given stream type, if present.
func (fs FrameSet) Frame(s Stream) (Frame, bool) {
	for _, f := range fs.Frames {
		if f.Stream == s {
			return f, true
		}
	}

	return Frame{}, false
}

// Context is the entry point into the native SDK.
type Context interface {
	// QueryDevices lists connected devices.
	QueryDevices() ([]DeviceInfo, error)

	// NewPipeline creates a pipeline handle. The caller owns it exclusively.
	NewPipeline() (Pipeline, error)
}

// Pipeline is a native streaming session. Start and Stop must not be called
// concurrently with each other; WaitForFrames may run on another goroutine
// while Stop is called, in which case it returns an error promptly.
type Pipeline interface {
	Start(cfg Config) error
	WaitForFrames(timeout time.Duration) (FrameSet, error)
	Stop() error
}

// ErrRecoverable matches native errors that are expected to clear up on their
// own, such as a frame not arriving in time.
var ErrRecoverable = errors.New("recoverable native error")

// ErrNotStarted is returned by pipelines used before Start or after Stop.
var ErrNotStarted = errors.New("pipeline not started")

// Error is an error reported by the native layer.
type Error struct {
	Func        string
	Message     string
	Recoverable bool
}

func (e *Error) Error() string {
	if e.Func == "" {
		return e.Message
	}

	return fmt.Sprintf("%s: %s", e.Func, e.Message)
}

// Is reports recoverable native errors as ErrRecoverable.
func (e *Error) Is(target error) bool {
	return target == ErrRecoverable && e.Recoverable
}

// IsRecoverable reports whether err is a transient native error.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}
