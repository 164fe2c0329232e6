//go:build librealsense

package realsense

/*
#cgo linux darwin LDFLAGS: -L/usr/local/lib/ -lrealsense2
#cgo CPPFLAGS: -I/usr/local/include
#include <stdlib.h>
#include <librealsense2/rs.h>
#include <librealsense2/h/rs_pipeline.h>
#include <librealsense2/h/rs_config.h>
#include <librealsense2/h/rs_frame.h>
*/
import "C"

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unsafe"
)

// defaultDepthScale is the depth unit of the D400 family, used because the
// pipeline API doesn't expose the sensor option without a device handle.
const defaultDepthScale = 0.001

// Native is a Context backed by librealsense2.
type Native struct {
	ctx *C.rs2_context
}

var _ Context = &Native{}

// OpenNative creates a librealsense2 context.
func OpenNative() (*Native, error) {
	var err *C.rs2_error
	ctx := C.rs2_create_context(C.RS2_API_VERSION, &err)
	if err != nil {
		return nil, errorFrom(err)
	}

	return &Native{ctx: ctx}, nil
}

// Close releases the native context.
func (n *Native) Close() error {
	C.rs2_delete_context(n.ctx)
	return nil
}

// QueryDevices lists connected devices by name and serial number.
func (n *Native) QueryDevices() ([]DeviceInfo, error) {
	var err *C.rs2_error
	list := C.rs2_query_devices(n.ctx, &err)
	if err != nil {
		return nil, errorFrom(err)
	}
	defer C.rs2_delete_device_list(list)

	count := C.rs2_get_device_count(list, &err)
	if err != nil {
		return nil, errorFrom(err)
	}

	devices := make([]DeviceInfo, 0, int(count))
	for i := 0; i < int(count); i++ {
		dev := C.rs2_create_device(list, C.int(i), &err)
		if err != nil {
			return nil, errorFrom(err)
		}

		name := C.rs2_get_device_info(dev, C.RS2_CAMERA_INFO_NAME, &err)
		if err != nil {
			C.rs2_delete_device(dev)
			return nil, errorFrom(err)
		}

		serial := C.rs2_get_device_info(dev, C.RS2_CAMERA_INFO_SERIAL_NUMBER, &err)
		if err != nil {
			C.rs2_delete_device(dev)
			return nil, errorFrom(err)
		}

		devices = append(devices, DeviceInfo{Name: C.GoString(name), Serial: C.GoString(serial)})
		C.rs2_delete_device(dev)
	}

	return devices, nil
}

// NewPipeline creates a native pipeline handle.
func (n *Native) NewPipeline() (Pipeline, error) {
	var err *C.rs2_error
	p := C.rs2_create_pipeline(n.ctx, &err)
	if err != nil {
		return nil, errorFrom(err)
	}

	return &nativePipeline{p: p}, nil
}

type nativePipeline struct {
	mu      sync.Mutex
	p       *C.rs2_pipeline
	profile *C.rs2_pipeline_profile
}

func (p *nativePipeline) Start(cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err *C.rs2_error
	conf := C.rs2_create_config(&err)
	if err != nil {
		return errorFrom(err)
	}
	defer C.rs2_delete_config(conf)

	if cfg.Serial != "" {
		serial := C.CString(cfg.Serial)
		defer C.free(unsafe.Pointer(serial))

		if C.rs2_config_enable_device(conf, serial, &err); err != nil {
			return errorFrom(err)
		}
	}

	for _, req := range cfg.Streams {
		stream, format, err := nativeStream(req)
		if err != nil {
			return err
		}

		var rerr *C.rs2_error
		C.rs2_config_enable_stream(conf, stream, C.int(req.Index), C.int(req.Width), C.int(req.Height), format, C.int(req.FPS), &rerr)
		if rerr != nil {
			return errorFrom(rerr)
		}
	}

	profile := C.rs2_pipeline_start_with_config(p.p, conf, &err)
	if err != nil {
		return errorFrom(err)
	}
	p.profile = profile

	return nil
}

func (p *nativePipeline) WaitForFrames(timeout time.Duration) (FrameSet, error) {
	var err *C.rs2_error
	frames := C.rs2_pipeline_wait_for_frames(p.p, C.uint(timeout.Milliseconds()), &err)
	if err != nil {
		return FrameSet{}, errorFrom(err)
	}
	defer C.rs2_release_frame(frames)

	count := C.rs2_embedded_frames_count(frames, &err)
	if err != nil {
		return FrameSet{}, errorFrom(err)
	}

	set := FrameSet{Frames: make([]Frame, 0, int(count))}
	for i := 0; i < int(count); i++ {
		frame := C.rs2_extract_frame(frames, C.int(i), &err)
		if err != nil {
			return FrameSet{}, errorFrom(err)
		}

		f, ferr := copyFrame(frame)
		C.rs2_release_frame(frame)
		if ferr != nil {
			return FrameSet{}, ferr
		}
		if f.Stream == 0 {
			continue
		}

		set.Frames = append(set.Frames, f)
	}

	return set, nil
}

func (p *nativePipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err *C.rs2_error
	C.rs2_pipeline_stop(p.p, &err)

	if p.profile != nil {
		C.rs2_delete_pipeline_profile(p.profile)
		p.profile = nil
	}

	if err != nil {
		return errorFrom(err)
	}

	return nil
}

func copyFrame(frame *C.rs2_frame) (Frame, error) {
	var err *C.rs2_error
	profile := C.rs2_get_frame_stream_profile(frame, &err)
	if err != nil {
		return Frame{}, errorFrom(err)
	}

	var (
		stream   C.rs2_stream
		format   C.rs2_format
		index    C.int
		uniqueID C.int
		rate     C.int
	)
	C.rs2_get_stream_profile_data(profile, &stream, &format, &index, &uniqueID, &rate, &err)
	if err != nil {
		return Frame{}, errorFrom(err)
	}

	f := Frame{}
	switch stream {
	case C.RS2_STREAM_DEPTH:
		f.Stream = StreamDepth
		f.DepthScale = defaultDepthScale
	case C.RS2_STREAM_INFRARED:
		f.Stream = StreamInfrared
	case C.RS2_STREAM_COLOR:
		f.Stream = StreamColor
	default:
		return Frame{}, nil
	}

	switch format {
	case C.RS2_FORMAT_Z16:
		f.Format = FormatZ16
	case C.RS2_FORMAT_Y8:
		f.Format = FormatY8
	case C.RS2_FORMAT_BGR8:
		f.Format = FormatBGR8
	default:
		return Frame{}, &Error{Func: "get_stream_profile_data", Message: fmt.Sprintf("unsupported format %d", int(format))}
	}

	var intrin C.rs2_intrinsics
	C.rs2_get_video_stream_intrinsics(profile, &intrin, &err)
	if err != nil {
		return Frame{}, errorFrom(err)
	}
	f.Intrinsics = Intrinsics{
		Width:  int(intrin.width),
		Height: int(intrin.height),
		Fx:     float64(intrin.fx),
		Fy:     float64(intrin.fy),
		Ppx:    float64(intrin.ppx),
		Ppy:    float64(intrin.ppy),
	}

	f.Width = int(C.rs2_get_frame_width(frame, &err))
	if err != nil {
		return Frame{}, errorFrom(err)
	}
	f.Height = int(C.rs2_get_frame_height(frame, &err))
	if err != nil {
		return Frame{}, errorFrom(err)
	}

	size := C.rs2_get_frame_data_size(frame, &err)
	if err != nil {
		return Frame{}, errorFrom(err)
	}
	data := C.rs2_get_frame_data(frame, &err)
	if err != nil {
		return Frame{}, errorFrom(err)
	}
	f.Data = C.GoBytes(data, size)

	ms := float64(C.rs2_get_frame_timestamp(frame, &err))
	if err != nil {
		return Frame{}, errorFrom(err)
	}
	f.Timestamp = time.Unix(0, int64(ms*float64(time.Millisecond)))

	return f, nil
}

func nativeStream(req StreamRequest) (C.rs2_stream, C.rs2_format, error) {
	var stream C.rs2_stream
	switch req.Stream {
	case StreamDepth:
		stream = C.RS2_STREAM_DEPTH
	case StreamInfrared:
		stream = C.RS2_STREAM_INFRARED
	case StreamColor:
		stream = C.RS2_STREAM_COLOR
	default:
		return 0, 0, fmt.Errorf("unknown stream %d", req.Stream)
	}

	var format C.rs2_format
	switch req.Format {
	case FormatZ16:
		format = C.RS2_FORMAT_Z16
	case FormatY8:
		format = C.RS2_FORMAT_Y8
	case FormatBGR8:
		format = C.RS2_FORMAT_BGR8
	default:
		return 0, 0, fmt.Errorf("unknown format %d", req.Format)
	}

	return stream, format, nil
}

func errorFrom(err *C.rs2_error) error {
	defer C.rs2_free_error(err)

	e := &Error{
		Func:    C.GoString(C.rs2_get_failed_function(err)),
		Message: C.GoString(C.rs2_get_error_message(err)),
	}

	switch C.rs2_get_librealsense_exception_type(err) {
	case C.RS2_EXCEPTION_TYPE_CAMERA_DISCONNECTED, C.RS2_EXCEPTION_TYPE_BACKEND, C.RS2_EXCEPTION_TYPE_IO:
		e.Recoverable = true
	default:
		// frame timeouts surface as untyped runtime errors
		e.Recoverable = strings.Contains(e.Message, "didn't arrive")
	}

	return e
}

func init() {
	openNative = func() (Context, error) { return OpenNative() }
}
