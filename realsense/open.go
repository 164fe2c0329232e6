package realsense

import (
	"errors"
	"fmt"
)

const (
	BackendSim          = "sim"
	BackendLibrealsense = "librealsense"
)

// ErrBackendUnavailable is returned when the requested backend wasn't built in.
var ErrBackendUnavailable = errors.New("backend not available in this build")

// openNative is set by the librealsense backend when it is compiled in.
var openNative func() (Context, error)

// Open returns a Context for the named backend. simDevices are the devices a
// simulator starts with.
func Open(backend string, simDevices []DeviceInfo) (Context, error) {
	switch backend {
	case BackendSim, "":
		return NewSim(simDevices...), nil
	case BackendLibrealsense:
		if openNative == nil {
			return nil, fmt.Errorf("unable to open %q: %w (rebuild with -tags librealsense)", backend, ErrBackendUnavailable)
		}

		ctx, err := openNative()
		if err != nil {
			return nil, fmt.Errorf("unable to open librealsense context: %w", err)
		}

		return ctx, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
