// Package device enumerates connected depth cameras and converts between the
// human readable descriptors shown to operators and hardware serial numbers.
package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gloworm-vision/depthcam/realsense"
	"github.com/sirupsen/logrus"
)

// None is the serial sentinel for "no device selected".
const None = "none"

// NoneDescriptor is the descriptor offered to operators for deselecting the device.
const NoneDescriptor = "None"

// Descriptor identifies a physical device.
type Descriptor struct {
	Name   string `json:"name"`
	Serial string `json:"serial"`
}

// String renders the descriptor as "<name> (SN: <serial>)".
func (d Descriptor) String() string {
	return fmt.Sprintf("%s (SN: %s)", d.Name, d.Serial)
}

var serialPattern = regexp.MustCompile(`\(SN:\s*([^)\s]+)\s*\)\s*$`)

// ExtractSerial returns the serial number embedded in a descriptor produced by
// Descriptor.String. Anything it can't parse, including "None", yields None.
func ExtractSerial(descriptor string) string {
	match := serialPattern.FindStringSubmatch(strings.TrimSpace(descriptor))
	if match == nil {
		return None
	}

	return match[1]
}

// Enumerator queries the native layer for connected devices.
type Enumerator struct {
	Context realsense.Context
	Logger  *logrus.Logger
}

// Devices returns the connected devices in the order the native layer reports
// them. Devices without a serial number are skipped since they can't be addressed.
func (e *Enumerator) Devices() ([]Descriptor, error) {
	infos, err := e.Context.QueryDevices()
	if err != nil {
		return nil, fmt.Errorf("unable to query devices: %w", err)
	}

	devices := make([]Descriptor, 0, len(infos))
	for _, info := range infos {
		if info.Serial == "" {
			e.logger().WithField("name", info.Name).Warn("skipping device without serial number")
			continue
		}

		devices = append(devices, Descriptor{Name: info.Name, Serial: info.Serial})
	}

	return devices, nil
}

// List returns the descriptor strings offered to an operator, "None" first.
func (e *Enumerator) List() ([]string, error) {
	devices, err := e.Devices()
	if err != nil {
		return nil, err
	}

	list := make([]string, 0, len(devices)+1)
	list = append(list, NoneDescriptor)
	for _, d := range devices {
		list = append(list, d.String())
	}

	return list, nil
}

// Lookup reports whether a device with the given serial is currently connected.
func (e *Enumerator) Lookup(serial string) (Descriptor, bool, error) {
	devices, err := e.Devices()
	if err != nil {
		return Descriptor{}, false, err
	}

	for _, d := range devices {
		if d.Serial == serial {
			return d, true, nil
		}
	}

	return Descriptor{}, false, nil
}

func (e *Enumerator) logger() *logrus.Logger {
	if e.Logger == nil {
		return logrus.StandardLogger()
	}

	return e.Logger
}
