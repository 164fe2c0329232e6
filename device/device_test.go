package device

import (
	"testing"

	"github.com/gloworm-vision/depthcam/realsense"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSerial(t *testing.T) {
	tests := map[string]string{
		"Camera X (SN: 123456789)":                "123456789",
		"Intel RealSense D435 (SN: 817612070412)": "817612070412",
		"Intel RealSense D415 (SN:  f0220315 )":   "f0220315",
		"None":                                    None,
		"":                                        None,
		"Camera X":                                None,
		"Camera X (SN: )":                         None,
		"Camera (SN: 1) trailing junk":            None,
	}

	for in, want := range tests {
		assert.Equal(t, want, ExtractSerial(in), in)
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	d := Descriptor{Name: "Intel RealSense D455", Serial: "213622251272"}

	assert.Equal(t, "Intel RealSense D455 (SN: 213622251272)", d.String())
	assert.Equal(t, d.Serial, ExtractSerial(d.String()))
}

func TestEnumerator(t *testing.T) {
	sim := realsense.NewSim(
		realsense.DeviceInfo{Name: "Intel RealSense D435", Serial: "111"},
		realsense.DeviceInfo{Name: "Broken", Serial: ""},
		realsense.DeviceInfo{Name: "Intel RealSense D415", Serial: "222"},
	)
	e := &Enumerator{Context: sim}

	t.Run("list puts None first and skips unaddressable devices", func(t *testing.T) {
		list, err := e.List()
		require.NoError(t, err)
		assert.Equal(t, []string{
			"None",
			"Intel RealSense D435 (SN: 111)",
			"Intel RealSense D415 (SN: 222)",
		}, list)
	})

	t.Run("lookup by serial", func(t *testing.T) {
		d, ok, err := e.Lookup("222")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "Intel RealSense D415", d.Name)

		_, ok, err = e.Lookup("333")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("re-enumeration reflects hotplug", func(t *testing.T) {
		sim.SetDevices(realsense.DeviceInfo{Name: "Intel RealSense D415", Serial: "222"})

		devices, err := e.Devices()
		require.NoError(t, err)
		assert.Equal(t, []Descriptor{{Name: "Intel RealSense D415", Serial: "222"}}, devices)
	})
}
