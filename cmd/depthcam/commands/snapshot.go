package commands

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gloworm-vision/depthcam/capture"
	"github.com/gloworm-vision/depthcam/stream"
	"github.com/spf13/cobra"
)

var (
	snapshotDevice  string
	snapshotStreams []string
	snapshotRes     []string
	snapshotLabel   string
	snapshotWarmup  time.Duration
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture one set of frames to disk",
	Long: `Start the pipeline on one device, wait until every requested stream has
delivered a frame, then write them under the history directory and stop.`,
	Example: `  # Depth and color from the first device, with a point cloud
  depthcam snapshot --streams depth,color

  # Infrared at 1280x720 from a specific camera
  depthcam snapshot --device 817612070412 --streams infrared --resolution infrared=1280x720`,
	RunE: runSnapshot,
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotDevice, "device", "", "device serial (default: first connected device)")
	snapshotCmd.Flags().StringSliceVar(&snapshotStreams, "streams", []string{"depth"}, "streams to capture")
	snapshotCmd.Flags().StringSliceVar(&snapshotRes, "resolution", nil, "per-stream resolution as kind=WxH")
	snapshotCmd.Flags().StringVar(&snapshotLabel, "label", "", "file label (default: current time)")
	snapshotCmd.Flags().DurationVar(&snapshotWarmup, "warmup", 5*time.Second, "how long to wait for frames")

	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	serial := snapshotDevice
	if serial == "" {
		devices, err := a.devices.Devices()
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			return errors.New("no devices connected")
		}
		serial = devices[0].Serial
	}

	settings, err := snapshotSettings(serial, snapshotStreams, snapshotRes)
	if err != nil {
		return err
	}

	if err := a.controller.Restart(settings); err != nil {
		return err
	}

	if err := waitForFrames(a, settings, snapshotWarmup); err != nil {
		return err
	}

	label := snapshotLabel
	if label == "" {
		label = capture.Label(time.Now())
	}

	res, err := a.exporter.Snapshot(a.controller, settings, label)
	if err != nil {
		return err
	}

	for _, f := range res.Files {
		fmt.Fprintln(cmd.OutOrStdout(), f)
	}

	return res.Err()
}

// snapshotSettings builds settings from the command line through the same
// validating manager the server uses.
func snapshotSettings(serial string, kinds, resolutions []string) (stream.Settings, error) {
	m := stream.NewManager()

	if err := m.Update(stream.DeviceKey, stream.Update{Device: &serial}); err != nil {
		return stream.Settings{}, err
	}

	enabled := true
	for _, k := range kinds {
		if err := m.Update(k, stream.Update{Enabled: &enabled}); err != nil {
			return stream.Settings{}, err
		}
	}

	for _, r := range resolutions {
		kind, res, ok := strings.Cut(r, "=")
		if !ok {
			return stream.Settings{}, fmt.Errorf("invalid resolution flag %q, want kind=WxH", r)
		}

		if err := m.Update(kind, stream.Update{Resolution: &res}); err != nil {
			return stream.Settings{}, err
		}
	}

	return m.Snapshot(), nil
}

func waitForFrames(a *app, settings stream.Settings, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		missing := ""
		for _, k := range settings.EnabledKinds() {
			if _, ok := a.controller.Image(k); !ok {
				missing = k.String()
				break
			}
		}

		if missing == "" {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("no %s frame arrived within %s", missing, timeout)
		}

		time.Sleep(20 * time.Millisecond)
	}
}
