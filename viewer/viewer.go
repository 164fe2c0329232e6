// Package viewer dispatches operator actions: toggling and resizing streams,
// choosing the device, and capturing photos. Every action is handled
// synchronously and leaves the pipeline matching the settings.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gloworm-vision/depthcam/capture"
	"github.com/gloworm-vision/depthcam/device"
	"github.com/gloworm-vision/depthcam/pipeline"
	"github.com/gloworm-vision/depthcam/store"
	"github.com/gloworm-vision/depthcam/stream"
	"github.com/sirupsen/logrus"
)

// Action is an operator request.
type Action interface {
	action()
}

// ToggleConfig enables or disables one stream. An empty Resolution keeps the
// current one.
type ToggleConfig struct {
	Kind       string `json:"kind"`
	Enabled    bool   `json:"enabled"`
	Resolution string `json:"resolution,omitempty"`
}

// CapturePhoto exports the latest frames. An empty Label uses the current time.
type CapturePhoto struct {
	Label string `json:"label,omitempty"`
}

// SelectDevice switches to the device named by a descriptor from ListDevices.
// Descriptors without a serial, such as "None", deselect the device.
type SelectDevice struct {
	Descriptor string `json:"descriptor"`
}

// ApplyPreset replaces the settings with a saved preset.
type ApplyPreset struct {
	Name string `json:"name"`
}

// Reset disables every stream and deselects the device.
type Reset struct{}

func (ToggleConfig) action() {}
func (CapturePhoto) action() {}
func (SelectDevice) action() {}
func (ApplyPreset) action()  {}
func (Reset) action()        {}

// Pipeline is the part of the pipeline controller the viewer drives.
type Pipeline interface {
	Restart(settings stream.Settings) error
	Stop() error
	State() pipeline.State
	Frames() pipeline.Frames
}

var _ Pipeline = &pipeline.Controller{}

// DeviceLister lists device descriptors for the operator.
type DeviceLister interface {
	List() ([]string, error)
}

var _ DeviceLister = &device.Enumerator{}

// Outcome describes the state after an action.
type Outcome struct {
	Settings stream.Settings `json:"settings"`
	State    pipeline.State  `json:"state"`
	Export   *capture.Result `json:"export,omitempty"`
}

// Viewer wires operator actions to the settings, the pipeline, the exporter and
// persistence. Store may be nil, in which case nothing is persisted.
type Viewer struct {
	Settings *stream.Manager
	Pipeline Pipeline
	Devices  DeviceLister
	Exporter *capture.Exporter
	Store    store.Store
	Logger   *logrus.Logger

	// Now stamps capture labels. It defaults to time.Now.
	Now func() time.Time

	mu sync.Mutex
}

// Init restores the persisted settings and starts the pipeline if they
// select a device with at least one stream.
func (v *Viewer) Init(ctx context.Context) (Outcome, error) {
	if v.Store == nil {
		return v.outcome(nil), nil
	}

	settings, err := store.Load(v.Store)
	if err != nil {
		v.logger().WithError(err).Warn("unable to load saved settings, using defaults")
		settings = stream.Defaults()
	}

	return v.apply(ctx, settings)
}

// ListDevices returns the device descriptors an operator can choose from,
// "None" first.
func (v *Viewer) ListDevices() ([]string, error) {
	return v.Devices.List()
}

// Handle performs one action. Actions are serialized so each restart uses the
// settings its own update produced.
func (v *Viewer) Handle(ctx context.Context, a Action) (Outcome, error) {
	switch a := a.(type) {
	case ToggleConfig:
		return v.toggle(ctx, a)
	case SelectDevice:
		return v.selectDevice(ctx, a)
	case CapturePhoto:
		return v.capture(ctx, a)
	case ApplyPreset:
		return v.applyPreset(ctx, a)
	case Reset:
		return v.apply(ctx, stream.Defaults())
	default:
		return Outcome{}, fmt.Errorf("unknown action %T", a)
	}
}

func (v *Viewer) toggle(ctx context.Context, a ToggleConfig) (Outcome, error) {
	u := stream.Update{Enabled: &a.Enabled}
	if a.Resolution != "" {
		u.Resolution = &a.Resolution
	}

	return v.update(ctx, a.Kind, u)
}

func (v *Viewer) selectDevice(ctx context.Context, a SelectDevice) (Outcome, error) {
	serial := device.ExtractSerial(a.Descriptor)
	v.logger().WithFields(logrus.Fields{"descriptor": a.Descriptor, "serial": serial}).Info("device selected")

	return v.update(ctx, stream.DeviceKey, stream.Update{Device: &serial})
}

func (v *Viewer) update(ctx context.Context, key string, u stream.Update) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.Settings.Update(key, u); err != nil {
		return v.outcome(nil), err
	}

	return v.restartLocked()
}

func (v *Viewer) applyPreset(ctx context.Context, a ApplyPreset) (Outcome, error) {
	if v.Store == nil {
		return v.outcome(nil), errors.New("no store configured")
	}

	settings, err := v.Store.Preset(a.Name)
	if err != nil {
		return v.outcome(nil), err
	}

	return v.apply(ctx, settings)
}

// SavePreset stores the current settings under name.
func (v *Viewer) SavePreset(name string) error {
	if v.Store == nil {
		return errors.New("no store configured")
	}

	return v.Store.PutPreset(name, v.Settings.Snapshot())
}

func (v *Viewer) apply(ctx context.Context, settings stream.Settings) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.Settings.Restore(settings); err != nil {
		return v.outcome(nil), err
	}

	return v.restartLocked()
}

// restartLocked persists the current settings and restarts the pipeline with
// them. Having no device or no stream is not an error: the pipeline simply
// stays stopped.
func (v *Viewer) restartLocked() (Outcome, error) {
	settings := v.Settings.Snapshot()
	v.persist(settings)

	err := v.Pipeline.Restart(settings)
	switch {
	case errors.Is(err, pipeline.ErrNoDeviceSelected), errors.Is(err, pipeline.ErrNoStreamEnabled):
		v.logger().WithError(err).Debug("pipeline left stopped")
		err = nil
	case err != nil:
		v.logger().WithError(err).Error("unable to restart pipeline")
	}

	return v.outcome(nil), err
}

func (v *Viewer) capture(ctx context.Context, a CapturePhoto) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	settings := v.Settings.Snapshot()
	if !settings.AnyEnabled() {
		v.logger().Info("no stream enabled, nothing to capture")
		return v.outcome(nil), nil
	}

	label := a.Label
	if label == "" {
		label = capture.Label(v.now())
	}

	res, err := v.Exporter.Snapshot(v.Pipeline, settings, label)
	if err != nil {
		return v.outcome(nil), err
	}

	return v.outcome(&res), nil
}

func (v *Viewer) persist(settings stream.Settings) {
	if v.Store == nil {
		return
	}

	if err := v.Store.PutSettings(settings); err != nil {
		v.logger().WithError(err).Warn("unable to save settings")
	}
}

func (v *Viewer) outcome(res *capture.Result) Outcome {
	return Outcome{
		Settings: v.Settings.Snapshot(),
		State:    v.Pipeline.State(),
		Export:   res,
	}
}

func (v *Viewer) now() time.Time {
	if v.Now == nil {
		return time.Now()
	}

	return v.Now()
}

func (v *Viewer) logger() *logrus.Logger {
	if v.Logger == nil {
		return logrus.StandardLogger()
	}

	return v.Logger
}
