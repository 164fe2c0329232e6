package commands

import (
	"fmt"
	"os"

	"github.com/gloworm-vision/depthcam/capture"
	"github.com/gloworm-vision/depthcam/config"
	"github.com/gloworm-vision/depthcam/device"
	"github.com/gloworm-vision/depthcam/pipeline"
	"github.com/gloworm-vision/depthcam/realsense"
	"github.com/gloworm-vision/depthcam/store"
	"github.com/gloworm-vision/depthcam/stream"
	"github.com/gloworm-vision/depthcam/viewer"
	"github.com/sirupsen/logrus"
)

// app holds everything a command needs, built from the loaded configuration.
type app struct {
	config     config.Config
	logger     *logrus.Logger
	context    realsense.Context
	controller *pipeline.Controller
	devices    *device.Enumerator
	exporter   *capture.Exporter
}

func newApp() (*app, error) {
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}

	logger, err := config.NewLogger(c.Log, os.Stderr)
	if err != nil {
		return nil, err
	}

	ctx, err := realsense.Open(c.Backend, c.Sim.DeviceInfos())
	if err != nil {
		return nil, err
	}
	logger.WithField("backend", c.Backend).Debug("camera backend opened")

	controller, err := pipeline.NewController(ctx, c.Pipeline, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		config:     c,
		logger:     logger,
		context:    ctx,
		controller: controller,
		devices:    &device.Enumerator{Context: ctx, Logger: logger},
		exporter:   &capture.Exporter{Root: c.HistoryDir, Logger: logger},
	}, nil
}

// viewer opens the settings store and wires a viewer around it. The caller
// closes the returned store.
func (a *app) viewer() (*viewer.Viewer, store.Store, error) {
	st, err := store.Open(a.config.Store.Engine, a.config.Store.Path, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open %s store at %q: %w", a.config.Store.Engine, a.config.Store.Path, err)
	}

	return &viewer.Viewer{
		Settings: stream.NewManager(),
		Pipeline: a.controller,
		Devices:  a.devices,
		Exporter: a.exporter,
		Store:    st,
		Logger:   a.logger,
	}, st, nil
}

func (a *app) close() {
	if err := a.controller.Stop(); err != nil {
		a.logger.WithError(err).Warn("unable to stop pipeline")
	}

	if c, ok := a.context.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.logger.WithError(err).Warn("unable to close camera context")
		}
	}
}
