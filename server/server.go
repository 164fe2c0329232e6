// Package server exposes the viewer over HTTP: operator actions as JSON
// endpoints, a colorized MJPEG stream per stream kind, and a websocket feed
// of pipeline state changes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gloworm-vision/depthcam/pipeline"
	"github.com/gloworm-vision/depthcam/viewer"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// DefaultDisplayInterval is how often the MJPEG streams are refreshed.
const DefaultDisplayInterval = 100 * time.Millisecond

type Server struct {
	Addr string

	Viewer   *viewer.Viewer
	Pipeline *pipeline.Controller
	Logger   *logrus.Logger

	// DisplayInterval defaults to DefaultDisplayInterval.
	DisplayInterval time.Duration

	displays *displayManager
	upgrader websocket.Upgrader
}

func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       time.Second * 15,
		ReadHeaderTimeout: time.Second * 15,
		IdleTimeout:       time.Second * 30,
		MaxHeaderBytes:    4096,
	}

	listenErrs := make(chan error, 1)
	go func() {
		s.Logger.WithField("addr", s.Addr).Info("serving http")
		listenErrs <- httpServer.ListenAndServe()
	}()

	displayCtx, cancelDisplay := context.WithCancel(ctx)
	defer cancelDisplay()

	displayErrs := make(chan error, 1)
	go func() {
		s.Logger.Info("starting display loop")
		err := s.runDisplay(displayCtx)
		s.Logger.Debug("display loop stopped")
		displayErrs <- err
	}()

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("unable to shut down http server: %w", err)
		}

		return nil
	}

	select {
	case err := <-listenErrs:
		cancelDisplay()
		<-displayErrs
		return err
	case err := <-displayErrs:
		if shutdownErr := shutdown(); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		err := shutdown()
		<-displayErrs
		return err
	}
}

// Handler returns the HTTP routes. It can be used without Run, in which case
// the MJPEG streams are never refreshed.
func (s *Server) Handler() http.Handler {
	s.init()

	mux := httprouter.New()

	mux.Handler(http.MethodGet, "/stream/:kind", http.HandlerFunc(s.stream))
	mux.HandlerFunc(http.MethodGet, "/events", s.events)

	mux.HandlerFunc(http.MethodGet, "/devices", s.getDevices)
	mux.HandlerFunc(http.MethodPut, "/device", s.putDevice)

	mux.HandlerFunc(http.MethodGet, "/settings", s.getSettings)
	mux.HandlerFunc(http.MethodPut, "/streams/:kind", s.putStream)

	mux.HandlerFunc(http.MethodGet, "/presets", s.presets)
	mux.HandlerFunc(http.MethodPut, "/presets/:name", s.putPreset)
	mux.HandlerFunc(http.MethodDelete, "/presets/:name", s.deletePreset)

	mux.HandlerFunc(http.MethodGet, "/status", s.status)
	mux.HandlerFunc(http.MethodGet, "/intrinsics", s.intrinsics)

	mux.HandlerFunc(http.MethodPost, "/rpc/capture", s.capturePhoto)
	mux.HandlerFunc(http.MethodPost, "/rpc/stop", s.stop)
	mux.HandlerFunc(http.MethodPost, "/rpc/restart", s.restart)
	mux.HandlerFunc(http.MethodPost, "/rpc/reset", s.reset)
	mux.HandlerFunc(http.MethodPost, "/rpc/applyPreset", s.applyPreset)

	return mux
}

func (s *Server) init() {
	if s.displays != nil {
		return
	}

	if s.Logger == nil {
		s.Logger = logrus.StandardLogger()
	}

	if s.DisplayInterval <= 0 {
		s.DisplayInterval = DefaultDisplayInterval
	}

	s.displays = newDisplayManager()
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}
