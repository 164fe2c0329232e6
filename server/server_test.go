package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gloworm-vision/depthcam/capture"
	"github.com/gloworm-vision/depthcam/device"
	"github.com/gloworm-vision/depthcam/pipeline"
	"github.com/gloworm-vision/depthcam/realsense"
	"github.com/gloworm-vision/depthcam/store"
	"github.com/gloworm-vision/depthcam/stream"
	"github.com/gloworm-vision/depthcam/viewer"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSerial     = "817612070412"
	testDescriptor = "Intel RealSense D435 (SN: 817612070412)"
)

type testServer struct {
	*Server
	sim  *realsense.Sim
	http *httptest.Server
}

func newTestServer(t *testing.T) testServer {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	sim := realsense.NewSim(realsense.DeviceInfo{Name: "Intel RealSense D435", Serial: testSerial})

	controller, err := pipeline.NewController(sim, pipeline.Options{
		JoinTimeout: 100 * time.Millisecond,
		Cadence:     time.Millisecond,
		IdleBackoff: time.Millisecond,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = controller.Stop() })

	dir := t.TempDir()
	st, err := store.OpenBBolt(filepath.Join(dir, "depthcam.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s := &Server{
		Viewer: &viewer.Viewer{
			Settings: stream.NewManager(),
			Pipeline: controller,
			Devices:  &device.Enumerator{Context: sim, Logger: logger},
			Exporter: &capture.Exporter{Root: filepath.Join(dir, "history"), Logger: logger},
			Store:    st,
			Logger:   logger,
		},
		Pipeline:        controller,
		Logger:          logger,
		DisplayInterval: 10 * time.Millisecond,
	}

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return testServer{Server: s, sim: sim, http: ts}
}

func (ts testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.http.URL+path, r)
	require.NoError(t, err)

	res, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	return res, raw
}

func TestDevices(t *testing.T) {
	ts := newTestServer(t)

	res, body := ts.do(t, http.MethodGet, "/devices", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var devices []string
	require.NoError(t, json.Unmarshal(body, &devices))
	assert.Equal(t, []string{"None", testDescriptor}, devices)
}

func TestStreamsAndDevice(t *testing.T) {
	ts := newTestServer(t)

	res, _ := ts.do(t, http.MethodPut, "/streams/depth", streamRequest{Enabled: true, Resolution: "640x480"})
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, body := ts.do(t, http.MethodPut, "/device", testDescriptor)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out viewer.Outcome
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, testSerial, out.Settings.Device)
	assert.True(t, out.Settings.Depth.Enabled)
	assert.Equal(t, stream.Resolution{Width: 640, Height: 480}, out.Settings.Depth.Resolution)
	assert.True(t, ts.Pipeline.IsRunning())

	res, body = ts.do(t, http.MethodGet, "/settings", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var settings stream.Settings
	require.NoError(t, json.Unmarshal(body, &settings))
	assert.Equal(t, out.Settings, settings)

	require.Eventually(t, func() bool {
		res, _ := ts.do(t, http.MethodGet, "/intrinsics", nil)
		return res.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	res, _ = ts.do(t, http.MethodPost, "/rpc/capture", captureRequest{Label: ".."})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	res, body = ts.do(t, http.MethodPost, "/rpc/capture", captureRequest{Label: "bench"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotNil(t, out.Export)
	assert.Len(t, out.Export.Files, 2)
	assert.Empty(t, out.Export.Errors)

	res, body = ts.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `"state":"running"`)

	res, _ = ts.do(t, http.MethodPost, "/rpc/stop", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, pipeline.Stopped, ts.Pipeline.State())

	res, _ = ts.do(t, http.MethodGet, "/intrinsics", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = ts.do(t, http.MethodPost, "/rpc/restart", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, ts.Pipeline.IsRunning())
}

func TestErrorStatus(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"unknown kind", http.MethodPut, "/streams/thermal", streamRequest{Enabled: true}, http.StatusUnprocessableEntity},
		{"unsupported resolution", http.MethodPut, "/streams/depth", streamRequest{Enabled: true, Resolution: "1920x1080"}, http.StatusUnprocessableEntity},
		{"malformed body", http.MethodPut, "/device", map[string]int{"x": 1}, http.StatusUnprocessableEntity},
		{"restart without device", http.MethodPost, "/rpc/restart", nil, http.StatusConflict},
		{"missing preset", http.MethodPost, "/rpc/applyPreset?name=nope", nil, http.StatusNotFound},
		{"unsafe preset name", http.MethodPut, "/presets/c:d", nil, http.StatusUnprocessableEntity},
		{"unknown stream display", http.MethodGet, "/stream/thermal", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, body := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, res.StatusCode, string(body))
		})
	}
}

func TestNativeStartFailure(t *testing.T) {
	ts := newTestServer(t)

	res, _ := ts.do(t, http.MethodPut, "/streams/color", streamRequest{Enabled: true})
	require.Equal(t, http.StatusOK, res.StatusCode)

	ts.sim.FailNextStart(errors.New("usb overcurrent"))

	res, body := ts.do(t, http.MethodPut, "/device", testDescriptor)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Contains(t, string(body), "usb overcurrent")
	assert.Equal(t, pipeline.Stopped, ts.Pipeline.State())
}

func TestCaptureWithNothingEnabled(t *testing.T) {
	ts := newTestServer(t)

	res, body := ts.do(t, http.MethodPost, "/rpc/capture", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out viewer.Outcome
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Nil(t, out.Export)
}

func TestPresets(t *testing.T) {
	ts := newTestServer(t)

	res, _ := ts.do(t, http.MethodPut, "/streams/infrared", streamRequest{Enabled: true, Resolution: "1280x720"})
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = ts.do(t, http.MethodPut, "/presets/lab", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, body := ts.do(t, http.MethodGet, "/presets", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `["lab"]`, string(body))

	res, _ = ts.do(t, http.MethodPost, "/rpc/reset", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.False(t, ts.Viewer.Settings.Snapshot().Infrared.Enabled)

	res, _ = ts.do(t, http.MethodPost, "/rpc/applyPreset?name=lab", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, ts.Viewer.Settings.Snapshot().Infrared.Enabled)

	res, _ = ts.do(t, http.MethodDelete, "/presets/lab", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, _ = ts.do(t, http.MethodDelete, "/presets/lab", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestEvents(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	next := func() pipeline.StateChange {
		t.Helper()

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

		var change pipeline.StateChange
		require.NoError(t, conn.ReadJSON(&change))

		return change
	}

	assert.Equal(t, pipeline.Stopped, next().State)

	ctx := context.Background()
	_, err = ts.Viewer.Handle(ctx, viewer.ToggleConfig{Kind: "depth", Enabled: true})
	require.NoError(t, err)
	_, err = ts.Viewer.Handle(ctx, viewer.SelectDevice{Descriptor: testDescriptor})
	require.NoError(t, err)

	assert.Equal(t, pipeline.Starting, next().State)
	running := next()
	assert.Equal(t, pipeline.Running, running.State)
	assert.Equal(t, ts.Pipeline.Episode(), running.Episode)
}

func TestDisplay(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- ts.runDisplay(ctx) }()

	_, err := ts.Viewer.Handle(ctx, viewer.ToggleConfig{Kind: "depth", Enabled: true})
	require.NoError(t, err)
	_, err = ts.Viewer.Handle(ctx, viewer.SelectDevice{Descriptor: testDescriptor})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !ts.displays.Stale(stream.Depth, time.Time{}.Add(time.Nanosecond))
	}, 2*time.Second, 10*time.Millisecond, "depth display never updated")

	cancel()
	require.NoError(t, <-done)
}

func displayStopped(hook *test.Hook) bool {
	for _, e := range hook.AllEntries() {
		if e.Message == "display loop stopped" {
			return true
		}
	}

	return false
}

func TestRun(t *testing.T) {
	t.Run("returns the listen error after the display loop stops", func(t *testing.T) {
		ts := newTestServer(t)

		taken, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer taken.Close()

		logger, hook := test.NewNullLogger()
		logger.SetLevel(logrus.DebugLevel)
		ts.Logger = logger
		ts.Addr = taken.Addr().String()

		err = ts.Run(context.Background())
		require.Error(t, err)
		assert.True(t, displayStopped(hook))
	})

	t.Run("shuts down when the context is done", func(t *testing.T) {
		ts := newTestServer(t)

		logger, hook := test.NewNullLogger()
		logger.SetLevel(logrus.DebugLevel)
		ts.Logger = logger
		ts.Addr = "127.0.0.1:0"

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		require.NoError(t, ts.Run(ctx))
		assert.True(t, displayStopped(hook))
	})
}
