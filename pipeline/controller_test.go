package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gloworm-vision/depthcam/device"
	"github.com/gloworm-vision/depthcam/realsense"
	"github.com/gloworm-vision/depthcam/stream"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSerial = "817612070412"

func testOptions() Options {
	return Options{
		JoinTimeout:     100 * time.Millisecond,
		WaitTimeout:     200 * time.Millisecond,
		Cadence:         time.Millisecond,
		IdleBackoff:     time.Millisecond,
		ErrorEscalation: 3,
	}
}

func newTestController(t *testing.T) (*Controller, *realsense.Sim) {
	t.Helper()

	sim := realsense.NewSim(realsense.DeviceInfo{Name: "Intel RealSense D435", Serial: testSerial})

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c, err := NewController(sim, testOptions(), logger)
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Stop() })

	return c, sim
}

func settingsWith(kinds ...stream.Kind) stream.Settings {
	s := stream.Defaults()
	s.Device = testSerial
	for _, k := range kinds {
		switch k {
		case stream.Depth:
			s.Depth.Enabled = true
		case stream.Infrared:
			s.Infrared.Enabled = true
		case stream.Color:
			s.Color.Enabled = true
		}
	}

	return s
}

func waitForImage(t *testing.T, c *Controller, k stream.Kind) Image {
	t.Helper()

	var img Image
	require.Eventually(t, func() bool {
		var ok bool
		img, ok = c.Image(k)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "no %s image arrived", k)

	return img
}

func TestBuildConfig(t *testing.T) {
	s := settingsWith(stream.Depth, stream.Infrared, stream.Color)
	s.Color.Resolution = stream.Resolution{Width: 1920, Height: 1080}

	want := realsense.Config{
		Serial: testSerial,
		Streams: []realsense.StreamRequest{
			{Stream: realsense.StreamDepth, Index: 0, Width: 320, Height: 240, Format: realsense.FormatZ16, FPS: 30},
			{Stream: realsense.StreamInfrared, Index: 1, Width: 640, Height: 360, Format: realsense.FormatY8, FPS: 30},
			{Stream: realsense.StreamColor, Index: 0, Width: 1920, Height: 1080, Format: realsense.FormatBGR8, FPS: 30},
		},
	}

	if diff := cmp.Diff(want, BuildConfig(s)); diff != "" {
		t.Errorf("unexpected config (-want +got):\n%s", diff)
	}

	assert.Empty(t, BuildConfig(settingsWith()).Streams)
}

func TestRestartWithoutDevice(t *testing.T) {
	c, sim := newTestController(t)

	s := settingsWith(stream.Depth)
	s.Device = device.None

	err := c.Restart(s)
	require.ErrorIs(t, err, ErrNoDeviceSelected)

	assert.Equal(t, Stopped, c.State())
	assert.False(t, c.IsRunning())
	assert.Zero(t, sim.Starts())

	_, ok := c.Image(stream.Depth)
	assert.False(t, ok)
}

func TestRestartWithoutStreams(t *testing.T) {
	c, sim := newTestController(t)

	require.ErrorIs(t, c.Restart(settingsWith()), ErrNoStreamEnabled)
	assert.Equal(t, Stopped, c.State())
	assert.Zero(t, sim.Starts())
}

func TestRestartRejectsInvalidSettings(t *testing.T) {
	c, sim := newTestController(t)

	s := settingsWith(stream.Depth)
	s.Depth.Resolution = stream.Resolution{Width: 1920, Height: 1080}

	require.ErrorIs(t, c.Restart(s), stream.ErrInvalidResolution)
	assert.Equal(t, Stopped, c.State())
	assert.Zero(t, sim.Starts())

	t.Run("leaves a running pipeline alone", func(t *testing.T) {
		require.NoError(t, c.Restart(settingsWith(stream.Depth)))
		episode := c.Episode()

		require.ErrorIs(t, c.Restart(s), stream.ErrInvalidResolution)

		assert.Equal(t, Running, c.State())
		assert.Equal(t, episode, c.Episode())
		assert.Equal(t, 1, sim.Starts())
		assert.Zero(t, sim.Stops())
		waitForImage(t, c, stream.Depth)
	})
}

func TestRestartProducesImages(t *testing.T) {
	c, _ := newTestController(t)

	s := settingsWith(stream.Depth, stream.Color)
	require.NoError(t, c.Restart(s))

	assert.Equal(t, Running, c.State())
	assert.NotEmpty(t, c.Episode())

	depth := waitForImage(t, c, stream.Depth)
	assert.True(t, depth.Valid())
	assert.Equal(t, 320, depth.Width)
	assert.Equal(t, 240, depth.Height)
	assert.Equal(t, realsense.FormatZ16, depth.Format)

	color := waitForImage(t, c, stream.Color)
	assert.True(t, color.Valid())
	assert.Equal(t, realsense.FormatBGR8, color.Format)

	_, ok := c.Image(stream.Infrared)
	assert.False(t, ok, "disabled stream must stay absent")

	in, ok := c.DepthIntrinsics()
	require.True(t, ok)
	assert.Equal(t, 320, in.Width)
	assert.InDelta(t, 0.001, in.DepthScale, 1e-9)

	stats := c.Stats()
	assert.Equal(t, Running, stats.State)
	assert.Equal(t, testSerial, stats.Serial)
	assert.NotZero(t, stats.FramesCaptured)
	require.NotNil(t, stats.StartedAt)
	assert.False(t, stats.StartedAt.IsZero())
}

func TestStatsBeforeFirstEpisode(t *testing.T) {
	c, _ := newTestController(t)

	stats := c.Stats()
	assert.Equal(t, Stopped, stats.State)
	assert.Nil(t, stats.StartedAt)

	buf, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.NotContains(t, string(buf), "startedAt")
}

func TestIntrinsicsAbsentWithoutDepth(t *testing.T) {
	c, _ := newTestController(t)

	require.NoError(t, c.Restart(settingsWith(stream.Infrared)))
	img := waitForImage(t, c, stream.Infrared)
	assert.Equal(t, realsense.FormatY8, img.Format)

	_, ok := c.DepthIntrinsics()
	assert.False(t, ok)
}

func TestRestartReconfigures(t *testing.T) {
	c, sim := newTestController(t)

	require.NoError(t, c.Restart(settingsWith(stream.Depth)))
	first := c.Episode()
	waitForImage(t, c, stream.Depth)

	s := settingsWith(stream.Depth)
	s.Depth.Resolution = stream.Resolution{Width: 640, Height: 480}
	require.NoError(t, c.Restart(s))

	assert.NotEqual(t, first, c.Episode())
	assert.Equal(t, 2, sim.Starts())
	assert.Equal(t, 1, sim.Stops())

	require.Eventually(t, func() bool {
		img, ok := c.Image(stream.Depth)
		return ok && img.Width == 640 && img.Height == 480
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStop(t *testing.T) {
	t.Run("quiesces the store", func(t *testing.T) {
		c, sim := newTestController(t)

		require.NoError(t, c.Restart(settingsWith(stream.Depth)))
		waitForImage(t, c, stream.Depth)

		require.NoError(t, c.Stop())
		assert.Equal(t, Stopped, c.State())
		assert.Equal(t, 1, sim.Stops())

		_, ok := c.Image(stream.Depth)
		assert.False(t, ok, "store is cleared on stop")

		writes := c.frames.Writes()
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, writes, c.frames.Writes(), "no writes after stop returned")
	})

	t.Run("is idempotent", func(t *testing.T) {
		c, sim := newTestController(t)

		require.NoError(t, c.Stop())

		require.NoError(t, c.Restart(settingsWith(stream.Color)))
		require.NoError(t, c.Stop())
		require.NoError(t, c.Stop())

		assert.Equal(t, Stopped, c.State())
		assert.Equal(t, 1, sim.Stops())
	})

	t.Run("unblocks a hung wait", func(t *testing.T) {
		c, sim := newTestController(t)

		sim.Hang(true)
		require.NoError(t, c.Restart(settingsWith(stream.Depth)))
		require.Eventually(t, func() bool { return sim.Hung() == 1 }, time.Second, time.Millisecond, "loop never blocked in a frame wait")

		start := time.Now()
		require.NoError(t, c.Stop())

		assert.GreaterOrEqual(t, time.Since(start), testOptions().JoinTimeout)
		assert.Equal(t, Stopped, c.State())
		assert.Equal(t, 0, sim.Hung(), "stop returned before the blocked wait did")

		sim.Hang(false)
		require.NoError(t, c.Restart(settingsWith(stream.Depth)))
		waitForImage(t, c, stream.Depth)
	})
}

func TestNativeFailures(t *testing.T) {
	t.Run("start", func(t *testing.T) {
		c, sim := newTestController(t)

		boom := errors.New("usb overcurrent")
		sim.FailNextStart(boom)

		err := c.Restart(settingsWith(stream.Depth))
		require.ErrorIs(t, err, ErrNativeStart{})
		require.ErrorIs(t, err, boom)

		assert.Equal(t, Stopped, c.State())
		assert.Contains(t, c.Stats().LastError, "usb overcurrent")

		// no automatic retry, but the next restart works
		require.NoError(t, c.Restart(settingsWith(stream.Depth)))
		waitForImage(t, c, stream.Depth)
	})

	t.Run("unknown device", func(t *testing.T) {
		c, _ := newTestController(t)

		s := settingsWith(stream.Depth)
		s.Device = "000000000000"

		require.ErrorIs(t, c.Restart(s), ErrNativeStart{})
		assert.Equal(t, Stopped, c.State())
	})

	t.Run("stop", func(t *testing.T) {
		c, sim := newTestController(t)

		require.NoError(t, c.Restart(settingsWith(stream.Depth)))
		sim.FailNextStop(errors.New("device lost"))

		err := c.Stop()
		require.ErrorIs(t, err, ErrNativeStop{})
		assert.Equal(t, Stopped, c.State())

		_, ok := c.Image(stream.Depth)
		assert.False(t, ok)
	})

	t.Run("stop during restart", func(t *testing.T) {
		c, sim := newTestController(t)

		require.NoError(t, c.Restart(settingsWith(stream.Depth)))
		sim.FailNextStop(errors.New("device lost"))

		require.NoError(t, c.Restart(settingsWith(stream.Color)))

		assert.Equal(t, Running, c.State())
		assert.Equal(t, 2, sim.Starts())
		assert.Contains(t, c.Stats().LastError, "device lost")
		waitForImage(t, c, stream.Color)
	})

	t.Run("stop and start during restart", func(t *testing.T) {
		c, sim := newTestController(t)

		require.NoError(t, c.Restart(settingsWith(stream.Depth)))

		lost := errors.New("device lost")
		busy := errors.New("device busy")
		sim.FailNextStop(lost)
		sim.FailNextStart(busy)

		err := c.Restart(settingsWith(stream.Color))
		require.ErrorIs(t, err, ErrNativeStop{})
		require.ErrorIs(t, err, ErrNativeStart{})
		require.ErrorIs(t, err, lost)
		require.ErrorIs(t, err, busy)

		assert.Equal(t, Stopped, c.State())
	})
}

func TestLoopSurvivesWaitErrors(t *testing.T) {
	sim := realsense.NewSim(realsense.DeviceInfo{Name: "Intel RealSense D435", Serial: testSerial})
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	c, err := NewController(sim, testOptions(), logger)
	require.NoError(t, err)
	defer c.Stop()

	transient := &realsense.Error{Func: "pipeline_wait_for_frames", Message: "frame didn't arrive", Recoverable: true}
	sim.FailWaits(2, transient)
	sim.FailWaits(5, errors.New("something else"))

	require.NoError(t, c.Restart(settingsWith(stream.Depth)))
	waitForImage(t, c, stream.Depth)

	stats := c.Stats()
	assert.Equal(t, uint64(7), stats.WaitErrors)
	assert.Zero(t, stats.ConsecutiveErrors)
	assert.Equal(t, Running, c.State())

	var debug, warn, escalated int
	for _, e := range hook.AllEntries() {
		switch e.Level {
		case logrus.DebugLevel:
			if e.Message == "transient frame wait error" {
				debug++
			}
		case logrus.WarnLevel:
			if e.Message == "frame wait failed" {
				warn++
			}
		case logrus.ErrorLevel:
			escalated++
		}
	}

	assert.Equal(t, 2, debug)
	assert.Equal(t, 4, warn)
	assert.Equal(t, 1, escalated, "escalation is reported once per streak")
}

func TestSubscribe(t *testing.T) {
	c, _ := newTestController(t)

	changes, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.Restart(settingsWith(stream.Depth)))
	require.NoError(t, c.Stop())

	var got []State
	timeout := time.After(time.Second)
	for len(got) < 4 {
		select {
		case change := <-changes:
			got = append(got, change.State)
		case <-timeout:
			t.Fatalf("only received %v", got)
		}
	}

	assert.Equal(t, []State{Starting, Running, Stopping, Stopped}, got)

	cancel()
	require.NoError(t, c.Restart(settingsWith(stream.Depth)))

	select {
	case change := <-changes:
		t.Errorf("received %v after cancel", change.State)
	default:
	}
}

func TestConcurrentRestartAndRead(t *testing.T) {
	c, _ := newTestController(t)

	resolutions := []stream.Resolution{{Width: 320, Height: 240}, {Width: 640, Height: 480}, {Width: 848, Height: 480}}

	done := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}

				for _, k := range stream.Kinds {
					if img, ok := c.Image(k); ok && !img.Valid() {
						t.Errorf("observed invalid %s image %dx%d with %d bytes", k, img.Width, img.Height, len(img.Data))
					}
				}

				f := c.Frames()
				if f.Depth != nil && !f.Depth.Valid() {
					t.Errorf("observed invalid depth snapshot")
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for i := 0; i < 2; i++ {
		writers.Add(1)
		go func(i int) {
			defer writers.Done()
			for j := 0; j < 10; j++ {
				s := settingsWith(stream.Depth, stream.Infrared)
				s.Depth.Resolution = resolutions[(i+j)%len(resolutions)]
				s.Infrared.Resolution = resolutions[(i+j+1)%len(resolutions)]
				assert.NoError(t, c.Restart(s))
				time.Sleep(10 * time.Millisecond)
			}
		}(i)
	}

	writers.Wait()
	close(done)
	readers.Wait()

	assert.Equal(t, Running, c.State())
	require.NoError(t, c.Stop())
}
