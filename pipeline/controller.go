// Package pipeline owns the native streaming pipeline: it starts, stops and
// reconfigures it, runs the capture loop that keeps the latest frame of each
// stream, and hands those frames out to readers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gloworm-vision/depthcam/realsense"
	"github.com/gloworm-vision/depthcam/stream"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Options tunes the controller and its capture loop.
type Options struct {
	// JoinTimeout bounds how long Stop waits for the capture loop before
	// stopping the native pipeline underneath it.
	JoinTimeout time.Duration `mapstructure:"join_timeout"`

	// WaitTimeout is passed to every native wait-for-frames call.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`

	// Cadence is the pause after every loop iteration.
	Cadence time.Duration `mapstructure:"cadence"`

	// IdleBackoff is the pause while the loop waits for the controller to
	// confirm the pipeline is running.
	IdleBackoff time.Duration `mapstructure:"idle_backoff"`

	// ErrorEscalation is the number of consecutive wait failures after which
	// the loop reports at error level. The loop keeps running regardless.
	ErrorEscalation int `mapstructure:"error_escalation"`
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		JoinTimeout:     3 * time.Second,
		WaitTimeout:     time.Second,
		Cadence:         5 * time.Millisecond,
		IdleBackoff:     10 * time.Millisecond,
		ErrorEscalation: 30,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = d.JoinTimeout
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = d.WaitTimeout
	}
	if o.Cadence <= 0 {
		o.Cadence = d.Cadence
	}
	if o.IdleBackoff <= 0 {
		o.IdleBackoff = d.IdleBackoff
	}
	if o.ErrorEscalation <= 0 {
		o.ErrorEscalation = d.ErrorEscalation
	}

	return o
}

// Controller is the sole owner of the native pipeline handle. Restart and Stop
// are serialized, and each fully joins the previous capture loop before
// touching the pipeline, so at most one loop ever waits on the handle.
type Controller struct {
	Logger *logrus.Logger

	opts     Options
	pipeline realsense.Pipeline
	frames   FrameStore

	// mu serializes Restart and Stop.
	mu         sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	stateMu   sync.RWMutex
	state     State
	episode   string
	serial    string
	startedAt time.Time
	lastErr   error
	counters  *counters

	subsMu sync.Mutex
	subs   map[chan StateChange]struct{}
}

type counters struct {
	frames      atomic.Uint64
	waitErrors  atomic.Uint64
	consecutive atomic.Uint64
}

// NewController creates the process's pipeline handle from ctx.
func NewController(ctx realsense.Context, opts Options, logger *logrus.Logger) (*Controller, error) {
	p, err := ctx.NewPipeline()
	if err != nil {
		return nil, fmt.Errorf("unable to create native pipeline: %w", err)
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Controller{
		Logger:   logger,
		opts:     opts.withDefaults(),
		pipeline: p,
		counters: &counters{},
		subs:     make(map[chan StateChange]struct{}),
	}, nil
}

// BuildConfig translates settings into a native configuration: the selected
// device plus one request per enabled stream at the fixed frame rate.
func BuildConfig(s stream.Settings) realsense.Config {
	var cfg realsense.Config
	cfg.EnableDevice(s.Device)

	for _, k := range s.EnabledKinds() {
		res := s.Stream(k).Resolution
		st, index, format := k.Native()
		cfg.EnableStream(realsense.StreamRequest{
			Stream: st,
			Index:  index,
			Width:  res.Width,
			Height: res.Height,
			Format: format,
			FPS:    stream.FPS,
		})
	}

	return cfg
}

// Restart stops the pipeline if it is running, then starts it with settings.
// It returns once the native start has succeeded and the capture loop has been
// spawned. Without a selected device it returns ErrNoDeviceSelected and the
// pipeline stays stopped. Settings that fail validation are rejected before
// anything is stopped.
//
// A failed native stop does not prevent the start. It is logged, recorded as
// the last error, and returned joined with the start error if the start fails
// too.
func (c *Controller) Restart(settings stream.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stopErr := c.stopLocked()

	if !settings.HasDevice() {
		c.Logger.Info("no device selected, pipeline stays stopped")
		return ErrNoDeviceSelected
	}

	if !settings.AnyEnabled() {
		c.Logger.WithField("serial", settings.Device).Info("no stream enabled, pipeline stays stopped")
		return ErrNoStreamEnabled
	}

	cfg := BuildConfig(settings)
	log := c.Logger.WithField("serial", settings.Device)

	c.setState(Starting, "", nil)

	if err := c.pipeline.Start(cfg); err != nil {
		err = ErrNativeStart{fmt.Errorf("unable to start pipeline on %q: %w", settings.Device, err)}
		log.WithError(err).Error("pipeline start failed")
		c.setState(Failed, "", err)
		c.setState(Stopped, "", err)
		if stopErr != nil {
			return errors.Join(stopErr, err)
		}
		return err
	}

	episode := uuid.NewString()
	cnt := &counters{}
	c.frames.clear()

	c.stateMu.Lock()
	c.serial = settings.Device
	c.startedAt = time.Now()
	c.counters = cnt
	c.lastErr = stopErr
	c.stateMu.Unlock()

	loop := &captureLoop{
		pipeline: c.pipeline,
		frames:   &c.frames,
		kinds:    settings.EnabledKinds(),
		opts:     c.opts,
		counters: cnt,
		log:      log.WithField("episode", episode),
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go loop.run(loopCtx, done)

	c.loopCancel, c.loopDone = cancel, done

	c.setState(Running, episode, nil)
	loop.confirmed.Store(true)

	log.WithFields(logrus.Fields{
		"episode": episode,
		"streams": kindNames(settings.EnabledKinds()),
	}).Info("pipeline running")

	return nil
}

// Stop stops the capture loop and the native pipeline. Stopping a stopped
// controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	if c.loopDone == nil {
		return nil
	}

	episode := c.Episode()
	log := c.Logger.WithField("episode", episode)

	c.setState(Stopping, episode, nil)
	c.loopCancel()

	joined := true
	select {
	case <-c.loopDone:
	case <-time.After(c.opts.JoinTimeout):
		joined = false
		log.Warnf("capture loop still waiting on frames after %s, stopping pipeline underneath it", c.opts.JoinTimeout)
	}

	stopErr := c.pipeline.Stop()

	if !joined {
		// the native stop unblocks the pending wait, after which the loop
		// sees its cancelled context and exits
		<-c.loopDone
	}

	c.loopCancel, c.loopDone = nil, nil
	c.frames.clear()

	if stopErr != nil {
		err := ErrNativeStop{fmt.Errorf("unable to stop pipeline: %w", stopErr)}
		log.WithError(err).Error("pipeline stop failed")
		c.setState(Failed, episode, err)
		c.setState(Stopped, "", err)
		return err
	}

	c.setState(Stopped, "", nil)
	log.Info("pipeline stopped")

	return nil
}

// State returns the current run state.
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	return c.state
}

// IsRunning reports whether the pipeline is running.
func (c *Controller) IsRunning() bool {
	return c.State() == Running
}

// Episode returns the id of the current running episode, or "".
func (c *Controller) Episode() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	return c.episode
}

// Image returns a copy of the latest image of kind k. It is absent until the
// first frame arrives, while the stream is disabled, and after Stop.
func (c *Controller) Image(k stream.Kind) (Image, bool) {
	return c.frames.Image(k)
}

// DepthIntrinsics returns the intrinsics of the latest depth frame. It is
// absent unless depth is enabled and the pipeline is running.
func (c *Controller) DepthIntrinsics() (Intrinsics, bool) {
	return c.frames.DepthIntrinsics()
}

// Frames returns a consistent copy of every stored image and the intrinsics.
func (c *Controller) Frames() Frames {
	return c.frames.Snapshot()
}

// Stats reports on the current or most recent episode.
func (c *Controller) Stats() Stats {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	s := Stats{
		State:             c.state,
		Episode:           c.episode,
		Serial:            c.serial,
		FramesCaptured:    c.counters.frames.Load(),
		WaitErrors:        c.counters.waitErrors.Load(),
		ConsecutiveErrors: c.counters.consecutive.Load(),
	}
	if !c.startedAt.IsZero() {
		at := c.startedAt
		s.StartedAt = &at
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}

	return s
}

// Subscribe returns a channel receiving every state change from now on. Slow
// subscribers miss changes rather than blocking the controller. Call cancel to
// unsubscribe.
func (c *Controller) Subscribe() (changes <-chan StateChange, cancel func()) {
	ch := make(chan StateChange, 16)

	c.subsMu.Lock()
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, ch)
			c.subsMu.Unlock()
		})
	}
}

func (c *Controller) setState(s State, episode string, err error) {
	c.stateMu.Lock()
	c.state = s
	c.episode = episode
	if err != nil {
		c.lastErr = err
	}
	c.stateMu.Unlock()

	change := StateChange{State: s, Episode: episode, At: time.Now()}
	if err != nil {
		change.Error = err.Error()
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for ch := range c.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func kindNames(kinds []stream.Kind) []string {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.String())
	}

	return names
}
