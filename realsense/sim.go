package realsense

import (
	"fmt"
	"sync"
	"time"
)

// Sim is an in-process Context that fabricates frames. It backs the default
// build and the tests, and can inject failures into the pipelines it creates.
type Sim struct {
	mu      sync.Mutex
	devices []DeviceInfo

	startErrs []error
	stopErrs  []error
	waitErrs  []error
	hang      bool
	hung      int

	starts int
	stops  int
}

var _ Context = &Sim{}

// NewSim returns a simulator with the given devices connected.
func NewSim(devices ...DeviceInfo) *Sim {
	return &Sim{devices: append([]DeviceInfo(nil), devices...)}
}

// QueryDevices lists the simulated devices.
func (s *Sim) QueryDevices() ([]DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]DeviceInfo(nil), s.devices...), nil
}

// SetDevices replaces the set of connected devices.
func (s *Sim) SetDevices(devices ...DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices = append([]DeviceInfo(nil), devices...)
}

// NewPipeline creates a simulated pipeline bound to this simulator.
func (s *Sim) NewPipeline() (Pipeline, error) {
	return &simPipeline{sim: s}, nil
}

// FailNextStart makes the next pipeline start return err.
func (s *Sim) FailNextStart(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startErrs = append(s.startErrs, err)
}

// FailNextStop makes the next pipeline stop return err.
func (s *Sim) FailNextStop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopErrs = append(s.stopErrs, err)
}

// FailWaits makes the next n frame waits return err.
func (s *Sim) FailWaits(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < n; i++ {
		s.waitErrs = append(s.waitErrs, err)
	}
}

// Hang makes frame waits block, ignoring their timeout, until the pipeline is
// stopped. It models a driver that stops delivering frames.
func (s *Sim) Hang(hang bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hang = hang
}

// Hung returns how many frame waits are currently blocked by Hang.
func (s *Sim) Hung() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hung
}

// Starts returns how many pipeline starts succeeded.
func (s *Sim) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.starts
}

// Stops returns how many pipeline stops succeeded.
func (s *Sim) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stops
}

func (s *Sim) popErr(errs *[]error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(*errs) == 0 {
		return nil
	}

	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (s *Sim) hasDevice(serial string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		if d.Serial == serial {
			return true
		}
	}

	return false
}

func (s *Sim) enterHang() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hang {
		s.hung++
	}

	return s.hang
}

func (s *Sim) leaveHang() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hung--
}

type simPipeline struct {
	sim *Sim

	mu      sync.Mutex
	cfg     Config
	stopped chan struct{}
	seq     uint64
	next    time.Time
}

func (p *simPipeline) Start(cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped != nil {
		return &Error{Func: "pipeline_start", Message: "pipeline already started"}
	}

	if err := p.sim.popErr(&p.sim.startErrs); err != nil {
		return err
	}

	if cfg.Serial != "" && !p.sim.hasDevice(cfg.Serial) {
		return &Error{Func: "pipeline_start", Message: fmt.Sprintf("no device with serial %q", cfg.Serial)}
	}

	if len(cfg.Streams) == 0 {
		return &Error{Func: "pipeline_start", Message: "no streams enabled"}
	}

	for _, req := range cfg.Streams {
		if req.Width <= 0 || req.Height <= 0 || req.FPS <= 0 || req.Format.BytesPerPixel() == 0 {
			return &Error{Func: "config_enable_stream", Message: fmt.Sprintf("unsupported request %+v", req)}
		}
	}

	p.cfg = Config{Serial: cfg.Serial, Streams: append([]StreamRequest(nil), cfg.Streams...)}
	p.stopped = make(chan struct{})
	p.next = time.Now()

	p.sim.mu.Lock()
	p.sim.starts++
	p.sim.mu.Unlock()

	return nil
}

func (p *simPipeline) WaitForFrames(timeout time.Duration) (FrameSet, error) {
	p.mu.Lock()
	stopped := p.stopped
	cfg := p.cfg
	p.mu.Unlock()

	if stopped == nil {
		return FrameSet{}, ErrNotStarted
	}

	if p.sim.enterHang() {
		<-stopped
		p.sim.leaveHang()
		return FrameSet{}, &Error{Func: "pipeline_wait_for_frames", Message: "pipeline stopped while waiting"}
	}

	if err := p.sim.popErr(&p.sim.waitErrs); err != nil {
		return FrameSet{}, err
	}

	interval := time.Second / time.Duration(maxFPS(cfg.Streams))

	p.mu.Lock()
	delay := time.Until(p.next)
	if delay < 0 {
		delay = 0
	}
	p.next = time.Now().Add(delay).Add(interval)
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	if delay > timeout {
		return FrameSet{}, &Error{Func: "pipeline_wait_for_frames", Message: fmt.Sprintf("frame didn't arrive within %s", timeout), Recoverable: true}
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-stopped:
			return FrameSet{}, &Error{Func: "pipeline_wait_for_frames", Message: "pipeline stopped while waiting"}
		case <-timer.C:
		}
	}

	now := time.Now()
	set := FrameSet{Frames: make([]Frame, 0, len(cfg.Streams))}
	for _, req := range cfg.Streams {
		set.Frames = append(set.Frames, synthesize(req, seq, now))
	}

	return set, nil
}

func (p *simPipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped == nil {
		return &Error{Func: "pipeline_stop", Message: ErrNotStarted.Error()}
	}

	if err := p.sim.popErr(&p.sim.stopErrs); err != nil {
		close(p.stopped)
		p.stopped = nil
		return err
	}

	close(p.stopped)
	p.stopped = nil

	p.sim.mu.Lock()
	p.sim.stops++
	p.sim.mu.Unlock()

	return nil
}

func maxFPS(reqs []StreamRequest) int {
	fps := 1
	for _, r := range reqs {
		if r.FPS > fps {
			fps = r.FPS
		}
	}

	return fps
}

// SimIntrinsics returns the intrinsics the simulator reports for a stream of
// the given size: a roughly 87 degree horizontal field of view, centred.
func SimIntrinsics(width, height int) Intrinsics {
	f := float64(width) * 0.525
	return Intrinsics{
		Width:  width,
		Height: height,
		Fx:     f,
		Fy:     f,
		Ppx:    float64(width) / 2,
		Ppy:    float64(height) / 2,
	}
}

func synthesize(req StreamRequest, seq uint64, at time.Time) Frame {
	w, h := req.Width, req.Height
	bpp := req.Format.BytesPerPixel()
	data := make([]byte, w*h*bpp)
	shift := int(seq % 256)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * bpp
			switch req.Format {
			case FormatZ16:
				// a tilted plane between roughly 0.5m and 2.5m
				v := uint16(500 + (x*2000)/w + shift)
				data[i] = byte(v)
				data[i+1] = byte(v >> 8)
			case FormatY8:
				data[i] = byte((x + y + shift) % 256)
			case FormatBGR8:
				data[i] = byte((x + shift) % 256)
				data[i+1] = byte((y + shift) % 256)
				data[i+2] = byte((x + y) % 256)
			}
		}
	}

	f := Frame{
		Stream:     req.Stream,
		Width:      w,
		Height:     h,
		Format:     req.Format,
		Data:       data,
		Timestamp:  at,
		Intrinsics: SimIntrinsics(w, h),
	}
	if req.Stream == StreamDepth {
		f.DepthScale = 0.001
	}

	return f
}
