package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gloworm-vision/depthcam/realsense"
	"github.com/gloworm-vision/depthcam/stream"
	"github.com/sirupsen/logrus"
)

// captureLoop polls one running pipeline for frame sets and publishes them to
// the frame store. It only ever calls WaitForFrames on the pipeline, and only
// exits when its context is cancelled.
type captureLoop struct {
	pipeline realsense.Pipeline
	frames   *FrameStore
	kinds    []stream.Kind
	opts     Options
	counters *counters
	log      *logrus.Entry

	// confirmed is set by the controller once it considers the pipeline running
	confirmed atomic.Bool
}

func (l *captureLoop) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	l.log.Debug("capture loop started")
	defer l.log.Debug("capture loop exited")

	for ctx.Err() == nil {
		if !l.confirmed.Load() {
			sleep(ctx, l.opts.IdleBackoff)
			continue
		}

		l.step(ctx)
		sleep(ctx, l.opts.Cadence)
	}
}

// step runs one wait-and-publish cycle. Failures, including panics from the
// native layer, are recorded and swallowed so frame delivery carries on.
func (l *captureLoop) step(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.failed(fmt.Errorf("panic while capturing: %v", r))
		}
	}()

	set, err := l.pipeline.WaitForFrames(l.opts.WaitTimeout)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		l.failed(err)
		return
	}

	l.publish(set)
}

func (l *captureLoop) publish(set realsense.FrameSet) {
	images := make([]Image, 0, len(l.kinds))
	var intrinsics *Intrinsics

	for _, k := range l.kinds {
		st, _, _ := k.Native()

		f, ok := set.Frame(st)
		if !ok {
			continue
		}

		img := imageFrom(k, f)
		if !img.Valid() {
			l.log.WithFields(logrus.Fields{
				"kind":   k.String(),
				"width":  img.Width,
				"height": img.Height,
				"bytes":  len(img.Data),
			}).Warn("dropping frame with mismatched buffer size")
			continue
		}

		images = append(images, img)

		if k == stream.Depth {
			in := intrinsicsFrom(f)
			intrinsics = &in
		}
	}

	if len(images) == 0 {
		return
	}

	l.frames.publish(images, intrinsics)

	l.counters.frames.Add(1)
	l.counters.consecutive.Store(0)
}

func (l *captureLoop) failed(err error) {
	l.counters.waitErrors.Add(1)
	n := l.counters.consecutive.Add(1)

	log := l.log.WithError(err).WithField("consecutive", n)

	switch {
	case n == uint64(l.opts.ErrorEscalation):
		log.Error("frames keep failing to arrive, capture continues")
	case realsense.IsRecoverable(err):
		log.Debug("transient frame wait error")
	default:
		log.Warn("frame wait failed")
	}
}

// sleep pauses for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
