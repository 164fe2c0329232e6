package server

import (
	"sync"
	"time"

	"github.com/gloworm-vision/depthcam/stream"
	"github.com/hybridgroup/mjpeg"
)

// displayManager synchronizes access to the per-kind MJPEG streams and
// remembers which frame each one last showed, so an unchanged frame isn't
// encoded twice.
type displayManager struct {
	streams map[stream.Kind]*mjpeg.Stream

	mu   *sync.RWMutex
	last map[stream.Kind]time.Time
}

func newDisplayManager() *displayManager {
	d := &displayManager{
		streams: make(map[stream.Kind]*mjpeg.Stream, len(stream.Kinds)),
		mu:      new(sync.RWMutex),
		last:    make(map[stream.Kind]time.Time, len(stream.Kinds)),
	}

	for _, k := range stream.Kinds {
		d.streams[k] = mjpeg.NewStream()
	}

	return d
}

func (d *displayManager) Stream(k stream.Kind) *mjpeg.Stream {
	return d.streams[k]
}

// Stale reports whether a frame captured at capturedAt is newer than the last
// one shown for k.
func (d *displayManager) Stale(k stream.Kind, capturedAt time.Time) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return capturedAt.After(d.last[k])
}

func (d *displayManager) Update(k stream.Kind, capturedAt time.Time, jpeg []byte) {
	d.mu.Lock()
	d.last[k] = capturedAt
	d.mu.Unlock()

	d.streams[k].UpdateJPEG(jpeg)
}

// Forget makes the next frame of k show regardless of its timestamp.
func (d *displayManager) Forget(k stream.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.last, k)
}
