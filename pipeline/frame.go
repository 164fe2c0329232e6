package pipeline

import (
	"sync"
	"time"

	"github.com/gloworm-vision/depthcam/realsense"
	"github.com/gloworm-vision/depthcam/stream"
)

// Image is the latest frame of one stream.
type Image struct {
	Kind       stream.Kind      `json:"kind"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Format     realsense.Format `json:"format"`
	Data       []byte           `json:"-"`
	CapturedAt time.Time        `json:"capturedAt"`
}

// Valid reports whether the pixel buffer matches the declared size and format.
func (i Image) Valid() bool {
	bpp := i.Format.BytesPerPixel()
	return bpp > 0 && i.Width > 0 && i.Height > 0 && len(i.Data) == i.Width*i.Height*bpp
}

// Clone returns a deep copy.
func (i Image) Clone() Image {
	c := i
	c.Data = append([]byte(nil), i.Data...)
	return c
}

// Intrinsics are the depth camera's pinhole parameters.
type Intrinsics struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`

	// DepthScale is metres per raw depth unit.
	DepthScale float64 `json:"depthScale"`
}

// Frames is a consistent view of the whole store.
type Frames struct {
	Depth      *Image
	Infrared   *Image
	Color      *Image
	Intrinsics *Intrinsics
}

// Image returns the frame of one kind.
func (f Frames) Image(k stream.Kind) *Image {
	switch k {
	case stream.Depth:
		return f.Depth
	case stream.Infrared:
		return f.Infrared
	case stream.Color:
		return f.Color
	default:
		return nil
	}
}

// FrameStore keeps the most recent image per stream kind and the most recent
// depth intrinsics. Only the capture loop writes to it; readers always get
// deep copies.
type FrameStore struct {
	mu         sync.RWMutex
	images     [3]*Image
	intrinsics *Intrinsics
	writes     uint64
}

// Image returns a copy of the latest image of kind k.
func (s *FrameStore) Image(k stream.Kind) (Image, bool) {
	s.mu.RLock()
	img := s.slot(k)
	s.mu.RUnlock()

	// published images are never mutated, so the copy can happen unlocked
	if img == nil {
		return Image{}, false
	}

	return img.Clone(), true
}

// DepthIntrinsics returns the intrinsics of the latest depth frame.
func (s *FrameStore) DepthIntrinsics() (Intrinsics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.intrinsics == nil {
		return Intrinsics{}, false
	}

	return *s.intrinsics, true
}

// Snapshot returns copies of everything in the store, taken under one lock.
func (s *FrameStore) Snapshot() Frames {
	s.mu.RLock()
	images := s.images
	intrinsics := s.intrinsics
	s.mu.RUnlock()

	var f Frames
	for k, img := range images {
		if img == nil {
			continue
		}

		c := img.Clone()
		switch stream.Kind(k) {
		case stream.Depth:
			f.Depth = &c
		case stream.Infrared:
			f.Infrared = &c
		case stream.Color:
			f.Color = &c
		}
	}

	if intrinsics != nil {
		in := *intrinsics
		f.Intrinsics = &in
	}

	return f
}

// Writes counts publish calls since the store was created.
func (s *FrameStore) Writes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.writes
}

// publish replaces the images of one frame set in a single critical section.
// The store takes ownership of the images' buffers.
func (s *FrameStore) publish(images []Image, intrinsics *Intrinsics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range images {
		img := images[i]
		if p := s.slotPtr(img.Kind); p != nil {
			*p = &img
		}
	}

	if intrinsics != nil {
		in := *intrinsics
		s.intrinsics = &in
	}

	s.writes++
}

func (s *FrameStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.images = [3]*Image{}
	s.intrinsics = nil
}

func (s *FrameStore) slot(k stream.Kind) *Image {
	if p := s.slotPtr(k); p != nil {
		return *p
	}

	return nil
}

func (s *FrameStore) slotPtr(k stream.Kind) **Image {
	switch k {
	case stream.Depth, stream.Infrared, stream.Color:
		return &s.images[k]
	default:
		return nil
	}
}

func imageFrom(k stream.Kind, f realsense.Frame) Image {
	return Image{
		Kind:       k,
		Width:      f.Width,
		Height:     f.Height,
		Format:     f.Format,
		Data:       f.Data,
		CapturedAt: f.Timestamp,
	}
}

func intrinsicsFrom(f realsense.Frame) Intrinsics {
	return Intrinsics{
		Width:      f.Intrinsics.Width,
		Height:     f.Intrinsics.Height,
		Fx:         f.Intrinsics.Fx,
		Fy:         f.Intrinsics.Fy,
		Ppx:        f.Intrinsics.Ppx,
		Ppy:        f.Intrinsics.Ppy,
		DepthScale: f.DepthScale,
	}
}
