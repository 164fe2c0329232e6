package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/gloworm-vision/depthcam/capture"
	"github.com/gloworm-vision/depthcam/pipeline"
	"github.com/gloworm-vision/depthcam/realsense"
	"github.com/gloworm-vision/depthcam/stream"
	"gocv.io/x/gocv"
)

// depthDisplayScale maps raw depth units into the 8 bit range before the
// colormap is applied. At 1mm per unit it saturates at about 8.5m.
const depthDisplayScale = 0.03

func (s *Server) runDisplay(ctx context.Context) error {
	ticker := time.NewTicker(s.DisplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, k := range stream.Kinds {
				img, ok := s.Pipeline.Image(k)
				if !ok {
					s.displays.Forget(k)
					continue
				}

				if !s.displays.Stale(k, img.CapturedAt) {
					continue
				}

				buf, err := EncodeDisplay(img)
				if err != nil {
					s.Logger.WithError(err).WithField("kind", k.String()).Warn("unable to encode display frame")
					continue
				}

				s.displays.Update(k, img.CapturedAt, buf)
			}
		}
	}
}

// EncodeDisplay renders img as a JPEG for viewing: depth through the JET
// colormap, infrared as gray, color unchanged.
func EncodeDisplay(img pipeline.Image) ([]byte, error) {
	mat, err := Colorize(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	buf, err := gocv.IMEncode(".jpg", mat)
	if err != nil {
		return nil, fmt.Errorf("encode display frame: %w", err)
	}

	return buf, nil
}

// Colorize returns a BGR Mat of img. The caller closes it.
func Colorize(img pipeline.Image) (gocv.Mat, error) {
	switch img.Format {
	case realsense.FormatZ16:
		scaled := pipeline.Image{
			Kind:   img.Kind,
			Width:  img.Width,
			Height: img.Height,
			Format: realsense.FormatY8,
			Data:   scaleDepth(img.Data, depthDisplayScale),
		}

		gray, err := capture.ToMat(scaled)
		if err != nil {
			return gocv.Mat{}, err
		}
		defer gray.Close()

		out := gocv.NewMat()
		gocv.ApplyColorMap(gray, &out, gocv.ColormapJet)
		return out, nil
	case realsense.FormatY8:
		gray, err := capture.ToMat(img)
		if err != nil {
			return gocv.Mat{}, err
		}
		defer gray.Close()

		out := gocv.NewMat()
		gocv.CvtColor(gray, &out, gocv.ColorGrayToBGR)
		return out, nil
	case realsense.FormatBGR8:
		src, err := capture.ToMat(img)
		if err != nil {
			return gocv.Mat{}, err
		}
		defer src.Close()

		// the source Mat borrows img.Data, so hand back an owned copy
		return src.Clone(), nil
	default:
		return gocv.Mat{}, fmt.Errorf("unsupported format %s", img.Format)
	}
}

// scaleDepth converts little endian 16 bit depth to 8 bit, multiplying by
// alpha and saturating.
func scaleDepth(z16 []byte, alpha float64) []byte {
	out := make([]byte, len(z16)/2)
	for i := range out {
		v := math.Round(float64(binary.LittleEndian.Uint16(z16[i*2:])) * alpha)
		if v > math.MaxUint8 {
			v = math.MaxUint8
		}
		out[i] = byte(v)
	}

	return out
}
