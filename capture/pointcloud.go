package capture

import (
	"encoding/binary"
	"fmt"

	"github.com/gloworm-vision/depthcam/pipeline"
	"github.com/gloworm-vision/depthcam/realsense"
	"gonum.org/v1/gonum/mat"
)

// DefaultDepthScale is used when intrinsics don't carry a depth scale.
const DefaultDepthScale = 0.001

// cameraToWorld flips the Y and Z axes of camera coordinates so the cloud is
// upright with the camera looking down -Z.
var cameraToWorld = mat.NewDiagDense(3, []float64{1, -1, -1})

// PointCloud is a set of points in metres, one per row.
type PointCloud struct {
	Points *mat.Dense
}

// Len returns the number of points.
func (c PointCloud) Len() int {
	if c.Points == nil {
		return 0
	}

	r, _ := c.Points.Dims()
	return r
}

// Point returns the coordinates of point i.
func (c PointCloud) Point(i int) (x, y, z float64) {
	return c.Points.At(i, 0), c.Points.At(i, 1), c.Points.At(i, 2)
}

// Project back-projects a Z16 depth image through the pinhole model. Pixels
// without depth are skipped.
func Project(depth pipeline.Image, in pipeline.Intrinsics) (PointCloud, error) {
	if depth.Format != realsense.FormatZ16 || !depth.Valid() {
		return PointCloud{}, fmt.Errorf("unable to project %dx%d %s image with %d bytes", depth.Width, depth.Height, depth.Format, len(depth.Data))
	}

	if in.Fx == 0 || in.Fy == 0 {
		return PointCloud{}, fmt.Errorf("unable to project with focal length %gx%g", in.Fx, in.Fy)
	}

	scale := in.DepthScale
	if scale <= 0 {
		scale = DefaultDepthScale
	}

	camera := make([]float64, 0, depth.Width*depth.Height*3)
	for v := 0; v < depth.Height; v++ {
		for u := 0; u < depth.Width; u++ {
			i := (v*depth.Width + u) * 2
			raw := binary.LittleEndian.Uint16(depth.Data[i:])
			if raw == 0 {
				continue
			}

			z := float64(raw) * scale
			camera = append(camera,
				(float64(u)-in.Ppx)*z/in.Fx,
				(float64(v)-in.Ppy)*z/in.Fy,
				z,
			)
		}
	}

	n := len(camera) / 3
	if n == 0 {
		return PointCloud{}, nil
	}

	var points mat.Dense
	points.Mul(mat.NewDense(n, 3, camera), cameraToWorld)

	return PointCloud{Points: &points}, nil
}
