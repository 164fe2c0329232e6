package capture

import (
	"fmt"

	"github.com/gloworm-vision/depthcam/pipeline"
	"github.com/gloworm-vision/depthcam/realsense"
	"gocv.io/x/gocv"
)

// Encoder turns an image into file contents.
type Encoder interface {
	Encode(img pipeline.Image) ([]byte, error)
}

// PNGEncoder encodes images losslessly with OpenCV. Depth stays 16 bit,
// infrared is 8 bit gray, and color is written with its channels in the right
// order.
type PNGEncoder struct{}

var _ Encoder = PNGEncoder{}

func (PNGEncoder) Encode(img pipeline.Image) ([]byte, error) {
	mat, err := ToMat(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	buf, err := gocv.IMEncode(".png", mat)
	if err != nil {
		return nil, fmt.Errorf("unable to encode png: %w", err)
	}

	return buf, nil
}

// ToMat wraps the bytes of img in a Mat of the matching type. The Mat
// borrows img.Data and the caller closes it.
func ToMat(img pipeline.Image) (gocv.Mat, error) {
	if !img.Valid() {
		return gocv.Mat{}, fmt.Errorf("unable to convert %s image: %dx%d %s with %d bytes", img.Kind, img.Width, img.Height, img.Format, len(img.Data))
	}

	var mt gocv.MatType
	switch img.Format {
	case realsense.FormatZ16:
		mt = gocv.MatTypeCV16U
	case realsense.FormatY8:
		mt = gocv.MatTypeCV8U
	case realsense.FormatBGR8:
		mt = gocv.MatTypeCV8UC3
	default:
		return gocv.Mat{}, fmt.Errorf("unsupported format %s", img.Format)
	}

	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, mt, img.Data)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("unable to create mat: %w", err)
	}

	return mat, nil
}
