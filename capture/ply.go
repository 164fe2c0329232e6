package capture

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// WritePLY writes c as an ASCII PLY file with float x, y, z vertices.
func WritePLY(w io.Writer, c PointCloud) error {
	bw := bufio.NewWriter(w)

	n := c.Len()
	if _, err := fmt.Fprintf(bw, "ply\nformat ascii 1.0\nelement vertex %d\nproperty float x\nproperty float y\nproperty float z\nend_header\n", n); err != nil {
		return fmt.Errorf("unable to write ply header: %w", err)
	}

	buf := make([]byte, 0, 64)
	for i := 0; i < n; i++ {
		x, y, z := c.Point(i)

		buf = buf[:0]
		buf = strconv.AppendFloat(buf, x, 'g', 7, 32)
		buf = append(buf, ' ')
		buf = strconv.AppendFloat(buf, y, 'g', 7, 32)
		buf = append(buf, ' ')
		buf = strconv.AppendFloat(buf, z, 'g', 7, 32)
		buf = append(buf, '\n')

		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("unable to write vertex %d: %w", i, err)
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("unable to flush ply: %w", err)
	}

	return nil
}
