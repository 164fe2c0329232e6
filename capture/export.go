// Package capture writes the latest frames to disk: one PNG per enabled
// stream and, when depth intrinsics are known, a point cloud of the depth
// image.
package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/gloworm-vision/depthcam/pipeline"
	"github.com/gloworm-vision/depthcam/stream"
	"github.com/sirupsen/logrus"
)

// PointCloudDir is the directory under the export root holding point clouds.
const PointCloudDir = "depth_ply"

// LabelLayout is the time layout used by Label.
const LabelLayout = "20060102_150405.000"

// ErrInvalidLabel is returned for labels that don't name a file.
var ErrInvalidLabel = errors.New("invalid export label")

// ExportError is a failure to write one file. It never aborts the rest of an
// export.
type ExportError struct {
	// Target is the stream kind name, or PointCloudDir for the point cloud.
	Target string
	Path   string
	Err    error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("unable to export %s to %s: %s", e.Target, e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

func (e *ExportError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Target string `json:"target"`
		Path   string `json:"path"`
		Error  string `json:"error"`
	}{e.Target, e.Path, e.Err.Error()})
}

// Result lists what one export wrote and what failed.
type Result struct {
	Label  string         `json:"label"`
	Files  []string       `json:"files"`
	Errors []*ExportError `json:"errors,omitempty"`
}

// Err joins the per-file errors, or returns nil if every write succeeded.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}

	errs := make([]error, 0, len(r.Errors))
	for _, err := range r.Errors {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// FrameSource hands out a consistent copy of the latest frames.
type FrameSource interface {
	Frames() pipeline.Frames
}

var _ FrameSource = &pipeline.Controller{}

// Exporter writes frames under Root as <kind>/<label>.png and
// depth_ply/<label>.ply. Directories are created on demand.
type Exporter struct {
	Root    string
	Encoder Encoder
	Logger  *logrus.Logger
}

// Label formats t as an export label.
func Label(t time.Time) string {
	return t.Format(LabelLayout)
}

// Snapshot exports the frames src currently holds.
func (e *Exporter) Snapshot(src FrameSource, settings stream.Settings, label string) (Result, error) {
	return e.Export(settings, src.Frames(), label)
}

// Export writes every enabled stream's image in frames. Streams that are
// disabled or have no image are skipped. With nothing to write it touches no
// files at all. The returned error only reports an unusable label; write
// failures are collected in the result.
func (e *Exporter) Export(settings stream.Settings, frames pipeline.Frames, label string) (Result, error) {
	label, err := SanitizeLabel(label)
	if err != nil {
		return Result{}, err
	}

	res := Result{Label: label, Files: make([]string, 0)}
	log := e.logger().WithField("label", label)

	for _, k := range stream.Kinds {
		img := frames.Image(k)
		if !settings.Enabled(k) || img == nil {
			continue
		}

		path := filepath.Join(e.Root, k.String(), label+".png")
		if err := e.writeImage(path, *img); err != nil {
			res.fail(log, k.String(), path, err)
			continue
		}

		res.Files = append(res.Files, path)
		log.WithFields(logrus.Fields{"kind": k.String(), "path": path}).Info("image saved")
	}

	if settings.Depth.Enabled && frames.Depth != nil && frames.Intrinsics != nil {
		path := filepath.Join(e.Root, PointCloudDir, label+".ply")
		n, err := e.writePointCloud(path, *frames.Depth, *frames.Intrinsics)
		if err != nil {
			res.fail(log, PointCloudDir, path, err)
		} else {
			res.Files = append(res.Files, path)
			log.WithFields(logrus.Fields{"path": path, "points": n}).Info("point cloud saved")
		}
	}

	return res, nil
}

func (r *Result) fail(log *logrus.Entry, target, path string, err error) {
	exportErr := &ExportError{Target: target, Path: path, Err: err}
	r.Errors = append(r.Errors, exportErr)
	log.WithError(err).WithField("path", path).Warnf("unable to save %s", target)
}

func (e *Exporter) writeImage(path string, img pipeline.Image) error {
	enc := e.Encoder
	if enc == nil {
		enc = PNGEncoder{}
	}

	buf, err := enc.Encode(img)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("unable to create directory: %w", err)
	}

	return os.WriteFile(path, buf, 0o644)
}

func (e *Exporter) writePointCloud(path string, depth pipeline.Image, in pipeline.Intrinsics) (int, error) {
	cloud, err := Project(depth, in)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("unable to create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("unable to create file: %w", err)
	}

	if err := WritePLY(f, cloud); err != nil {
		f.Close()
		return 0, err
	}

	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("unable to close file: %w", err)
	}

	return cloud.Len(), nil
}

func (e *Exporter) logger() *logrus.Logger {
	if e.Logger == nil {
		return logrus.StandardLogger()
	}

	return e.Logger
}

// SanitizeLabel turns label into a single safe path component.
func SanitizeLabel(label string) (string, error) {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':':
			return '_'
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(label))

	if clean == "" || clean == "." || clean == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}

	return clean, nil
}
