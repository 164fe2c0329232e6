package store

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/gloworm-vision/depthcam/stream"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when the requested settings were never saved.
	ErrNotFound = errors.New("not found")

	// ErrInvalidPresetName is returned when a preset name is not a single
	// path-safe token.
	ErrInvalidPresetName = errors.New("invalid preset name")
)

// Store describes a persistent storage engine for depthcam settings: the
// settings in use when the process last ran, and named presets an operator
// can switch between.
type Store interface {
	Settings() (stream.Settings, error)
	PutSettings(s stream.Settings) error

	Preset(name string) (stream.Settings, error)
	ListPresets() ([]string, error)
	PutPreset(name string, s stream.Settings) error
	DeletePreset(name string) error

	io.Closer
}

const (
	EngineBBolt  = "bbolt"
	EngineBadger = "badger"
)

// Open opens the named storage engine at path.
func Open(engine, path string, logger *logrus.Logger) (Store, error) {
	switch engine {
	case EngineBBolt, "":
		b, err := OpenBBolt(path, 0o600, nil)
		if err != nil {
			return nil, err
		}
		return b, nil
	case EngineBadger:
		b, err := OpenBadger(path, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown store engine %q", engine)
	}
}

// Load returns the saved settings, or the defaults if none were saved yet.
func Load(s Store) (stream.Settings, error) {
	settings, err := s.Settings()
	if errors.Is(err, ErrNotFound) {
		return stream.Defaults(), nil
	}
	if err != nil {
		return stream.Settings{}, err
	}

	return settings, nil
}

func validPresetName(name string) error {
	switch strings.TrimSpace(name) {
	case "":
		return fmt.Errorf("%w: name is empty", ErrInvalidPresetName)
	case ".", "..":
		return fmt.Errorf("%w: %q", ErrInvalidPresetName, name)
	}

	if strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: %q has surrounding space", ErrInvalidPresetName, name)
	}

	for _, r := range name {
		if r == '/' || r == '\\' || r == ':' || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidPresetName, name, r)
		}
	}

	return nil
}
