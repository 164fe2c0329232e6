package stream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gloworm-vision/depthcam/device"
)

// Config is the desired state of one stream.
type Config struct {
	Enabled    bool       `json:"enabled"`
	Resolution Resolution `json:"resolution"`
}

// Settings is the whole desired configuration. It is a value type: copies
// never share state with the Manager they came from.
type Settings struct {
	Depth    Config `json:"depth"`
	Infrared Config `json:"infrared"`
	Color    Config `json:"color"`

	// Device is the selected serial number, or device.None.
	Device string `json:"device"`
}

// Defaults returns settings with every stream disabled at its default
// resolution and no device selected.
func Defaults() Settings {
	return Settings{
		Depth:    Config{Resolution: DefaultResolution(Depth)},
		Infrared: Config{Resolution: DefaultResolution(Infrared)},
		Color:    Config{Resolution: DefaultResolution(Color)},
		Device:   device.None,
	}
}

// Stream returns the configuration of one stream kind.
func (s Settings) Stream(k Kind) Config {
	switch k {
	case Depth:
		return s.Depth
	case Infrared:
		return s.Infrared
	case Color:
		return s.Color
	default:
		return Config{}
	}
}

func (s *Settings) setStream(k Kind, c Config) {
	switch k {
	case Depth:
		s.Depth = c
	case Infrared:
		s.Infrared = c
	case Color:
		s.Color = c
	}
}

// Enabled reports whether the kind is enabled.
func (s Settings) Enabled(k Kind) bool {
	return s.Stream(k).Enabled
}

// EnabledKinds lists the enabled kinds in display order.
func (s Settings) EnabledKinds() []Kind {
	var kinds []Kind
	for _, k := range Kinds {
		if s.Enabled(k) {
			kinds = append(kinds, k)
		}
	}

	return kinds
}

// AnyEnabled reports whether at least one stream is enabled.
func (s Settings) AnyEnabled() bool {
	return len(s.EnabledKinds()) > 0
}

// HasDevice reports whether a device is selected.
func (s Settings) HasDevice() bool {
	return s.Device != "" && s.Device != device.None
}

// Validate checks every stream's resolution against its supported set.
func (s Settings) Validate() error {
	for _, k := range Kinds {
		r := s.Stream(k).Resolution
		if !r.SupportedBy(k) {
			return fmt.Errorf("%w: %s not supported for %s", ErrInvalidResolution, r, k)
		}
	}

	return nil
}

// Update is a partial change to one settings entry. Nil fields are left alone.
type Update struct {
	Enabled    *bool
	Resolution *string
	Device     *string
}

// Manager guards the settings aggregate with a single mutex so readers never
// see half of an update.
type Manager struct {
	mu       sync.Mutex
	settings Settings
}

// NewManager returns a manager holding Defaults.
func NewManager() *Manager {
	return &Manager{settings: Defaults()}
}

// Update merges u into the entry named key: a stream kind or "device". The
// update is validated in full before anything is changed.
func (m *Manager) Update(key string, u Update) error {
	key = strings.ToLower(strings.TrimSpace(key))

	var (
		kind     Kind
		isStream bool
	)
	if key != DeviceKey {
		k, err := ParseKind(key)
		if err != nil {
			return err
		}
		kind, isStream = k, true
	}

	var res Resolution
	if isStream && u.Resolution != nil {
		r, err := ParseResolutionFor(kind, *u.Resolution)
		if err != nil {
			return err
		}
		res = r
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if isStream {
		c := m.settings.Stream(kind)
		if u.Enabled != nil {
			c.Enabled = *u.Enabled
		}
		if u.Resolution != nil {
			c.Resolution = res
		}
		m.settings.setStream(kind, c)
	}

	if u.Device != nil {
		m.settings.Device = normalizeDevice(*u.Device)
	}

	return nil
}

// Snapshot returns a copy of the current settings.
func (m *Manager) Snapshot() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.settings
}

// Reset disables every stream and deselects the device.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings = Defaults()
}

// Restore replaces the whole aggregate, for example with persisted settings.
func (m *Manager) Restore(s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("unable to restore settings: %w", err)
	}
	s.Device = normalizeDevice(s.Device)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings = s
	return nil
}

func normalizeDevice(serial string) string {
	serial = strings.TrimSpace(serial)
	if serial == "" || strings.EqualFold(serial, device.None) {
		return device.None
	}

	return serial
}
