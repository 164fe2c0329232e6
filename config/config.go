// Package config loads depthcam's configuration from defaults, an optional
// YAML file, DEPTHCAM_* environment variables and bound command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gloworm-vision/depthcam/pipeline"
	"github.com/gloworm-vision/depthcam/realsense"
	"github.com/gloworm-vision/depthcam/store"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. DEPTHCAM_STORE_ENGINE.
const EnvPrefix = "DEPTHCAM"

type Config struct {
	Addr       string `mapstructure:"addr"`
	HistoryDir string `mapstructure:"history_dir"`
	Backend    string `mapstructure:"backend"`

	Store    StoreConfig      `mapstructure:"store"`
	Log      LogConfig        `mapstructure:"log"`
	Pipeline pipeline.Options `mapstructure:"pipeline"`
	Display  DisplayConfig    `mapstructure:"display"`
	Sim      SimConfig        `mapstructure:"sim"`
}

type StoreConfig struct {
	Engine string `mapstructure:"engine"`
	Path   string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type DisplayConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// SimConfig lists the devices the simulated backend pretends are connected.
type SimConfig struct {
	Devices []SimDevice `mapstructure:"devices"`
}

type SimDevice struct {
	Name   string `mapstructure:"name"`
	Serial string `mapstructure:"serial"`
}

// DeviceInfos converts the configured devices for the realsense package.
func (s SimConfig) DeviceInfos() []realsense.DeviceInfo {
	infos := make([]realsense.DeviceInfo, 0, len(s.Devices))
	for _, d := range s.Devices {
		infos = append(infos, realsense.DeviceInfo{Name: d.Name, Serial: d.Serial})
	}

	return infos
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	opts := pipeline.DefaultOptions()

	v.SetDefault("addr", ":8080")
	v.SetDefault("history_dir", "history")
	v.SetDefault("backend", realsense.BackendSim)
	v.SetDefault("store.engine", store.EngineBBolt)
	v.SetDefault("store.path", "depthcam.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("pipeline.join_timeout", opts.JoinTimeout)
	v.SetDefault("pipeline.wait_timeout", opts.WaitTimeout)
	v.SetDefault("pipeline.cadence", opts.Cadence)
	v.SetDefault("pipeline.idle_backoff", opts.IdleBackoff)
	v.SetDefault("pipeline.error_escalation", opts.ErrorEscalation)
	v.SetDefault("display.interval", 100*time.Millisecond)
	v.SetDefault("sim.devices", []map[string]interface{}{
		{"name": "Intel RealSense D435", "serial": "000000000001"},
	})
}

// New returns a viper instance with defaults and environment lookups set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads file, if not empty, into v and decodes the result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("unable to read config file %q: %w", file, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Validate checks the values that have no sensible fallback.
func (c Config) Validate() error {
	switch c.Backend {
	case realsense.BackendSim, realsense.BackendLibrealsense:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	switch c.Store.Engine {
	case store.EngineBBolt, store.EngineBadger:
	default:
		return fmt.Errorf("unknown store engine %q", c.Store.Engine)
	}

	if c.HistoryDir == "" {
		return errors.New("history_dir is empty")
	}

	return nil
}
