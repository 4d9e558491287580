// Package config loads the replay service configuration: built-in defaults,
// then an optional YAML file, then TRACKREPLAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/banshee-data/track.replay/internal/units"
)

// DefaultConfigPath is the canonical defaults file, relative to the
// repository root.
const DefaultConfigPath = "config/replay.defaults.yaml"

// EnvPrefix prefixes every environment override, e.g.
// TRACKREPLAY_REPLAY_TICK_INTERVAL=100ms sets replay.tick_interval.
const EnvPrefix = "TRACKREPLAY_"

const maxFileSize = 1 * 1024 * 1024

// Telemetry source modes.
const (
	ModeHTTP   = "http"
	ModeSQLite = "sqlite"
	ModeFile   = "file"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Replay    ReplayConfig    `koanf:"replay"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Logging   LoggingConfig   `koanf:"logging"`
	Sessions  SessionsConfig  `koanf:"sessions"`
}

type ServerConfig struct {
	Listen          string        `koanf:"listen" validate:"required,hostname_port"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimit       int           `koanf:"rate_limit" validate:"gte=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	EnableDebug     bool          `koanf:"enable_debug"`
}

type ReplayConfig struct {
	TickInterval  time.Duration `koanf:"tick_interval" validate:"gt=0"`
	DefaultSpeed  float64       `koanf:"default_speed" validate:"gt=0"`
	AllowedSpeeds []float64     `koanf:"allowed_speeds" validate:"dive,gt=0"`
	SpeedWindow   int           `koanf:"speed_window" validate:"gte=1"`
	TrailLength   int           `koanf:"trail_length" validate:"gte=0"`
	SpeedUnits    string        `koanf:"speed_units" validate:"required"`
	MaxFrames     int           `koanf:"max_frames" validate:"gte=0"`
}

type TelemetryConfig struct {
	Mode        string        `koanf:"mode" validate:"oneof=http sqlite file"`
	BaseURL     string        `koanf:"base_url" validate:"omitempty,url"`
	Token       string        `koanf:"token"`
	Timeout     time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxFailures uint32        `koanf:"max_failures" validate:"gte=1"`
	OpenTimeout time.Duration `koanf:"open_timeout" validate:"gt=0"`
	SQLitePath  string        `koanf:"sqlite_path"`
	Dir         string        `koanf:"dir"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error off"`
	Format string `koanf:"format" validate:"oneof=console json"`
}

type SessionsConfig struct {
	MaxActive      int           `koanf:"max_active" validate:"gte=1"`
	RetainFinished time.Duration `koanf:"retain_finished" validate:"gte=0"`
	ReapInterval   time.Duration `koanf:"reap_interval" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "localhost:8090",
			CORSOrigins:     []string{"*"},
			RateLimit:       120,
			RateLimitWindow: time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Replay: ReplayConfig{
			TickInterval:  50 * time.Millisecond,
			DefaultSpeed:  1,
			AllowedSpeeds: []float64{0.5, 1, 2, 5, 10},
			SpeedWindow:   5,
			TrailLength:   20,
			SpeedUnits:    units.KMPH,
			MaxFrames:     20000,
		},
		Telemetry: TelemetryConfig{
			Mode:        ModeHTTP,
			Timeout:     30 * time.Second,
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Sessions: SessionsConfig{
			MaxActive:      64,
			RetainFinished: 10 * time.Minute,
			ReapInterval:   time.Minute,
		},
	}
}

// Load layers defaults, the YAML file at path (skipped when path is empty)
// and environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := checkFile(path); err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(filepath.Clean(path)), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps TRACKREPLAY_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

func checkFile(path string) error {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml":
	default:
		return fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	return nil
}

// MustLoadDefault loads DefaultConfigPath, searching parent directories so
// tests can run from any package. Panics if the file cannot be loaded.
func MustLoadDefault() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

var validate = validator.New()

// Validate checks field ranges and the cross-field rules the struct tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	if !units.IsValid(c.Replay.SpeedUnits) {
		return fmt.Errorf("replay.speed_units must be one of %s, got %q", units.GetValidUnitsString(), c.Replay.SpeedUnits)
	}

	switch c.Telemetry.Mode {
	case ModeHTTP:
		if c.Telemetry.BaseURL == "" {
			return errors.New("telemetry.base_url is required in http mode")
		}
	case ModeSQLite:
		if c.Telemetry.SQLitePath == "" {
			return errors.New("telemetry.sqlite_path is required in sqlite mode")
		}
	case ModeFile:
		if c.Telemetry.Dir == "" {
			return errors.New("telemetry.dir is required in file mode")
		}
	}
	return nil
}

// SpeedAllowed reports whether m is one of the configured speed presets. An
// empty preset list allows any positive finite speed.
func (r ReplayConfig) SpeedAllowed(m float64) bool {
	if !(m > 0) || math.IsInf(m, 1) {
		return false
	}
	if len(r.AllowedSpeeds) == 0 {
		return true
	}
	for _, s := range r.AllowedSpeeds {
		if s == m {
			return true
		}
	}
	return false
}
