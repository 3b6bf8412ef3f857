// Package config loads Darkroom's runtime configuration from a YAML
// file with environment variable overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/halation/darkroom/internal/errors"
)

// Duration wraps time.Duration with YAML string parsing ("72h", "30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid duration "+raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RemoteConfig holds the backend API connection settings.
type RemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"`
}

// DevelopmentConfig holds the simulated development wait windows.
type DevelopmentConfig struct {
	DigitalWindow Duration `yaml:"digital_window"`
	PrintWindow   Duration `yaml:"print_window"`
}

// CostsConfig holds credit prices for paid actions.
type CostsConfig struct {
	SpeedUp       int `yaml:"speed_up"`
	PrintPerPhoto int `yaml:"print_per_photo"`
}

// ImagesConfig holds the filter pool and thumbnail settings.
type ImagesConfig struct {
	QueueSize      int `yaml:"queue_size"`
	Workers        int `yaml:"workers"`
	ThumbnailWidth int `yaml:"thumbnail_width"`
}

// Config is the root configuration.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	ListenAddr  string            `yaml:"listen_addr"`
	UserID      string            `yaml:"user_id"`
	LogLevel    string            `yaml:"log_level"`
	Remote      RemoteConfig      `yaml:"remote"`
	Development DevelopmentConfig `yaml:"development"`
	Costs       CostsConfig       `yaml:"costs"`
	Images      ImagesConfig      `yaml:"images"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:    filepath.Join(home, ".darkroom"),
		ListenAddr: "127.0.0.1:8731",
		LogLevel:   "info",
		Remote: RemoteConfig{
			BaseURL: "https://api.darkroom.halation.dev",
			Timeout: Duration(30 * time.Second),
		},
		Development: DevelopmentConfig{
			DigitalWindow: Duration(3 * 24 * time.Hour),
			PrintWindow:   Duration(7 * 24 * time.Hour),
		},
		Costs: CostsConfig{
			SpeedUp:       25,
			PrintPerPhoto: 10,
		},
		Images: ImagesConfig{
			QueueSize:      32,
			Workers:        4,
			ThumbnailWidth: 320,
		},
	}
}

// Load reads the file at path over the defaults, then applies
// environment overrides. A missing file is not an error; the defaults
// plus environment stand.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read config file", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to parse config file", err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DARKROOM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DARKROOM_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DARKROOM_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("DARKROOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DARKROOM_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("DARKROOM_REMOTE_TOKEN"); v != "" {
		cfg.Remote.Token = v
	}
	if v := os.Getenv("DARKROOM_SPEED_UP_COST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Costs.SpeedUp = n
		}
	}
	if v := os.Getenv("DARKROOM_PRINT_COST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Costs.PrintPerPhoto = n
		}
	}
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrInvalid, "data_dir must be set")
	}
	if c.Costs.SpeedUp < 0 || c.Costs.PrintPerPhoto < 0 {
		return apperrors.New(apperrors.ErrInvalid, "costs must not be negative")
	}
	if c.Development.DigitalWindow <= 0 || c.Development.PrintWindow <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "development windows must be positive")
	}
	if c.Development.PrintWindow < c.Development.DigitalWindow {
		return apperrors.New(apperrors.ErrInvalid, "print window must not be shorter than the digital window")
	}
	return nil
}
