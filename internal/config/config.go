// Package config loads maskdraft settings from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lehigh-university-libraries/maskdraft/internal/slicecodec"
)

// DefaultPath is where the CLI looks for a config file when none is given.
const DefaultPath = "maskdraft.yaml"

// Config represents the application configuration loaded from YAML
type Config struct {
	Server struct {
		Port string `yaml:"port"`
		// MaxUploadBytes caps the body of upload and slice write requests.
		MaxUploadBytes int64 `yaml:"maxUploadBytes"`
	} `yaml:"server"`

	Storage struct {
		// WorkspaceDir holds one directory per draft.
		WorkspaceDir string `yaml:"workspaceDir"`
		// ScansDir is the permanent store committed items are copied to.
		ScansDir string `yaml:"scansDir"`
	} `yaml:"storage"`

	Overlay struct {
		Color string  `yaml:"color"`
		Alpha float64 `yaml:"alpha"`
	} `yaml:"overlay"`

	Segmentation struct {
		Binary string `yaml:"binary"`
		Organ  string `yaml:"organ"`
		Fast   bool   `yaml:"fast"`
	} `yaml:"segmentation"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		// File enables rotating file output; empty logs to stderr.
		File    string `yaml:"file"`
		MaxSize int    `yaml:"maxSize"`
		MaxAge  int    `yaml:"maxAge"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = "8888"
	cfg.Server.MaxUploadBytes = 2 << 30

	cfg.Storage.WorkspaceDir = "workspace"
	cfg.Storage.ScansDir = "scans"

	cfg.Overlay.Color = slicecodec.DefaultColor.String()
	cfg.Overlay.Alpha = 1.0

	cfg.Segmentation.Binary = "TotalSegmentator"
	cfg.Segmentation.Organ = "liver"
	cfg.Segmentation.Fast = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxAge = 30

	return cfg
}

// LoadConfig loads configuration from a YAML file and applies MASKDRAFT_*
// environment overrides. A missing file yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("MASKDRAFT_PORT", &c.Server.Port)
	str("MASKDRAFT_WORKSPACE_DIR", &c.Storage.WorkspaceDir)
	str("MASKDRAFT_SCANS_DIR", &c.Storage.ScansDir)
	str("MASKDRAFT_OVERLAY_COLOR", &c.Overlay.Color)
	str("MASKDRAFT_SEGMENTATION_BINARY", &c.Segmentation.Binary)
	str("MASKDRAFT_SEGMENTATION_ORGAN", &c.Segmentation.Organ)
	str("MASKDRAFT_LOG_LEVEL", &c.Logging.Level)
	str("MASKDRAFT_LOG_FORMAT", &c.Logging.Format)
	str("MASKDRAFT_LOG_FILE", &c.Logging.File)

	if v, ok := lookup("MASKDRAFT_MAX_UPLOAD_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MASKDRAFT_MAX_UPLOAD_BYTES %q: %w", v, err)
		}
		c.Server.MaxUploadBytes = n
	}
	if v, ok := lookup("MASKDRAFT_OVERLAY_ALPHA"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid MASKDRAFT_OVERLAY_ALPHA %q: %w", v, err)
		}
		c.Overlay.Alpha = f
	}
	if v, ok := lookup("MASKDRAFT_SEGMENTATION_FAST"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid MASKDRAFT_SEGMENTATION_FAST %q: %w", v, err)
		}
		c.Segmentation.Fast = b
	}
	return nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if _, err := slicecodec.ParseColor(c.Overlay.Color); err != nil {
		return fmt.Errorf("overlay.color: %w", err)
	}
	if c.Overlay.Alpha < 0 || c.Overlay.Alpha > 1 {
		return fmt.Errorf("overlay.alpha must be within [0,1], got %v", c.Overlay.Alpha)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.maxUploadBytes must be positive")
	}
	if strings.TrimSpace(c.Storage.WorkspaceDir) == "" || strings.TrimSpace(c.Storage.ScansDir) == "" {
		return fmt.Errorf("storage.workspaceDir and storage.scansDir are required")
	}
	return nil
}

// OverlayColor is the parsed overlay color. Validate has already accepted it
// for any Config returned by LoadConfig.
func (c *Config) OverlayColor() slicecodec.Color {
	col, err := slicecodec.ParseColor(c.Overlay.Color)
	if err != nil {
		return slicecodec.DefaultColor
	}
	return col
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
