package injector

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	OutputDir      string   `yaml:"output_dir" json:"output_dir"`
	RuntimeVersion string   `yaml:"runtime_version" json:"runtime_version"`
	RuntimeReplace string   `yaml:"runtime_replace" json:"runtime_replace"`
	LogLevel       string   `yaml:"log_level" json:"log_level"`
	Excluded       []string `yaml:"excluded_packages" json:"excluded_packages"`
	YAMLHeader     bool     `yaml:"yaml_header" json:"yaml_header"`
	SysInfo        string   `yaml:"sysinfo" json:"sysinfo"`
}

func DefaultConfig() Config {
	return Config{
		OutputDir:      DefaultOutputDir,
		RuntimeVersion: Version,
		LogLevel:       DefaultLogLevel,
	}
}

// LoadConfig reads an optional config file and applies environment
// overrides on top. An empty path yields the defaults plus environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse yaml: %w", err)
			}
		case ".json":
			if err := json.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse json: %w", err)
			}
		default:
			return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
		}
	}
	cfg.ApplyEnv()
	return cfg, cfg.normalize()
}

func LoadConfigFromEnv() (Config, error) {
	return LoadConfig("")
}

func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvOutputDir); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv(EnvRuntimeVersion); v != "" {
		c.RuntimeVersion = v
	}
	if v := os.Getenv(EnvRuntimeReplace); v != "" {
		c.RuntimeReplace = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// normalize makes local paths absolute; a relative replace target would
// otherwise resolve against the output directory.
func (c *Config) normalize() error {
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	if c.RuntimeVersion == "" {
		c.RuntimeVersion = Version
	}
	if c.RuntimeReplace != "" && isLocalPath(c.RuntimeReplace) {
		abs, err := filepath.Abs(c.RuntimeReplace)
		if err != nil {
			return fmt.Errorf("resolve runtime replace %s: %w", c.RuntimeReplace, err)
		}
		c.RuntimeReplace = abs
	}
	return nil
}

func isLocalPath(p string) bool {
	return filepath.IsAbs(p) || strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../") || p == "." || p == ".."
}

// Level maps the configured log level onto slog, defaulting to info.
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
