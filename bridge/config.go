package bridge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the bridge server configuration, loaded from a YAML file and
// optionally overridden by flags.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// CLIPath pins the assistant CLI binary; empty uses discovery.
	CLIPath string `yaml:"cli_path"`

	// DefaultCwd is used when the peer's init omits a working directory.
	DefaultCwd string `yaml:"default_cwd"`

	// DefaultModel is used when the peer's init omits a model.
	DefaultModel string `yaml:"default_model"`

	// DefaultPermissionMode is used when the peer's init omits a mode.
	DefaultPermissionMode string `yaml:"default_permission_mode"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Listen:   "127.0.0.1:8080",
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML config file, filling unset fields from defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultConfig().Listen
	}
	return cfg, nil
}
