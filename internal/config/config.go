// Package config handles loading, validating, and writing the actionaudit
// configuration from ~/.actionaudit/config.yaml.
//
// The config defines:
//   - The live log path and its rotation threshold
//   - The SQLite query index
//   - args_summary redaction
//   - The HTTP API bind address (host:port)
//
// Relative paths are resolved against the directory holding config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ctrlai/actionaudit/internal/redact"
)

// FileName is the config file name inside the config directory.
const FileName = "config.yaml"

// Config is the top-level actionaudit configuration.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Index  IndexConfig  `yaml:"index"`
	Redact RedactConfig `yaml:"redact"`
	Server ServerConfig `yaml:"server"`
}

// LogConfig locates the live log.
//
// MaxFileBytes is the rotation threshold. 0 means the built-in default
// (32 MiB) and a negative value disables rotation.
type LogConfig struct {
	Path         string `yaml:"path"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
}

// IndexConfig controls the SQLite index used by query, tail and the
// entries API. The index is derived data and can be rebuilt at any time.
type IndexConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RedactConfig controls scrubbing of args_summary before it is hashed.
// DenyKeys are case-insensitive glob patterns matched against argument keys.
type RedactConfig struct {
	Enabled  bool     `yaml:"enabled"`
	DenyKeys []string `yaml:"deny_keys"`
}

// ServerConfig defines where `actionaudit serve` listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.resolve(filepath.Dir(path))
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.resolve(filepath.Dir(path))
	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `actionaudit init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# actionaudit configuration
#
# log:
#   path: Live JSONL log (relative paths resolve against this directory)
#   max_file_bytes: Rotate before a write would exceed this size
#                   (0 = 32 MiB default, negative = never rotate)
#
# index:
#   enabled: Maintain a SQLite index for query/tail (rebuildable)
#   path: Index database file
#
# redact:
#   enabled: Scrub args_summary values whose key matches deny_keys
#   deny_keys: Case-insensitive glob patterns
#
# server:
#   host: Bind address for 'actionaudit serve' (default: 127.0.0.1)
#   port: Listen port (default: 3200)

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Log: LogConfig{
			Path:         filepath.Join("audit", "actions.jsonl"),
			MaxFileBytes: 32 << 20,
		},
		Index: IndexConfig{
			Enabled: true,
			Path:    filepath.Join("audit", "index.db"),
		},
		Redact: RedactConfig{
			Enabled:  true,
			DenyKeys: append([]string(nil), redact.DefaultDenyKeys...),
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
	}
}

// resolve makes relative paths absolute against dir.
func (c *Config) resolve(dir string) {
	if c.Log.Path != "" && !filepath.IsAbs(c.Log.Path) {
		c.Log.Path = filepath.Join(dir, c.Log.Path)
	}
	if c.Index.Path != "" && !filepath.IsAbs(c.Index.Path) {
		c.Index.Path = filepath.Join(dir, c.Index.Path)
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Log.Path == "" {
		return fmt.Errorf("log.path must not be empty")
	}
	if cfg.Index.Enabled && cfg.Index.Path == "" {
		return fmt.Errorf("index.path must not be empty when the index is enabled")
	}
	if cfg.Index.Enabled && filepath.Clean(cfg.Index.Path) == filepath.Clean(cfg.Log.Path) {
		return fmt.Errorf("index.path must differ from log.path")
	}

	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	for i, k := range cfg.Redact.DenyKeys {
		if k == "" {
			return fmt.Errorf("redact.deny_keys[%d] must not be empty", i)
		}
	}

	return nil
}
