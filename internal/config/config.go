// Package config loads the streamattn configuration file
// (~/.config/streamattn/config.yaml).
//
// Every numeric field is a pointer so "not set" can be told apart from a zero
// value; unset fields leave the caller's defaults alone.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/streamattn/internal/blockwise"
	"github.com/born-ml/streamattn/internal/parallel"
	"gopkg.in/yaml.v3"
)

const envConfigPath = "STREAMATTN_CONFIG"

// Config represents the configuration file.
type Config struct {
	// Blockwise engine
	QBlockSize *int     `yaml:"q_block_size"`
	KBlockSize *int     `yaml:"k_block_size"`
	Scale      *float64 `yaml:"scale"`
	Epsilon    *float64 `yaml:"epsilon"`
	Order      string   `yaml:"order"`
	Workers    *int     `yaml:"workers"`
	Shards     *int     `yaml:"shards"`

	// Conformance harness
	Seed      *int64   `yaml:"seed"`
	Tolerance *float64 `yaml:"tolerance"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

// Path returns the config file location: $STREAMATTN_CONFIG if set,
// otherwise streamattn/config.yaml under the user config directory
// ($XDG_CONFIG_HOME on Linux). It returns "" when neither is known.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(envConfigPath)); p != "" {
		return filepath.Clean(p)
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "streamattn", "config.yaml")
}

// Load reads the config file at path. A missing file (or empty path) yields a
// zero Config; a malformed one is an error.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data and validates the fields that were set.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every set field.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    *int
	}{
		{"q_block_size", c.QBlockSize},
		{"k_block_size", c.KBlockSize},
		{"shards", c.Shards},
	}
	for _, f := range positive {
		if f.v != nil && *f.v < 1 {
			return fmt.Errorf("config: %s = %d must be >= 1", f.name, *f.v)
		}
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("config: workers = %d must be >= 0", *c.Workers)
	}
	if c.Epsilon != nil && *c.Epsilon < 0 {
		return fmt.Errorf("config: epsilon = %v must be >= 0", *c.Epsilon)
	}
	if c.Tolerance != nil && *c.Tolerance < 0 {
		return fmt.Errorf("config: tolerance = %v must be >= 0", *c.Tolerance)
	}
	if _, err := blockwise.ParseOrder(c.Order); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: log_format %q must be text or json", c.LogFormat)
	}
	return nil
}

// Apply overlays the set fields onto an engine config.
func (c Config) Apply(bc blockwise.Config) blockwise.Config {
	if c.QBlockSize != nil {
		bc.QBlockSize = *c.QBlockSize
	}
	if c.KBlockSize != nil {
		bc.KBlockSize = *c.KBlockSize
	}
	if c.Scale != nil {
		bc.Scale = *c.Scale
	}
	if c.Epsilon != nil {
		bc.Epsilon = *c.Epsilon
	}
	if c.Order != "" {
		// Validate has already accepted the order.
		bc.Order, _ = blockwise.ParseOrder(c.Order)
	}
	if c.Workers != nil {
		bc.Parallel = Parallel(*c.Workers)
	}
	return bc
}

// Parallel returns the row-block parallelism for a worker count: 0 uses
// every CPU, 1 runs sequentially.
func Parallel(workers int) parallel.Config {
	if workers == 1 {
		return parallel.Sequential()
	}
	pc := parallel.DefaultConfig()
	if workers > 1 {
		pc.Enabled = true
		pc.NumWorkers = workers
	}
	return pc
}
