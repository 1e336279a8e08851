package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the optional wirereplay.toml file. Command-line flags override
// the values it sets.
type Config struct {
	Backend           string        `toml:"backend"`
	Label             string        `toml:"label"`
	MaxTrailingBytes  uint64        `toml:"max_trailing_bytes"`
	MaxObjectsPerType int           `toml:"max_objects_per_type"`
	MaxSubmitCount    int           `toml:"max_submit_count"`
	FenceTimeout      time.Duration `toml:"fence_timeout"`
	DrainTimeout      time.Duration `toml:"drain_timeout"`

	Output Output `toml:"output"`
}

// Output names the files written after a replay. Empty paths are skipped.
type Output struct {
	Replies  string `toml:"replies"`
	Snapshot string `toml:"snapshot"`
}

const (
	backendNoop   = "noop"
	backendVulkan = "vulkan"
)

func defaultConfig() Config {
	return Config{
		Backend:      backendNoop,
		Label:        "wirereplay",
		DrainTimeout: 5 * time.Second,
	}
}

// LoadConfig parses a TOML configuration file. Unset fields keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read %s: %w", path, err)
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}

	// Defaults
	if cfg.Backend == "" {
		cfg.Backend = backendNoop
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultConfig().DrainTimeout
	}
	return cfg, cfg.Validate()
}

// Validate reports settings the replay cannot honor.
func (c Config) Validate() error {
	switch c.Backend {
	case backendNoop, backendVulkan:
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend, backendNoop, backendVulkan)
	}
	if c.MaxObjectsPerType < 0 {
		return fmt.Errorf("max_objects_per_type must not be negative")
	}
	if c.MaxSubmitCount < 0 {
		return fmt.Errorf("max_submit_count must not be negative")
	}
	return nil
}
