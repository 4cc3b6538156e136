// Package config loads pth2safetensors settings from a TOML file.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/kisielk/pthconv/internal/logging"
)

// Config holds converter settings.
type Config struct {
	LogLevel     string
	NoColor      bool
	PickleSuffix string
	Verify       bool
	Metadata     map[string]string
}

// fileConfig maps config.toml keys.
type fileConfig struct {
	LogLevel     string            `toml:"log_level"`
	NoColor      bool              `toml:"log_nocolor"`
	PickleSuffix string            `toml:"pickle_suffix"`
	Verify       bool              `toml:"verify"`
	Metadata     map[string]string `toml:"metadata"`
}

func Default() Config {
	return Config{
		LogLevel:     "info",
		PickleSuffix: "data.pkl",
		Metadata:     map[string]string{"format": "pt"},
	}
}

// Load reads the TOML file at path over Default. Keys absent from the file
// keep their defaults; metadata entries are added to the default ones.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_nocolor") {
		cfg.NoColor = raw.NoColor
	}
	if meta.IsDefined("pickle_suffix") {
		cfg.PickleSuffix = strings.TrimSpace(raw.PickleSuffix)
	}
	if meta.IsDefined("verify") {
		cfg.Verify = raw.Verify
	}
	for k, v := range raw.Metadata {
		cfg.Metadata[k] = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks settings that have a fixed set of valid values.
func (c Config) Validate() error {
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.PickleSuffix == "" {
		return fmt.Errorf("pickle_suffix must not be empty")
	}
	return nil
}
