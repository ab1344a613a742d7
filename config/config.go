// Package config holds the TOML configuration shared by the sieve tools.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/xrg/pigeonhole/consts"
)

// LoggingConfig controls the process-wide logger.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// SieveConfig carries the engine limits and delivery defaults.
type SieveConfig struct {
	MaxScriptSize  int64  `toml:"max_script_size"` // bytes; 0 means unlimited
	MaxActions     int    `toml:"max_actions"`
	MaxRedirects   int    `toml:"max_redirects"`
	MaxLoopDepth   int    `toml:"max_loop_depth"`
	DefaultMailbox string `toml:"default_mailbox"`
}

type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Sieve   SieveConfig   `toml:"sieve"`
}

func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Sieve: SieveConfig{
			MaxScriptSize:  1 << 20,
			MaxActions:     32,
			MaxRedirects:   4,
			MaxLoopDepth:   8,
			DefaultMailbox: consts.DefaultMailbox,
		},
	}
}

// Load reads a TOML config file over the defaults. A missing path is not an
// error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}
	if c.Sieve.MaxLoopDepth < 4 {
		return fmt.Errorf("max_loop_depth must be at least 4, got %d", c.Sieve.MaxLoopDepth)
	}
	if c.Sieve.MaxActions <= 0 {
		return fmt.Errorf("max_actions must be positive, got %d", c.Sieve.MaxActions)
	}
	return nil
}
