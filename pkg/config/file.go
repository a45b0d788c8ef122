package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Get returns the string form of the value stored under a dotted config key.
func (c *Config) Get(key string) (string, error) {
	info, ok := configKeys[key]
	if !ok {
		return "", fmt.Errorf("unknown config key: %q", key)
	}
	return info.get(c), nil
}

// Set parses value and stores it under a dotted config key.
func (c *Config) Set(key, value string) error {
	info, ok := configKeys[key]
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	return info.set(c, value)
}

// FilePath resolves where config.toml lives: configDir when given,
// otherwise $HOME/.spool.
func FilePath(configDir string) (string, error) {
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		configDir = filepath.Join(home, ".spool")
	}
	return filepath.Join(configDir, "config.toml"), nil
}

// Save writes the full config as TOML to path, creating the parent
// directory if needed.
func Save(c *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")

	v.Set("version", c.Version)

	v.Set("storage.backend", c.Storage.Backend)
	v.Set("storage.sqlite_path", c.Storage.SQLitePath)
	v.Set("storage.postgres_dsn", c.Storage.PostgresDSN)
	v.Set("storage.postgres_schema", c.Storage.PostgresSchema)

	v.Set("api.listen", c.API.Listen)

	v.Set("writer.strategy", c.Writer.Strategy)
	v.Set("writer.flush_size", c.Writer.FlushSize)

	v.Set("tail.min_ms", c.Tail.MinMs)
	v.Set("tail.max_ms", c.Tail.MaxMs)
	v.Set("tail.multiplier", c.Tail.Multiplier)
	v.Set("tail.jitter_ratio", c.Tail.JitterRatio)
	v.Set("tail.chunk_page_size", c.Tail.ChunkPageSize)
	v.Set("tail.status_check_every", c.Tail.StatusCheckEvery)

	v.Set("cancel.min_ms", c.Cancel.MinMs)
	v.Set("cancel.max_ms", c.Cancel.MaxMs)
	v.Set("cancel.multiplier", c.Cancel.Multiplier)
	v.Set("cancel.jitter_ratio", c.Cancel.JitterRatio)

	v.Set("eventstream.provider", c.Eventstream.Provider)
	v.Set("eventstream.brokers", c.Eventstream.Brokers)
	v.Set("eventstream.topic", c.Eventstream.Topic)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
