package config

import (
	"fmt"
	"strconv"
)

// Config represents the persistent spool configuration stored as config.toml.
// The TOML layout uses sections for logical grouping.
type Config struct {
	Version     int               `toml:"version" mapstructure:"version"`
	Storage     StorageConfig     `toml:"storage" mapstructure:"storage"`
	API         APIConfig         `toml:"api" mapstructure:"api"`
	Writer      WriterConfig      `toml:"writer" mapstructure:"writer"`
	Tail        TailConfig        `toml:"tail" mapstructure:"tail"`
	Cancel      PollConfig        `toml:"cancel" mapstructure:"cancel"`
	Eventstream EventstreamConfig `toml:"eventstream" mapstructure:"eventstream"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is one of "inmemory", "sqlite", or "postgres".
	Backend string `toml:"backend,omitempty" mapstructure:"backend"`

	SQLitePath     string `toml:"sqlite_path,omitempty" mapstructure:"sqlite_path"`
	PostgresDSN    string `toml:"postgres_dsn,omitempty" mapstructure:"postgres_dsn"`
	PostgresSchema string `toml:"postgres_schema,omitempty" mapstructure:"postgres_schema"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty" mapstructure:"listen"`
}

// WriterConfig holds stream writer settings.
type WriterConfig struct {
	// Strategy is "immediate" or "buffered".
	Strategy  string `toml:"strategy,omitempty" mapstructure:"strategy"`
	FlushSize int    `toml:"flush_size,omitempty" mapstructure:"flush_size"`
}

// PollConfig holds an adaptive polling policy. Durations are milliseconds.
type PollConfig struct {
	MinMs       int     `toml:"min_ms,omitempty" mapstructure:"min_ms"`
	MaxMs       int     `toml:"max_ms,omitempty" mapstructure:"max_ms"`
	Multiplier  float64 `toml:"multiplier,omitempty" mapstructure:"multiplier"`
	JitterRatio float64 `toml:"jitter_ratio,omitempty" mapstructure:"jitter_ratio"`
}

// TailConfig holds watcher polling settings.
type TailConfig struct {
	PollConfig `mapstructure:",squash"`

	ChunkPageSize    int `toml:"chunk_page_size,omitempty" mapstructure:"chunk_page_size"`
	StatusCheckEvery int `toml:"status_check_every,omitempty" mapstructure:"status_check_every"`
}

// EventstreamConfig holds stream lifecycle event publishing settings.
type EventstreamConfig struct {
	// Provider is "none" or "kafka".
	Provider string   `toml:"provider,omitempty" mapstructure:"provider"`
	Brokers  []string `toml:"brokers,omitempty" mapstructure:"brokers"`
	Topic    string   `toml:"topic,omitempty" mapstructure:"topic"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"storage.backend": {
		get: func(c *Config) string { return c.Storage.Backend },
		set: func(c *Config, v string) error { c.Storage.Backend = v; return nil },
	},
	"storage.sqlite_path": {
		get: func(c *Config) string { return c.Storage.SQLitePath },
		set: func(c *Config, v string) error { c.Storage.SQLitePath = v; return nil },
	},
	"storage.postgres_dsn": {
		get: func(c *Config) string { return c.Storage.PostgresDSN },
		set: func(c *Config, v string) error { c.Storage.PostgresDSN = v; return nil },
	},
	"storage.postgres_schema": {
		get: func(c *Config) string { return c.Storage.PostgresSchema },
		set: func(c *Config, v string) error { c.Storage.PostgresSchema = v; return nil },
	},
	"api.listen": {
		get: func(c *Config) string { return c.API.Listen },
		set: func(c *Config, v string) error { c.API.Listen = v; return nil },
	},
	"writer.strategy": {
		get: func(c *Config) string { return c.Writer.Strategy },
		set: func(c *Config, v string) error { c.Writer.Strategy = v; return nil },
	},
	"writer.flush_size": {
		get: func(c *Config) string { return strconv.Itoa(c.Writer.FlushSize) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for writer.flush_size: %w", err)
			}
			c.Writer.FlushSize = n
			return nil
		},
	},
	"eventstream.provider": {
		get: func(c *Config) string { return c.Eventstream.Provider },
		set: func(c *Config, v string) error { c.Eventstream.Provider = v; return nil },
	},
	"eventstream.topic": {
		get: func(c *Config) string { return c.Eventstream.Topic },
		set: func(c *Config, v string) error { c.Eventstream.Topic = v; return nil },
	},
}

// ValidConfigKeys returns the list of all supported configuration key names
// in a stable, logical order matching the TOML section layout.
func ValidConfigKeys() []string {
	ordered := []string{
		"storage.backend",
		"storage.sqlite_path",
		"storage.postgres_dsn",
		"storage.postgres_schema",
		"api.listen",
		"writer.strategy",
		"writer.flush_size",
		"eventstream.provider",
		"eventstream.topic",
	}

	result := make([]string, 0, len(ordered))
	for _, k := range ordered {
		if _, ok := configKeys[k]; ok {
			result = append(result, k)
		}
	}
	return result
}

// IsValidConfigKey returns true if the given key is a supported configuration key.
func IsValidConfigKey(key string) bool {
	_, ok := configKeys[key]
	return ok
}
