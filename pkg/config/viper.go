package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/papercomputeco/spool/pkg/polling"
)

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file
// (from configDir when given, otherwise $HOME/.spool then the working
// directory), and binds environment variables with the SPOOL_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound via BindRegisteredFlags)
//  2. Environment variables (SPOOL_API_LISTEN, SPOOL_STORAGE_BACKEND, etc.)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()

	setViperDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("toml")

	if configDir != "" {
		v.AddConfigPath(configDir)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".spool"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("SPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// Load unmarshals the viper state into a Config and validates the version.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Version != 0 && cfg.Version != CurrentV {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentV)
	}

	return cfg, nil
}

// Polling converts a PollConfig into the polling package's policy.
func (p PollConfig) Polling() polling.Config {
	return polling.Config{
		Min:         time.Duration(p.MinMs) * time.Millisecond,
		Max:         time.Duration(p.MaxMs) * time.Millisecond,
		Multiplier:  p.Multiplier,
		JitterRatio: p.JitterRatio,
	}
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	// Storage
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)
	v.SetDefault("storage.postgres_schema", d.Storage.PostgresSchema)

	// API
	v.SetDefault("api.listen", d.API.Listen)

	// Writer
	v.SetDefault("writer.strategy", d.Writer.Strategy)
	v.SetDefault("writer.flush_size", d.Writer.FlushSize)

	// Tail polling
	v.SetDefault("tail.min_ms", d.Tail.MinMs)
	v.SetDefault("tail.max_ms", d.Tail.MaxMs)
	v.SetDefault("tail.multiplier", d.Tail.Multiplier)
	v.SetDefault("tail.jitter_ratio", d.Tail.JitterRatio)
	v.SetDefault("tail.chunk_page_size", d.Tail.ChunkPageSize)
	v.SetDefault("tail.status_check_every", d.Tail.StatusCheckEvery)

	// Cancel polling
	v.SetDefault("cancel.min_ms", d.Cancel.MinMs)
	v.SetDefault("cancel.max_ms", d.Cancel.MaxMs)
	v.SetDefault("cancel.multiplier", d.Cancel.Multiplier)
	v.SetDefault("cancel.jitter_ratio", d.Cancel.JitterRatio)

	// Eventstream
	v.SetDefault("eventstream.provider", d.Eventstream.Provider)
	v.SetDefault("eventstream.brokers", d.Eventstream.Brokers)
	v.SetDefault("eventstream.topic", d.Eventstream.Topic)
}
