package config

const (
	// v0 is the alpha version of the config
	v0 = 0

	// CurrentV is the currently supported version, points to v0
	CurrentV = v0

	defaultStorageBackend = "sqlite"
	defaultSQLitePath     = "spool.db"
	defaultPostgresSchema = "spool"

	defaultAPIListen = ":8080"

	defaultWriterStrategy = "immediate"
	defaultFlushSize      = 20

	defaultPollMinMs      = 50
	defaultPollMaxMs      = 2000
	defaultPollMultiplier = 1.5
	defaultPollJitter     = 0.1

	defaultChunkPageSize    = 64
	defaultStatusCheckEvery = 4

	defaultEventstreamProvider = "none"
	defaultEventstreamTopic    = "spool.stream.finished"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Storage: StorageConfig{
			Backend:        defaultStorageBackend,
			SQLitePath:     defaultSQLitePath,
			PostgresSchema: defaultPostgresSchema,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
		Writer: WriterConfig{
			Strategy:  defaultWriterStrategy,
			FlushSize: defaultFlushSize,
		},
		Tail: TailConfig{
			PollConfig: PollConfig{
				MinMs:       defaultPollMinMs,
				MaxMs:       defaultPollMaxMs,
				Multiplier:  defaultPollMultiplier,
				JitterRatio: defaultPollJitter,
			},
			ChunkPageSize:    defaultChunkPageSize,
			StatusCheckEvery: defaultStatusCheckEvery,
		},
		Cancel: PollConfig{
			MinMs:       defaultPollMinMs,
			MaxMs:       defaultPollMaxMs,
			Multiplier:  defaultPollMultiplier,
			JitterRatio: defaultPollJitter,
		},
		Eventstream: EventstreamConfig{
			Provider: defaultEventstreamProvider,
			Topic:    defaultEventstreamTopic,
		},
	}
}
