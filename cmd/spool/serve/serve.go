// Package servecmder provides the serve command for running the spool API
// server.
package servecmder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/spool/api"
	"github.com/papercomputeco/spool/pkg/config"
	"github.com/papercomputeco/spool/pkg/eventstream"
	"github.com/papercomputeco/spool/pkg/eventstream/kafka"
	"github.com/papercomputeco/spool/pkg/eventstream/nop"
	"github.com/papercomputeco/spool/pkg/logger"
	"github.com/papercomputeco/spool/pkg/replay"
	"github.com/papercomputeco/spool/pkg/store"
	"github.com/papercomputeco/spool/pkg/store/inmemory"
	"github.com/papercomputeco/spool/pkg/store/postgres"
	"github.com/papercomputeco/spool/pkg/store/sqlite"
)

type serveCommander struct {
	listen         string
	backend        string
	sqlitePath     string
	postgresDSN    string
	postgresSchema string
	writerStrategy string
	flushSize      int
	eventProvider  string
	eventTopic     string

	debug  bool
	cfg    *config.Config
	logger *zap.Logger
}

// serveFlags is the flag registry for the serve command. Each entry maps a
// CLI flag to its dotted viper key so flag > env > file > default precedence
// holds without per-command duplication.
var serveFlags = config.FlagSet{
	config.FlagAPIListen: {
		Name: "listen", Shorthand: "l", ViperKey: "api.listen",
		Description: "Address for the API server to listen on",
	},
	config.FlagBackend: {
		Name: "backend", Shorthand: "b", ViperKey: "storage.backend",
		Description: "Storage backend (inmemory, sqlite, postgres)",
	},
	config.FlagSQLite: {
		Name: "sqlite", Shorthand: "s", ViperKey: "storage.sqlite_path",
		Description: "Path to the SQLite database file",
	},
	config.FlagPostgresDSN: {
		Name: "postgres-dsn", ViperKey: "storage.postgres_dsn",
		Description: "Postgres connection string",
	},
	config.FlagPostgresSchema: {
		Name: "postgres-schema", ViperKey: "storage.postgres_schema",
		Description: "Postgres schema to namespace spool tables under",
	},
	config.FlagWriterStrategy: {
		Name: "writer-strategy", ViperKey: "writer.strategy",
		Description: "Chunk persistence strategy (immediate, buffered)",
	},
	config.FlagFlushSize: {
		Name: "flush-size", ViperKey: "writer.flush_size",
		Description: "Buffered strategy batch size",
	},
	config.FlagEventProvider: {
		Name: "event-provider", ViperKey: "eventstream.provider",
		Description: "Stream lifecycle event publisher (none, kafka)",
	},
	config.FlagEventTopic: {
		Name: "event-topic", ViperKey: "eventstream.topic",
		Description: "Topic stream lifecycle events are published to",
	},
}

var serveFlagKeys = []string{
	config.FlagAPIListen,
	config.FlagBackend,
	config.FlagSQLite,
	config.FlagPostgresDSN,
	config.FlagPostgresSchema,
	config.FlagWriterStrategy,
	config.FlagFlushSize,
	config.FlagEventProvider,
	config.FlagEventTopic,
}

const serveLongDesc string = `Run the spool API server.

The server exposes the conversation graph (chats, messages, branches,
checkpoints, search, graph export) and the durable stream log (register,
persist, watch, cancel, reopen) over HTTP.`

const serveShortDesc string = "Run the spool API server"

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")

			v, err := config.InitViper(configDir)
			if err != nil {
				return err
			}
			config.BindRegisteredFlags(v, cmd, serveFlags, serveFlagKeys)

			cmder.cfg, err = config.Load(v)
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}
			return cmder.run(cmd.Context())
		},
	}

	config.AddStringFlag(cmd, serveFlags, config.FlagAPIListen, &cmder.listen)
	config.AddStringFlag(cmd, serveFlags, config.FlagBackend, &cmder.backend)
	config.AddStringFlag(cmd, serveFlags, config.FlagSQLite, &cmder.sqlitePath)
	config.AddStringFlag(cmd, serveFlags, config.FlagPostgresDSN, &cmder.postgresDSN)
	config.AddStringFlag(cmd, serveFlags, config.FlagPostgresSchema, &cmder.postgresSchema)
	config.AddStringFlag(cmd, serveFlags, config.FlagWriterStrategy, &cmder.writerStrategy)
	config.AddIntFlag(cmd, serveFlags, config.FlagFlushSize, &cmder.flushSize)
	config.AddStringFlag(cmd, serveFlags, config.FlagEventProvider, &cmder.eventProvider)
	config.AddStringFlag(cmd, serveFlags, config.FlagEventTopic, &cmder.eventTopic)

	return cmd
}

func (c *serveCommander) run(ctx context.Context) error {
	c.logger = logger.NewLogger(c.debug)
	defer c.logger.Sync()

	driver, err := c.newStoreDriver(ctx)
	if err != nil {
		return err
	}
	defer driver.Close()

	events, err := c.newEventPublisher()
	if err != nil {
		return err
	}
	defer events.Close()

	manager := replay.NewManager(driver, replay.Config{
		Writer: replay.WriterConfig{
			Strategy:  replay.Strategy(c.cfg.Writer.Strategy),
			FlushSize: c.cfg.Writer.FlushSize,
		},
		Cancel: c.cfg.Cancel.Polling(),
		Tail: replay.TailPolicy{
			Config:           c.cfg.Tail.PollConfig.Polling(),
			ChunkPageSize:    c.cfg.Tail.ChunkPageSize,
			StatusCheckEvery: c.cfg.Tail.StatusCheckEvery,
		},
		Events: events,
		Logger: c.logger,
	})

	server := api.NewServer(api.Config{
		ListenAddr: c.cfg.API.Listen,
	}, driver, manager, c.logger)

	c.logger.Info("starting API server",
		zap.String("listen", c.cfg.API.Listen),
		zap.String("backend", c.cfg.Storage.Backend),
		zap.String("writer_strategy", c.cfg.Writer.Strategy),
	)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		return server.Shutdown()
	}
}

func (c *serveCommander) newStoreDriver(ctx context.Context) (store.Driver, error) {
	switch c.cfg.Storage.Backend {
	case "sqlite":
		driver, err := sqlite.NewDriver(c.cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("creating sqlite store: %w", err)
		}
		c.logger.Info("using SQLite storage", zap.String("path", c.cfg.Storage.SQLitePath))
		return driver, nil

	case "postgres":
		driver, err := postgres.NewDriver(ctx, c.cfg.Storage.PostgresDSN, c.cfg.Storage.PostgresSchema)
		if err != nil {
			return nil, fmt.Errorf("creating postgres store: %w", err)
		}
		c.logger.Info("using Postgres storage", zap.String("schema", c.cfg.Storage.PostgresSchema))
		return driver, nil

	case "inmemory", "":
		c.logger.Info("using in-memory storage")
		return inmemory.NewDriver(), nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %q", c.cfg.Storage.Backend)
	}
}

func (c *serveCommander) newEventPublisher() (eventstream.Publisher, error) {
	switch c.cfg.Eventstream.Provider {
	case "kafka":
		pub, err := kafka.NewPublisher(kafka.Config{
			Brokers: c.cfg.Eventstream.Brokers,
			Topic:   c.cfg.Eventstream.Topic,
		})
		if err != nil {
			return nil, fmt.Errorf("creating kafka publisher: %w", err)
		}
		c.logger.Info("publishing stream events to kafka",
			zap.Strings("brokers", c.cfg.Eventstream.Brokers),
			zap.String("topic", c.cfg.Eventstream.Topic),
		)
		return pub, nil

	case "none", "":
		return nop.NewPublisher(), nil

	default:
		return nil, fmt.Errorf("unknown eventstream provider: %q", c.cfg.Eventstream.Provider)
	}
}
