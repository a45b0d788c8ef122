// Package configcmder provides the config command for managing persistent
// spool configuration.
package configcmder

import (
	"github.com/spf13/cobra"
)

const configLongDesc string = `Manage persistent spool configuration.

Configuration is stored as config.toml in $HOME/.spool (or the directory
given by --config-dir) and provides default values for command flags. CLI
flags always take precedence over config file values.

Keys use dotted notation matching the TOML section structure:
  storage.backend, storage.sqlite_path,
  storage.postgres_dsn, storage.postgres_schema,
  api.listen,
  writer.strategy, writer.flush_size,
  eventstream.provider, eventstream.topic

Use subcommands to get, set, or list configuration values:
  spool config set <key> <value>    Set a configuration value
  spool config get <key>            Get a configuration value
  spool config list                 List all configuration values

Examples:
  spool config set storage.backend postgres
  spool config set writer.strategy buffered
  spool config get api.listen
  spool config list`

const configShortDesc string = "Manage persistent spool configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}
