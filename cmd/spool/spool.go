// Package spoolcmder
package spoolcmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/papercomputeco/spool/cmd/spool/config"
	servecmder "github.com/papercomputeco/spool/cmd/spool/serve"
	versioncmder "github.com/papercomputeco/spool/cmd/version"
)

const spoolLongDesc string = `Spool persists conversations as message graphs and streams as durable,
replayable chunk logs.

Run the server using:
  spool serve          Run the API server

Manage configuration using:
  spool config set <key> <value>
  spool config get <key>
  spool config list`

const spoolShortDesc string = "Spool - durable conversation and stream storage"

func NewSpoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spool",
		Short: spoolShortDesc,
		Long:  spoolLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Directory holding config.toml (default: $HOME/.spool)")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
