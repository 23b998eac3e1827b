package cli

import (
	"github.com/automoto/posemesh/config"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

// cfg is loaded from the environment before any subcommand runs. Flags
// override it only when set explicitly.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "posemesh",
	Short: "Peer-to-peer pose replication for shared rooms",
	Long: `Posemesh replicates avatar poses between peers in a room over a
websocket mesh. Every peer publishes its own pose at a bounded rate and
smooths everyone else's toward their last known pose.

Run "posemesh directory" once, then any number of "posemesh peer".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("posemesh version {{.Version}}\n")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
