package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	JSON       bool
}

// NewRootCommand creates the trond command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "trond",
		Short:         "Tron job scheduler daemon",
		Long:          "trond runs configured batch jobs on their schedules and reapplies the config file whenever it changes.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./tron.yaml", "path to config (yaml or json)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "machine-readable output")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}
