package cmd

import (
	"github.com/spf13/cobra"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "composer",
		Short: "composer serves the signature composition API and tracks analysis jobs",
	}

	cmd.AddCommand(
		runCmd(),
	)

	return cmd
}
