package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/internal/version"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentrun version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "agentrun %s (commit %s, built %s)\n",
			version.Version, version.GitCommit, version.BuildDate)
	},
}
