package agent

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/internal/cli/common"
)

var rt *common.Runtime

// SetRuntime sets the runtime used by the commands in this package.
func SetRuntime(r *common.Runtime) {
	rt = r
}

func runtime() (*common.Runtime, error) {
	if rt == nil {
		return nil, fmt.Errorf("runtime not initialized")
	}
	return rt, nil
}

var AgentsCmd = &cobra.Command{
	Use:     "agents",
	Aliases: []string{"agent"},
	Short:   "Manage locally registered agents",
	Long: `Inspect and maintain the agent records kept under the agentrun cache
directory. Every initialized project has one record keyed by its agent id.`,
}

func init() {
	AgentsCmd.AddCommand(ListCmd)
	AgentsCmd.AddCommand(ShowCmd)
	AgentsCmd.AddCommand(DriftCmd)
	AgentsCmd.AddCommand(SyncCmd)
	AgentsCmd.AddCommand(ResetCmd)
	AgentsCmd.AddCommand(DeleteCmd)
}
