package agent

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/internal/registry"
	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

var deleteForceFlag bool

var DeleteCmd = &cobra.Command{
	Use:   "delete <agent-id>",
	Short: "Remove an agent from the local registry",
	Long: `Remove an agent's record from the local registry. Project files are left
in place. A deployed or running agent is only removed with --force.

Examples:
  agentrun agents delete 3f1c...
  agentrun agents delete 3f1c... --force`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	DeleteCmd.Flags().BoolVar(&deleteForceFlag, "force", false, "Delete even if the agent is deployed or running")
}

func runDelete(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	store, err := r.Store()
	if err != nil {
		return err
	}

	agentID := args[0]
	rec, err := store.Get(cmd.Context(), agentID)
	if err != nil {
		return fmt.Errorf("failed to get agent: %w", err)
	}
	if !deleteForceFlag && (rec.Status == registry.StatusDeployed || rec.Status == registry.StatusRunning) {
		return fmt.Errorf("agent %s is %s; use --force to delete it anyway", agentID, rec.Status)
	}

	if err := store.Delete(cmd.Context(), agentID); err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	printer.PrintSuccess(fmt.Sprintf("Deleted agent %s", agentID))
	return nil
}
