package agent

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

var ResetCmd = &cobra.Command{
	Use:   "reset <agent-id>",
	Short: "Move an agent back to the initialized state",
	Long: `Clears the recorded host and port of an agent and moves it back to
initialized. Status otherwise only moves forward.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func runReset(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	store, err := r.Store()
	if err != nil {
		return err
	}

	rec, err := store.Reset(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to reset agent: %w", err)
	}
	printer.PrintSuccess(fmt.Sprintf("Agent %s reset to %s", rec.AgentID, rec.Status))
	return nil
}
