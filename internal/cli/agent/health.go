package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/internal/cli/common"
	"github.com/agentregistry-dev/agentrun/internal/registry"
	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

var healthLocal bool

var HealthCmd = &cobra.Command{
	Use:   "health [agent-id]",
	Short: "Check that the agent server is reachable",
	Long: `Checks the hosted API, or with --local the server a registered agent was
started on.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHealth,
}

func init() {
	HealthCmd.Flags().BoolVar(&healthLocal, "local", false, "Check the agent's locally recorded address")
}

func runHealth(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	agentID := ""
	if len(args) == 1 {
		agentID = args[0]
	}
	if healthLocal && agentID == "" {
		return fmt.Errorf("an agent id is required with --local")
	}
	invoker, err := r.Invoker(healthLocal)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	health, err := invoker.Health(ctx, agentID)
	if healthLocal {
		recordHealth(ctx, r, agentID, err)
	}
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Server is %s", printer.EmptyValueOrDefault(health.Status, "up"))
	if health.Version != "" {
		msg += fmt.Sprintf(" (version %s)", health.Version)
	}
	printer.PrintSuccess(msg)
	return nil
}

// recordHealth moves a started agent to running when its server answered and
// to failed when it did not. Agents without a recorded address are left alone.
func recordHealth(ctx context.Context, r *common.Runtime, agentID string, healthErr error) {
	store, err := r.Store()
	if err != nil {
		return
	}
	rec, err := store.Get(ctx, agentID)
	if err != nil || !rec.Endpoint().HasAddress() {
		return
	}
	if healthErr == nil {
		_, err = store.MarkRunning(ctx, agentID)
	} else {
		_, err = store.MarkFailed(ctx, agentID, healthErr.Error())
	}
	if err != nil && !errors.Is(err, registry.ErrInvalidTransition) {
		printer.PrintWarning(fmt.Sprintf("failed to update local record: %v", err))
	}
}
