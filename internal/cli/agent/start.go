package agent

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/internal/registry"
	"github.com/agentregistry-dev/agentrun/internal/utils"
	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

var (
	startHost   string
	startPort   int
	startRemote bool
	startEnv    []string
)

var StartCmd = &cobra.Command{
	Use:   "start <agent-id>",
	Short: "Record where an agent is served, or start it remotely",
	Long: `Records the host and port a locally served agent listens on and marks it
deployed, so that 'agentrun run --local' can reach it. With --port 0 a free
port is chosen.

With --remote the hosted API is asked to start the agent instead.

Examples:
  agentrun start 3f1c... --port 8450
  agentrun start 3f1c... --remote --env OPENAI_API_KEY=...`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	StartCmd.Flags().StringVar(&startHost, "host", "127.0.0.1", "Host the agent listens on")
	StartCmd.Flags().IntVar(&startPort, "port", 0, "Port the agent listens on (0 picks a free port)")
	StartCmd.Flags().BoolVar(&startRemote, "remote", false, "Start the agent on the hosted API")
	StartCmd.Flags().StringArrayVarP(&startEnv, "env", "e", nil, "Environment variable for a remote start as KEY=VALUE (repeatable)")
}

func runStart(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	store, err := r.Store()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	agentID := args[0]
	if err := registry.ValidateID(agentID); err != nil {
		return err
	}

	if startRemote {
		env, err := utils.ParseKeyValuePairs(startEnv)
		if err != nil {
			return err
		}
		res, err := r.API().Start(ctx, agentID, env)
		if err != nil {
			cerr := r.Classify(agentID, err)
			if _, merr := store.MarkFailed(ctx, agentID, cerr.Error()); merr != nil &&
				!errors.Is(merr, registry.ErrAgentNotFound) && !errors.Is(merr, registry.ErrInvalidTransition) {
				printer.PrintWarning(fmt.Sprintf("failed to update local record: %v", merr))
			}
			return cerr
		}
		printer.PrintSuccess(fmt.Sprintf("Agent %s is %s", res.AgentID, res.Status))
		if res.EndpointURL != "" {
			printer.PrintInfo("Endpoint: " + res.EndpointURL)
		}
		if res.Host == "" || res.Port == 0 {
			return nil
		}
		if _, err := store.UpdateOnStart(ctx, agentID, res.Host, res.Port); err != nil && !errors.Is(err, registry.ErrAgentNotFound) {
			printer.PrintWarning(fmt.Sprintf("failed to update local record: %v", err))
		}
		return nil
	}

	port := startPort
	if port == 0 {
		if port, err = utils.FindAvailablePort(startHost); err != nil {
			return err
		}
	}
	rec, err := store.UpdateOnStart(ctx, agentID, startHost, port)
	if errors.Is(err, registry.ErrInvalidTransition) {
		return fmt.Errorf("failed to record start: %w (run 'agentrun agents reset %s' first)", err, agentID)
	}
	if err != nil {
		return fmt.Errorf("failed to record start: %w", err)
	}
	addr := rec.Endpoint().Address()
	printer.PrintSuccess(fmt.Sprintf("Agent %s deployed at %s", agentID, addr))
	printer.PrintInfo(fmt.Sprintf("Serve the agent on http://%s; 'agentrun run %s <entrypoint> --local' calls it there.", addr, agentID))
	return nil
}
