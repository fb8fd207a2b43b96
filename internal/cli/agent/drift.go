package agent

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/internal/manifest"
	"github.com/agentregistry-dev/agentrun/internal/project"
	"github.com/agentregistry-dev/agentrun/internal/registry"
	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

var driftOutputFormat string

var DriftCmd = &cobra.Command{
	Use:   "drift <path>",
	Short: "Check a project for changes since it was registered",
	Long: `Recomputes the configuration and content fingerprints of the project at
<path> and compares them with its registry record. Use 'agentrun agents sync'
to record the new fingerprints.`,
	Args: cobra.ExactArgs(1),
	RunE: runDrift,
}

var SyncCmd = &cobra.Command{
	Use:   "sync <path>",
	Short: "Record a project's current fingerprints and entrypoints",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

func init() {
	DriftCmd.Flags().StringVarP(&driftOutputFormat, "output", "o", "table", "Output format (table, json, yaml)")
}

func runDrift(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	p, err := r.Printer(driftOutputFormat)
	if err != nil {
		return err
	}
	p.SetOutput(cmd.OutOrStdout())
	store, err := r.Store()
	if err != nil {
		return err
	}

	m, err := manifest.NewManager(args[0]).Load()
	if err != nil {
		return err
	}
	if m.AgentID == "" {
		return fmt.Errorf("%w: %s has no agent_id", project.ErrNotProject, args[0])
	}
	rec, err := store.Get(cmd.Context(), m.AgentID)
	if err != nil {
		return fmt.Errorf("failed to get agent: %w", err)
	}
	report, err := registry.Drift(rec, args[0])
	if err != nil {
		return err
	}

	return p.Print(report, func(t *printer.TablePrinter) {
		t.SetHeaders("Agent ID", "Config", "Content")
		t.AddRow(report.AgentID, changed(report.ConfigChanged), changed(report.ContentChanged))
	})
}

func runSync(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	store, err := r.Store()
	if err != nil {
		return err
	}

	report, err := project.NewInitializer(nil, store, r.Logger).Sync(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if report.Drifted() {
		printer.PrintSuccess(fmt.Sprintf("Updated fingerprints of agent %s", report.AgentID))
		return nil
	}
	printer.PrintInfo(fmt.Sprintf("Agent %s is up to date", report.AgentID))
	return nil
}

func changed(b bool) string {
	if b {
		return "changed"
	}
	return "unchanged"
}
