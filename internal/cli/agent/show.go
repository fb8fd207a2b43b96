package agent

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

var showOutputFormat string

var ShowCmd = &cobra.Command{
	Use:   "show <agent-id>",
	Short: "Show details of an agent",
	Long:  `Shows the registry record of an agent, including its entrypoints.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	ShowCmd.Flags().StringVarP(&showOutputFormat, "output", "o", "table", "Output format (table, json, yaml)")
}

func runShow(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	p, err := r.Printer(showOutputFormat)
	if err != nil {
		return err
	}
	p.SetOutput(cmd.OutOrStdout())
	store, err := r.Store()
	if err != nil {
		return err
	}

	rec, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get agent: %w", err)
	}
	if p.Structured() {
		return p.Print(rec, nil)
	}

	t := printer.NewTablePrinter(cmd.OutOrStdout())
	t.SetHeaders("Property", "Value")
	t.AddRow("Agent ID", rec.AgentID)
	t.AddRow("Path", printer.EmptyValueOrDefault(rec.AgentPath, "<none>"))
	t.AddRow("Framework", printer.EmptyValueOrDefault(rec.Framework, "<none>"))
	t.AddRow("Status", rec.Status)
	t.AddRow("Address", address(rec))
	t.AddRow("Project", printer.EmptyValueOrDefault(rec.ProjectID, "<none>"))
	t.AddRow("Config Fingerprint", printer.TruncateString(rec.ConfigFingerprint, 16))
	t.AddRow("Content Fingerprint", printer.TruncateString(rec.ContentFingerprint, 16))
	t.AddRow("Created", printer.FormatTimestamp(rec.CreatedAt))
	t.AddRow("Updated", printer.FormatTimestamp(rec.UpdatedAt))
	if rec.LastStartedAt != nil {
		t.AddRow("Last Started", printer.FormatTimestamp(*rec.LastStartedAt))
	}
	if rec.LastError != "" {
		t.AddRow("Last Error", rec.LastError)
	}
	if err := t.Render(); err != nil {
		return err
	}

	if len(rec.Entrypoints) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout())
	et := printer.NewTablePrinter(cmd.OutOrStdout())
	et.SetHeaders("#", "Tag", "Transport", "File", "Module")
	for i, ep := range rec.Entrypoints {
		et.AddRow(strconv.Itoa(i+1), ep.Tag, ep.ResolvedTransport(), ep.File, ep.Module)
	}
	return et.Render()
}
