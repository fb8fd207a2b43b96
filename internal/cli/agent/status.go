package agent

import (
	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

var statusOutputFormat string

var StatusCmd = &cobra.Command{
	Use:   "status <agent-id>",
	Short: "Show the hosted status of an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	StatusCmd.Flags().StringVarP(&statusOutputFormat, "output", "o", "table", "Output format (table, json, yaml)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	p, err := r.Printer(statusOutputFormat)
	if err != nil {
		return err
	}
	p.SetOutput(cmd.OutOrStdout())

	agentID := args[0]
	status, err := r.API().GetStatus(cmd.Context(), agentID)
	if err != nil {
		return r.Classify(agentID, err)
	}
	return p.Print(status, func(t *printer.TablePrinter) {
		t.SetHeaders("Property", "Value")
		t.AddRow("Agent ID", status.AgentID)
		t.AddRow("Status", status.Status)
		t.AddRow("Framework", printer.EmptyValueOrDefault(status.Framework, "<none>"))
		t.AddRow("Endpoint", printer.EmptyValueOrDefault(status.EndpointURL, "<none>"))
		t.AddRow("Updated", printer.EmptyValueOrDefault(status.UpdatedAt, "<none>"))
		if status.Error != "" {
			t.AddRow("Error", status.Error)
		}
	})
}
