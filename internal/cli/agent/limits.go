package agent

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

var limitsOutputFormat string

var LimitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show your agent quota on the hosted API",
	Args:  cobra.NoArgs,
	RunE:  runLimits,
}

func init() {
	LimitsCmd.Flags().StringVarP(&limitsOutputFormat, "output", "o", "table", "Output format (table, json, yaml)")
}

func runLimits(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	p, err := r.Printer(limitsOutputFormat)
	if err != nil {
		return err
	}
	p.SetOutput(cmd.OutOrStdout())

	limits, err := r.API().GetLimits(cmd.Context())
	if err != nil {
		return r.Classify("", err)
	}
	return p.Print(limits, func(t *printer.TablePrinter) {
		maxAgents := strconv.Itoa(limits.MaxAgents)
		remaining := strconv.Itoa(limits.RemainingSlots)
		if limits.Unlimited {
			maxAgents, remaining = "unlimited", "unlimited"
		}
		t.SetHeaders("Tier", "Agents", "Max", "Remaining")
		t.AddRow(printer.EmptyValueOrDefault(limits.Tier, "<none>"), limits.CurrentAgents, maxAgents, remaining)
	})
}
