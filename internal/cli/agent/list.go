package agent

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/internal/registry"
	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

var (
	listOutputFormat string
	listNoHeaders    bool
)

var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	Long:  `List the agents registered on this machine, oldest first.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	ListCmd.Flags().StringVarP(&listOutputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	ListCmd.Flags().BoolVar(&listNoHeaders, "no-headers", false, "Omit the table header")
}

func runList(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	p, err := r.Printer(listOutputFormat)
	if err != nil {
		return err
	}
	p.SetOutput(cmd.OutOrStdout())
	if listNoHeaders {
		p.SetTableOptions(printer.WithNoHeaders())
	}
	store, err := r.Store()
	if err != nil {
		return err
	}

	records, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}
	if len(records) == 0 && !p.Structured() {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No agents registered. Create one with 'agentrun init <path>'.")
		return nil
	}

	return p.Print(records, func(t *printer.TablePrinter) {
		t.SetHeaders("Agent ID", "Framework", "Status", "Address", "Path", "Age")
		for _, rec := range records {
			t.AddRow(
				rec.AgentID,
				printer.EmptyValueOrDefault(rec.Framework, "<none>"),
				rec.Status,
				address(rec),
				printer.TruncateString(rec.AgentPath, 48),
				printer.FormatAge(rec.CreatedAt),
			)
		}
	})
}

func address(rec *registry.AgentRecord) string {
	if rec.Host == "" || rec.Port == 0 {
		return "<none>"
	}
	return rec.Endpoint().Address()
}
