package template

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/internal/cli/common"
	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

var rt *common.Runtime

// SetRuntime sets the runtime used by the commands in this package.
func SetRuntime(r *common.Runtime) {
	rt = r
}

var (
	listFramework    string
	listPrepath      string
	listOutputFormat string
	showPrepath      string
	showOutputFormat string
)

var TemplatesCmd = &cobra.Command{
	Use:     "templates",
	Aliases: []string{"template"},
	Short:   "Browse agent starter templates",
}

var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available templates",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var ShowCmd = &cobra.Command{
	Use:   "show <framework> <template>",
	Short: "Show a template's manifest and entrypoints",
	Args:  cobra.ExactArgs(2),
	RunE:  runShow,
}

func init() {
	ListCmd.Flags().StringVar(&listFramework, "framework", "", "Only list templates of this framework")
	ListCmd.Flags().StringVar(&listPrepath, "prepath", "", "Template repository prefix (defaults to the configured one)")
	ListCmd.Flags().StringVarP(&listOutputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	ShowCmd.Flags().StringVar(&showPrepath, "prepath", "", "Template repository prefix (defaults to the configured one)")
	ShowCmd.Flags().StringVarP(&showOutputFormat, "output", "o", "table", "Output format (table, json, yaml)")

	TemplatesCmd.AddCommand(ListCmd)
	TemplatesCmd.AddCommand(ShowCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	if rt == nil {
		return fmt.Errorf("runtime not initialized")
	}
	p, err := rt.Printer(listOutputFormat)
	if err != nil {
		return err
	}
	p.SetOutput(cmd.OutOrStdout())
	acq, err := rt.Acquirer(false)
	if err != nil {
		return err
	}

	available, err := acq.List(cmd.Context(), listPrepath)
	if err != nil {
		return err
	}
	if listFramework != "" {
		names, ok := available[listFramework]
		if !ok {
			return fmt.Errorf("framework %q not found (available: %v)", listFramework, frameworks(available))
		}
		available = map[string][]string{listFramework: names}
	}

	return p.Print(available, func(t *printer.TablePrinter) {
		t.SetHeaders("Framework", "Template")
		for _, fw := range frameworks(available) {
			for _, name := range available[fw] {
				t.AddRow(fw, name)
			}
		}
	})
}

func runShow(cmd *cobra.Command, args []string) error {
	if rt == nil {
		return fmt.Errorf("runtime not initialized")
	}
	p, err := rt.Printer(showOutputFormat)
	if err != nil {
		return err
	}
	p.SetOutput(cmd.OutOrStdout())
	acq, err := rt.Acquirer(false)
	if err != nil {
		return err
	}

	m, err := acq.Info(cmd.Context(), showPrepath, args[0], args[1])
	if err != nil {
		return err
	}
	if p.Structured() {
		return p.Print(m, nil)
	}

	t := printer.NewTablePrinter(cmd.OutOrStdout())
	t.SetHeaders("Property", "Value")
	t.AddRow("Name", m.AgentName)
	t.AddRow("Framework", m.Framework)
	t.AddRow("Template", printer.EmptyValueOrDefault(m.Template, args[1]))
	t.AddRow("Version", printer.EmptyValueOrDefault(m.Version, "<none>"))
	t.AddRow("Description", printer.EmptyValueOrDefault(m.Description, "<none>"))
	if err := t.Render(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout())

	et := printer.NewTablePrinter(cmd.OutOrStdout())
	et.SetHeaders("#", "Tag", "Transport", "File", "Module")
	for i, ep := range m.AgentArchitecture.Entrypoints {
		et.AddRow(strconv.Itoa(i+1), ep.Tag, ep.ResolvedTransport(), ep.File, ep.Module)
	}
	return et.Render()
}

func frameworks(available map[string][]string) []string {
	names := make([]string, 0, len(available))
	for fw := range available {
		names = append(names, fw)
	}
	sort.Strings(names)
	return names
}
