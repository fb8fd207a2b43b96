package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/internal/project"
	"github.com/agentregistry-dev/agentrun/internal/templates"
	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

var (
	initFramework  string
	initTemplate   string
	initPrepath    string
	initOverwrite  bool
	initNoProgress bool
)

var InitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Create an agent project from a template",
	Long: `Fetches a starter template into <path>, assigns the project a new agent id
and registers it locally.

Examples:
  agentrun init ./my-agent --framework langchain --template basic
  agentrun init ./my-agent --framework crewai --template research --overwrite`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func init() {
	InitCmd.Flags().StringVar(&initFramework, "framework", "", "Agent framework (required)")
	InitCmd.Flags().StringVar(&initTemplate, "template", "basic", "Template name within the framework")
	InitCmd.Flags().StringVar(&initPrepath, "prepath", "", "Template repository prefix (defaults to the configured one)")
	InitCmd.Flags().BoolVar(&initOverwrite, "overwrite", false, "Clear the target folder if it is not empty")
	InitCmd.Flags().BoolVar(&initNoProgress, "no-progress", false, "Do not show download progress")
	_ = InitCmd.MarkFlagRequired("framework")
}

func runInit(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	store, err := r.Store()
	if err != nil {
		return err
	}
	acq, err := r.Acquirer(!initNoProgress)
	if err != nil {
		return err
	}

	rec, err := project.NewInitializer(acq, store, r.Logger).Init(cmd.Context(), project.Options{
		Path:      args[0],
		Framework: initFramework,
		Template:  initTemplate,
		Prepath:   initPrepath,
		Overwrite: initOverwrite,
		ProjectID: r.Config.ActiveProjectID,
	})
	if err != nil {
		var dlErr *templates.TemplateDownloadError
		if errors.As(err, &dlErr) && len(dlErr.Available) > 0 {
			printer.PrintInfo("Available: " + strings.Join(dlErr.Available, ", "))
		}
		if errors.Is(err, project.ErrTargetNotEmpty) {
			printer.PrintInfo("Use --overwrite to replace its contents.")
		}
		return err
	}

	printer.PrintSuccess(fmt.Sprintf("Created %s agent in %s", initFramework, rec.AgentPath))
	printer.PrintInfo(fmt.Sprintf("Agent ID: %s", rec.AgentID))
	printer.PrintInfo("")
	printer.PrintInfo("Next steps:")
	printer.PrintInfo(fmt.Sprintf("  1. Start the agent server from %s", rec.AgentPath))
	printer.PrintInfo(fmt.Sprintf("  2. agentrun start %s --port <port>", rec.AgentID))
	printer.PrintInfo(fmt.Sprintf("  3. agentrun run %s <entrypoint> --local", rec.AgentID))
	return nil
}
