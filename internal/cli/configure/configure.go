package configure

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/internal/cli/common"
	"github.com/agentregistry-dev/agentrun/internal/config"
	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

// NewConfigCmd creates the config command. rt is resolved when a subcommand
// runs, after the root command has built it.
func NewConfigCmd(rt func() *common.Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the stored user configuration",
		Long: `Manages <cache-dir>/user_data.json. Environment variables
(AGENTRUN_API_KEY, AGENTRUN_BASE_URL) take precedence over stored values.`,
	}

	setKey := &cobra.Command{
		Use:   "set-key <api-key>",
		Short: "Store the API key used for the hosted API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return update(rt(), func(u *config.UserConfig) { u.APIKey = strings.TrimSpace(args[0]) },
				"API key saved")
		},
	}

	setURL := &cobra.Command{
		Use:   "set-url <base-url>",
		Short: "Store the hosted API base URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL := config.NormalizeBaseURL(args[0])
			return update(rt(), func(u *config.UserConfig) { u.BaseURL = baseURL },
				"Base URL set to "+baseURL)
		},
	}

	setProject := &cobra.Command{
		Use:   "set-project <project-id>",
		Short: "Store the project new agents are recorded under",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return update(rt(), func(u *config.UserConfig) { u.ActiveProjectID = args[0] },
				"Active project set to "+args[0])
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := rt()
			if r == nil {
				return fmt.Errorf("runtime not initialized")
			}
			cfg := r.Config
			return printer.PrintTable(cmd.OutOrStdout(), []string{"Setting", "Value"}, [][]string{
				{"Base URL", cfg.BaseURL},
				{"API Key", MaskKey(cfg.APIKey)},
				{"Dashboard URL", cfg.DashboardURL},
				{"Active Project", printer.EmptyValueOrDefault(cfg.ActiveProjectID, "<none>")},
				{"Cache Dir", cfg.CacheDir},
				{"Template Repo", cfg.TemplateRepoURL},
				{"Template Branch", cfg.TemplateBranch},
				{"Template Prepath", cfg.TemplatePrepath},
				{"Run Timeout", fmt.Sprintf("%ds", cfg.DefaultRunTimeout)},
				{"Log Level", cfg.LogLevel},
			})
		},
	}

	cmd.AddCommand(setKey, setURL, setProject, show)
	return cmd
}

func update(r *common.Runtime, mutate func(*config.UserConfig), message string) error {
	if r == nil {
		return fmt.Errorf("runtime not initialized")
	}
	user, err := config.LoadUserConfig(r.Config.CacheDir)
	if err != nil {
		return err
	}
	mutate(user)
	if err := config.SaveUserConfig(r.Config.CacheDir, user); err != nil {
		return err
	}
	printer.PrintSuccess(message)
	return nil
}

// MaskKey shows only the last four characters of a secret.
func MaskKey(key string) string {
	if key == "" {
		return "<none>"
	}
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", 8) + key[len(key)-4:]
}
