package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentrun/internal/cli"
	"github.com/agentregistry-dev/agentrun/internal/cli/agent"
	"github.com/agentregistry-dev/agentrun/internal/cli/common"
	"github.com/agentregistry-dev/agentrun/internal/cli/configure"
	"github.com/agentregistry-dev/agentrun/internal/cli/template"
	"github.com/agentregistry-dev/agentrun/internal/config"
	"github.com/agentregistry-dev/agentrun/internal/logging"
	"github.com/agentregistry-dev/agentrun/internal/telemetry"
	"github.com/agentregistry-dev/agentrun/internal/version"
	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

var (
	verbose     bool
	logLevel    string
	baseURL     string
	apiKey      string
	metricsAddr string
)

// runtime is built by PersistentPreRunE and shared with every subcommand.
var runtime *common.Runtime

var cleanups []func(context.Context) error

var rootCmd = &cobra.Command{
	Use:   "agentrun",
	Short: "Deploy, run and diagnose packaged agents",
	Long: `agentrun creates agent projects from templates, keeps a local registry of
agent identities and invokes agent entrypoints, either as a single call or as
a stream of chunks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfig()
		if err != nil {
			return err
		}
		applyFlags(cmd, cfg)

		logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		cleanups = append(cleanups, func(context.Context) error {
			_ = logger.Sync()
			return nil
		})

		shutdown, metrics, err := telemetry.InitMetrics(version.Version)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		cleanups = append(cleanups, shutdown)

		runtime = &common.Runtime{Config: cfg, Logger: logger, Metrics: metrics}
		agent.SetRuntime(runtime)
		template.SetRuntime(runtime)

		if metricsAddr != "" {
			return serveMetrics(metricsAddr, metrics, logger)
		}
		return nil
	},
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = config.NormalizeBaseURL(baseURL)
	}
	if flags.Changed("api-key") {
		cfg.APIKey = apiKey
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if verbose {
		cfg.Verbose = true
		cfg.LogLevel = "debug"
	}
}

// serveMetrics exposes the invocation metrics while the command runs.
func serveMetrics(addr string, metrics *telemetry.Metrics, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	cleanups = append(cleanups, srv.Shutdown)
	return nil
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	for i := len(cleanups) - 1; i >= 0; i-- {
		_ = cleanups[i](shutdownCtx)
	}
	cancel()

	if err != nil {
		printer.PrintDiagnostic(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides AGENTRUN_LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Hosted API base URL; overrides AGENTRUN_BASE_URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Hosted API key; overrides AGENTRUN_API_KEY")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")

	rootCmd.AddCommand(agent.InitCmd)
	rootCmd.AddCommand(agent.AgentsCmd)
	rootCmd.AddCommand(agent.StartCmd)
	rootCmd.AddCommand(agent.RunCmd)
	rootCmd.AddCommand(agent.RunStreamCmd)
	rootCmd.AddCommand(agent.StatusCmd)
	rootCmd.AddCommand(agent.HealthCmd)
	rootCmd.AddCommand(agent.LimitsCmd)
	rootCmd.AddCommand(agent.UploadCmd)
	rootCmd.AddCommand(template.TemplatesCmd)
	rootCmd.AddCommand(configure.NewConfigCmd(func() *common.Runtime { return runtime }))
	rootCmd.AddCommand(cli.VersionCmd)
}

func Root() *cobra.Command {
	return rootCmd
}
