// Package common holds what every agentrun command shares: configuration,
// the logger and constructors for the clients commands talk through.
package common

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentrun/internal/agenterrors"
	"github.com/agentregistry-dev/agentrun/internal/client"
	"github.com/agentregistry-dev/agentrun/internal/config"
	"github.com/agentregistry-dev/agentrun/internal/diagnostics"
	"github.com/agentregistry-dev/agentrun/internal/invocation"
	"github.com/agentregistry-dev/agentrun/internal/registry"
	"github.com/agentregistry-dev/agentrun/internal/telemetry"
	"github.com/agentregistry-dev/agentrun/internal/templates"
	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

// Runtime is built once by the root command before any subcommand runs.
type Runtime struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *telemetry.Metrics

	store *registry.Store
}

// Store opens the local agent registry.
func (r *Runtime) Store() (*registry.Store, error) {
	if r.store != nil {
		return r.store, nil
	}
	store, err := registry.NewStore(r.Config.DeploymentsDir(), registry.WithLogger(r.Logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open agent registry: %w", err)
	}
	r.store = store
	return store, nil
}

// Acquirer builds a template acquirer for the configured repository.
func (r *Runtime) Acquirer(showProgress bool) (*templates.Acquirer, error) {
	return templates.NewAcquirer(templates.Options{
		Source: templates.Source{
			RepoURL: r.Config.TemplateRepoURL,
			Branch:  r.Config.TemplateBranch,
			Prepath: r.Config.TemplatePrepath,
		},
		GitHubToken:            r.Config.GitHubToken,
		MaxConcurrentDownloads: r.Config.MaxConcurrentDownloads,
		DownloadRatePerSecond:  r.Config.DownloadRatePerSecond,
		ShowProgress:           showProgress,
		Logger:                 r.Logger,
	})
}

// API returns a client for the hosted agent API.
func (r *Runtime) API() *client.Client {
	return client.NewClient(r.Config.BaseURL, r.Config.APIKey,
		client.WithTimeout(r.Config.RequestTimeout),
		client.WithLogger(r.Logger))
}

// Invoker returns an invocation client. In local mode agents are addressed by
// the host and port recorded in the registry.
func (r *Runtime) Invoker(local bool) (*invocation.Client, error) {
	store, err := r.Store()
	if err != nil {
		return nil, err
	}
	return invocation.New(invocation.Options{
		Local:          local,
		BaseURL:        r.Config.BaseURL,
		APIKey:         r.Config.APIKey,
		DashboardURL:   r.Config.DashboardURL,
		DefaultTimeout: time.Duration(r.Config.DefaultRunTimeout) * time.Second,
		Registry:       store,
		HTTPClient:     &http.Client{},
		Logger:         r.Logger,
		Metrics:        r.Metrics,
	})
}

// Printer returns a printer for an --output flag value.
func (r *Runtime) Printer(format string) (*printer.Printer, error) {
	outputType, err := printer.ParseOutputType(format)
	if err != nil {
		return nil, err
	}
	return printer.New(outputType), nil
}

// Classify turns a hosted API failure into an *agenterrors.Error with a
// suggestion. Errors that are already classified pass through.
func (r *Runtime) Classify(agentID string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := agenterrors.As(err); ok {
		return err
	}
	ctx := diagnostics.Context{AgentID: agentID, DashboardURL: r.Config.DashboardURL}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		if code := agenterrors.Code(apiErr.Code); code.Known() && code != agenterrors.CodeUnknown {
			return agenterrors.Wrap(code, err, apiErr.Message,
				agenterrors.WithSuggestion(diagnostics.New().Suggest(ctx, code, apiErr.Message)))
		}
	}
	cls := diagnostics.New().Classify(ctx, err.Error())
	return agenterrors.Wrap(cls.Code, err, cls.Message,
		agenterrors.WithSuggestion(cls.Suggestion),
		agenterrors.WithDetail("raw", err.Error()))
}
