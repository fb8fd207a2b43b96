// Package templates acquires agent starter templates from a remote repository.
//
// Templates live at <prepath>/<framework>/<template>/ and must carry a
// runagent.config.json manifest. Two strategies are tried in order: the hosting
// content API, then a shallow clone with sparse checkout.
package templates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentrun/internal/logging"
	"github.com/agentregistry-dev/agentrun/internal/manifest"
)

// Source identifies the template repository.
type Source struct {
	RepoURL string
	Branch  string
	Prepath string
}

// strategy is one way of reading the template repository.
type strategy interface {
	name() string
	// fetch copies repoPath into targetDir. It returns an error wrapping
	// errPathNotFound when repoPath does not exist.
	fetch(ctx context.Context, repoPath, targetDir string) error
	// list returns framework -> template names for every template under prepath
	// that carries a manifest.
	list(ctx context.Context, prepath string) (map[string][]string, error)
}

// Options configures an Acquirer.
type Options struct {
	Source Source

	// GitHubToken authenticates content API and clone requests.
	GitHubToken string
	// GitHubAPIURL overrides the content API base URL.
	GitHubAPIURL string
	// DisableContentAPI skips straight to the clone strategy.
	DisableContentAPI bool

	MaxConcurrentDownloads int
	DownloadRatePerSecond  float64
	ShowProgress           bool

	Logger *zap.Logger
}

// Acquirer fetches and lists templates.
type Acquirer struct {
	source     Source
	strategies []strategy
	logger     *zap.Logger
}

// NewAcquirer builds an Acquirer with the content API strategy (when the source
// is hosted on GitHub) followed by the sparse checkout strategy.
func NewAcquirer(opts Options) (*Acquirer, error) {
	if strings.TrimSpace(opts.Source.RepoURL) == "" {
		return nil, fmt.Errorf("template repository URL is required")
	}
	if opts.Source.Branch == "" {
		opts.Source.Branch = "main"
	}
	logger := logging.OrNop(opts.Logger)

	var strategies []strategy
	if !opts.DisableContentAPI {
		if owner, repo, ok := parseGitHubRepo(opts.Source.RepoURL); ok {
			cs, err := newContentsStrategy(contentsConfig{
				owner:       owner,
				repo:        repo,
				ref:         opts.Source.Branch,
				token:       opts.GitHubToken,
				apiURL:      opts.GitHubAPIURL,
				concurrency: opts.MaxConcurrentDownloads,
				ratePerSec:  opts.DownloadRatePerSecond,
				progress:    opts.ShowProgress,
			})
			if err != nil {
				return nil, err
			}
			strategies = append(strategies, cs)
		} else {
			logger.Debug("template source is not hosted on GitHub, content API disabled",
				zap.String("repo", opts.Source.RepoURL))
		}
	}
	strategies = append(strategies, newSparseStrategy(opts.Source.RepoURL, opts.Source.Branch, opts.GitHubToken))

	return &Acquirer{
		source:     opts.Source,
		strategies: strategies,
		logger:     logger,
	}, nil
}

// Source returns the configured template source.
func (a *Acquirer) Source() Source {
	return a.source
}

// TemplatePath returns the repository path of a template.
func TemplatePath(prepath, framework, template string) string {
	return path.Join(strings.Trim(prepath, "/"), framework, template)
}

// Fetch materializes prepath/framework/template into targetDir and validates it.
// On failure, whatever was already written to targetDir is left for the caller.
func (a *Acquirer) Fetch(ctx context.Context, prepath, framework, template, targetDir string) error {
	if prepath == "" {
		prepath = a.source.Prepath
	}
	if strings.TrimSpace(prepath) == "" || strings.TrimSpace(framework) == "" || strings.TrimSpace(template) == "" {
		return &TemplateDownloadError{
			Prepath:   prepath,
			Framework: framework,
			Template:  template,
			Reason:    "prepath, framework and template are all required",
		}
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	repoPath := TemplatePath(prepath, framework, template)
	var errs []error
	for _, s := range a.strategies {
		a.logger.Debug("fetching template",
			zap.String("strategy", s.name()),
			zap.String("path", repoPath))

		err := s.fetch(ctx, repoPath, targetDir)
		if err == nil {
			if _, err := Validate(targetDir); err != nil {
				return err
			}
			a.logger.Info("template fetched",
				zap.String("strategy", s.name()),
				zap.String("path", repoPath),
				zap.String("target", targetDir))
			return nil
		}
		if errors.Is(err, errPathNotFound) {
			return a.notFound(ctx, s, prepath, framework, template, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.logger.Warn("template strategy failed, trying next",
			zap.String("strategy", s.name()),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", s.name(), err))
	}

	return &TemplateDownloadError{
		Prepath:   prepath,
		Framework: framework,
		Template:  template,
		Reason:    "all acquisition strategies failed",
		Err:       errors.Join(errs...),
	}
}

// notFound builds the error for a missing template, listing what does exist.
func (a *Acquirer) notFound(ctx context.Context, s strategy, prepath, framework, template string, cause error) error {
	dlErr := &TemplateDownloadError{
		Prepath:   prepath,
		Framework: framework,
		Template:  template,
		Err:       cause,
	}

	available, err := s.list(ctx, prepath)
	if err != nil {
		dlErr.Reason = "template not found"
		return dlErr
	}

	if names, ok := available[framework]; ok {
		dlErr.Reason = fmt.Sprintf("template %q not found for framework %q", template, framework)
		dlErr.Available = names
		return dlErr
	}

	dlErr.Reason = fmt.Sprintf("framework %q not found", framework)
	dlErr.Available = sortedKeys(available)
	return dlErr
}

// List returns framework -> template names. Only directories with a manifest
// count as templates. An empty prepath means the configured one.
func (a *Acquirer) List(ctx context.Context, prepath string) (map[string][]string, error) {
	if prepath == "" {
		prepath = a.source.Prepath
	}

	var errs []error
	for _, s := range a.strategies {
		result, err := s.list(ctx, prepath)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.logger.Warn("template listing failed, trying next",
			zap.String("strategy", s.name()),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", s.name(), err))
	}
	return nil, fmt.Errorf("failed to list templates: %w", errors.Join(errs...))
}

// Info fetches a template into a scratch directory and returns its manifest.
func (a *Acquirer) Info(ctx context.Context, prepath, framework, template string) (*manifest.Manifest, error) {
	tmp, err := os.MkdirTemp("", "agentrun-template-info-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	if err := a.Fetch(ctx, prepath, framework, template, tmp); err != nil {
		return nil, err
	}
	return manifest.NewManager(tmp).Load()
}

// collectTemplates turns manifest paths relative to prepath into framework ->
// sorted template names. Paths must look like <framework>/<template>/<manifest>.
func collectTemplates(manifestPaths []string) map[string][]string {
	result := map[string][]string{}
	for _, p := range manifestPaths {
		parts := strings.Split(strings.Trim(p, "/"), "/")
		if len(parts) != 3 || parts[2] != manifest.FileName {
			continue
		}
		result[parts[0]] = append(result[parts[0]], parts[1])
	}
	for fw := range result {
		sort.Strings(result[fw])
	}
	return result
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseGitHubRepo extracts owner and repository from a GitHub URL.
func parseGitHubRepo(repoURL string) (owner, repo string, ok bool) {
	trimmed := strings.TrimSpace(repoURL)
	trimmed = strings.TrimSuffix(trimmed, "/")
	trimmed = strings.TrimSuffix(trimmed, ".git")

	var rest string
	switch {
	case strings.HasPrefix(trimmed, "https://github.com/"):
		rest = strings.TrimPrefix(trimmed, "https://github.com/")
	case strings.HasPrefix(trimmed, "http://github.com/"):
		rest = strings.TrimPrefix(trimmed, "http://github.com/")
	case strings.HasPrefix(trimmed, "git@github.com:"):
		rest = strings.TrimPrefix(trimmed, "git@github.com:")
	default:
		return "", "", false
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
