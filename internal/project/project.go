// Package project materializes agent projects from templates and keeps their
// registry records in step with the files on disk.
package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentrun/internal/logging"
	"github.com/agentregistry-dev/agentrun/internal/manifest"
	"github.com/agentregistry-dev/agentrun/internal/registry"
	"github.com/agentregistry-dev/agentrun/internal/templates"
	"github.com/agentregistry-dev/agentrun/internal/utils"
)

// ErrTargetNotEmpty is returned when init would write into a non-empty folder.
var ErrTargetNotEmpty = errors.New("target folder is not empty")

// ErrNotProject is returned when a folder has no manifest.
var ErrNotProject = errors.New("folder is not an agent project")

// Fetcher materializes templates. *templates.Acquirer implements it.
type Fetcher interface {
	Fetch(ctx context.Context, prepath, framework, template, targetDir string) error
	Source() templates.Source
}

// Registry stores agent records. *registry.Store implements it.
type Registry interface {
	Register(ctx context.Context, rec *registry.AgentRecord) error
	Get(ctx context.Context, id string) (*registry.AgentRecord, error)
	UpdateFingerprints(ctx context.Context, id, configFingerprint, contentFingerprint string) (*registry.AgentRecord, error)
	UpdateEntrypoints(ctx context.Context, id string, entrypoints []manifest.Entrypoint) (*registry.AgentRecord, error)
}

// Options describes one init.
type Options struct {
	Path      string
	Framework string
	Template  string
	// Prepath overrides the template repository prefix.
	Prepath string
	// Overwrite clears a non-empty Path first.
	Overwrite bool
	// ProjectID is recorded on the agent record when set.
	ProjectID string
}

// Initializer creates agent projects.
type Initializer struct {
	fetcher  Fetcher
	registry Registry
	logger   *zap.Logger
	now      func() time.Time
}

// NewInitializer returns an Initializer. A nil logger disables logging.
func NewInitializer(fetcher Fetcher, reg Registry, logger *zap.Logger) *Initializer {
	return &Initializer{
		fetcher:  fetcher,
		registry: reg,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// Init fetches a template into opts.Path, stamps its manifest with a new agent
// id and registers the agent. If anything fails after the folder was created,
// the folder is removed.
func (i *Initializer) Init(ctx context.Context, opts Options) (*registry.AgentRecord, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("project path is required")
	}
	path, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project path: %w", err)
	}

	existed, empty, err := inspect(path)
	if err != nil {
		return nil, err
	}
	if existed && !empty {
		if !opts.Overwrite {
			return nil, fmt.Errorf("%w: %s", ErrTargetNotEmpty, path)
		}
		if err := clearDir(path); err != nil {
			return nil, err
		}
	}

	rec, err := i.init(ctx, path, opts)
	if err != nil {
		i.cleanup(path, existed)
		return nil, err
	}
	return rec, nil
}

func (i *Initializer) init(ctx context.Context, path string, opts Options) (*registry.AgentRecord, error) {
	if err := i.fetcher.Fetch(ctx, opts.Prepath, opts.Framework, opts.Template, path); err != nil {
		return nil, err
	}

	mgr := manifest.NewManager(path)
	m, err := mgr.Load()
	if err != nil {
		return nil, err
	}

	source := i.fetcher.Source()
	prepath := opts.Prepath
	if prepath == "" {
		prepath = source.Prepath
	}
	agentID := registry.NewID()
	m.AgentID = agentID
	if name := utils.SanitizeAgentName(path); name != "" {
		m.AgentName = name
	}
	m.CreatedAt = i.now().UTC().Format(time.RFC3339)
	m.TemplateSource = manifest.TemplateSource{
		RepoURL: source.RepoURL,
		Branch:  source.Branch,
		Path:    templates.TemplatePath(prepath, opts.Framework, opts.Template),
	}
	if m.Framework == "" {
		m.Framework = opts.Framework
	}
	if m.Template == "" {
		m.Template = opts.Template
	}
	if err := mgr.Save(m); err != nil {
		return nil, err
	}

	configFP, contentFP, err := fingerprints(path)
	if err != nil {
		return nil, err
	}
	rec := &registry.AgentRecord{
		AgentID:            agentID,
		AgentPath:          path,
		Framework:          m.Framework,
		Status:             registry.StatusInitialized,
		ConfigFingerprint:  configFP,
		ContentFingerprint: contentFP,
		ProjectID:          opts.ProjectID,
		Entrypoints:        m.AgentArchitecture.Entrypoints,
	}
	if err := i.registry.Register(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	i.logger.Info("initialized agent project",
		zap.String("agent_id", agentID),
		zap.String("path", path),
		zap.String("framework", m.Framework),
		zap.String("template", m.Template))
	return rec, nil
}

// cleanup removes what this init wrote. A folder that existed before is
// emptied rather than removed.
func (i *Initializer) cleanup(path string, existed bool) {
	var err error
	if existed {
		err = clearDir(path)
	} else {
		err = os.RemoveAll(path)
	}
	if err != nil {
		i.logger.Warn("failed to clean up after failed init", zap.String("path", path), zap.Error(err))
	}
}

// Sync recomputes the fingerprints and entrypoints of the project at path and
// writes them to its record. The returned report describes the drift found
// before the update.
func (i *Initializer) Sync(ctx context.Context, path string) (registry.DriftReport, error) {
	mgr := manifest.NewManager(path)
	if !mgr.Exists() {
		return registry.DriftReport{}, fmt.Errorf("%w: %s", ErrNotProject, path)
	}
	m, err := mgr.Load()
	if err != nil {
		return registry.DriftReport{}, err
	}
	if m.AgentID == "" {
		return registry.DriftReport{}, fmt.Errorf("%w: %s has no agent_id", ErrNotProject, mgr.Path())
	}

	rec, err := i.registry.Get(ctx, m.AgentID)
	if err != nil {
		return registry.DriftReport{}, err
	}
	report, err := registry.Drift(rec, path)
	if err != nil {
		return registry.DriftReport{}, err
	}
	if _, err := i.registry.UpdateEntrypoints(ctx, m.AgentID, m.AgentArchitecture.Entrypoints); err != nil {
		return report, err
	}
	if report.Drifted() {
		if _, err := i.registry.UpdateFingerprints(ctx, m.AgentID, report.ConfigFingerprint, report.ContentFingerprint); err != nil {
			return report, err
		}
		i.logger.Info("updated agent fingerprints",
			zap.String("agent_id", m.AgentID),
			zap.Bool("config_changed", report.ConfigChanged),
			zap.Bool("content_changed", report.ContentChanged))
	}
	return report, nil
}

func fingerprints(path string) (config, content string, err error) {
	config, err = registry.FingerprintManifest(filepath.Join(path, manifest.FileName))
	if err != nil {
		return "", "", err
	}
	content, err = registry.FingerprintTree(path)
	if err != nil {
		return "", "", err
	}
	return config, content, nil
}

// inspect reports whether path exists and, if so, whether it is empty.
func inspect(path string) (existed, empty bool, err error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, true, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to inspect %s: %w", path, err)
	}
	if !info.IsDir() {
		return true, false, fmt.Errorf("%w: %s is a file", ErrTargetNotEmpty, path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return true, false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return true, len(entries) == 0, nil
}

// clearDir removes the contents of dir, keeping dir itself.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("failed to clear %s: %w", dir, err)
		}
	}
	return nil
}
