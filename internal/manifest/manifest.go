package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// FileName is the manifest every agent project and template carries.
const FileName = "runagent.config.json"

// StreamSuffix marks an entrypoint tag whose results are streamed.
// It is consulted only when an entrypoint does not declare its transport.
const StreamSuffix = "_stream"

// Transport selects how an entrypoint is invoked.
type Transport string

const (
	TransportSync   Transport = "sync"
	TransportStream Transport = "stream"
)

// AuthType is the agent's auth_settings.type.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
)

// Manifest represents runagent.config.json.
type Manifest struct {
	AgentName         string            `json:"agent_name"`
	Description       string            `json:"description,omitempty"`
	Framework         string            `json:"framework"`
	Template          string            `json:"template"`
	Version           string            `json:"version"`
	CreatedAt         string            `json:"created_at,omitempty"`
	TemplateSource    TemplateSource    `json:"template_source"`
	AgentArchitecture Architecture      `json:"agent_architecture"`
	EnvVars           map[string]string `json:"env_vars,omitempty"`
	AgentID           string            `json:"agent_id,omitempty"`
	AuthSettings      AuthSettings      `json:"auth_settings"`
}

// TemplateSource records where a project was materialized from.
type TemplateSource struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
	Path    string `json:"path"`
}

// Architecture lists the invocable entrypoints.
type Architecture struct {
	Entrypoints []Entrypoint `json:"entrypoints"`
}

// Entrypoint is one invocable function of an agent. Tag is its public name.
type Entrypoint struct {
	File      string    `json:"file"`
	Module    string    `json:"module"`
	Tag       string    `json:"tag"`
	Transport Transport `json:"transport,omitempty"`
}

// AuthSettings describes how callers authenticate to the agent.
type AuthSettings struct {
	Type AuthType `json:"type"`
}

// TransportForTag derives the transport from the naming convention.
func TransportForTag(tag string) Transport {
	if strings.HasSuffix(tag, StreamSuffix) {
		return TransportStream
	}
	return TransportSync
}

// ResolvedTransport returns the declared transport, or the one implied by the tag.
func (e Entrypoint) ResolvedTransport() Transport {
	if e.Transport != "" {
		return e.Transport
	}
	return TransportForTag(e.Tag)
}

// Entrypoint returns the entrypoint with the given tag.
func (m *Manifest) Entrypoint(tag string) (Entrypoint, bool) {
	for _, ep := range m.AgentArchitecture.Entrypoints {
		if ep.Tag == tag {
			return ep, true
		}
	}
	return Entrypoint{}, false
}

// Tags returns entrypoint tags in manifest order.
func (m *Manifest) Tags() []string {
	tags := make([]string, 0, len(m.AgentArchitecture.Entrypoints))
	for _, ep := range m.AgentArchitecture.Entrypoints {
		tags = append(tags, ep.Tag)
	}
	return tags
}

// Manager handles loading and saving of the manifest of one project directory.
type Manager struct {
	projectRoot string
}

// NewManager creates a manifest manager for the given project root.
func NewManager(projectRoot string) *Manager {
	return &Manager{projectRoot: projectRoot}
}

// Path returns the manifest location.
func (m *Manager) Path() string {
	return filepath.Join(m.projectRoot, FileName)
}

// Exists reports whether the project has a manifest.
func (m *Manager) Exists() bool {
	info, err := os.Stat(m.Path())
	return err == nil && !info.IsDir()
}

// Load reads, parses and validates the manifest.
func (m *Manager) Load() (*Manifest, error) {
	data, err := os.ReadFile(m.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s not found in %s", FileName, m.projectRoot)
		}
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}

	manifest, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(manifest); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return manifest, nil
}

// Save validates and writes the manifest. Entrypoint transports are resolved
// before writing so the file always carries the explicit field.
func (m *Manager) Save(manifest *Manifest) error {
	if err := Validate(manifest); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	Normalize(manifest)

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(m.Path(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return nil
}

// Parse decodes manifest bytes without validating them.
func Parse(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	return &manifest, nil
}

// Normalize fills derived defaults: entrypoint transports and auth type.
func Normalize(manifest *Manifest) {
	for i := range manifest.AgentArchitecture.Entrypoints {
		ep := &manifest.AgentArchitecture.Entrypoints[i]
		ep.Transport = ep.ResolvedTransport()
	}
	if manifest.AuthSettings.Type == "" {
		manifest.AuthSettings.Type = AuthNone
	}
}

// Validate checks the manifest fields that the rest of the system relies on.
func Validate(manifest *Manifest) error {
	if manifest == nil {
		return fmt.Errorf("manifest is required")
	}
	if manifest.AgentName == "" {
		return fmt.Errorf("agent_name is required")
	}
	if manifest.Framework == "" {
		return fmt.Errorf("framework is required")
	}
	if manifest.Version != "" && !semver.IsValid(canonicalVersion(manifest.Version)) {
		return fmt.Errorf("version %q is not a semantic version", manifest.Version)
	}
	if manifest.CreatedAt != "" {
		if _, err := time.Parse(time.RFC3339, manifest.CreatedAt); err != nil {
			return fmt.Errorf("created_at must be RFC3339: %w", err)
		}
	}

	switch manifest.AuthSettings.Type {
	case "", AuthNone, AuthAPIKey:
	default:
		return fmt.Errorf("auth_settings.type %q is not supported (expected none or api_key)", manifest.AuthSettings.Type)
	}

	seen := make(map[string]struct{}, len(manifest.AgentArchitecture.Entrypoints))
	for i, ep := range manifest.AgentArchitecture.Entrypoints {
		if err := ValidateEntrypoint(ep); err != nil {
			return fmt.Errorf("agent_architecture.entrypoints[%d]: %w", i, err)
		}
		if _, dup := seen[ep.Tag]; dup {
			return fmt.Errorf("agent_architecture.entrypoints[%d]: duplicate tag %q", i, ep.Tag)
		}
		seen[ep.Tag] = struct{}{}
	}
	return nil
}

// ValidateEntrypoint checks one entrypoint. A declared transport must agree with
// the tag suffix so the tag alone can never select the wrong transport.
func ValidateEntrypoint(ep Entrypoint) error {
	if ep.Tag == "" {
		return fmt.Errorf("tag is required")
	}
	if ep.File == "" {
		return fmt.Errorf("file is required for tag %q", ep.Tag)
	}
	if ep.Module == "" {
		return fmt.Errorf("module is required for tag %q", ep.Tag)
	}

	switch ep.Transport {
	case "":
	case TransportSync, TransportStream:
		if implied := TransportForTag(ep.Tag); implied != ep.Transport {
			return fmt.Errorf("tag %q implies transport %q but %q is declared", ep.Tag, implied, ep.Transport)
		}
	default:
		return fmt.Errorf("unsupported transport %q for tag %q", ep.Transport, ep.Tag)
	}
	return nil
}

// ReferencedFiles returns the distinct files named by entrypoints.
func (m *Manifest) ReferencedFiles() []string {
	seen := map[string]struct{}{}
	var files []string
	for _, ep := range m.AgentArchitecture.Entrypoints {
		if _, ok := seen[ep.File]; ok || ep.File == "" {
			continue
		}
		seen[ep.File] = struct{}{}
		files = append(files, ep.File)
	}
	return files
}

func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
