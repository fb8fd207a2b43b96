package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// DefaultBaseURL is the hosted execution API used when nothing else is configured.
	DefaultBaseURL = "https://api.agentrun.dev/api/v1"
	// DefaultDashboardURL is linked from permission diagnostics.
	DefaultDashboardURL = "https://app.agentrun.dev/dashboard"

	userConfigFileName = "user_data.json"
	deploymentsDirName = "deployments"
)

// Config holds the client configuration.
// It is built once at startup and passed to every component that needs it.
type Config struct {
	BaseURL      string `env:"BASE_URL" envDefault:""`
	APIKey       string `env:"API_KEY" envDefault:""`
	DashboardURL string `env:"DASHBOARD_URL" envDefault:"https://app.agentrun.dev/dashboard"`
	CacheDir     string `env:"CACHE_DIR" envDefault:""`

	// Template repository
	TemplateRepoURL string `env:"TEMPLATE_REPO_URL" envDefault:"https://github.com/agentregistry-dev/agentrun-templates.git"`
	TemplateBranch  string `env:"TEMPLATE_BRANCH" envDefault:"main"`
	TemplatePrepath string `env:"TEMPLATE_PREPATH" envDefault:"templates"`
	GitHubToken     string `env:"GITHUB_TOKEN" envDefault:""`

	// Downloads
	MaxConcurrentDownloads int     `env:"MAX_CONCURRENT_DOWNLOADS" envDefault:"8"`
	DownloadRatePerSecond  float64 `env:"DOWNLOAD_RATE_PER_SECOND" envDefault:"20"`

	// Invocation
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	DefaultRunTimeout int           `env:"DEFAULT_RUN_TIMEOUT" envDefault:"300"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"warn"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
	Verbose   bool   `env:"VERBOSE" envDefault:"false"`

	// ActiveProjectID comes from the user config file only.
	ActiveProjectID string
}

// UserConfig is the persisted per-user configuration stored under the cache directory.
type UserConfig struct {
	APIKey          string `json:"api_key,omitempty"`
	BaseURL         string `json:"base_url,omitempty"`
	ActiveProjectID string `json:"active_project_id,omitempty"`
}

// NewConfig loads .env (if present), parses AGENTRUN_* environment variables and
// layers the user config file underneath them.
func NewConfig() (*Config, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: "AGENTRUN_",
	}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.CacheDir == "" {
		dir, err := defaultCacheDir()
		if err != nil {
			return nil, err
		}
		cfg.CacheDir = dir
	}

	user, err := LoadUserConfig(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	cfg.applyUserConfig(user)

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = NormalizeBaseURL(cfg.BaseURL)
	if cfg.DashboardURL == "" {
		cfg.DashboardURL = DefaultDashboardURL
	}
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = 1
	}

	return &cfg, nil
}

// applyUserConfig fills values that were not set through the environment.
func (c *Config) applyUserConfig(user *UserConfig) {
	if user == nil {
		return
	}
	if c.APIKey == "" {
		c.APIKey = user.APIKey
	}
	if c.BaseURL == "" {
		c.BaseURL = user.BaseURL
	}
	c.ActiveProjectID = user.ActiveProjectID
}

// DeploymentsDir is where per-agent registry records live.
func (c *Config) DeploymentsDir() string {
	return filepath.Join(c.CacheDir, deploymentsDirName)
}

// UserConfigPath returns the location of the user config file.
func (c *Config) UserConfigPath() string {
	return filepath.Join(c.CacheDir, userConfigFileName)
}

// LoadUserConfig reads the user config file. A missing file yields an empty config.
func LoadUserConfig(cacheDir string) (*UserConfig, error) {
	path := filepath.Join(cacheDir, userConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &UserConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read user config: %w", err)
	}

	var user UserConfig
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to parse user config %s: %w", path, err)
	}
	return &user, nil
}

// SaveUserConfig writes the user config file with owner-only permissions.
func SaveUserConfig(cacheDir string, user *UserConfig) error {
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user config: %w", err)
	}

	path := filepath.Join(cacheDir, userConfigFileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write user config: %w", err)
	}
	return nil
}

// NormalizeBaseURL adds a scheme when missing and strips trailing slashes.
func NormalizeBaseURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}

func defaultCacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".agentrun"), nil
}
