package templates

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-github/v56/github"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/agentregistry-dev/agentrun/internal/manifest"
)

type contentsConfig struct {
	owner       string
	repo        string
	ref         string
	token       string
	apiURL      string
	concurrency int
	ratePerSec  float64
	progress    bool
}

// contentsStrategy reads templates through the GitHub contents API, one
// request per directory and one download per file. No local git state.
type contentsStrategy struct {
	cfg        contentsConfig
	client     *github.Client
	httpClient *http.Client
	limiter    *rate.Limiter
}

type remoteFile struct {
	relPath     string
	downloadURL string
	size        int
}

func newContentsStrategy(cfg contentsConfig) (*contentsStrategy, error) {
	if cfg.concurrency <= 0 {
		cfg.concurrency = 4
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	client := github.NewClient(httpClient)
	if cfg.token != "" {
		client = client.WithAuthToken(cfg.token)
	}
	if cfg.apiURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.apiURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
		}
		client.BaseURL = base
	}

	limit := rate.Inf
	if cfg.ratePerSec > 0 {
		limit = rate.Limit(cfg.ratePerSec)
	}

	return &contentsStrategy{
		cfg:        cfg,
		client:     client,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, cfg.concurrency),
	}, nil
}

func (s *contentsStrategy) name() string { return "content-api" }

func (s *contentsStrategy) fetch(ctx context.Context, repoPath, targetDir string) error {
	files, err := s.collect(ctx, repoPath, "")
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if s.cfg.progress {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("Downloading template"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionThrottle(65*time.Millisecond),
		)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.concurrency)
	for _, f := range files {
		g.Go(func() error {
			if err := s.download(gctx, f, targetDir); err != nil {
				return fmt.Errorf("failed to download %s: %w", f.relPath, err)
			}
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return nil
}

// collect walks repoPath recursively and returns every file below it.
func (s *contentsStrategy) collect(ctx context.Context, repoPath, relPrefix string) ([]remoteFile, error) {
	entries, err := s.listDir(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	var files []remoteFile
	for _, entry := range entries {
		rel := path.Join(relPrefix, entry.GetName())
		switch entry.GetType() {
		case "file":
			if entry.GetDownloadURL() == "" {
				return nil, fmt.Errorf("no download URL for %s", entry.GetPath())
			}
			files = append(files, remoteFile{
				relPath:     rel,
				downloadURL: entry.GetDownloadURL(),
				size:        entry.GetSize(),
			})
		case "dir":
			sub, err := s.collect(ctx, entry.GetPath(), rel)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
		}
	}
	return files, nil
}

func (s *contentsStrategy) listDir(ctx context.Context, repoPath string) ([]*github.RepositoryContent, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	file, dir, resp, err := s.client.Repositories.GetContents(ctx, s.cfg.owner, s.cfg.repo, repoPath,
		&github.RepositoryContentGetOptions{Ref: s.cfg.ref})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", repoPath, errPathNotFound)
		}
		return nil, classifyGitHubError(err)
	}
	if file != nil {
		return nil, fmt.Errorf("%s is a file, not a template directory: %w", repoPath, errPathNotFound)
	}
	return dir, nil
}

func (s *contentsStrategy) download(ctx context.Context, f remoteFile, targetDir string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.downloadURL, nil)
	if err != nil {
		return err
	}
	if s.cfg.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	dest := filepath.Join(targetDir, filepath.FromSlash(f.relPath))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// list reads the whole tree in a single request and keeps directories that
// hold a manifest directly below <framework>/<template>/.
func (s *contentsStrategy) list(ctx context.Context, prepath string) (map[string][]string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	tree, _, err := s.client.Git.GetTree(ctx, s.cfg.owner, s.cfg.repo, s.cfg.ref, true)
	if err != nil {
		return nil, classifyGitHubError(err)
	}
	if tree.GetTruncated() {
		return nil, fmt.Errorf("repository tree is truncated")
	}

	prefix := strings.Trim(prepath, "/") + "/"
	var manifestPaths []string
	for _, entry := range tree.Entries {
		p := entry.GetPath()
		if entry.GetType() != "blob" || !strings.HasPrefix(p, prefix) || path.Base(p) != manifest.FileName {
			continue
		}
		manifestPaths = append(manifestPaths, strings.TrimPrefix(p, prefix))
	}
	return collectTemplates(manifestPaths), nil
}

var errRateLimited = errors.New("content API rate limit exceeded")

func classifyGitHubError(err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("%w (resets at %s)", errRateLimited, rateErr.Rate.Reset.Time.Format(time.RFC3339))
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: %s", errRateLimited, abuseErr.Message)
	}
	return err
}
