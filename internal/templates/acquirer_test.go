package templates

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentrun/internal/manifest"
)

const basicManifest = `{
  "agent_name": "basic",
  "framework": "langchain",
  "template": "basic",
  "version": "1.0.0",
  "agent_architecture": {
    "entrypoints": [
      {"file": "main.py", "module": "run", "tag": "generic"},
      {"file": "main.py", "module": "run_stream", "tag": "generic_stream"}
    ]
  },
  "auth_settings": {"type": "none"}
}`

const brokenManifest = `{
  "agent_name": "broken",
  "framework": "langchain",
  "template": "broken",
  "agent_architecture": {"entrypoints": [{"file": "agent.py", "module": "run", "tag": "run"}]}
}`

func templateRepoFiles() map[string]string {
	return map[string]string{
		"templates/langchain/basic/runagent.config.json":  basicManifest,
		"templates/langchain/basic/main.py":               "def run():\n    return 'ok'\n",
		"templates/langchain/basic/utils/helpers.py":      "X = 1\n",
		"templates/langchain/rag/runagent.config.json":    strings.ReplaceAll(basicManifest, `"basic"`, `"rag"`),
		"templates/langchain/rag/main.py":                 "pass\n",
		"templates/langchain/broken/runagent.config.json": brokenManifest,
		"templates/langchain/scratch/notes.txt":           "not a template\n",
		"templates/crewai/research/runagent.config.json":  strings.ReplaceAll(basicManifest, `"langchain"`, `"crewai"`),
		"templates/crewai/research/main.py":               "pass\n",
		"README.md":                                       "# templates\n",
	}
}

type contentEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	Size        int    `json:"size"`
	DownloadURL string `json:"download_url,omitempty"`
	Content     string `json:"content,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
}

// newFakeGitHub serves the subset of the GitHub API the content strategy uses.
func newFakeGitHub(t *testing.T, files map[string]string, apiCalls *int32) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		switch {
		case strings.HasPrefix(p, "/raw/"):
			content, ok := files[strings.TrimPrefix(p, "/raw/")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte(content))
		case p == "/repos/acme/templates/git/trees/main":
			atomic.AddInt32(apiCalls, 1)
			var tree []map[string]string
			dirs := map[string]bool{}
			for fp := range files {
				tree = append(tree, map[string]string{"path": fp, "type": "blob"})
				for d := filepath.Dir(fp); d != "."; d = filepath.Dir(d) {
					dirs[d] = true
				}
			}
			for d := range dirs {
				tree = append(tree, map[string]string{"path": d, "type": "tree"})
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"sha": "abc", "truncated": false, "tree": tree})
		case strings.HasPrefix(p, "/repos/acme/templates/contents/"):
			atomic.AddInt32(apiCalls, 1)
			assert.Equal(t, "main", r.URL.Query().Get("ref"))
			target := strings.Trim(strings.TrimPrefix(p, "/repos/acme/templates/contents/"), "/")
			w.Header().Set("Content-Type", "application/json")
			if content, ok := files[target]; ok {
				_ = json.NewEncoder(w).Encode(contentEntry{
					Name: filepath.Base(target), Path: target, Type: "file", Size: len(content),
					Content: base64.StdEncoding.EncodeToString([]byte(content)), Encoding: "base64",
				})
				return
			}
			children := map[string]contentEntry{}
			for fp, content := range files {
				if !strings.HasPrefix(fp, target+"/") {
					continue
				}
				rest := strings.TrimPrefix(fp, target+"/")
				name, _, isDir := strings.Cut(rest, "/")
				entry := contentEntry{Name: name, Path: target + "/" + name}
				if isDir {
					entry.Type = "dir"
				} else {
					entry.Type = "file"
					entry.Size = len(content)
					entry.DownloadURL = srv.URL + "/raw/" + fp
				}
				children[name] = entry
			}
			if len(children) == 0 {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"message":"Not Found"}`))
				return
			}
			list := make([]contentEntry, 0, len(children))
			for _, e := range children {
				list = append(list, e)
			}
			sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
			_ = json.NewEncoder(w).Encode(list)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newContentAcquirer(t *testing.T, apiURL string) *Acquirer {
	t.Helper()
	acq, err := NewAcquirer(Options{
		Source: Source{
			RepoURL: "https://github.com/acme/templates.git",
			Branch:  "main",
			Prepath: "templates",
		},
		GitHubAPIURL:           apiURL,
		MaxConcurrentDownloads: 4,
		Logger:                 zap.NewNop(),
	})
	require.NoError(t, err)
	return acq
}

func TestFetch_ContentAPI(t *testing.T) {
	var calls int32
	srv := newFakeGitHub(t, templateRepoFiles(), &calls)
	acq := newContentAcquirer(t, srv.URL)
	// Only the content API should be reachable in this test.
	acq.strategies = acq.strategies[:1]

	target := filepath.Join(t.TempDir(), "project")
	require.NoError(t, acq.Fetch(context.Background(), "templates", "langchain", "basic", target))

	data, err := os.ReadFile(filepath.Join(target, "utils", "helpers.py"))
	require.NoError(t, err)
	assert.Equal(t, "X = 1\n", string(data))
	_, err = os.Stat(filepath.Join(target, "templates"))
	assert.True(t, os.IsNotExist(err), "wrapping path components must not be copied")

	m, err := manifest.NewManager(target).Load()
	require.NoError(t, err)
	assert.Equal(t, "langchain", m.Framework)
	assert.Equal(t, "basic", m.Template)
	assert.Equal(t, []string{"generic", "generic_stream"}, m.Tags())
	assert.Positive(t, atomic.LoadInt32(&calls))
}

func TestFetch_UnknownTemplateListsAvailable(t *testing.T) {
	var calls int32
	srv := newFakeGitHub(t, templateRepoFiles(), &calls)
	acq := newContentAcquirer(t, srv.URL)

	err := acq.Fetch(context.Background(), "templates", "langchain", "nonexistent", t.TempDir())
	var dlErr *TemplateDownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, []string{"basic", "broken", "rag"}, dlErr.Available)
	assert.Contains(t, err.Error(), "nonexistent")
	assert.Contains(t, err.Error(), "basic, broken, rag")
}

func TestFetch_UnknownFrameworkListsFrameworks(t *testing.T) {
	var calls int32
	srv := newFakeGitHub(t, templateRepoFiles(), &calls)
	acq := newContentAcquirer(t, srv.URL)

	err := acq.Fetch(context.Background(), "templates", "autogen", "basic", t.TempDir())
	var dlErr *TemplateDownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, []string{"crewai", "langchain"}, dlErr.Available)
}

func TestFetch_MissingArguments(t *testing.T) {
	acq := newContentAcquirer(t, "http://127.0.0.1:0")
	acq.source.Prepath = ""

	err := acq.Fetch(context.Background(), "", "langchain", "basic", t.TempDir())
	var dlErr *TemplateDownloadError
	require.ErrorAs(t, err, &dlErr)

	err = acq.Fetch(context.Background(), "templates", "langchain", "", t.TempDir())
	require.ErrorAs(t, err, &dlErr)
}

func TestFetch_ValidationFailureLeavesFiles(t *testing.T) {
	var calls int32
	srv := newFakeGitHub(t, templateRepoFiles(), &calls)
	acq := newContentAcquirer(t, srv.URL)

	target := t.TempDir()
	err := acq.Fetch(context.Background(), "templates", "langchain", "broken", target)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, []string{"agent.py"}, vErr.Missing)

	// Partial output is the caller's to clean up.
	_, statErr := os.Stat(filepath.Join(target, manifest.FileName))
	assert.NoError(t, statErr)
}

func TestList_ContentAPI(t *testing.T) {
	var calls int32
	srv := newFakeGitHub(t, templateRepoFiles(), &calls)
	acq := newContentAcquirer(t, srv.URL)

	got, err := acq.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"langchain": {"basic", "broken", "rag"},
		"crewai":    {"research"},
	}, got, "scratch directories without a manifest are not templates")
}

type failingStrategy struct {
	err   error
	calls int
}

func (f *failingStrategy) name() string { return "failing" }
func (f *failingStrategy) fetch(context.Context, string, string) error {
	f.calls++
	return f.err
}
func (f *failingStrategy) list(context.Context, string) (map[string][]string, error) {
	f.calls++
	return nil, f.err
}

func TestFetch_AllStrategiesFail(t *testing.T) {
	first := &failingStrategy{err: errRateLimited}
	second := &failingStrategy{err: errors.New("clone failed")}
	acq := &Acquirer{
		source:     Source{Prepath: "templates"},
		strategies: []strategy{first, second},
		logger:     zap.NewNop(),
	}

	err := acq.Fetch(context.Background(), "", "langchain", "basic", t.TempDir())
	var dlErr *TemplateDownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.ErrorIs(t, err, errRateLimited)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

// newLocalTemplateRepo commits files into a fresh repository on branch master.
func newLocalTemplateRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git-upload-pack not available")
	}

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	for p, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	_, err = wt.Commit("add templates", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func newSparseAcquirer(repoDir string, lead ...strategy) *Acquirer {
	sparse := newSparseStrategy(repoDir, "master", "")
	sparse.depth = 0
	return &Acquirer{
		source:     Source{RepoURL: repoDir, Branch: "master", Prepath: "templates"},
		strategies: append(lead, sparse),
		logger:     zap.NewNop(),
	}
}

func TestFetch_FallsBackToSparseCheckout(t *testing.T) {
	repoDir := newLocalTemplateRepo(t, templateRepoFiles())
	failing := &failingStrategy{err: errRateLimited}
	acq := newSparseAcquirer(repoDir, failing)

	target := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, acq.Fetch(context.Background(), "templates", "langchain", "basic", target))
	assert.Equal(t, 1, failing.calls)

	m, err := manifest.NewManager(target).Load()
	require.NoError(t, err)
	assert.Equal(t, "langchain", m.Framework)
	assert.Equal(t, "basic", m.Template)

	_, err = os.Stat(filepath.Join(target, "utils", "helpers.py"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(target, ".git"))
	assert.True(t, os.IsNotExist(err))
}

func TestSparse_ListAndNotFound(t *testing.T) {
	repoDir := newLocalTemplateRepo(t, templateRepoFiles())
	acq := newSparseAcquirer(repoDir)

	got, err := acq.List(context.Background(), "templates")
	require.NoError(t, err)
	assert.Equal(t, []string{"basic", "broken", "rag"}, got["langchain"])
	assert.Equal(t, []string{"research"}, got["crewai"])

	err = acq.Fetch(context.Background(), "templates", "crewai", "nonexistent", t.TempDir())
	var dlErr *TemplateDownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, []string{"research"}, dlErr.Available)
}

func TestParseGitHubRepo(t *testing.T) {
	tests := []struct {
		in    string
		owner string
		repo  string
		ok    bool
	}{
		{"https://github.com/acme/templates.git", "acme", "templates", true},
		{"https://github.com/acme/templates/", "acme", "templates", true},
		{"git@github.com:acme/templates.git", "acme", "templates", true},
		{"https://gitlab.com/acme/templates.git", "", "", false},
		{"https://github.com/acme", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			owner, repo, ok := parseGitHubRepo(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		})
	}
}

func TestCollectTemplates(t *testing.T) {
	got := collectTemplates([]string{
		"langchain/b/runagent.config.json",
		"langchain/a/runagent.config.json",
		"langchain/a/nested/runagent.config.json",
		"README.md",
	})
	assert.Equal(t, map[string][]string{"langchain": {"a", "b"}}, got)
}
