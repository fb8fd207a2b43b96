package templates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/agentregistry-dev/agentrun/internal/manifest"
)

// sparseStrategy clones the template repository without checking anything out,
// then materializes only the requested subtree with a sparse checkout.
type sparseStrategy struct {
	repoURL string
	branch  string
	token   string
	// depth limits history fetched by the clone; 0 fetches everything.
	depth int
}

func newSparseStrategy(repoURL, branch, token string) *sparseStrategy {
	return &sparseStrategy{
		repoURL: repoURL,
		branch:  branch,
		token:   token,
		depth:   1,
	}
}

func (s *sparseStrategy) name() string { return "sparse-checkout" }

func (s *sparseStrategy) fetch(ctx context.Context, repoPath, targetDir string) error {
	checkout, cleanup, err := s.checkout(ctx, repoPath)
	if err != nil {
		return err
	}
	defer cleanup()

	src := filepath.Join(checkout, filepath.FromSlash(repoPath))
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%s: %w", repoPath, errPathNotFound)
	}

	// Copy the subtree without the prepath/framework/template wrappers.
	if err := copyTree(src, targetDir); err != nil {
		return fmt.Errorf("failed to copy template: %w", err)
	}
	return nil
}

func (s *sparseStrategy) list(ctx context.Context, prepath string) (map[string][]string, error) {
	prepath = strings.Trim(prepath, "/")
	checkout, cleanup, err := s.checkout(ctx, prepath)
	if err != nil {
		if errors.Is(err, errPathNotFound) {
			return map[string][]string{}, nil
		}
		return nil, err
	}
	defer cleanup()

	root := filepath.Join(checkout, filepath.FromSlash(prepath))
	frameworks, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]string{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", prepath, err)
	}

	var manifestPaths []string
	for _, fw := range frameworks {
		if !fw.IsDir() || strings.HasPrefix(fw.Name(), ".") {
			continue
		}
		tmpls, err := os.ReadDir(filepath.Join(root, fw.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", fw.Name(), err)
		}
		for _, t := range tmpls {
			if !t.IsDir() {
				continue
			}
			if _, err := os.Stat(filepath.Join(root, fw.Name(), t.Name(), manifest.FileName)); err == nil {
				manifestPaths = append(manifestPaths, path.Join(fw.Name(), t.Name(), manifest.FileName))
			}
		}
	}
	return collectTemplates(manifestPaths), nil
}

// checkout clones into a temporary directory and sparsely checks out dir.
// The returned cleanup removes the temporary directory.
func (s *sparseStrategy) checkout(ctx context.Context, dir string) (string, func(), error) {
	tmp, err := os.MkdirTemp("", "agentrun-clone-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }

	opts := &git.CloneOptions{
		URL:           s.repoURL,
		ReferenceName: plumbing.NewBranchReferenceName(s.branch),
		SingleBranch:  true,
		NoCheckout:    true,
		Depth:         s.depth,
		Tags:          git.NoTags,
	}
	if s.token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: s.token}
	}

	repo, err := git.PlainCloneContext(ctx, tmp, false, opts)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to clone %s: %w", s.repoURL, err)
	}

	head, err := repo.Head()
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	dir = strings.Trim(dir, "/")
	if err := ensureTreePath(repo, head.Hash(), dir); err != nil {
		cleanup()
		return "", nil, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to open worktree: %w", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{
		Hash:                      head.Hash(),
		SparseCheckoutDirectories: []string{dir},
		Force:                     true,
	}); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to check out %s: %w", dir, err)
	}

	return tmp, cleanup, nil
}

// ensureTreePath fails with errPathNotFound when dir is not a directory in the commit.
func ensureTreePath(repo *git.Repository, hash plumbing.Hash, dir string) error {
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return fmt.Errorf("failed to read commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("failed to read tree: %w", err)
	}
	entry, err := tree.FindEntry(dir)
	if err != nil || entry.Mode != filemode.Dir {
		return fmt.Errorf("%s: %w", dir, errPathNotFound)
	}
	return nil
}
