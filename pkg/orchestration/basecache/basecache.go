// Package basecache implements the Docker backend's Base Cache: a pure
// performance optimization that pre-clones and pre-installs
// marketplace-base templates into a shared named volume, so that adding a
// container to a project later is a local directory copy instead of a
// network clone plus dependency install. The Kubernetes backend does not
// use this package.
package basecache

import (
	"context"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/otiai10/copy"
	"github.com/pkg/errors"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/model"
	"github.com/tesslate/orchestrator-core/pkg/util"
)

// Cache pre-warms a shared volume (mounted at MountPath on this host, the
// same path the orchestrator process itself sees the Docker named volume
// at) with one subdirectory per cached MarketplaceBase.
type Cache struct {
	MountPath string
	exec      util.Exec
}

// New builds a Cache rooted at mountPath, using logger for install-pass
// output.
func New(ctx context.Context, mountPath string, logger util.Logger) *Cache {
	return &Cache{MountPath: mountPath, exec: util.NewExec(ctx, logger)}
}

func (c *Cache) basePath(base model.MarketplaceBase) string {
	return filepath.Join(c.MountPath, base.Slug)
}

// Has reports whether base is already cloned into the cache.
func (c *Cache) Has(base model.MarketplaceBase) bool {
	_, err := os.Stat(c.basePath(base))
	return err == nil
}

// Warm clones base (if not already cached) and runs its install pass.
// Safe to call repeatedly; a base already present is left untouched.
func (c *Cache) Warm(base model.MarketplaceBase) error {
	if base.GitRepoURL == nil {
		return apierr.New(apierr.Validation, "marketplace base %q has no git_repo_url", base.Slug)
	}
	dest := c.basePath(base)
	if c.Has(base) {
		return nil
	}

	branch := "main"
	if base.DefaultBranch != nil && *base.DefaultBranch != "" {
		branch = *base.DefaultBranch
	}

	_, err := git.PlainClone(dest, false, &git.CloneOptions{
		URL:           *base.GitRepoURL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		Depth:         1,
		SingleBranch:  true,
	})
	if err != nil {
		_ = os.RemoveAll(dest)
		return apierr.Wrap(apierr.BackendTransient, err, "failed to clone marketplace base %q", base.Slug)
	}

	if err := c.installPass(dest); err != nil {
		return apierr.Wrap(apierr.BackendPermanent, err, "failed to run install pass for marketplace base %q", base.Slug)
	}
	return nil
}

// installPass runs the appropriate dependency-install command for every
// directory layout found under root: the root itself, and frontend/ or
// backend/ subdirectories when present.
func (c *Cache) installPass(root string) error {
	dirs := []string{root}
	for _, sub := range []string{"frontend", "backend"} {
		if fi, err := os.Stat(filepath.Join(root, sub)); err == nil && fi.IsDir() {
			dirs = append(dirs, filepath.Join(root, sub))
		}
	}

	for _, dir := range dirs {
		cmd, ok := installCommandFor(dir)
		if !ok {
			continue
		}
		if _, err := c.exec.ExecCommandAndLog("basecache-install", cmd, util.ExecOpts{Wd: dir}); err != nil {
			return errors.Wrapf(err, "install command failed in %q", dir)
		}
	}
	return nil
}

func installCommandFor(dir string) (string, bool) {
	switch {
	case exists(filepath.Join(dir, "package.json")):
		return "npm install", true
	case exists(filepath.Join(dir, "requirements.txt")):
		return "python3 -m venv .venv && . .venv/bin/activate && pip install -r requirements.txt", true
	case exists(filepath.Join(dir, "go.mod")):
		return "go mod download", true
	default:
		return "", false
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WarmAll warms every base in bases, collecting (not aborting on) the
// first error per base so one broken template doesn't block the rest of
// the catalog from pre-warming.
func (c *Cache) WarmAll(bases []model.MarketplaceBase) map[string]error {
	results := make(map[string]error, len(bases))
	for _, base := range bases {
		results[base.Slug] = c.Warm(base)
	}
	return results
}

// CopyInto copies a cached base's files into a project container
// directory (a plain recursive copy — the orchestrator's own copy, not a
// git operation, since the destination is not a git working tree).
// Skips .git, since the destination is a project file tree, not a clone.
func (c *Cache) CopyInto(base model.MarketplaceBase, destDir string) error {
	if !c.Has(base) {
		return apierr.New(apierr.NotFound, "marketplace base %q is not cached", base.Slug)
	}
	err := copy.Copy(c.basePath(base), destDir, copy.Options{
		Skip: func(srcinfo os.FileInfo, src, dest string) (bool, error) {
			return srcinfo.Name() == ".git", nil
		},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to copy marketplace base %q into %q", base.Slug, destDir)
	}
	return nil
}
