package dockerbackend

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	orchestration "github.com/tesslate/orchestrator-core/pkg/orchestration"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
)

// excludedWalkDirs are skipped entirely when listing, globbing or
// grepping a container directory (spec.md §4.6).
var excludedWalkDirs = map[string]bool{
	"node_modules": true, ".git": true, "__pycache__": true, ".next": true,
	"dist": true, "build": true, ".venv": true, "venv": true, ".cache": true,
	".turbo": true, "coverage": true, ".nyc_output": true,
}

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".zip": true, ".tar": true, ".gz": true, ".pdf": true, ".woff": true,
	".woff2": true, ".ttf": true, ".exe": true, ".bin": true, ".so": true,
}

// resolvePath normalizes a caller-supplied relative path against a
// container's directory on the shared volume, rejecting any attempt to
// escape it (invariant 3: a container's files live strictly under its
// own directory).
func (b *Backend) resolvePath(projectSlug, containerDirectory, path string) (string, error) {
	root := b.containerDir(projectSlug, containerDirectory)
	full := filepath.Join(root, path)
	if full != root && !strings.HasPrefix(full, root+string(os.PathSeparator)) {
		return "", apierr.New(apierr.Validation, "path %q escapes container directory", path)
	}
	return full, nil
}

// ReadFile reads directly off the shared volume — no exec round-trip, the
// Docker backend's main performance advantage over Kubernetes' exec-based
// file I/O (spec.md §4.6).
func (b *Backend) ReadFile(ctx context.Context, projectSlug, containerDirectory, path string) ([]byte, error) {
	full, err := b.resolvePath(projectSlug, containerDirectory, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.New(apierr.NotFound, "file %q not found", path)
		}
		return nil, apierr.Wrap(apierr.BackendTransient, err, "failed to read %q", path)
	}
	b.TrackActivity(ctx, projectSlug, "")
	return data, nil
}

// WriteFile races with other writers to the same path; last writer wins
// by design (spec.md §5: no versioning, callers coordinate).
func (b *Backend) WriteFile(ctx context.Context, projectSlug, containerDirectory, path string, content []byte) error {
	full, err := b.resolvePath(projectSlug, containerDirectory, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to create parent directories for %q", path)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to write %q", path)
	}
	b.TrackActivity(ctx, projectSlug, "")
	return nil
}

// DeleteFile is idempotent: deleting an absent file is success, per the
// not-found error kind's delete semantics (spec.md §7).
func (b *Backend) DeleteFile(ctx context.Context, projectSlug, containerDirectory, path string) error {
	full, err := b.resolvePath(projectSlug, containerDirectory, path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to delete %q", path)
	}
	b.TrackActivity(ctx, projectSlug, "")
	return nil
}

// ListFiles lists the immediate children of path, skipping excluded
// directories.
func (b *Backend) ListFiles(ctx context.Context, projectSlug, containerDirectory, path string) ([]orchestration.FileEntry, error) {
	full, err := b.resolvePath(projectSlug, containerDirectory, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.New(apierr.NotFound, "directory %q not found", path)
		}
		return nil, apierr.Wrap(apierr.BackendTransient, err, "failed to list %q", path)
	}
	out := make([]orchestration.FileEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && excludedWalkDirs[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, orchestration.FileEntry{
			Path:  filepath.Join(path, e.Name()),
			IsDir: e.IsDir(),
			Size:  info.Size(),
		})
	}
	return out, nil
}

// GlobFiles walks the container directory, matching pattern against each
// file's path relative to the container root.
func (b *Backend) GlobFiles(ctx context.Context, projectSlug, containerDirectory, pattern string) ([]orchestration.FileEntry, error) {
	root := b.containerDir(projectSlug, containerDirectory)
	var out []orchestration.FileEntry
	err := b.walk(root, func(relPath string, info os.FileInfo) error {
		ok, err := filepath.Match(pattern, relPath)
		if err != nil {
			return apierr.New(apierr.Validation, "invalid glob pattern %q", pattern)
		}
		if ok {
			out = append(out, orchestration.FileEntry{Path: relPath, IsDir: info.IsDir(), Size: info.Size()})
		}
		return nil
	})
	return out, err
}

// GrepFiles walks the container directory, returning every line matching
// pattern in every non-binary file.
func (b *Backend) GrepFiles(ctx context.Context, projectSlug, containerDirectory, pattern string) ([]orchestration.GrepMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, apierr.New(apierr.Validation, "invalid grep pattern %q", pattern)
	}
	root := b.containerDir(projectSlug, containerDirectory)
	var out []orchestration.GrepMatch
	err = b.walk(root, func(relPath string, info os.FileInfo) error {
		if info.IsDir() || binaryExtensions[filepath.Ext(relPath)] {
			return nil
		}
		data, readErr := os.ReadFile(filepath.Join(root, relPath))
		if readErr != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				out = append(out, orchestration.GrepMatch{Path: relPath, Line: i + 1, Text: line})
			}
		}
		return nil
	})
	return out, err
}

func (b *Backend) walk(root string, fn func(relPath string, info os.FileInfo) error) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return apierr.Wrap(apierr.BackendTransient, err, "failed to walk %q", root)
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if info.IsDir() && excludedWalkDirs[info.Name()] {
			return filepath.SkipDir
		}
		return fn(filepath.ToSlash(rel), info)
	})
}
