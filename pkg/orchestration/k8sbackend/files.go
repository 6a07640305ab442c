package k8sbackend

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	orchestration "github.com/tesslate/orchestrator-core/pkg/orchestration"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
)

// excludedWalkDirs mirrors the Docker backend's exclude list (spec.md
// §4.6, applied identically to the Kubernetes backend's exec-based walks).
var excludedWalkDirs = []string{
	"node_modules", ".git", "__pycache__", ".next", "dist", "build",
	".venv", "venv", ".cache", ".turbo", "coverage", ".nyc_output",
}

// podPath resolves a caller-supplied relative path against a container's
// logical directory inside the pod (`/app` or `/app/{containerDirectory}`).
// The path is anchored at that directory before `..` segments are resolved,
// so leading `..` segments are dropped and the result never leaves it.
func podPath(containerDirectory, relPath string) (string, error) {
	root := "/app"
	if !isRootDirectory(containerDirectory) {
		root = "/app/" + containerDirectory
	}
	clean := path.Clean("/" + relPath)
	full := path.Join(root, clean)
	if full != root && !strings.HasPrefix(full, root+"/") {
		return "", apierr.New(apierr.Validation, "path %q escapes container directory", relPath)
	}
	return full, nil
}

// readViaFileManager reads a file's contents through the file-manager
// pod's exec stream, falling back to the project's dev-container pod if
// the file-manager read fails — the pod the caller is writing through may
// be mid-restart while the dev container is up (spec.md §7 error
// propagation: "falls back between file-manager pod and dev-container pod
// on K8s reads").
func (b *Backend) readViaFileManager(ctx context.Context, projectSlug, containerDirectory, relPath string) ([]byte, error) {
	full, err := podPath(containerDirectory, relPath)
	if err != nil {
		return nil, err
	}
	ns := b.namespace(projectSlug)

	data, readErr := b.catInPod(ctx, ns, b.fileManagerPod, fileManagerContainerName, full)
	if readErr == nil {
		return data, nil
	}
	if !isRootDirectory(containerDirectory) {
		if data, fallbackErr := b.catInPod(ctx, ns, func(ctx context.Context, ns string) (string, error) {
			return b.devContainerPod(ctx, ns, containerDirectory)
		}, "workload", full); fallbackErr == nil {
			return data, nil
		}
	}
	return nil, readErr
}

func (b *Backend) catInPod(ctx context.Context, ns string, podFor func(ctx context.Context, ns string) (string, error), container, full string) ([]byte, error) {
	pod, err := podFor(ctx, ns)
	if err != nil {
		return nil, err
	}
	stdout, stderr, err := b.execInPod(ctx, ns, pod, container, []string{"cat", full}, nil)
	if err != nil {
		if strings.Contains(stderr.String(), "No such file") {
			return nil, apierr.New(apierr.NotFound, "file %q not found", full)
		}
		return nil, apierr.Wrap(apierr.BackendTransient, err, "failed to read %q", full)
	}
	return stdout.Bytes(), nil
}

// ReadFile reads a file out of the running project's shared volume via the
// file-manager pod.
func (b *Backend) ReadFile(ctx context.Context, projectSlug, containerDirectory, path string) ([]byte, error) {
	data, err := b.readViaFileManager(ctx, projectSlug, containerDirectory, path)
	if err != nil {
		return nil, err
	}
	b.TrackActivity(ctx, projectSlug, "")
	return data, nil
}

// WriteFile streams content to the file-manager pod's stdin and writes it
// to path with a shell redirection.
func (b *Backend) WriteFile(ctx context.Context, projectSlug, containerDirectory, relPath string, content []byte) error {
	full, err := podPath(containerDirectory, relPath)
	if err != nil {
		return err
	}
	ns := b.namespace(projectSlug)
	pod, err := b.fileManagerPod(ctx, ns)
	if err != nil {
		return err
	}
	script := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(path.Dir(full)), shellQuote(full))
	if _, stderr, err := b.execInPod(ctx, ns, pod, fileManagerContainerName, []string{"/bin/sh", "-c", script}, bytes.NewReader(content)); err != nil {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to write %q: %s", relPath, stderr.String())
	}
	b.TrackActivity(ctx, projectSlug, "")
	return nil
}

// DeleteFile is idempotent: `rm -f` never reports a missing file as an
// error.
func (b *Backend) DeleteFile(ctx context.Context, projectSlug, containerDirectory, relPath string) error {
	full, err := podPath(containerDirectory, relPath)
	if err != nil {
		return err
	}
	ns := b.namespace(projectSlug)
	pod, err := b.fileManagerPod(ctx, ns)
	if err != nil {
		return err
	}
	if _, stderr, err := b.execInPod(ctx, ns, pod, fileManagerContainerName, []string{"rm", "-f", full}, nil); err != nil {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to delete %q: %s", relPath, stderr.String())
	}
	b.TrackActivity(ctx, projectSlug, "")
	return nil
}

// ListFiles lists the immediate children of path using a portable POSIX
// shell loop (works against both busybox and coreutils images), skipping
// excluded directory names.
func (b *Backend) ListFiles(ctx context.Context, projectSlug, containerDirectory, relPath string) ([]orchestration.FileEntry, error) {
	full, err := podPath(containerDirectory, relPath)
	if err != nil {
		return nil, err
	}
	ns := b.namespace(projectSlug)
	pod, err := b.fileManagerPod(ctx, ns)
	if err != nil {
		return nil, err
	}
	script := fmt.Sprintf(
		`for f in %s/* %s/.*; do b=$(basename "$f"); [ "$b" = "." ] && continue; [ "$b" = ".." ] && continue; [ -e "$f" ] || continue; if [ -d "$f" ]; then echo "D 0 $b"; else echo "F $(wc -c < "$f" 2>/dev/null || echo 0) $b"; fi; done`,
		shellQuote(full), shellQuote(full))
	stdout, stderr, err := b.execInPod(ctx, ns, pod, fileManagerContainerName, []string{"/bin/sh", "-c", script}, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendTransient, err, "failed to list %q: %s", relPath, stderr.String())
	}

	var out []orchestration.FileEntry
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		name := parts[2]
		if parts[0] == "D" && excluded(name) {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		out = append(out, orchestration.FileEntry{
			Path:  path.Join(relPath, name),
			IsDir: parts[0] == "D",
			Size:  size,
		})
	}
	return out, nil
}

// GlobFiles and GrepFiles both need a full recursive file listing; findAll
// obtains it with a single `find` invocation that prunes excluded
// directories before descending into them.
func (b *Backend) findAll(ctx context.Context, projectSlug, containerDirectory string) ([]string, error) {
	full, err := podPath(containerDirectory, "")
	if err != nil {
		return nil, err
	}
	ns := b.namespace(projectSlug)
	pod, err := b.fileManagerPod(ctx, ns)
	if err != nil {
		return nil, err
	}

	pruneClauses := make([]string, 0, len(excludedWalkDirs))
	for _, d := range excludedWalkDirs {
		pruneClauses = append(pruneClauses, fmt.Sprintf("-name %s", shellQuote(d)))
	}
	cmd := fmt.Sprintf("find %s \\( -type d \\( %s \\) -prune \\) -o -type f -print",
		shellQuote(full), strings.Join(pruneClauses, " -o "))

	stdout, stderr, err := b.execInPod(ctx, ns, pod, fileManagerContainerName, []string{"/bin/sh", "-c", cmd}, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendTransient, err, "failed to walk project directory: %s", stderr.String())
	}

	var out []string
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		if line == "" {
			continue
		}
		rel := strings.TrimPrefix(line, full+"/")
		out = append(out, rel)
	}
	return out, nil
}

// GlobFiles matches pattern against every file path relative to the
// container root.
func (b *Backend) GlobFiles(ctx context.Context, projectSlug, containerDirectory, pattern string) ([]orchestration.FileEntry, error) {
	paths, err := b.findAll(ctx, projectSlug, containerDirectory)
	if err != nil {
		return nil, err
	}
	var out []orchestration.FileEntry
	for _, p := range paths {
		ok, err := path.Match(pattern, p)
		if err != nil {
			return nil, apierr.New(apierr.Validation, "invalid glob pattern %q", pattern)
		}
		if ok {
			out = append(out, orchestration.FileEntry{Path: p})
		}
	}
	return out, nil
}

// GrepFiles greps every non-excluded file for pattern, one exec call per
// file; acceptable because the Kubernetes backend is expected to serve
// smaller, less file-I/O-heavy projects than the Docker backend's local
// development use case.
func (b *Backend) GrepFiles(ctx context.Context, projectSlug, containerDirectory, pattern string) ([]orchestration.GrepMatch, error) {
	paths, err := b.findAll(ctx, projectSlug, containerDirectory)
	if err != nil {
		return nil, err
	}
	ns := b.namespace(projectSlug)
	pod, err := b.fileManagerPod(ctx, ns)
	if err != nil {
		return nil, err
	}
	root := "/app"
	if !isRootDirectory(containerDirectory) {
		root = "/app/" + containerDirectory
	}

	var out []orchestration.GrepMatch
	for _, p := range paths {
		if binaryExtension(p) {
			continue
		}
		stdout, _, err := b.execInPod(ctx, ns, pod, fileManagerContainerName,
			[]string{"grep", "-n", pattern, path.Join(root, p)}, nil)
		if err != nil {
			continue // no match, or file unreadable: grep's own non-zero exit
		}
		for _, line := range strings.Split(strings.TrimSuffix(stdout.String(), "\n"), "\n") {
			if line == "" {
				continue
			}
			parts := strings.SplitN(line, ":", 2)
			if len(parts) != 2 {
				continue
			}
			lineNo, _ := strconv.Atoi(parts[0])
			out = append(out, orchestration.GrepMatch{Path: p, Line: lineNo, Text: parts[1]})
		}
	}
	return out, nil
}

func excluded(name string) bool {
	for _, d := range excludedWalkDirs {
		if d == name {
			return true
		}
	}
	return false
}

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".zip": true, ".tar": true, ".gz": true, ".pdf": true, ".woff": true,
	".woff2": true, ".ttf": true, ".exe": true, ".bin": true, ".so": true,
}

func binaryExtension(p string) bool {
	return binaryExtensions[path.Ext(p)]
}
