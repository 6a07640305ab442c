// Package initializer implements the Project & Container Initializer
// (spec.md §4.11): the background workflow the API layer launches when a
// project is created or a container is added. It stages a source tree
// (an in-repo template, a cached/cloned marketplace base, or a GitHub
// import), optionally auto-patches it for dev-server compatibility, then
// copies the result into the project through the Orchestrator's file
// methods so the same code path works against both backends.
package initializer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/otiai10/copy"
	"github.com/pkg/errors"

	"github.com/tesslate/orchestrator-core/pkg/corelog"
	orchestration "github.com/tesslate/orchestrator-core/pkg/orchestration"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/basecache"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/model"
)

// SourceType is the project-creation-time source branch (spec.md §4.11).
// It is an input to initialization, not persisted state: once a project
// exists its identity is its files plus the optional GitRemoteURL this
// package records.
type SourceType string

const (
	SourceTemplate SourceType = "template"
	SourceBase     SourceType = "base"
	SourceGitHub   SourceType = "github"
)

// TaskStatus mirrors the background task record's status field callers
// poll (spec.md §4.11).
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

// Progress is one snapshot of a running initialization task.
type Progress struct {
	Percent int
	Message string
	Status  TaskStatus
}

// ProgressFunc receives Progress snapshots as a task advances. Callers
// polling a task record store the latest snapshot; nil is accepted and
// simply drops every snapshot.
type ProgressFunc func(Progress)

func (f ProgressFunc) report(p Progress) {
	if f != nil {
		f(p)
	}
}

// Request describes the source a project or container is seeded from.
type Request struct {
	Type SourceType

	// TemplateName selects a subdirectory of config.Config.TemplatesDir.
	// Required when Type == SourceTemplate.
	TemplateName string

	// Base is the purchased marketplace base to seed from. Required when
	// Type == SourceBase.
	Base model.MarketplaceBase

	// GitHubRepoURL and GitHubToken authenticate the clone when
	// Type == SourceGitHub. GitHubBranch defaults to "main" when empty.
	GitHubRepoURL string
	GitHubToken   string
	GitHubBranch  string
}

// Initializer runs the staging + copy workflow against a single
// Orchestrator backend.
type Initializer struct {
	orchestrator orchestration.Orchestrator
	baseCache    *basecache.Cache // nil on Kubernetes: no local cache volume to pre-warm
	templatesDir string
	logger       corelog.Logger
}

// New builds an Initializer. baseCache may be nil (the Kubernetes backend
// has none; source_type=base there always clones to a temp directory).
func New(o orchestration.Orchestrator, baseCache *basecache.Cache, templatesDir string, logger corelog.Logger) *Initializer {
	return &Initializer{orchestrator: o, baseCache: baseCache, templatesDir: templatesDir, logger: logger}
}

// InitializeProject stages req's source and copies it into project's root
// container directory, returning the git remote URL to record on the
// project (base and github sources only; template returns nil).
func (i *Initializer) InitializeProject(ctx context.Context, project model.Project, container model.Container, req Request, report ProgressFunc) (*string, error) {
	return i.run(ctx, project.Slug, container.Directory, req, report)
}

// InitializeContainer stages req's source into the subdirectory of a
// single added container, touching nothing else in the project
// (spec.md §4.11: "initializes only that container's subdirectory").
func (i *Initializer) InitializeContainer(ctx context.Context, project model.Project, container model.Container, req Request, report ProgressFunc) error {
	_, err := i.run(ctx, project.Slug, container.Directory, req, report)
	return err
}

func (i *Initializer) run(ctx context.Context, projectSlug, containerDirectory string, req Request, report ProgressFunc) (*string, error) {
	report.report(Progress{Percent: 0, Message: "staging source", Status: TaskRunning})

	staged, gitRemoteURL, err := i.stage(ctx, req)
	if err != nil {
		report.report(Progress{Percent: 0, Message: err.Error(), Status: TaskFailed})
		return nil, err
	}
	defer os.RemoveAll(staged)

	if ctx.Err() != nil {
		report.report(Progress{Percent: 50, Message: "cancelled", Status: TaskFailed})
		return nil, ctx.Err()
	}

	if req.Type == SourceGitHub {
		report.report(Progress{Percent: 50, Message: "auto-patching for compatibility", Status: TaskRunning})
		if err := autoPatch(staged); err != nil {
			// Best-effort per spec.md §4.11: a failed patch never fails the
			// whole import, it just leaves the file unpatched.
			i.logf(ctx, "auto-patch step failed for %s: %v", req.GitHubRepoURL, err)
		}
	}

	report.report(Progress{Percent: 70, Message: "copying files into project", Status: TaskRunning})
	if err := i.copyInto(ctx, projectSlug, containerDirectory, staged); err != nil {
		report.report(Progress{Percent: 70, Message: err.Error(), Status: TaskFailed})
		return nil, err
	}

	report.report(Progress{Percent: 100, Message: "done", Status: TaskSuccess})
	return gitRemoteURL, nil
}

// stage materializes req's source tree into a fresh local temp directory
// and returns its path plus the git remote URL (if any) to record.
func (i *Initializer) stage(ctx context.Context, req Request) (string, *string, error) {
	switch req.Type {
	case SourceTemplate:
		return i.stageTemplate(req)
	case SourceBase:
		return i.stageBase(req)
	case SourceGitHub:
		return i.stageGitHub(ctx, req)
	default:
		return "", nil, apierr.New(apierr.Validation, "unknown source_type %q", req.Type)
	}
}

func (i *Initializer) stageTemplate(req Request) (string, *string, error) {
	if req.TemplateName == "" {
		return "", nil, apierr.New(apierr.Validation, "template source requires a template name")
	}
	src := filepath.Join(i.templatesDir, req.TemplateName)
	if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
		return "", nil, apierr.New(apierr.NotFound, "template %q not found", req.TemplateName)
	}

	dest, err := os.MkdirTemp("", "orchestrator-init-template-*")
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to create staging directory")
	}
	if err := copy.Copy(src, dest); err != nil {
		os.RemoveAll(dest)
		return "", nil, errors.Wrapf(err, "failed to copy template %q", req.TemplateName)
	}
	return dest, nil, nil
}

func (i *Initializer) stageBase(req Request) (string, *string, error) {
	if req.Base.GitRepoURL == nil || *req.Base.GitRepoURL == "" {
		return "", nil, apierr.New(apierr.Validation, "marketplace base %q has no git_repo_url", req.Base.Slug)
	}

	dest, err := os.MkdirTemp("", "orchestrator-init-base-*")
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to create staging directory")
	}

	if i.baseCache != nil {
		if !i.baseCache.Has(req.Base) {
			if err := i.baseCache.Warm(req.Base); err != nil {
				os.RemoveAll(dest)
				return "", nil, errors.Wrapf(err, "failed to warm marketplace base %q", req.Base.Slug)
			}
		}
		if err := i.baseCache.CopyInto(req.Base, dest); err != nil {
			os.RemoveAll(dest)
			return "", nil, err
		}
		return dest, req.Base.GitRepoURL, nil
	}

	// No local cache (Kubernetes): clone straight to the staging directory,
	// same as a github import but without credentials.
	branch := "main"
	if req.Base.DefaultBranch != nil && *req.Base.DefaultBranch != "" {
		branch = *req.Base.DefaultBranch
	}
	_, err = git.PlainClone(dest, false, &git.CloneOptions{
		URL:           *req.Base.GitRepoURL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		Depth:         1,
		SingleBranch:  true,
	})
	if err != nil {
		os.RemoveAll(dest)
		return "", nil, apierr.Wrap(apierr.BackendTransient, err, "failed to clone marketplace base %q", req.Base.Slug)
	}
	_ = os.RemoveAll(filepath.Join(dest, ".git"))
	return dest, req.Base.GitRepoURL, nil
}

func (i *Initializer) stageGitHub(ctx context.Context, req Request) (string, *string, error) {
	if req.GitHubRepoURL == "" {
		return "", nil, apierr.New(apierr.Validation, "github source requires a repo url")
	}
	branch := req.GitHubBranch
	if branch == "" {
		branch = "main"
	}

	dest, err := os.MkdirTemp("", "orchestrator-init-github-*")
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to create staging directory")
	}

	opts := &git.CloneOptions{
		URL:           req.GitHubRepoURL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		Depth:         1,
		SingleBranch:  true,
	}
	if req.GitHubToken != "" {
		opts.Auth = &http.BasicAuth{Username: "x-access-token", Password: req.GitHubToken}
	}

	if _, err := git.PlainCloneContext(ctx, dest, false, opts); err != nil {
		os.RemoveAll(dest)
		return "", nil, apierr.Wrap(apierr.BackendTransient, err, "failed to clone %q", req.GitHubRepoURL)
	}
	_ = os.RemoveAll(filepath.Join(dest, ".git"))

	url := req.GitHubRepoURL
	return dest, &url, nil
}

// copyInto walks a staged directory and writes every regular file through
// the Orchestrator's own WriteFile, so the copy lands correctly whether
// the project directory is local disk (Docker) or a remote pod (K8s).
func (i *Initializer) copyInto(ctx context.Context, projectSlug, containerDirectory, staged string) error {
	return filepath.WalkDir(staged, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(staged, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "failed to read staged file %q", rel)
		}
		if err := i.orchestrator.WriteFile(ctx, projectSlug, containerDirectory, filepath.ToSlash(rel), content); err != nil {
			return errors.Wrapf(err, "failed to write %q into project", rel)
		}
		return nil
	})
}

func (i *Initializer) logf(ctx context.Context, format string, args ...interface{}) {
	if i.logger == nil {
		return
	}
	i.logger.Error(ctx, format, args...)
}

// autoPatchTargets lists the config files the best-effort compatibility
// pass inspects, matched by file name at any depth under a staged source
// tree's root.
var autoPatchTargets = []string{
	"vite.config.ts", "vite.config.js",
	"next.config.js", "next.config.mjs", "next.config.ts",
	".env", ".env.local",
	"package.json",
}

// autoPatchReplacements are applied in order to every target file's
// contents. Rewriting a dev server's host binding from localhost to
// 0.0.0.0 is the one documented by spec.md §4.11; the rest are the same
// class of fix for the frameworks the catalog's templates actually use.
var autoPatchReplacements = []struct{ from, to string }{
	{"localhost:3000", "0.0.0.0:3000"},
	{"'localhost'", "'0.0.0.0'"},
	{`"localhost"`, `"0.0.0.0"`},
	{"host: 'localhost'", "host: '0.0.0.0'"},
	{"host: \"localhost\"", "host: \"0.0.0.0\""},
}

// autoPatch walks root looking for known config files and rewrites dev-
// server host bindings in place. Best-effort: a read/write failure on one
// file is returned to the caller, who logs and continues rather than
// failing the whole import.
func autoPatch(root string) error {
	var firstErr error
	for _, name := range autoPatchTargets {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if filepath.Base(path) != name {
				return nil
			}
			if perr := patchFile(path); perr != nil && firstErr == nil {
				firstErr = perr
			}
			return nil
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func patchFile(path string) error {
	original, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	patched := string(original)
	for _, r := range autoPatchReplacements {
		patched = strings.ReplaceAll(patched, r.from, r.to)
	}
	if patched == string(original) {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(patched), info.Mode())
}
