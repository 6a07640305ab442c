// Package dockerbackend implements the Orchestrator contract (spec.md
// §4.9) against a local Docker Compose + shared named volume deployment
// (spec.md §4.6): one generated Compose document per project, a
// dedicated bridge network per project for isolation, and direct
// filesystem access to the shared volume for file I/O.
package dockerbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	orchestration "github.com/tesslate/orchestrator-core/pkg/orchestration"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/activity"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/baseconfig"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/catalog"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/config"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/lock"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/model"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/naming"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/proxy"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/secretstore"
	"github.com/tesslate/orchestrator-core/pkg/util"
)

// commandRunner is the subset of util.Exec the backend shells out through;
// a separate interface so tests supply a fake instead of a real Docker
// daemon, matching the proxy package's own fake-runner test seam.
type commandRunner interface {
	ExecCommand(cmd string, opts util.ExecOpts) (string, error)
	ExecCommandAndLog(subject, cmd string, opts util.ExecOpts) (util.ExecRes, error)
}

// Backend is the Docker Compose Orchestrator implementation.
type Backend struct {
	cfg            config.DockerConfig
	appDomain      string
	devServerImage string

	exec    commandRunner
	logger  util.Logger
	catalog *catalog.Catalog
	vault   *secretstore.Vault

	locks    *lock.Registry
	activity activity.Store
	proxyMgr *proxy.Manager

	fileReader config.Reader

	// tier1Since records when a project first crossed the Tier-1 idle
	// threshold, so Tier-2 deletion can be judged against that instant
	// rather than re-reading last_activity (spec.md §4.6 two-tier policy).
	tier1Since   map[string]time.Time
	tier1Mu      sync.Mutex

	// slugs maps project id to slug: the activity.Store (and the idle
	// reaper that drives it) only knows project ids, but every Compose
	// operation is keyed by slug, so the backend remembers the pairing
	// for every project it has started.
	slugs   map[string]string
	slugsMu sync.RWMutex
}

// Deps bundles the Backend's constructor dependencies.
type Deps struct {
	Config         config.DockerConfig
	AppDomain      string
	DevServerImage string
	Logger         util.Logger
	Catalog        *catalog.Catalog
	Vault          *secretstore.Vault
	Activity       activity.Store
	ProxyManager   *proxy.Manager
}

// New builds a Docker backend. ctx bounds the lifetime of the underlying
// command executor.
func New(ctx context.Context, deps Deps) *Backend {
	exec := util.NewExec(ctx, deps.Logger)
	return &Backend{
		cfg:            deps.Config,
		appDomain:      deps.AppDomain,
		devServerImage: deps.DevServerImage,
		exec:           &exec,
		logger:         deps.Logger,
		catalog:        deps.Catalog,
		vault:          deps.Vault,
		locks:          lock.NewRegistry(),
		activity:       deps.Activity,
		proxyMgr:       deps.ProxyManager,
		fileReader:     config.FSReader,
		tier1Since:     make(map[string]time.Time),
		slugs:          make(map[string]string),
	}
}

func (b *Backend) rememberSlug(projectID, slug string) {
	b.slugsMu.Lock()
	defer b.slugsMu.Unlock()
	b.slugs[projectID] = slug
}

func (b *Backend) slugFor(projectID string) (string, bool) {
	b.slugsMu.RLock()
	defer b.slugsMu.RUnlock()
	slug, ok := b.slugs[projectID]
	return slug, ok
}

func (b *Backend) forgetSlug(projectID string) {
	b.slugsMu.Lock()
	defer b.slugsMu.Unlock()
	delete(b.slugs, projectID)
}

var _ orchestration.Orchestrator = (*Backend)(nil)

func (b *Backend) projectDir(slug string) string {
	return filepath.Join(b.cfg.ProjectsMountPath, slug)
}

func (b *Backend) containerDir(slug, containerDirectory string) string {
	if isRootDirectory(containerDirectory) {
		return b.projectDir(slug)
	}
	return filepath.Join(b.projectDir(slug), containerDirectory)
}

func (b *Backend) projectNetworkName(slug string) string {
	return "tesslate-" + slug
}

func (b *Backend) regionalProxyNetworkName() string {
	return "tesslate-proxy-net-0"
}

func (b *Backend) composeFilePath(slug string) string {
	return filepath.Join(b.cfg.ComposeFilesDir, slug+".yml")
}

// EnsureProjectDirectory creates the project's root directory on the
// shared volume. Invariant 1 (spec.md §3): this directory's existence is
// equivalent to environment_status=active.
func (b *Backend) EnsureProjectDirectory(ctx context.Context, projectSlug string) error {
	if err := os.MkdirAll(b.projectDir(projectSlug), 0o755); err != nil {
		return apierr.Wrap(apierr.BackendPermanent, err, "failed to create project directory for %s", projectSlug)
	}
	return nil
}

// StartProject regenerates the Compose document for the whole project
// graph, brings every service up, and connects the project's network to
// its assigned regional proxy shard.
func (b *Backend) StartProject(ctx context.Context, project model.Project, containers []model.Container, connections []model.ContainerConnection) (orchestration.ProjectStartResult, error) {
	var result orchestration.ProjectStartResult
	err := b.locks.WithLock(project.ID, func() error {
		graph := model.BuildGraph(project, containers, connections)
		b.rememberSlug(project.ID, project.Slug)
		if err := b.EnsureProjectDirectory(ctx, project.Slug); err != nil {
			return err
		}

		startups, err := b.resolveStartups(graph)
		if err != nil {
			return err
		}

		doc, err := b.buildComposeDocument(graph, startups)
		if err != nil {
			return err
		}
		if err := b.writeComposeFile(project.Slug, doc); err != nil {
			return err
		}

		cmd := fmt.Sprintf("docker compose -f %s -p %s up -d --remove-orphans", b.composeFilePath(project.Slug), project.Slug)
		if _, err := b.exec.ExecCommandAndLog("compose-up", cmd, util.ExecOpts{}); err != nil {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to start project %s", project.Slug)
		}

		if b.proxyMgr != nil {
			if _, err := b.proxyMgr.Assign(project.Slug, b.projectNetworkName(project.Slug)); err != nil {
				return err
			}
		}

		urls := make(map[string]string, len(graph.Containers))
		for _, c := range graph.Containers {
			urls[c.Name] = b.GetContainerURL(project.Slug, c.Directory)
		}
		b.activity.Touch(project.ID, time.Now())
		result = orchestration.ProjectStartResult{Status: model.EnvironmentActive, URLs: urls}
		return nil
	})
	return result, err
}

// RestartProject is StartProject again: the Compose file is derived
// state, so "restart" is just "regenerate and re-apply" (spec.md §9
// Design Note).
func (b *Backend) RestartProject(ctx context.Context, project model.Project, containers []model.Container, connections []model.ContainerConnection) (orchestration.ProjectStartResult, error) {
	return b.StartProject(ctx, project, containers, connections)
}

// StopProject tears down the project's Compose stack and releases its
// regional-proxy shard assignment, but leaves the shared-volume directory
// and the Compose file in place — nothing in this backend deletes the
// project directory.
func (b *Backend) StopProject(ctx context.Context, projectSlug, projectID string) error {
	return b.locks.WithLock(projectID, func() error {
		cmd := fmt.Sprintf("docker compose -f %s -p %s down", b.composeFilePath(projectSlug), projectSlug)
		if _, err := b.exec.ExecCommandAndLog("compose-down", cmd, util.ExecOpts{}); err != nil {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to stop project %s", projectSlug)
		}
		if b.proxyMgr != nil {
			if err := b.proxyMgr.Release(projectSlug, b.projectNetworkName(projectSlug)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetProjectStatus reports active when the project's directory exists on
// the shared volume (invariant 1) and absent otherwise; telling a
// hibernated project apart is the caller's job, from the project record —
// this backend only knows about live infrastructure, not object-store
// archives.
func (b *Backend) GetProjectStatus(ctx context.Context, projectSlug, projectID string) (model.EnvironmentStatus, error) {
	if _, err := os.Stat(b.projectDir(projectSlug)); err != nil {
		if os.IsNotExist(err) {
			return model.EnvironmentAbsent, nil
		}
		return "", apierr.Wrap(apierr.BackendTransient, err, "failed to stat project directory for %s", projectSlug)
	}
	return model.EnvironmentActive, nil
}

// GetContainerURL returns the single-subdomain-level public URL for a
// container (spec.md §4.1 hostname rule, shared across both backends).
func (b *Backend) GetContainerURL(projectSlug, containerDirectory string) string {
	return "https://" + naming.Hostname(projectSlug, containerDirectory, b.appDomain)
}

// TrackActivity is best-effort: a failure to record activity must never
// fail the caller's underlying operation (spec.md §4.9 contract).
func (b *Backend) TrackActivity(ctx context.Context, projectID, containerName string) {
	b.activity.Touch(projectID, time.Now())
}

// RestoreProjectIfHibernated is a no-op: the Docker backend's project
// directory lives on the shared volume and is never dehydrated to object
// storage (only the Kubernetes backend's single-tier idle policy does that).
func (b *Backend) RestoreProjectIfHibernated(ctx context.Context, project model.Project) error {
	return nil
}

func (b *Backend) resolveStartups(graph model.Graph) (map[string]startupInfo, error) {
	out := make(map[string]startupInfo, len(graph.Containers))
	for _, c := range graph.Containers {
		if c.Type == model.ContainerTypeService {
			continue
		}
		dir := b.containerDir(graph.Project.Slug, c.Directory)
		parsed, err := baseconfig.Parse(b.fileReader, dir)
		if err != nil {
			return nil, err
		}
		out[c.ID] = startupInfo{command: parsed.Command, port: parsed.Port}
	}
	return out, nil
}

func (b *Backend) writeComposeFile(slug string, doc composeDocument) error {
	raw, err := marshalCompose(doc)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal compose document for %s", slug)
	}
	if err := os.MkdirAll(b.cfg.ComposeFilesDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create compose files directory")
	}
	if err := os.WriteFile(b.composeFilePath(slug), raw, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write compose file for %s", slug)
	}
	return nil
}

// resolveCredentials decrypts a connection's stored credential fields
// (spec.md §5: "decrypted only in the orchestrator process's memory").
func (b *Backend) resolveCredentials(conn model.ContainerConnection) (map[string]string, error) {
	if len(conn.ConfigJSON) == 0 {
		return nil, nil
	}
	var encrypted map[string]string
	if err := json.Unmarshal(conn.ConfigJSON, &encrypted); err != nil {
		return nil, apierr.Wrap(apierr.DataIntegrity, err, "failed to parse connection config for %s", conn.ID)
	}
	if b.vault == nil {
		return encrypted, nil
	}
	return b.vault.DecryptFields(encrypted)
}
