// Package orchestration defines the Orchestrator contract both the Docker
// and Kubernetes backends implement, plus the shared result types
// returned by every method so callers never branch on deployment mode.
package orchestration

import (
	"context"
	"time"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/model"
)

// ProjectStartResult is returned by StartProject.
type ProjectStartResult struct {
	Status model.EnvironmentStatus
	URLs   map[string]string // container name -> public URL
}

// ContainerStartResult is returned by StartContainer.
type ContainerStartResult struct {
	Status model.ContainerStatus
	URL    string
}

// ContainerStatusResult is returned by GetContainerStatus.
type ContainerStatusResult struct {
	Status   model.ContainerStatus
	URL      string
	Ready    bool
	Replicas int
}

// ReadinessResult is returned by IsContainerReady.
type ReadinessResult struct {
	Ready    bool
	Message  string
	Replicas int
}

// FileEntry describes one entry returned by ListFiles/GlobFiles.
type FileEntry struct {
	Path  string
	IsDir bool
	Size  int64
}

// GrepMatch describes one content-grep hit.
type GrepMatch struct {
	Path string
	Line int
	Text string
}

// CommandResult is returned by ExecuteCommand.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Orchestrator is the contract both backends implement. Every method is
// given a context so callers can bound or cancel long-running work; per
// spec.md's cancellation rule, a cancelled context MUST NOT leave partial
// committed state, only orphan-tolerant resources the idle reaper can
// later clean up.
type Orchestrator interface {
	StartProject(ctx context.Context, project model.Project, containers []model.Container, connections []model.ContainerConnection) (ProjectStartResult, error)
	StopProject(ctx context.Context, projectSlug, projectID string) error
	RestartProject(ctx context.Context, project model.Project, containers []model.Container, connections []model.ContainerConnection) (ProjectStartResult, error)
	GetProjectStatus(ctx context.Context, projectSlug, projectID string) (model.EnvironmentStatus, error)

	StartContainer(ctx context.Context, project model.Project, container model.Container, allContainers []model.Container, connections []model.ContainerConnection) (ContainerStartResult, error)
	StopContainer(ctx context.Context, projectSlug, projectID, containerName string) error
	GetContainerStatus(ctx context.Context, projectSlug, projectID, containerName string) (ContainerStatusResult, error)
	IsContainerReady(ctx context.Context, projectSlug, projectID, containerName string) (ReadinessResult, error)

	ReadFile(ctx context.Context, projectSlug, containerDirectory, path string) ([]byte, error)
	WriteFile(ctx context.Context, projectSlug, containerDirectory, path string, content []byte) error
	DeleteFile(ctx context.Context, projectSlug, containerDirectory, path string) error
	ListFiles(ctx context.Context, projectSlug, containerDirectory, path string) ([]FileEntry, error)
	GlobFiles(ctx context.Context, projectSlug, containerDirectory, pattern string) ([]FileEntry, error)
	GrepFiles(ctx context.Context, projectSlug, containerDirectory, pattern string) ([]GrepMatch, error)

	ExecuteCommand(ctx context.Context, projectSlug, projectID, containerName string, argv []string, timeout time.Duration, workingDir string) (CommandResult, error)

	TrackActivity(ctx context.Context, projectID, containerName string)
	// CleanupIdleEnvironments applies the backend's idle policy and returns
	// the project ids it acted on, so the reaper (pkg/orchestration/reaper)
	// can commit environment_status=hibernated against the project store
	// for exactly those projects, and no others.
	CleanupIdleEnvironments(ctx context.Context, idleMinutes int) ([]string, error)
	EnsureProjectDirectory(ctx context.Context, projectSlug string) error
	GetContainerURL(projectSlug, containerDirectory string) string

	// RestoreProjectIfHibernated rehydrates a project's durable state ahead
	// of starting it. On the Kubernetes backend this recreates the
	// namespace shell and, when an object-store archive exists for this
	// project, downloads and unzips it into the file-manager pod
	// (spec.md §4.7 Restoration; invariant 9: a no-op against an
	// already-active project). The Docker backend's project directory is
	// never dehydrated to object storage, so this is a plain no-op there.
	RestoreProjectIfHibernated(ctx context.Context, project model.Project) error
}
