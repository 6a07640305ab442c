package dockerbackend

import (
	"context"
	"fmt"
	"strings"
	"time"

	orchestration "github.com/tesslate/orchestrator-core/pkg/orchestration"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/model"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/naming"
	"github.com/tesslate/orchestrator-core/pkg/util"
)

// composeContainerName is the Compose v2 project container naming
// convention: "{project}-{service}-{index}".
func composeContainerName(projectSlug string, c model.Container) string {
	return fmt.Sprintf("%s-%s-1", projectSlug, naming.SanitizeName(c.Name))
}

// StartContainer brings up a single service without disturbing the rest
// of the project's running containers (invariant 5: its directory must
// already be initialized by the caller before this is invoked).
func (b *Backend) StartContainer(ctx context.Context, project model.Project, container model.Container, allContainers []model.Container, connections []model.ContainerConnection) (orchestration.ContainerStartResult, error) {
	if b.catalog.IsExternal(container) {
		return orchestration.ContainerStartResult{
			Status: model.ContainerStatusRunning,
			URL:    b.GetContainerURL(project.Slug, container.Directory),
		}, nil
	}
	var result orchestration.ContainerStartResult
	err := b.locks.WithLock(project.ID, func() error {
		graph := model.BuildGraph(project, allContainers, connections)
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

		cmd := fmt.Sprintf("docker compose -f %s -p %s up -d --no-deps %s",
			b.composeFilePath(project.Slug), project.Slug, naming.SanitizeName(container.Name))
		if _, err := b.exec.ExecCommandAndLog("compose-up-container", cmd, util.ExecOpts{}); err != nil {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to start container %s", container.Name)
		}

		b.activity.Touch(project.ID, time.Now())
		result = orchestration.ContainerStartResult{
			Status: model.ContainerStatusRunning,
			URL:    b.GetContainerURL(project.Slug, container.Directory),
		}
		return nil
	})
	return result, err
}

// StopContainer stops a single service; delete semantics are idempotent
// per spec.md §7 ("not-found ... idempotent for deletes").
func (b *Backend) StopContainer(ctx context.Context, projectSlug, projectID, containerName string) error {
	return b.locks.WithLock(projectID, func() error {
		cmd := fmt.Sprintf("docker compose -f %s -p %s stop %s",
			b.composeFilePath(projectSlug), projectSlug, naming.SanitizeName(containerName))
		if _, err := b.exec.ExecCommandAndLog("compose-stop-container", cmd, util.ExecOpts{}); err != nil {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to stop container %s", containerName)
		}
		return nil
	})
}

// GetContainerStatus inspects the compose-named container directly.
func (b *Backend) GetContainerStatus(ctx context.Context, projectSlug, projectID, containerName string) (orchestration.ContainerStatusResult, error) {
	name := fmt.Sprintf("%s-%s-1", projectSlug, naming.SanitizeName(containerName))
	out, err := b.exec.ExecCommand(fmt.Sprintf("docker inspect -f '{{.State.Status}}' %s", name), util.ExecOpts{})
	status := strings.TrimSpace(out)
	if err != nil || status == "" {
		return orchestration.ContainerStatusResult{Status: model.ContainerStatusStopped}, nil
	}
	return orchestration.ContainerStatusResult{
		Status:   dockerStateToStatus(status),
		URL:      b.GetContainerURL(projectSlug, containerName),
		Ready:    status == "running",
		Replicas: replicaCountFor(status),
	}, nil
}

// IsContainerReady derives readiness from the container's Docker state
// alone; it does not probe the declared startup port. A container can be
// `running` in Docker's sense while its dev server is still compiling, so
// readiness here means "the container process is up", leaving
// application-level health to the caller's own probing.
func (b *Backend) IsContainerReady(ctx context.Context, projectSlug, projectID, containerName string) (orchestration.ReadinessResult, error) {
	status, err := b.GetContainerStatus(ctx, projectSlug, projectID, containerName)
	if err != nil {
		return orchestration.ReadinessResult{}, err
	}
	if status.Status != model.ContainerStatusRunning {
		return orchestration.ReadinessResult{Ready: false, Message: fmt.Sprintf("container is %s", status.Status)}, nil
	}
	return orchestration.ReadinessResult{Ready: true, Message: "container is running", Replicas: 1}, nil
}

func dockerStateToStatus(dockerState string) model.ContainerStatus {
	switch dockerState {
	case "running":
		return model.ContainerStatusRunning
	case "restarting", "created":
		return model.ContainerStatusStarting
	case "exited", "dead":
		return model.ContainerStatusStopped
	default:
		return model.ContainerStatusFailed
	}
}

func replicaCountFor(dockerState string) int {
	if dockerState == "running" {
		return 1
	}
	return 0
}
