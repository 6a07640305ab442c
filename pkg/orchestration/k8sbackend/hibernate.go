package k8sbackend

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/model"
)

// hibernationZipPath is where the file-manager pod stages the project
// archive before it is streamed out to the backend process.
const hibernationZipPath = "/tmp/project.zip"

// CleanupIdleEnvironments implements the Kubernetes backend's single-tier
// idle policy (spec.md §4.7): once a project has been idle past
// idleMinutes, its shared volume is zipped inside the file-manager pod,
// the zip is streamed out and uploaded to object storage, and only then is
// the namespace deleted. A failed upload aborts before the namespace is
// touched, so a project is never hibernated without a durable copy of its
// state.
func (b *Backend) CleanupIdleEnvironments(ctx context.Context, idleMinutes int) ([]string, error) {
	cutoff := time.Now().Add(-time.Duration(idleMinutes) * time.Minute)
	idle := b.activity.IdleSince(cutoff)

	var hibernated []string
	for _, projectID := range idle {
		slug, userID, ok := b.projectRef(projectID)
		if !ok {
			continue
		}
		if err := b.hibernateProject(ctx, slug, projectID, userID); err != nil {
			continue
		}
		hibernated = append(hibernated, projectID)
	}
	return hibernated, nil
}

func (b *Backend) hibernateProject(ctx context.Context, projectSlug, projectID, userID string) error {
	return b.locks.WithLock(projectID, func() error {
		ns := b.namespace(projectSlug)
		pod, err := b.fileManagerPod(ctx, ns)
		if err != nil {
			return err
		}

		zipScript := fmt.Sprintf("cd /app && rm -f %s && zip -r -q %s . -x '*/node_modules/*' -x '*/.git/*'",
			shellQuote(hibernationZipPath), shellQuote(hibernationZipPath))
		if _, stderr, err := b.execInPod(ctx, ns, pod, fileManagerContainerName, []string{"/bin/sh", "-c", zipScript}, nil); err != nil {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to archive project %s: %s", projectSlug, stderr.String())
		}

		zipBytes, stderr, err := b.execInPod(ctx, ns, pod, fileManagerContainerName, []string{"cat", hibernationZipPath}, nil)
		if err != nil {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to read archive for project %s: %s", projectSlug, stderr.String())
		}

		if err := b.archiver.UploadZip(ctx, userID, projectID, bytes.NewReader(zipBytes.Bytes())); err != nil {
			return err
		}

		if err := b.client.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{}); err != nil {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to delete namespace %s after hibernation", ns)
		}

		b.activity.Forget(projectID)
		b.forgetRef(projectID)
		return nil
	})
}

// RestoreProjectIfHibernated recreates the namespace shell and, when an
// object-store archive exists for this project, downloads it and unzips it
// into the file-manager pod before the caller proceeds to start the
// project's containers. Invariant 9 (spec.md §4.7): calling this against an
// already-active project is a no-op, detected here by the namespace already
// existing.
func (b *Backend) RestoreProjectIfHibernated(ctx context.Context, project model.Project) error {
	return b.locks.WithLock(project.ID, func() error {
		ns := b.namespace(project.Slug)
		if _, err := b.client.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{}); err == nil {
			b.rememberRef(project.ID, project.Slug, project.UserID)
			return nil
		}

		exists, err := b.archiver.Exists(ctx, project.UserID, project.ID)
		if err != nil {
			return err
		}

		if err := b.ensureNamespaceShell(ctx, project.Slug, false); err != nil {
			return err
		}
		b.rememberRef(project.ID, project.Slug, project.UserID)
		if !exists {
			return nil
		}

		buf := manager.NewWriteAtBuffer(nil)
		if err := b.archiver.DownloadZip(ctx, project.UserID, project.ID, buf); err != nil {
			return err
		}

		pod, err := b.fileManagerPod(ctx, ns)
		if err != nil {
			return err
		}
		writeZip := []string{"/bin/sh", "-c", fmt.Sprintf("cat > %s", shellQuote(hibernationZipPath))}
		if _, stderr, err := b.execInPod(ctx, ns, pod, fileManagerContainerName, writeZip, bytes.NewReader(buf.Bytes())); err != nil {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to stage restored archive for project %s: %s", project.Slug, stderr.String())
		}

		unzipScript := fmt.Sprintf("cd /app && unzip -o -q %s && rm -f %s", shellQuote(hibernationZipPath), shellQuote(hibernationZipPath))
		if _, stderr, err := b.execInPod(ctx, ns, pod, fileManagerContainerName, []string{"/bin/sh", "-c", unzipScript}, nil); err != nil {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to restore project %s: %s", project.Slug, stderr.String())
		}
		return nil
	})
}
