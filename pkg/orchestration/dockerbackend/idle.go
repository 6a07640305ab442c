package dockerbackend

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/util"
)

// tier2Delay is how long a project sits at Tier 1 before it becomes
// deletable (spec.md §4.6: "Tier 2 (after 24h at Tier 1): deletable").
const tier2Delay = 24 * time.Hour

// CleanupIdleEnvironments implements the Docker backend's two-tier idle
// policy. Tier 1, reached after idleMinutes of inactivity, has no Compose
// analogue to Kubernetes' scale-to-zero, so it only records the instant a
// project crossed the threshold. Tier 2, 24h later, tears the project's
// live Compose stack down and releases its proxy-shard assignment; the
// project directory on the shared volume is left untouched; only
// deletion of the project record (outside this backend's scope) removes
// it. The returned ids are the projects acted on at Tier 2.
func (b *Backend) CleanupIdleEnvironments(ctx context.Context, idleMinutes int) ([]string, error) {
	cutoff := time.Now().Add(-time.Duration(idleMinutes) * time.Minute)
	idle := b.activity.IdleSince(cutoff)

	var acted []string
	for _, projectID := range idle {
		since, crossed := b.tier1Entry(projectID)
		if !crossed {
			continue
		}
		if time.Since(since) < tier2Delay {
			continue
		}

		slug, ok := b.slugFor(projectID)
		if !ok {
			continue
		}
		if err := b.teardownIdleProject(ctx, projectID, slug); err != nil {
			return acted, err
		}
		acted = append(acted, projectID)
	}
	return acted, nil
}

// tier1Entry records the first observation of projectID in the idle set
// and reports whether it had already been recorded on an earlier call.
func (b *Backend) tier1Entry(projectID string) (time.Time, bool) {
	b.tier1Mu.Lock()
	defer b.tier1Mu.Unlock()
	since, ok := b.tier1Since[projectID]
	if !ok {
		b.tier1Since[projectID] = time.Now()
		return time.Time{}, false
	}
	return since, true
}

func (b *Backend) teardownIdleProject(ctx context.Context, projectID, slug string) error {
	return b.locks.WithLock(projectID, func() error {
		cmd := fmt.Sprintf("docker compose -f %s -p %s down", b.composeFilePath(slug), slug)
		if _, err := b.exec.ExecCommandAndLog("compose-idle-teardown", cmd, util.ExecOpts{}); err != nil {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to tear down idle project %s", slug)
		}
		if b.proxyMgr != nil {
			if err := b.proxyMgr.Release(slug, b.projectNetworkName(slug)); err != nil {
				return err
			}
		}
		if err := os.Remove(b.composeFilePath(slug)); err != nil && !os.IsNotExist(err) {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to remove compose file for %s", slug)
		}

		b.activity.Forget(projectID)
		b.forgetSlug(projectID)
		b.tier1Mu.Lock()
		delete(b.tier1Since, projectID)
		b.tier1Mu.Unlock()
		return nil
	})
}
