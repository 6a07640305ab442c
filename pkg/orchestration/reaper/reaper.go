// Package reaper implements the Idle Reaper (spec.md §4.10): a timer-
// driven loop that asks the active Orchestrator backend to apply its idle
// policy, then commits the resulting hibernation transactionally against
// the project store — only after the backend reports success, never
// before, so a project is never recorded as hibernated while its live
// infrastructure still runs. A crash or a failed commit after the
// teardown leaves the project recorded as active with nothing behind it.
package reaper

import (
	"context"
	"time"

	orchestration "github.com/tesslate/orchestrator-core/pkg/orchestration"
	"github.com/tesslate/orchestrator-core/pkg/corelog"
)

// ProjectStore is the persistence seam the reaper commits hibernation
// through. Implemented by whatever relational store backs Project records;
// this package only needs the one write it performs after a successful
// backend teardown.
type ProjectStore interface {
	MarkHibernated(ctx context.Context, projectID string, hibernatedAt time.Time) error
}

// Reaper runs CleanupIdleEnvironments on a fixed interval against a single
// Orchestrator and persists the result.
type Reaper struct {
	orchestrator orchestration.Orchestrator
	store        ProjectStore
	logger       corelog.Logger

	idleMinutes int
	interval    time.Duration
}

// New builds a Reaper. idleMinutes is passed straight through to
// CleanupIdleEnvironments on every tick — callers resolve this from
// config.IdleTimeoutMinutes (Docker) or config.HibernationIdleMinutes
// (Kubernetes) depending on which backend the factory built. logger is
// corelog, not util.Logger: a reap pass is business-logic control flow,
// not subprocess output, matching the AMBIENT STACK's two-logger split.
func New(o orchestration.Orchestrator, store ProjectStore, logger corelog.Logger, idleMinutes int, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{orchestrator: o, store: store, logger: logger, idleMinutes: idleMinutes, interval: interval}
}

// Run blocks, ticking until ctx is cancelled. Each tick's failure is
// logged and the loop continues — a single bad tick (e.g. a transient
// object-store outage) must not stop the reaper from trying again on the
// next interval.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs a single reaping pass, returning the project ids it hibernated
// and persisted successfully. Errors mid-loop on one project don't stop
// the pass from continuing to the next.
func (r *Reaper) Tick(ctx context.Context) []string {
	acted, err := r.orchestrator.CleanupIdleEnvironments(ctx, r.idleMinutes)
	if err != nil {
		r.logf(ctx, "idle reaper pass failed: %v", err)
		return nil
	}

	now := time.Now()
	var committed []string
	for _, projectID := range acted {
		if err := r.store.MarkHibernated(ctx, projectID, now); err != nil {
			// The backend has already torn the project's infrastructure down;
			// failing to record that here is a spec.md §7 data-integrity
			// concern (an active-looking project with nothing behind it), so
			// it gets logged loudly rather than silently dropped, but the
			// loop still proceeds to the next project.
			r.logf(ctx, "failed to persist hibernation for project %s: %v", projectID, err)
			continue
		}
		committed = append(committed, projectID)
	}
	return committed
}

func (r *Reaper) logf(ctx context.Context, format string, args ...interface{}) {
	if r.logger == nil {
		return
	}
	r.logger.Error(ctx, format, args...)
}
