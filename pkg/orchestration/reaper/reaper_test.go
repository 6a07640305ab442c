package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/tesslate/orchestrator-core/pkg/corelog"
	orchestration "github.com/tesslate/orchestrator-core/pkg/orchestration"
)

var errNotFound = errors.New("project not found")

type fakeOrchestrator struct {
	orchestration.Orchestrator
	acted []string
	err   error
	calls int
}

func (f *fakeOrchestrator) CleanupIdleEnvironments(ctx context.Context, idleMinutes int) ([]string, error) {
	f.calls++
	return f.acted, f.err
}

type fakeStore struct {
	marked map[string]time.Time
	failOn map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{marked: map[string]time.Time{}, failOn: map[string]bool{}}
}

func (s *fakeStore) MarkHibernated(ctx context.Context, projectID string, hibernatedAt time.Time) error {
	if s.failOn[projectID] {
		return errNotFound
	}
	s.marked[projectID] = hibernatedAt
	return nil
}

func TestTickPersistsEveryProjectTheBackendActedOn(t *testing.T) {
	RegisterTestingT(t)
	orch := &fakeOrchestrator{acted: []string{"proj-1", "proj-2"}}
	store := newFakeStore()
	r := New(orch, store, corelog.New(), 30, time.Minute)

	committed := r.Tick(context.Background())

	Expect(committed).To(ConsistOf("proj-1", "proj-2"))
	Expect(store.marked).To(HaveKey("proj-1"))
	Expect(store.marked).To(HaveKey("proj-2"))
}

func TestTickSkipsProjectsThatFailToPersistButContinues(t *testing.T) {
	RegisterTestingT(t)
	orch := &fakeOrchestrator{acted: []string{"proj-1", "proj-2"}}
	store := newFakeStore()
	store.failOn["proj-1"] = true
	r := New(orch, store, corelog.New(), 30, time.Minute)

	committed := r.Tick(context.Background())

	Expect(committed).To(ConsistOf("proj-2"))
	Expect(store.marked).NotTo(HaveKey("proj-1"))
}

func TestTickReturnsNilWhenBackendFails(t *testing.T) {
	RegisterTestingT(t)
	orch := &fakeOrchestrator{err: context.DeadlineExceeded}
	store := newFakeStore()
	r := New(orch, store, corelog.New(), 30, time.Minute)

	committed := r.Tick(context.Background())

	Expect(committed).To(BeEmpty())
	Expect(orch.calls).To(Equal(1))
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	RegisterTestingT(t)
	orch := &fakeOrchestrator{}
	store := newFakeStore()
	r := New(orch, store, corelog.New(), 30, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	Expect(orch.calls).To(BeNumerically(">=", 1))
}
