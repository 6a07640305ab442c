package activity

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestTouchAndLastActivity(t *testing.T) {
	RegisterTestingT(t)

	s := NewMemoryStore()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	s.Touch("proj-1", now)

	got, ok := s.LastActivity("proj-1")
	Expect(ok).To(BeTrue())
	Expect(got).To(Equal(now))
}

func TestLastActivityMissingProject(t *testing.T) {
	RegisterTestingT(t)

	s := NewMemoryStore()
	_, ok := s.LastActivity("nope")
	Expect(ok).To(BeFalse())
}

func TestIdleSince(t *testing.T) {
	RegisterTestingT(t)

	s := NewMemoryStore()
	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	s.Touch("stale", base.Add(-time.Hour))
	s.Touch("fresh", base.Add(time.Hour))

	idle := s.IdleSince(base)
	Expect(idle).To(ConsistOf("stale"))
}

func TestForgetRemovesEntry(t *testing.T) {
	RegisterTestingT(t)

	s := NewMemoryStore()
	s.Touch("proj-1", time.Now())
	s.Forget("proj-1")

	_, ok := s.LastActivity("proj-1")
	Expect(ok).To(BeFalse())
}
