package proxy

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/tesslate/orchestrator-core/pkg/util"
)

type fakeRunner struct {
	calls []string
	err   error
}

func (f *fakeRunner) ExecCommand(cmd string, opts util.ExecOpts) (string, error) {
	f.calls = append(f.calls, cmd)
	return "", f.err
}

func newTestManager(t *testing.T, runner commandRunner, shardSize int) *Manager {
	t.Helper()
	m, err := newManager(runner, shardSize, t.TempDir(), "")
	if err != nil {
		t.Fatalf("newManager failed: %v", err)
	}
	return m
}

func TestAssignPicksFirstShardAndIsIdempotent(t *testing.T) {
	RegisterTestingT(t)

	runner := &fakeRunner{}
	m := newTestManager(t, runner, 2)

	shard, err := m.Assign("proj-a", "tesslate-proj-a")
	Expect(err).To(BeNil())
	Expect(shard).To(Equal(0))
	Expect(runner.calls).To(HaveLen(2)) // shard-0 compose up, then network connect

	shard2, err := m.Assign("proj-a", "tesslate-proj-a")
	Expect(err).To(BeNil())
	Expect(shard2).To(Equal(0))
	Expect(runner.calls).To(HaveLen(2)) // idempotent: no second startup or connect
}

func TestAssignOverflowsToNextShard(t *testing.T) {
	RegisterTestingT(t)

	runner := &fakeRunner{}
	m := newTestManager(t, runner, 1)

	shardA, err := m.Assign("proj-a", "net-a")
	Expect(err).To(BeNil())
	Expect(shardA).To(Equal(0))

	shardB, err := m.Assign("proj-b", "net-b")
	Expect(err).To(BeNil())
	Expect(shardB).To(Equal(1))
}

func TestReleaseFreesShardCapacity(t *testing.T) {
	RegisterTestingT(t)

	runner := &fakeRunner{}
	m := newTestManager(t, runner, 1)

	_, err := m.Assign("proj-a", "net-a")
	Expect(err).To(BeNil())
	Expect(m.Release("proj-a", "net-a")).To(Succeed())

	_, ok := m.ShardFor("proj-a")
	Expect(ok).To(BeFalse())

	shard, err := m.Assign("proj-b", "net-b")
	Expect(err).To(BeNil())
	Expect(shard).To(Equal(0)) // shard 0's capacity was freed by Release
}

func TestNewManagerRejectsNonPositiveShardSize(t *testing.T) {
	RegisterTestingT(t)

	_, err := newManager(&fakeRunner{}, 0, "", "")
	Expect(err).NotTo(BeNil())
}

func TestAssignStartsShardComposeStackOnFirstUseOnly(t *testing.T) {
	RegisterTestingT(t)

	runner := &fakeRunner{}
	dir := t.TempDir()
	m, err := newManager(runner, 2, dir, "")
	Expect(err).To(BeNil())

	_, err = m.Assign("proj-a", "net-a")
	Expect(err).To(BeNil())
	Expect(runner.calls).To(HaveLen(2))
	Expect(runner.calls[0]).To(ContainSubstring("docker compose -f"))
	Expect(runner.calls[0]).To(ContainSubstring("up -d"))
	Expect(runner.calls[1]).To(ContainSubstring("docker network connect"))

	composeFile := filepath.Join(dir, "regional-0.yml")
	contents, err := os.ReadFile(composeFile)
	Expect(err).To(BeNil())
	Expect(string(contents)).To(ContainSubstring("traefik"))
	Expect(string(contents)).To(ContainSubstring("600s"))

	_, err = m.Assign("proj-b", "net-b")
	Expect(err).To(BeNil())
	Expect(runner.calls).To(HaveLen(3)) // shard 0 reused: only a second connect, no restart
}

func TestNewManagerAppliesDefaults(t *testing.T) {
	RegisterTestingT(t)

	m, err := newManager(&fakeRunner{}, 1, "", "")
	Expect(err).To(BeNil())
	Expect(m.ComposeFilesDir).To(Equal(defaultComposeFilesDir))
	Expect(m.ProxyImage).To(Equal(defaultProxyImage))
}
