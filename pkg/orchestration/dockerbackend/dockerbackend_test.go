package dockerbackend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/activity"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/config"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/lock"
	"github.com/tesslate/orchestrator-core/pkg/util"
)

type fakeRunner struct {
	calls    []string
	lastOpts util.ExecOpts
	out      string
	err      error
}

func (f *fakeRunner) ExecCommand(cmd string, opts util.ExecOpts) (string, error) {
	f.calls = append(f.calls, cmd)
	f.lastOpts = opts
	return f.out, f.err
}

func (f *fakeRunner) ExecCommandAndLog(subject, cmd string, opts util.ExecOpts) (util.ExecRes, error) {
	f.calls = append(f.calls, cmd)
	return util.ExecRes{}, f.err
}

func newTestBackend(t *testing.T, root string) (*Backend, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{}
	return &Backend{
		cfg: config.DockerConfig{
			ProjectsMountPath: root,
			ComposeFilesDir:   filepath.Join(root, "_compose"),
			SharedVolumeName:  "tesslate-projects-data",
		},
		exec:       runner,
		locks:      lock.NewRegistry(),
		activity:   activity.NewMemoryStore(),
		tier1Since: make(map[string]time.Time),
		slugs:      make(map[string]string),
	}, runner
}

func TestReadWriteDeleteFileRoundTrip(t *testing.T) {
	RegisterTestingT(t)
	b, _ := newTestBackend(t, t.TempDir())
	ctx := context.Background()

	Expect(b.WriteFile(ctx, "proj-a", "", "src/index.ts", []byte("hello"))).To(Succeed())

	data, err := b.ReadFile(ctx, "proj-a", "", "src/index.ts")
	Expect(err).To(BeNil())
	Expect(string(data)).To(Equal("hello"))

	Expect(b.DeleteFile(ctx, "proj-a", "", "src/index.ts")).To(Succeed())
	_, err = b.ReadFile(ctx, "proj-a", "", "src/index.ts")
	Expect(err).NotTo(BeNil())

	// deleting an already-absent file is idempotent, not an error
	Expect(b.DeleteFile(ctx, "proj-a", "", "src/index.ts")).To(Succeed())
}

func TestResolvePathRejectsEscape(t *testing.T) {
	RegisterTestingT(t)
	b, _ := newTestBackend(t, t.TempDir())

	_, err := b.resolvePath("proj-a", "", "../../etc/passwd")
	Expect(err).NotTo(BeNil())
}

func TestListFilesSkipsExcludedDirectories(t *testing.T) {
	RegisterTestingT(t)
	root := t.TempDir()
	b, _ := newTestBackend(t, root)
	ctx := context.Background()

	projDir := filepath.Join(root, "proj-a")
	Expect(os.MkdirAll(filepath.Join(projDir, "node_modules"), 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(projDir, "index.ts"), []byte("x"), 0o644)).To(Succeed())

	entries, err := b.ListFiles(ctx, "proj-a", "", "")
	Expect(err).To(BeNil())

	var names []string
	for _, e := range entries {
		names = append(names, filepath.Base(e.Path))
	}
	Expect(names).To(ContainElement("index.ts"))
	Expect(names).NotTo(ContainElement("node_modules"))
}

func TestGrepFilesFindsMatchAcrossDirectories(t *testing.T) {
	RegisterTestingT(t)
	root := t.TempDir()
	b, _ := newTestBackend(t, root)
	ctx := context.Background()

	Expect(b.WriteFile(ctx, "proj-a", "", "src/a.ts", []byte("const needle = 1\n"))).To(Succeed())
	Expect(b.WriteFile(ctx, "proj-a", "", "src/b.ts", []byte("nothing here\n"))).To(Succeed())

	matches, err := b.GrepFiles(ctx, "proj-a", "", "needle")
	Expect(err).To(BeNil())
	Expect(matches).To(HaveLen(1))
	Expect(matches[0].Path).To(Equal("src/a.ts"))
	Expect(matches[0].Line).To(Equal(1))
}

func TestExecuteCommandClampsTimeoutAndQuotesArgs(t *testing.T) {
	RegisterTestingT(t)
	b, runner := newTestBackend(t, t.TempDir())

	_, err := b.ExecuteCommand(context.Background(), "proj-a", "pid-1", "web", []string{"echo", "it's fine"}, time.Hour, "")
	Expect(err).To(BeNil())
	Expect(runner.calls).To(HaveLen(1))
	Expect(runner.lastOpts.Timeout).To(Equal(maxCommandTimeout))
	Expect(runner.calls[0]).To(ContainSubstring("proj-a-web-1"))
	Expect(runner.calls[0]).To(ContainSubstring(`it'\''s fine`))
}

func TestExecuteCommandRejectsEmptyArgv(t *testing.T) {
	RegisterTestingT(t)
	b, _ := newTestBackend(t, t.TempDir())

	_, err := b.ExecuteCommand(context.Background(), "proj-a", "pid-1", "web", nil, time.Second, "")
	Expect(err).NotTo(BeNil())
}

func TestCleanupIdleEnvironmentsTwoTierPolicy(t *testing.T) {
	RegisterTestingT(t)
	b, runner := newTestBackend(t, t.TempDir())
	ctx := context.Background()

	b.activity.Touch("pid-1", time.Now().Add(-time.Hour))
	b.rememberSlug("pid-1", "proj-a")

	// Tier 1: first sighting only records the crossing, no teardown yet.
	acted, err := b.CleanupIdleEnvironments(ctx, 30)
	Expect(err).To(BeNil())
	Expect(acted).To(BeEmpty())
	Expect(runner.calls).To(BeEmpty())

	// Simulate 24h having passed since the Tier-1 crossing.
	b.tier1Mu.Lock()
	b.tier1Since["pid-1"] = time.Now().Add(-tier2Delay - time.Minute)
	b.tier1Mu.Unlock()

	acted, err = b.CleanupIdleEnvironments(ctx, 30)
	Expect(err).To(BeNil())
	Expect(acted).To(Equal([]string{"pid-1"}))
	Expect(runner.calls).NotTo(BeEmpty())

	_, stillTracked := b.slugFor("pid-1")
	Expect(stillTracked).To(BeFalse())
}
