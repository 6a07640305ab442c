package initializer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	. "github.com/onsi/gomega"

	orchestration "github.com/tesslate/orchestrator-core/pkg/orchestration"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/basecache"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/model"
)

// fakeOrchestrator records every WriteFile call; every other method is
// unreachable from this package's tests and is left to the embedded nil
// interface, same pattern as pkg/orchestration/reaper's test fake.
type fakeOrchestrator struct {
	orchestration.Orchestrator
	written map[string][]byte
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{written: map[string][]byte{}}
}

func (f *fakeOrchestrator) WriteFile(ctx context.Context, projectSlug, containerDirectory, path string, content []byte) error {
	f.written[path] = content
	return nil
}

func TestInitializeProjectTemplateSourceCopiesFilesAndReportsProgress(t *testing.T) {
	RegisterTestingT(t)

	templatesDir := t.TempDir()
	Expect(os.MkdirAll(filepath.Join(templatesDir, "react-spa", "src"), 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(templatesDir, "react-spa", "package.json"), []byte(`{"name":"demo"}`), 0o644)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(templatesDir, "react-spa", "src", "index.ts"), []byte("console.log(1)"), 0o644)).To(Succeed())

	orch := newFakeOrchestrator()
	init := New(orch, nil, templatesDir, nil)

	project := model.Project{Slug: "demo-project"}
	container := model.Container{Directory: ""}

	var snapshots []Progress
	remote, err := init.InitializeProject(context.Background(), project, container, Request{
		Type:         SourceTemplate,
		TemplateName: "react-spa",
	}, func(p Progress) { snapshots = append(snapshots, p) })

	Expect(err).To(BeNil())
	Expect(remote).To(BeNil())
	Expect(orch.written).To(HaveKey("package.json"))
	Expect(orch.written).To(HaveKey("src/index.ts"))
	Expect(string(orch.written["package.json"])).To(Equal(`{"name":"demo"}`))

	Expect(snapshots).NotTo(BeEmpty())
	Expect(snapshots[len(snapshots)-1].Status).To(Equal(TaskSuccess))
	Expect(snapshots[len(snapshots)-1].Percent).To(Equal(100))
}

func TestInitializeProjectTemplateSourceRequiresTemplateName(t *testing.T) {
	RegisterTestingT(t)

	orch := newFakeOrchestrator()
	init := New(orch, nil, t.TempDir(), nil)

	_, err := init.InitializeProject(context.Background(), model.Project{Slug: "demo"}, model.Container{}, Request{
		Type: SourceTemplate,
	}, nil)

	Expect(err).NotTo(BeNil())
	Expect(orch.written).To(BeEmpty())
}

func TestInitializeProjectBaseSourceUsesCacheAndRecordsGitRemoteURL(t *testing.T) {
	RegisterTestingT(t)

	mount := t.TempDir()
	cached := filepath.Join(mount, "express-api")
	Expect(os.MkdirAll(cached, 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(cached, "server.js"), []byte("listen(3000)"), 0o644)).To(Succeed())

	url := "https://example.com/bases/express-api.git"
	base := model.MarketplaceBase{Slug: "express-api", GitRepoURL: &url}

	cache := &basecache.Cache{MountPath: mount}
	orch := newFakeOrchestrator()
	init := New(orch, cache, t.TempDir(), nil)

	remote, err := init.InitializeProject(context.Background(), model.Project{Slug: "demo"}, model.Container{Directory: "api"}, Request{
		Type: SourceBase,
		Base: base,
	}, nil)

	Expect(err).To(BeNil())
	Expect(remote).NotTo(BeNil())
	Expect(*remote).To(Equal(url))
	Expect(orch.written).To(HaveKey("server.js"))
}

func TestInitializeContainerOnlyTouchesItsOwnDirectory(t *testing.T) {
	RegisterTestingT(t)

	templatesDir := t.TempDir()
	Expect(os.MkdirAll(filepath.Join(templatesDir, "worker"), 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(templatesDir, "worker", "main.go"), []byte("package main"), 0o644)).To(Succeed())

	orch := newFakeOrchestrator()
	init := New(orch, nil, templatesDir, nil)

	err := init.InitializeContainer(context.Background(), model.Project{Slug: "demo"}, model.Container{Directory: "worker"}, Request{
		Type:         SourceTemplate,
		TemplateName: "worker",
	}, nil)

	Expect(err).To(BeNil())
	Expect(orch.written).To(HaveKey("main.go"))
}

func TestInitializeProjectGitHubSourceClonesAutoPatchesAndCopies(t *testing.T) {
	RegisterTestingT(t)

	// Build a local bare-ish repo go-git can clone over a file:// URL,
	// without any network access.
	upstream := t.TempDir()
	repo, err := git.PlainInit(upstream, false)
	Expect(err).To(BeNil())

	viteConfig := "export default { server: { host: 'localhost' } }"
	Expect(os.WriteFile(filepath.Join(upstream, "vite.config.js"), []byte(viteConfig), 0o644)).To(Succeed())

	wt, err := repo.Worktree()
	Expect(err).To(BeNil())
	_, err = wt.Add("vite.config.js")
	Expect(err).To(BeNil())
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	Expect(err).To(BeNil())

	head, err := repo.Head()
	Expect(err).To(BeNil())
	branchName := head.Name().Short()

	orch := newFakeOrchestrator()
	init := New(orch, nil, t.TempDir(), nil)

	remote, err := init.InitializeProject(context.Background(), model.Project{Slug: "demo"}, model.Container{}, Request{
		Type:          SourceGitHub,
		GitHubRepoURL: "file://" + upstream,
		GitHubBranch:  branchName,
	}, nil)

	Expect(err).To(BeNil())
	Expect(remote).NotTo(BeNil())
	Expect(*remote).To(Equal("file://" + upstream))
	Expect(orch.written).To(HaveKey("vite.config.js"))
	Expect(string(orch.written["vite.config.js"])).To(ContainSubstring("0.0.0.0"))
	Expect(string(orch.written["vite.config.js"])).NotTo(ContainSubstring("'localhost'"))
}

func TestAutoPatchRewritesKnownHostBindingsOnly(t *testing.T) {
	RegisterTestingT(t)

	root := t.TempDir()
	Expect(os.WriteFile(filepath.Join(root, ".env"), []byte("HOST=localhost:3000\nOTHER=unrelated"), 0o644)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(root, "README.md"), []byte("see localhost:3000 in the browser"), 0o644)).To(Succeed())

	Expect(autoPatch(root)).To(Succeed())

	env, err := os.ReadFile(filepath.Join(root, ".env"))
	Expect(err).To(BeNil())
	Expect(string(env)).To(ContainSubstring("0.0.0.0:3000"))
	Expect(string(env)).To(ContainSubstring("OTHER=unrelated"))

	readme, err := os.ReadFile(filepath.Join(root, "README.md"))
	Expect(err).To(BeNil())
	Expect(string(readme)).To(ContainSubstring("localhost:3000"))
}
