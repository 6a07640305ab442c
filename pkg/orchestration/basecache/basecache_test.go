package basecache

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/model"
)

func TestHasReportsFalseForUncachedBase(t *testing.T) {
	RegisterTestingT(t)

	mount := t.TempDir()
	c := &Cache{MountPath: mount}

	url := "https://example.com/repo.git"
	base := model.MarketplaceBase{Slug: "demo", GitRepoURL: &url}
	Expect(c.Has(base)).To(BeFalse())
}

func TestHasReportsTrueOnceDirectoryExists(t *testing.T) {
	RegisterTestingT(t)

	mount := t.TempDir()
	c := &Cache{MountPath: mount}
	url := "https://example.com/repo.git"
	base := model.MarketplaceBase{Slug: "demo", GitRepoURL: &url}

	Expect(os.MkdirAll(filepath.Join(mount, "demo"), 0o755)).To(Succeed())
	Expect(c.Has(base)).To(BeTrue())
}

func TestCopyIntoFailsWhenNotCached(t *testing.T) {
	RegisterTestingT(t)

	mount := t.TempDir()
	c := &Cache{MountPath: mount}
	url := "https://example.com/repo.git"
	base := model.MarketplaceBase{Slug: "demo", GitRepoURL: &url}

	err := c.CopyInto(base, t.TempDir())
	Expect(err).NotTo(BeNil())
}

func TestCopyIntoCopiesFilesExcludingGit(t *testing.T) {
	RegisterTestingT(t)

	mount := t.TempDir()
	c := &Cache{MountPath: mount}
	url := "https://example.com/repo.git"
	base := model.MarketplaceBase{Slug: "demo", GitRepoURL: &url}

	cached := filepath.Join(mount, "demo")
	Expect(os.MkdirAll(filepath.Join(cached, ".git"), 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(cached, ".git", "HEAD"), []byte("ref"), 0o644)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(cached, "index.js"), []byte("console.log(1)"), 0o644)).To(Succeed())

	dest := t.TempDir()
	Expect(c.CopyInto(base, dest)).To(Succeed())

	_, err := os.Stat(filepath.Join(dest, "index.js"))
	Expect(err).To(BeNil())
	_, err = os.Stat(filepath.Join(dest, ".git"))
	Expect(os.IsNotExist(err)).To(BeTrue())
}

func TestInstallCommandForDetectsProjectType(t *testing.T) {
	RegisterTestingT(t)

	dir := t.TempDir()
	Expect(os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644)).To(Succeed())

	cmd, ok := installCommandFor(dir)
	Expect(ok).To(BeTrue())
	Expect(cmd).To(Equal("npm install"))
}

func TestInstallCommandForReturnsFalseForUnknownLayout(t *testing.T) {
	RegisterTestingT(t)

	dir := t.TempDir()
	_, ok := installCommandFor(dir)
	Expect(ok).To(BeFalse())
}
