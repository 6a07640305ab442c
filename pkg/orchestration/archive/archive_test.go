package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
)

func TestZipUnzipRoundTrip(t *testing.T) {
	RegisterTestingT(t)

	src := t.TempDir()
	Expect(os.MkdirAll(filepath.Join(src, "node_modules", "leftpad"), 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(src, "node_modules", "leftpad", "index.js"), []byte("module.exports = {}"), 0o644)).To(Succeed())
	Expect(os.MkdirAll(filepath.Join(src, ".git"), 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("ref: refs/heads/main"), 0o644)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(src, "main.go"), []byte("package main"), 0o644)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(src, "ignored.pyc"), []byte("x"), 0o644)).To(Succeed())

	var buf bytes.Buffer
	Expect(zipDirectory(&buf, src, true)).To(Succeed())

	zipPath := filepath.Join(t.TempDir(), "out.zip")
	Expect(os.WriteFile(zipPath, buf.Bytes(), 0o644)).To(Succeed())

	dest := t.TempDir()
	Expect(unzipDirectory(zipPath, dest)).To(Succeed())

	mainContent, err := os.ReadFile(filepath.Join(dest, "main.go"))
	Expect(err).To(BeNil())
	Expect(string(mainContent)).To(Equal("package main"))

	_, err = os.Stat(filepath.Join(dest, "node_modules"))
	Expect(os.IsNotExist(err)).To(BeTrue())

	_, err = os.Stat(filepath.Join(dest, ".git"))
	Expect(os.IsNotExist(err)).To(BeTrue())

	_, err = os.Stat(filepath.Join(dest, "ignored.pyc"))
	Expect(os.IsNotExist(err)).To(BeTrue())
}

func TestZipIncludesNodeModulesWhenNotExcluded(t *testing.T) {
	RegisterTestingT(t)

	src := t.TempDir()
	Expect(os.MkdirAll(filepath.Join(src, "node_modules"), 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(src, "node_modules", "pkg.json"), []byte("{}"), 0o644)).To(Succeed())

	var buf bytes.Buffer
	Expect(zipDirectory(&buf, src, false)).To(Succeed())

	zipPath := filepath.Join(t.TempDir(), "out.zip")
	Expect(os.WriteFile(zipPath, buf.Bytes(), 0o644)).To(Succeed())

	dest := t.TempDir()
	Expect(unzipDirectory(zipPath, dest)).To(Succeed())

	_, err := os.Stat(filepath.Join(dest, "node_modules", "pkg.json"))
	Expect(err).To(BeNil())
}
