// Package config carries the orchestrator's own process configuration and
// the file-access indirection used to read it and per-project manifest
// files. The Reader abstraction mirrors pkg/api/config.Reader: a real
// filesystem implementation plus an inline in-memory one for tests.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Reader abstracts reading a file by path, so the Base Config Parser
// (§4.2) can read TESSLATE.md from the live project directory, the base
// cache, or a fixture, without caring which.
type Reader interface {
	ReadFile(path string) ([]byte, error)
}

type fileSystemReader struct{}

func (r *fileSystemReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// FSReader is the default, real-filesystem Reader.
var FSReader Reader = &fileSystemReader{}

// InlineConfigReader serves file contents from an in-memory map, keyed by
// path relative to WorkDir. Used by tests that don't want a real
// filesystem fixture.
type InlineConfigReader struct {
	WorkDir string
	Files   map[string]string
}

func (r *InlineConfigReader) ReadFile(path string) ([]byte, error) {
	rel := strings.TrimPrefix(path, fmt.Sprintf("%s%c", r.WorkDir, filepath.Separator))
	if val, ok := r.Files[rel]; ok {
		return []byte(val), nil
	}
	return nil, os.ErrNotExist
}
