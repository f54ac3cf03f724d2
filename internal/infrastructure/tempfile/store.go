// Package tempfile implements the process-wide temporary file store.
// Allocations batch up during a synchronization cycle and are released in
// bulk at the cycle boundary, so a crash mid-cycle still frees everything
// on the next boundary.
package tempfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"mispbridge/pkg/logger"
)

// Store allocates temporary files under one base directory.
type Store struct {
	baseDir string
	logger  *logger.Logger

	mu    sync.Mutex
	paths []string
}

// NewStore creates a temp store rooted at baseDir (a mispbridge directory
// under os.TempDir when empty).
func NewStore(baseDir string, log *logger.Logger) (*Store, error) {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "mispbridge")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &Store{
		baseDir: baseDir,
		logger:  log.WithComponent("tempfile"),
	}, nil
}

// NewTemporaryFile allocates a fresh file and tracks it for bulk release.
func (s *Store) NewTemporaryFile(prefix, name string) (string, error) {
	f, err := os.CreateTemp(s.baseDir, prefix+"-"+sanitize(name)+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	f.Close()

	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()

	return path, nil
}

// ReleaseAll removes every file handed out since the last release.
func (s *Store) ReleaseAll() {
	s.mu.Lock()
	paths := s.paths
	s.paths = nil
	s.mu.Unlock()

	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to remove temp file")
		}
	}

	if len(paths) > 0 {
		s.logger.Debug().Int("files", len(paths)).Msg("released temp files")
	}
}

// sanitize keeps temp file names path-safe.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}
