// Package storage provides small utilities for safe local file storage:
//   - EnsureDir guarantees a target path's parent directory exists;
//   - AtomicWriteFile writes a file atomically with data and metadata fsync.
//
// Used for the per-mobile snapshot files where a partially written file
// would be worse than a missing one.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"promofleet/internal/infra/logger"
)

// defaultFilePerm is applied to the final file by an atomic write; 0o600
// restricts access to the owning process's user.
const defaultFilePerm = 0600

// EnsureDir guarantees the parent directory of path exists, creating it with
// 0o700 permissions if necessary.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile atomically writes data to path.
//
// Algorithm: temp file in the same directory -> write -> fsync(temp) ->
// chmod(defaultFilePerm) -> close -> rename -> best-effort fsync(dir). This
// guarantees the old file stays intact or the new one is written in full.
// os.Rename is only atomic within a single filesystem volume; the directory
// fsync is best-effort and some OS/filesystem combinations ignore it, but it
// meaningfully improves metadata durability.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Atomic replace: on POSIX, rename over an existing file is atomic.
	// path must live on the same filesystem volume as the temp file.
	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Warnf("AtomicWriteFile: dir sync error: %v", errSync)
		}
		_ = dirFile.Close()
	}
	return nil
}
