// Package atomicfile writes files with write-to-temp + fsync + rename so a
// crash mid-write never leaves a truncated file at the final path. It is a
// leaf package shared by the token file and the JSON sync state.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirPerms is used when creating missing parent directories.
const DirPerms = 0o700

// Write replaces path with data. The temp file lives in the same directory so
// rename(2) stays on one filesystem.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("atomicfile: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("atomicfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, perm); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: writing: %w", err)
	}

	// Flush before rename: a power loss between close and rename must not
	// leave an empty file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomicfile: renaming: %w", err)
	}

	success = true

	return nil
}
