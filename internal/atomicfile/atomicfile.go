// Package atomicfile writes files the way every other package in this
// module expects configuration and queue state to survive a crash: write a
// sibling temp file, fsync it, then rename it over the target.
package atomicfile

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// maxRenameAttempts bounds the rename retry loop: one initial attempt plus
// up to 3 retries with 10ms jitter on rename failure (e.g. a transient
// Windows sharing violation or an antivirus scanner holding the file open).
const maxRenameAttempts = 4

// Write atomically replaces path with data. The parent directory must
// already exist; callers that need it created should use WriteWithDir.
func Write(path string, data []byte, perm os.FileMode) error {
	return writeAtomic(path, data, perm, 0)
}

// WriteWithDir is like Write but creates the parent directory first with
// dirPerm if it does not exist.
func WriteWithDir(path string, data []byte, perm, dirPerm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("atomicfile: create parent dir: %w", err)
	}
	return writeAtomic(path, data, perm, 0)
}

func writeAtomic(path string, data []byte, perm os.FileMode, _ int) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("atomicfile: resolve path: %w", err)
	}
	dir := filepath.Dir(absPath)

	f, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(absPath)+"-")
	if err != nil {
		return fmt.Errorf("atomicfile: create temp file: %w", err)
	}
	tempPath := f.Name()

	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("atomicfile: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("atomicfile: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("atomicfile: close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, perm); err != nil {
		return fmt.Errorf("atomicfile: chmod temp file: %w", err)
	}

	var renameErr error
	for attempt := 0; attempt < maxRenameAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
		}
		renameErr = os.Rename(tempPath, absPath)
		if renameErr == nil {
			committed = true
			return nil
		}
	}
	return fmt.Errorf("atomicfile: rename temp file after %d attempts: %w", maxRenameAttempts, renameErr)
}
