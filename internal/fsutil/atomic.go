// Package fsutil holds file helpers shared by the persistent stores.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/j-veylop/antigravity-dispatch/internal/logger"
)

// WriteFileAtomic writes data to a temp file next to path and renames it
// over path. When the rename fails it copies the temp file over path and
// deletes it.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmpFile, data, perm); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	renameErr := os.Rename(tmpFile, path)
	if renameErr == nil {
		return nil
	}

	logger.Warn("rename failed, falling back to copy", "path", path, "error", renameErr)
	copyErr := copyFile(tmpFile, path, perm)
	if removeErr := os.Remove(tmpFile); removeErr != nil {
		logger.Error("failed to remove temp file", "error", removeErr)
	}
	if copyErr != nil {
		return fmt.Errorf("failed to replace %s: %w", path, errors.Join(renameErr, copyErr))
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
