package convert

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/metadata"
	"github.com/paulschiretz/charcle/pkg/pool"
	"github.com/paulschiretz/charcle/pkg/scan"
	"github.com/paulschiretz/charcle/pkg/util"
)

// writeAtomic writes data to dstPath through a temp file in the same directory.
func writeAtomic(dstPath string, data []byte, entry scan.FileEntry) (int64, error) {
	return atomicReplace(dstPath, entry, func(out *os.File) (int64, error) {
		n, err := out.Write(data)
		return int64(n), err
	})
}

// writeAtomicFrom streams srcPath to dstPath through a temp file.
func writeAtomicFrom(dstPath, srcPath string, entry scan.FileEntry) (int64, error) {
	in, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file %s: %w", srcPath, err)
	}
	defer in.Close()

	return atomicReplace(dstPath, entry, func(out *os.File) (int64, error) {
		bufPtr := pool.Copy.Get()
		defer pool.Copy.Put(bufPtr)
		return io.CopyBuffer(out, in, *bufPtr)
	})
}

// atomicReplace creates a temp file next to dstPath, fills it, restores the
// metadata of entry once the content is final, and renames it over dstPath.
// Readers see either the old or the new file, never a partial one.
func atomicReplace(dstPath string, entry scan.FileEntry, fill func(*os.File) (int64, error)) (written int64, err error) {
	dir := filepath.Dir(dstPath)
	pattern := exclude.TempFilePrefix + "*" + exclude.TempFileSuffix

	out, err := os.CreateTemp(dir, pattern)
	if errors.Is(err, fs.ErrNotExist) {
		if mkErr := os.MkdirAll(dir, util.UserWritableDirPerms); mkErr != nil {
			return 0, fmt.Errorf("failed to create directory %s: %w", dir, mkErr)
		}
		out, err = os.CreateTemp(dir, pattern)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file in %s: %w", dir, err)
	}

	tempPath := out.Name()
	// Cleared once the rename succeeds.
	defer func() {
		if tempPath != "" {
			os.Remove(tempPath)
		}
	}()

	if written, err = fill(out); err != nil {
		out.Close()
		return 0, fmt.Errorf("failed to write %s: %w", tempPath, err)
	}

	// Close flushes the content; it must happen before the timestamps are set.
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temporary file %s: %w", tempPath, err)
	}

	if err := metadata.Apply(tempPath, entry); err != nil {
		return 0, err
	}

	// A directory cannot be renamed over; the origin replaced it with a file.
	if info, err := os.Lstat(dstPath); err == nil && info.IsDir() {
		if err := os.RemoveAll(dstPath); err != nil {
			return 0, fmt.Errorf("failed to replace directory %s: %w", dstPath, err)
		}
	}

	if err := os.Rename(tempPath, dstPath); err != nil {
		return 0, fmt.Errorf("failed to move %s into place: %w", dstPath, err)
	}
	tempPath = ""
	return written, nil
}
