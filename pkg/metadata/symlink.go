package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/util"
)

// MirrorTarget computes the link target to use for the mirror of the symlink
// at rel (slash-separated, relative to srcRoot) whose raw target is target.
// A target inside srcRoot is rewritten relative to the mirrored link so it
// points at the mirrored entry; a target outside srcRoot is kept as-is.
func MirrorTarget(srcRoot, dstRoot, rel, target string) string {
	srcLink := filepath.Join(srcRoot, util.DenormalizePath(rel))

	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(srcLink), resolved)
	}
	resolved = filepath.Clean(resolved)

	if !util.IsInside(filepath.Clean(srcRoot), resolved) {
		return target
	}

	inTree, err := filepath.Rel(srcRoot, resolved)
	if err != nil {
		return target
	}
	dstLink := filepath.Join(dstRoot, util.DenormalizePath(rel))
	newTarget, err := filepath.Rel(filepath.Dir(dstLink), filepath.Join(dstRoot, inTree))
	if err != nil {
		return target
	}
	return newTarget
}

// RecreateSymlink creates the mirror of the symlink rel in dstRoot. An existing
// link with the expected target is left alone and written is false. The link
// is created under a temporary name and renamed into place, so readers never
// observe a missing entry.
func RecreateSymlink(srcRoot, dstRoot, rel, target string) (written bool, err error) {
	newTarget := MirrorTarget(srcRoot, dstRoot, rel, target)
	dstLink := filepath.Join(dstRoot, util.DenormalizePath(rel))

	if current, err := os.Readlink(dstLink); err == nil && current == newTarget {
		return false, nil
	}

	dir := filepath.Dir(dstLink)
	f, err := os.CreateTemp(dir, exclude.TempFilePrefix+"*"+exclude.TempFileSuffix)
	if err != nil {
		return false, fmt.Errorf("failed to generate temp name for symlink: %w", err)
	}
	tempName := f.Name()
	f.Close()
	// os.CreateTemp creates a regular file; only the unique name is needed.
	os.Remove(tempName)

	defer func() {
		if tempName != "" {
			os.Remove(tempName)
		}
	}()

	if err := os.Symlink(newTarget, tempName); err != nil {
		if runtime.GOOS == "windows" && strings.Contains(err.Error(), "privilege") {
			return false, fmt.Errorf("failed to create symlink (requires Admin or Developer Mode): %w", err)
		}
		return false, fmt.Errorf("failed to create symlink %s -> %s: %w", dstLink, newTarget, err)
	}

	// A directory in the way (the origin replaced a directory with a link)
	// cannot be renamed over.
	if info, err := os.Lstat(dstLink); err == nil && info.IsDir() {
		if err := os.RemoveAll(dstLink); err != nil {
			return false, fmt.Errorf("failed to replace directory %s with symlink: %w", dstLink, err)
		}
	}

	if err := os.Rename(tempName, dstLink); err != nil {
		return false, fmt.Errorf("failed to rename temp symlink to %s: %w", dstLink, err)
	}
	tempName = ""
	return true, nil
}
