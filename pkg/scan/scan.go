// Package scan enumerates the entries of a tree, honouring exclusions.
package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/plog"
	"github.com/paulschiretz/charcle/pkg/util"
)

// FileEntry is the metadata of one tree entry, keyed by its slash-separated
// path relative to the scanned root.
type FileEntry struct {
	RelPath    string
	IsDir      bool
	IsSymlink  bool
	Size       int64
	ModTime    time.Time
	Mode       fs.FileMode
	UID        int // -1 when the platform has no numeric owner.
	GID        int
	LinkTarget string // Raw link content, only set for symlinks.
}

// IsRegular reports whether the entry is a regular file.
func (e FileEntry) IsRegular() bool {
	return e.Mode.IsRegular()
}

// Perm returns the permission bits of the entry.
func (e FileEntry) Perm() fs.FileMode {
	return e.Mode.Perm()
}

// FromInfo builds an entry from Lstat information. linkTarget is only used for symlinks.
func FromInfo(rel string, info fs.FileInfo, linkTarget string) FileEntry {
	uid, gid := owner(info)
	e := FileEntry{
		RelPath: util.NormalizePath(rel),
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Mode:    info.Mode(),
		UID:     uid,
		GID:     gid,
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		e.IsSymlink = true
		e.LinkTarget = linkTarget
		e.Size = 0
	}
	return e
}

// Stat returns the entry for rel under root without following symlinks.
func Stat(root, rel string) (FileEntry, error) {
	absPath := filepath.Join(root, util.DenormalizePath(rel))
	info, err := os.Lstat(absPath)
	if err != nil {
		return FileEntry{}, err
	}

	var target string
	if info.Mode()&fs.ModeSymlink != 0 {
		if target, err = os.Readlink(absPath); err != nil {
			return FileEntry{}, fmt.Errorf("readlink %s: %w", rel, err)
		}
	}
	return FromInfo(rel, info, target), nil
}

// isSpecial reports entries that are neither directories, regular files nor
// symlinks (sockets, FIFOs, devices). Opening a FIFO would block, so such
// entries are never listed.
func isSpecial(mode fs.FileMode) bool {
	return !mode.IsDir() && !mode.IsRegular() && mode&fs.ModeSymlink == 0
}

// Scan lazily walks root in lexical order and yields one entry per directory,
// regular file and symlink below it. Excluded directories are skipped whole.
// Symlinks are listed but never followed. A per-entry error is yielded with a
// zero entry carrying only RelPath, and the walk continues. Each range over
// the returned sequence performs a fresh walk.
func Scan(root string, ex *exclude.Matcher) iter.Seq2[FileEntry, error] {
	return ScanSubtree(root, ".", ex)
}

// ScanSubtree is Scan restricted to the directory sub below root. Yielded
// paths stay relative to root and sub itself is not yielded. An inaccessible
// sub is reported with RelPath set to sub.
func ScanSubtree(root, sub string, ex *exclude.Matcher) iter.Seq2[FileEntry, error] {
	sub = util.NormalizePath(sub)
	start := filepath.Join(root, util.DenormalizePath(sub))
	return func(yield func(FileEntry, error) bool) {
		walkErr := filepath.WalkDir(start, func(absPath string, d fs.DirEntry, err error) error {
			rel, relErr := filepath.Rel(root, absPath)
			if relErr != nil {
				return relErr
			}
			rel = util.NormalizePath(rel)

			if err != nil {
				if rel == sub {
					return err // start inaccessible
				}
				if !yield(FileEntry{RelPath: rel}, fmt.Errorf("scan %s: %w", rel, err)) {
					return filepath.SkipAll
				}
				// WalkDir calls us twice for an unreadable directory; skipping
				// is correct for both calls.
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if rel == sub {
				return nil
			}

			if ex.Match(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if isSpecial(d.Type()) {
				plog.Debug("Skipping special file", "path", rel)
				return nil
			}

			entry, statErr := Stat(root, rel)
			if statErr != nil {
				// Vanished between ReadDir and Lstat: not an error worth reporting.
				if errors.Is(statErr, fs.ErrNotExist) {
					return nil
				}
				if !yield(FileEntry{RelPath: rel}, fmt.Errorf("scan %s: %w", rel, statErr)) {
					return filepath.SkipAll
				}
				return nil
			}

			if !yield(entry, nil) {
				return filepath.SkipAll
			}
			return nil
		})

		if walkErr != nil {
			yield(FileEntry{RelPath: sub}, fmt.Errorf("scan %s: %w", start, walkErr))
		}
	}
}
