// Package metadata restores permissions, ownership and timestamps on mirrored
// entries, and recreates symlinks with targets that stay inside the mirror.
//
// It is used identically in both directions: the source tree's metadata is
// copied onto mirror entries, and mirror metadata onto write-backs.
package metadata

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/paulschiretz/charcle/pkg/plog"
	"github.com/paulschiretz/charcle/pkg/scan"
	"github.com/paulschiretz/charcle/pkg/util"
)

// Apply copies the metadata of e onto the entry at path. It must run after
// the content of path is final: closing a written file may update its mtime.
//
// Permission bits are copied exactly. Ownership is best effort: lacking
// privileges is logged, never returned. Symlinks get owner and times without
// following the link.
func Apply(path string, e scan.FileEntry) error {
	if !e.IsSymlink {
		if err := os.Chmod(path, e.Perm()); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}

	applyOwner(path, e)

	if e.ModTime.IsZero() {
		return nil
	}
	if e.IsSymlink {
		if err := lchtimes(path, e.ModTime); err != nil {
			// Some filesystems refuse symlink timestamps; the link itself is intact.
			plog.Warn("Failed to set symlink timestamps", "path", path, "error", err)
		}
		return nil
	}
	if err := os.Chtimes(path, e.ModTime, e.ModTime); err != nil {
		return fmt.Errorf("chtimes %s: %w", path, err)
	}
	return nil
}

func applyOwner(path string, e scan.FileEntry) {
	if e.UID < 0 || e.GID < 0 {
		return
	}
	if err := lchown(path, e.UID, e.GID); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			plog.Debug("Ownership not preserved", "path", path, "uid", e.UID, "gid", e.GID)
		} else {
			plog.Warn("Failed to preserve ownership", "path", path, "error", err)
		}
	}
}

// MakeDir creates the directory at path (if missing) and its owner. The
// directory stays owner-writable until the caller runs Apply on it, after
// its content has been written; a read-only directory could not be filled.
func MakeDir(path string, e scan.FileEntry) error {
	perm := util.WithUserExecutePermission(util.WithUserWritePermission(e.Perm()))
	if err := os.Mkdir(path, perm); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	applyOwner(path, e)
	return nil
}
