//go:build !windows

package metadata

import (
	"time"

	"golang.org/x/sys/unix"
)

func lchown(path string, uid, gid int) error {
	return unix.Lchown(path, uid, gid)
}

func lchtimes(path string, mtime time.Time) error {
	ts := unix.NsecToTimespec(mtime.UnixNano())
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW)
}
