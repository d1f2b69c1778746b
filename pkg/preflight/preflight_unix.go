//go:build !windows

package preflight

import "path/filepath"

// checkVolumeExists is a no-op on Unix: a missing mount shows up as a
// missing parent directory.
func checkVolumeExists(string) error { return nil }

// isUnsafeRoot reports whether path is the filesystem root or the bare
// current directory, neither of which may be mirrored into.
func isUnsafeRoot(path string) bool {
	p := filepath.Clean(path)
	return p == "/" || p == "."
}
