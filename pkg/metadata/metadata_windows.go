//go:build windows

package metadata

import "time"

// Windows has no numeric owners.
func lchown(string, int, int) error {
	return nil
}

// Symlink timestamps are not preserved on Windows.
func lchtimes(string, time.Time) error {
	return nil
}
