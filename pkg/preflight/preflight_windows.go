//go:build windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// checkVolumeExists fails when the drive or share holding path is gone, so a
// disconnected network drive is reported as such and not as a missing parent.
func checkVolumeExists(path string) error {
	vol := filepath.VolumeName(path)
	if vol == "" {
		return nil
	}
	root := vol + `\`
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return fmt.Errorf("volume %s is not available", root)
	}
	return nil
}

// isUnsafeRoot reports whether path is the current directory, a drive root or
// a bare drive letter. "C:" alone means the working directory of drive C.
func isUnsafeRoot(path string) bool {
	p := filepath.Clean(path)
	if p == "." || p == `\` {
		return true
	}
	vol := filepath.VolumeName(p)
	if vol == "" || strings.HasPrefix(vol, `\\`) {
		return false
	}
	rest := strings.TrimPrefix(p, vol)
	return rest == "" || rest == "." || rest == `\`
}
