// Package preflight provides the checks that run before a session starts:
// both roots must be usable directories and must not contain one another.
// The checks are stateless, except CheckMirrorWritable which creates the
// mirror root if needed.
package preflight

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/util"
)

// ErrRootInaccessible is returned when a tree root cannot be used.
var ErrRootInaccessible = errors.New("root inaccessible")

// ErrNestedRoots is returned when one root lies inside the other.
var ErrNestedRoots = errors.New("roots must not be nested")

// Plan selects the checks Run performs.
type Plan struct {
	SourceAccessible bool
	MirrorAccessible bool
	MirrorWritable   bool
	PathNesting      bool
}

// DefaultPlan enables every check.
func DefaultPlan() Plan {
	return Plan{SourceAccessible: true, MirrorAccessible: true, MirrorWritable: true, PathNesting: true}
}

// Run performs the checks selected by p on absolute, cleaned roots.
func Run(p Plan, srcRoot, mirrorRoot string) error {
	if p.SourceAccessible {
		if err := CheckSourceAccessible(srcRoot); err != nil {
			return err
		}
	}
	if p.MirrorAccessible {
		if err := CheckMirrorAccessible(mirrorRoot); err != nil {
			return err
		}
	}
	if p.PathNesting {
		if err := CheckNesting(srcRoot, mirrorRoot); err != nil {
			return err
		}
	}
	if p.MirrorWritable {
		if err := CheckMirrorWritable(mirrorRoot); err != nil {
			return err
		}
	}
	return nil
}

// CheckSourceAccessible validates that the source path exists and is a directory.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: source directory %s does not exist", ErrRootInaccessible, srcPath)
		}
		return fmt.Errorf("%w: cannot stat source directory %s: %v", ErrRootInaccessible, srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("%w: source path %s is not a directory", ErrRootInaccessible, srcPath)
	}

	// Listing proves read and traverse permission.
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("%w: cannot open source directory %s: %v", ErrRootInaccessible, srcPath, err)
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: cannot read source directory %s: %v", ErrRootInaccessible, srcPath, err)
	}
	return nil
}

// CheckMirrorAccessible ensures the mirror root is usable: if it exists it
// must be a directory, otherwise its parent must exist and be accessible so
// that it can be created. On Windows the volume must also be present.
func CheckMirrorAccessible(mirrorPath string) error {
	if isUnsafeRoot(mirrorPath) {
		return fmt.Errorf("%w: refusing to use %q as mirror root", ErrRootInaccessible, mirrorPath)
	}
	if err := checkVolumeExists(mirrorPath); err != nil {
		return fmt.Errorf("%w: %v", ErrRootInaccessible, err)
	}

	info, err := os.Stat(mirrorPath)
	if os.IsNotExist(err) {
		parentDir := filepath.Dir(mirrorPath)
		if _, err := os.Stat(parentDir); os.IsNotExist(err) {
			return fmt.Errorf("%w: mirror path and its parent directory do not exist: %s", ErrRootInaccessible, parentDir)
		} else if err != nil {
			return fmt.Errorf("%w: cannot access parent directory %s: %v", ErrRootInaccessible, parentDir, err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("%w: cannot access mirror path: %v", ErrRootInaccessible, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: mirror path exists but is not a directory: %s", ErrRootInaccessible, mirrorPath)
	}
	return nil
}

// CheckMirrorWritable ensures the mirror directory can be created and is
// writable by creating and deleting a test file. Its name uses the temp
// file naming, so a running watcher ignores it.
func CheckMirrorWritable(mirrorPath string) error {
	if err := os.MkdirAll(mirrorPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("%w: failed to create mirror directory %s: %v", ErrRootInaccessible, mirrorPath, err)
	}

	testFile := filepath.Join(mirrorPath, exclude.TempFilePrefix+"writetest"+exclude.TempFileSuffix)
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("%w: mirror directory %s is not writable: %v", ErrRootInaccessible, mirrorPath, err)
	}
	f.Close()
	_ = os.Remove(testFile)
	return nil
}

// CheckNesting rejects roots that are equal or contain one another: every
// write into the inner tree would show up as an event of the outer one.
func CheckNesting(srcRoot, mirrorRoot string) error {
	src, mirror := filepath.Clean(srcRoot), filepath.Clean(mirrorRoot)
	if util.IsHostCaseInsensitiveFS() {
		src, mirror = strings.ToLower(src), strings.ToLower(mirror)
	}
	if util.IsInside(src, mirror) || util.IsInside(mirror, src) {
		return fmt.Errorf("%w: source %s, mirror %s", ErrNestedRoots, srcRoot, mirrorRoot)
	}
	return nil
}
