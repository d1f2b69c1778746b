package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/plog"
	"github.com/paulschiretz/charcle/pkg/util"
)

// subscription delivers the events of one tree until ctx is done.
type subscription interface {
	run(ctx context.Context, out chan<- Event) error
}

// nativeSubscription watches a tree through fsnotify. fsnotify is not
// recursive, so every directory gets its own watch and new directories are
// added as they appear. Excluded directories are never watched.
type nativeSubscription struct {
	tree Tree
	root string
	ex   *exclude.Matcher
	w    *fsnotify.Watcher
}

func newNativeSubscription(tree Tree, root string, ex *exclude.Matcher) (*nativeSubscription, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	s := &nativeSubscription{tree: tree, root: root, ex: ex, w: w}
	if err := s.addRecursive(root); err != nil {
		w.Close()
		return nil, err
	}
	return s, nil
}

// addRecursive watches dir and every non-excluded directory below it. Only
// a failure on dir itself is returned.
func (s *nativeSubscription) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			plog.Debug("Skipping unreadable directory for watching", "path", p, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != s.root {
			if rel, ok := s.rel(p); ok && s.ex.Match(rel) {
				return filepath.SkipDir
			}
		}
		if err := s.w.Add(p); err != nil {
			if p == dir {
				return fmt.Errorf("watch %s: %w", p, err)
			}
			plog.Warn("Failed to watch directory", "path", p, "error", err)
		}
		return nil
	})
}

func (s *nativeSubscription) rel(absPath string) (string, bool) {
	rel, err := filepath.Rel(s.root, absPath)
	if err != nil {
		return "", false
	}
	return util.NormalizePath(rel), true
}

func (s *nativeSubscription) run(ctx context.Context, out chan<- Event) error {
	defer s.w.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fsEvent, ok := <-s.w.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			s.handle(ctx, fsEvent, out)
		case err, ok := <-s.w.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; rescan the whole tree.
				plog.Warn("Watch event queue overflowed, rescanning tree", "tree", s.tree)
				send(ctx, out, Event{Origin: s.tree, Kind: Modified, RelPath: "."})
				continue
			}
			plog.Warn("Watch error", "tree", s.tree, "error", err)
		}
	}
}

// handle translates one fsnotify event. Chmod-only events are ignored: the
// metadata of a file only travels with its content.
func (s *nativeSubscription) handle(ctx context.Context, fsEvent fsnotify.Event, out chan<- Event) {
	if fsEvent.Op == fsnotify.Chmod {
		return
	}
	rel, ok := s.rel(fsEvent.Name)
	if !ok || rel == "." {
		return
	}

	var kind EventKind
	switch {
	case fsEvent.Has(fsnotify.Create):
		kind = Created
		if info, err := os.Lstat(fsEvent.Name); err == nil && info.IsDir() && !s.ex.Match(rel) {
			if err := s.addRecursive(fsEvent.Name); err != nil {
				plog.Warn("Failed to watch new directory", "path", rel, "error", err)
			}
		}
	case fsEvent.Has(fsnotify.Write):
		kind = Modified
	case fsEvent.Has(fsnotify.Remove), fsEvent.Has(fsnotify.Rename):
		// The new name of a rename arrives as a separate Create.
		kind = Deleted
	default:
		return
	}
	send(ctx, out, Event{Origin: s.tree, Kind: kind, RelPath: rel})
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
