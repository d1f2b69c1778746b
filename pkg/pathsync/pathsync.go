// Package pathsync performs one-shot passes that bring a destination tree in
// line with a source tree through a convert.Converter.
//
// A pass runs in three phases:
//
//  1. Sync (producer/consumer): the scanner walks the source and a bounded
//     worker pool converts each entry. Every non-excluded source path is
//     recorded, including paths that could not be read, so their
//     destination counterpart is never treated as an orphan.
//  2. Directory metadata: after all files are written, directory modes and
//     times are applied deepest first, so that writing a child does not
//     bump a parent's mtime after it was set.
//  3. Mirror: the destination is walked and every entry with no source
//     counterpart is removed. Files go first, then orphan directories
//     longest path first. A directory that still holds excluded entries is
//     left in place.
package pathsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/charcle/pkg/convert"
	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/metadata"
	"github.com/paulschiretz/charcle/pkg/metrics"
	"github.com/paulschiretz/charcle/pkg/plog"
	"github.com/paulschiretz/charcle/pkg/preflight"
	"github.com/paulschiretz/charcle/pkg/scan"
	"github.com/paulschiretz/charcle/pkg/sharded"
	"github.com/paulschiretz/charcle/pkg/util"
)

// Options tunes a Syncer.
type Options struct {
	// Workers bounds the number of files converted concurrently.
	// Zero means runtime.NumCPU().
	Workers int
	// State records what was written. Nil gets a fresh state.
	State *State
	// ProgressInterval logs the running counters periodically during a
	// full pass. Zero disables progress logging.
	ProgressInterval time.Duration
	// KeepOrphans skips the mirror phase. Used while watching, where
	// deletions arrive as events of their own.
	KeepOrphans bool
}

// Syncer runs passes for one direction. Passes must not run concurrently.
type Syncer struct {
	conv        *convert.Converter
	ex          *exclude.Matcher
	state       *State
	workers     int
	progress    time.Duration
	keepOrphans bool
}

// New returns a Syncer that writes conv's destination from conv's source.
func New(conv *convert.Converter, ex *exclude.Matcher, opts Options) *Syncer {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	state := opts.State
	if state == nil {
		state = NewState()
	}
	return &Syncer{
		conv:        conv,
		ex:          ex,
		state:       state,
		workers:     workers,
		progress:    opts.ProgressInterval,
		keepOrphans: opts.KeepOrphans,
	}
}

// State returns the syncer's state.
func (s *Syncer) State() *State { return s.state }

// Converter returns the converter the syncer writes with.
func (s *Syncer) Converter() *convert.Converter { return s.conv }

// Sync runs a full pass. Per-file failures are counted and logged; the
// returned error is non-nil only when the source root cannot be walked or
// ctx is cancelled.
func (s *Syncer) Sync(ctx context.Context) (metrics.Summary, error) {
	return s.run(ctx, ".")
}

// SyncSubtree runs a pass restricted to the directory rel (relative to the
// source root), including rel itself. Used for directories that appear
// whole, e.g. moved into a watched tree.
func (s *Syncer) SyncSubtree(ctx context.Context, rel string) (metrics.Summary, error) {
	return s.run(ctx, util.NormalizePath(rel))
}

// syncRun holds the bookkeeping of a single pass.
type syncRun struct {
	*Syncer
	ctx     context.Context
	sub     string
	srcRoot string
	dstRoot string
	metrics *metrics.SyncMetrics

	// seen holds every non-excluded source path of this pass. The mirror
	// phase deletes destination paths missing from it.
	seen *sharded.Set
	// unreadable holds source paths that could not be scanned. Their
	// destination subtrees are left alone.
	unreadable *sharded.Set
	// dirs holds the source entry of every directory, for parent creation
	// and the final metadata pass.
	dirs *sharded.Map[scan.FileEntry]
	// dirCache holds directories that already exist in the destination.
	dirCache *sharded.Set
	// dirGroup collapses concurrent creation of the same directory.
	dirGroup singleflight.Group
}

func (s *Syncer) run(ctx context.Context, sub string) (metrics.Summary, error) {
	r := &syncRun{
		Syncer:     s,
		ctx:        ctx,
		sub:        sub,
		srcRoot:    s.conv.SourceRoot(),
		dstRoot:    s.conv.DestRoot(),
		metrics:    &metrics.SyncMetrics{},
		seen:       sharded.NewSet(sharded.DefaultShards),
		unreadable: sharded.NewSet(sharded.DefaultShards),
		dirs:       sharded.NewMap[scan.FileEntry](sharded.DefaultShards),
		dirCache:   sharded.NewSet(sharded.DefaultShards),
	}
	if s.progress > 0 && sub == "." {
		r.metrics.StartProgress("Sync progress", s.progress)
		defer r.metrics.StopProgress()
	}

	if err := r.prepareRoot(); err != nil {
		return r.metrics.Summary(), err
	}
	if err := r.handleSync(); err != nil {
		return r.metrics.Summary(), err
	}
	if err := ctx.Err(); err != nil {
		return r.metrics.Summary(), err
	}
	r.handleDirMetadata()
	if s.keepOrphans {
		return r.metrics.Summary(), nil
	}
	if err := r.handleMirror(); err != nil {
		return r.metrics.Summary(), err
	}
	return r.metrics.Summary(), ctx.Err()
}

// prepareRoot makes sure the destination root of the pass exists. For a
// subtree pass this creates the subtree directory and its parents.
func (r *syncRun) prepareRoot() error {
	if r.sub == "." {
		if err := os.MkdirAll(r.dstRoot, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("%w: create destination root %s: %v", preflight.ErrRootInaccessible, r.dstRoot, err)
		}
		r.dirCache.Store(".")
		return nil
	}

	entry, err := scan.Stat(r.srcRoot, r.sub)
	if err != nil {
		return fmt.Errorf("stat %s: %w", r.sub, err)
	}
	if !entry.IsDir {
		return fmt.Errorf("%s is not a directory", r.sub)
	}
	if err := r.ensureParent(r.sub); err != nil {
		return err
	}
	r.dirs.Store(r.sub, entry)
	r.seen.Store(r.sub)
	return r.ensureDir(entry)
}

// handleSync is the producer/consumer phase. The scan loop is the producer;
// the errgroup bounds the consumers and provides backpressure.
func (r *syncRun) handleSync() error {
	plog.Debug("SYN", "from", r.srcRoot, "to", r.dstRoot, "path", r.sub)

	g := new(errgroup.Group)
	g.SetLimit(r.workers)

	var walkErr error
	for entry, err := range scan.ScanSubtree(r.srcRoot, r.sub, r.ex) {
		if r.ctx.Err() != nil {
			break
		}
		if err != nil {
			if entry.RelPath == r.sub {
				walkErr = err
				break
			}
			// Keep the destination copy of anything we could not read.
			r.seen.Store(entry.RelPath)
			r.unreadable.Store(entry.RelPath)
			r.metrics.AddFailed(1)
			plog.Warn("SKIP", "reason", "error accessing path", "path", entry.RelPath, "error", err)
			continue
		}

		r.seen.Store(entry.RelPath)
		if entry.IsDir {
			// Stored before any child is dispatched, so ensureParent always
			// finds the source metadata.
			r.dirs.Store(entry.RelPath, entry)
		}
		g.Go(func() error {
			r.process(entry)
			return nil
		})
	}
	_ = g.Wait()

	if walkErr != nil {
		if r.sub == "." {
			return fmt.Errorf("%w: %v", preflight.ErrRootInaccessible, walkErr)
		}
		return walkErr
	}
	return r.ctx.Err()
}

// process handles one source entry on a worker.
func (r *syncRun) process(entry scan.FileEntry) {
	if entry.IsDir {
		if err := r.ensureDir(entry); err != nil {
			r.metrics.AddFailed(1)
			plog.Warn("Failed to sync directory", "path", entry.RelPath, "error", err)
		}
		return
	}

	if err := r.ensureParent(entry.RelPath); err != nil {
		r.metrics.AddFailed(1)
		plog.Error("Failed to create parent directory", "path", entry.RelPath, "error", err)
		return
	}

	srcPath := convert.Join(r.srcRoot, entry.RelPath)
	dstPath := convert.Join(r.dstRoot, entry.RelPath)
	if !entry.IsSymlink && r.upToDate(entry, dstPath) {
		r.metrics.AddUpToDate(1)
		plog.Debug("UNCHANGED", "path", entry.RelPath)
		return
	}

	res := r.conv.ConvertFile(r.ctx, srcPath, dstPath, entry)
	r.record(entry, res)
}

// upToDate reports whether dstPath already holds the current version of the
// source entry. A record from this session is authoritative; without one,
// the destination mtime (copied from the source on every write) stands in.
func (r *syncRun) upToDate(entry scan.FileEntry, dstPath string) bool {
	info, err := os.Lstat(dstPath)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if ok, known := r.state.UpToDate(entry); known {
		return ok
	}
	if info.ModTime().Equal(entry.ModTime) {
		r.state.Store(entry)
		return true
	}
	return false
}

// record counts and logs a conversion result and updates the state.
func (r *syncRun) record(entry scan.FileEntry, res convert.Result) {
	switch res.Status {
	case convert.Converted:
		r.metrics.AddConverted(1)
		r.metrics.AddBytesWritten(res.BytesWritten)
		r.state.Store(entry)
		plog.Info("CONVERT", "path", entry.RelPath, "from", res.Detected, "to", r.conv.Target())
	case convert.Copied:
		r.metrics.AddCopied(1)
		r.metrics.AddBytesWritten(res.BytesWritten)
		r.state.Store(entry)
		plog.Info("COPY", "path", entry.RelPath)
	case convert.Skipped:
		if res.IsUnchanged() {
			r.metrics.AddUpToDate(1)
			r.state.Store(entry)
			return
		}
		r.metrics.AddSkipped(1)
		plog.Notice("SKIP", "path", entry.RelPath, "reason", res.Err)
	case convert.Failed:
		if errors.Is(res.Err, context.Canceled) {
			return
		}
		r.metrics.AddFailed(1)
		plog.Error("Failed to sync file", "path", entry.RelPath, "error", res.Err)
	}
}

// ensureParent makes sure the destination parent of rel exists.
func (r *syncRun) ensureParent(rel string) error {
	parent := util.NormalizePath(filepath.Dir(util.DenormalizePath(rel)))
	if parent == "." || r.dirCache.Has(parent) {
		return nil
	}
	entry, ok := r.dirs.Load(parent)
	if !ok {
		// Parent lies outside this pass (subtree root's ancestors).
		var err error
		if entry, err = scan.Stat(r.srcRoot, parent); err != nil {
			return fmt.Errorf("stat parent %s: %w", parent, err)
		}
		if err := r.ensureParent(parent); err != nil {
			return err
		}
	}
	return r.ensureDir(entry)
}

// ensureDir creates the destination directory for entry once per pass,
// replacing a non-directory in the way.
func (r *syncRun) ensureDir(entry scan.FileEntry) error {
	if r.dirCache.Has(entry.RelPath) {
		return nil
	}
	_, err, _ := r.dirGroup.Do(entry.RelPath, func() (any, error) {
		if r.dirCache.Has(entry.RelPath) {
			return nil, nil
		}
		dstPath := convert.Join(r.dstRoot, entry.RelPath)

		created := false
		info, err := os.Lstat(dstPath)
		switch {
		case err == nil && !info.IsDir():
			plog.Warn("Destination path exists but is not a directory, removing", "path", entry.RelPath, "type", info.Mode().String())
			if err := os.RemoveAll(dstPath); err != nil {
				return nil, fmt.Errorf("remove conflicting %s: %w", entry.RelPath, err)
			}
			created = true
		case errors.Is(err, fs.ErrNotExist):
			created = true
		case err != nil:
			return nil, fmt.Errorf("lstat %s: %w", entry.RelPath, err)
		}

		if created {
			if err := metadata.MakeDir(dstPath, entry); err != nil {
				return nil, err
			}
			r.metrics.AddDirsCreated(1)
			plog.Notice("DIR", "path", entry.RelPath)
		}
		r.dirCache.Store(entry.RelPath)
		return nil, nil
	})
	return err
}

// handleDirMetadata applies directory metadata deepest first, after every
// file of the pass has been written.
func (r *syncRun) handleDirMetadata() {
	var rels []string
	r.dirs.Range(func(rel string, _ scan.FileEntry) bool {
		rels = append(rels, rel)
		return true
	})
	slices.SortFunc(rels, func(a, b string) int {
		return strings.Count(b, "/") - strings.Count(a, "/")
	})
	for _, rel := range rels {
		if !r.dirCache.Has(rel) {
			continue
		}
		entry, _ := r.dirs.Load(rel)
		if err := metadata.Apply(convert.Join(r.dstRoot, rel), entry); err != nil {
			plog.Warn("Failed to restore directory metadata", "path", rel, "error", err)
		}
	}
}

// handleMirror removes destination entries that have no source counterpart.
// Excluded destination paths are never touched, except stale temp files
// left behind by an interrupted write.
func (r *syncRun) handleMirror() error {
	start := convert.Join(r.dstRoot, r.sub)
	var files, dirs []string

	err := filepath.WalkDir(start, func(absPath string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("access %s for deletion check: %w", absPath, err)
		}
		if err := r.ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(r.dstRoot, absPath)
		if err != nil {
			return err
		}
		rel = util.NormalizePath(rel)
		if r.unreadable.Has(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == r.sub || r.seen.Has(rel) {
			return nil
		}

		staleTemp := !d.IsDir() && exclude.IsTempFile(d.Name())
		if !staleTemp && r.ex.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			dirs = append(dirs, rel)
		} else {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror phase: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(r.workers)
	for _, rel := range files {
		g.Go(func() error {
			if err := os.Remove(convert.Join(r.dstRoot, rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				r.metrics.AddFailed(1)
				plog.Warn("Failed to delete orphan", "path", rel, "error", err)
				return nil
			}
			r.state.Forget(rel)
			if exclude.IsTempFile(filepath.Base(rel)) {
				plog.Debug("Removed stale temp file", "path", rel)
				return nil
			}
			r.metrics.AddDeleted(1)
			plog.Info("DELETE", "path", rel)
			return nil
		})
	}
	_ = g.Wait()

	// Children are strictly longer than their parents.
	slices.SortFunc(dirs, func(a, b string) int { return len(b) - len(a) })
	for _, rel := range dirs {
		// os.Remove, not RemoveAll: a directory still holding excluded
		// entries must stay.
		if err := os.Remove(convert.Join(r.dstRoot, rel)); err != nil {
			plog.Debug("Directory removal skipped (not empty)", "path", rel, "error", err)
			continue
		}
		r.state.ForgetTree(rel)
		r.metrics.AddDeleted(1)
		plog.Info("DELETE", "path", rel)
	}
	return nil
}
