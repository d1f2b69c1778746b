package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/paulschiretz/charcle/pkg/convert"
	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/metadata"
	"github.com/paulschiretz/charcle/pkg/metrics"
	"github.com/paulschiretz/charcle/pkg/pathsync"
	"github.com/paulschiretz/charcle/pkg/plog"
	"github.com/paulschiretz/charcle/pkg/scan"
	"github.com/paulschiretz/charcle/pkg/util"
)

// propagator applies a debounced unit to the opposite tree. It decides from
// the current state of the origin, not from the event kind, and writes
// nothing when the counterpart already matches. The latter is what absorbs
// the events caused by its own writes.
type propagator struct {
	// conv and sync are indexed by origin tree.
	conv    [2]*convert.Converter
	sync    [2]*pathsync.Syncer
	ex      *exclude.Matcher
	metrics metrics.Metrics
}

func newPropagator(forward *convert.Converter, ex *exclude.Matcher, workers int, m metrics.Metrics) *propagator {
	reverse := forward.Reverse()
	opts := pathsync.Options{Workers: workers, KeepOrphans: true}
	return &propagator{
		conv:    [2]*convert.Converter{forward, reverse},
		sync:    [2]*pathsync.Syncer{pathsync.New(forward, ex, opts), pathsync.New(reverse, ex, opts)},
		ex:      ex,
		metrics: m,
	}
}

func (p *propagator) propagate(ctx context.Context, ev Event) {
	if ev.RelPath == "." {
		p.syncDir(ctx, ev.Origin, ".")
		return
	}

	origin := ev.Origin
	conv := p.conv[origin]
	rel := ev.RelPath

	entry, err := scan.Stat(conv.SourceRoot(), rel)
	if errors.Is(err, fs.ErrNotExist) {
		p.remove(origin, rel)
		return
	}
	if err != nil {
		p.metrics.AddFailed(1)
		plog.Error("Failed to stat changed path", "tree", origin, "path", rel, "error", err)
		return
	}
	if entry.IsDir {
		p.syncDir(ctx, origin, rel)
		return
	}

	srcPath := convert.Join(conv.SourceRoot(), rel)
	dstPath := convert.Join(conv.DestRoot(), rel)

	inSync, err := conv.InSync(ctx, srcPath, dstPath, entry)
	if err != nil {
		plog.Debug("Counterpart comparison failed", "path", rel, "error", err)
	}
	if inSync {
		p.metrics.AddAbsorbed(1)
		plog.Debug("ECHO", "tree", origin, "path", rel)
		return
	}

	created, err := p.ensureParents(conv, rel)
	if err != nil {
		p.metrics.AddFailed(1)
		plog.Error("Failed to create parent directories", "tree", origin.Opposite(), "path", rel, "error", err)
		return
	}

	res := conv.ConvertFile(ctx, srcPath, dstPath, entry)
	p.finishDirs(conv, created)
	switch res.Status {
	case convert.Converted:
		p.metrics.AddConverted(1)
		p.metrics.AddBytesWritten(res.BytesWritten)
		p.sync[origin].State().Store(entry)
		plog.Info("CONVERT", "from", origin, "to", origin.Opposite(), "path", rel, "encoding", conv.Target())
	case convert.Copied:
		p.metrics.AddCopied(1)
		p.metrics.AddBytesWritten(res.BytesWritten)
		p.sync[origin].State().Store(entry)
		plog.Info("COPY", "from", origin, "to", origin.Opposite(), "path", rel)
	case convert.Skipped:
		if res.IsUnchanged() {
			p.metrics.AddAbsorbed(1)
			return
		}
		p.metrics.AddSkipped(1)
		plog.Notice("SKIP", "tree", origin, "path", rel, "reason", res.Err)
	case convert.Failed:
		p.metrics.AddFailed(1)
		plog.Error("Failed to propagate file", "from", origin, "to", origin.Opposite(), "path", rel, "error", res.Err)
	}
}

// syncDir brings the counterpart of the directory rel in line, contents
// included. Orphans are left alone; their deletion arrives as an event.
func (p *propagator) syncDir(ctx context.Context, origin Tree, rel string) {
	var (
		sum metrics.Summary
		err error
	)
	if rel == "." {
		sum, err = p.sync[origin].Sync(ctx)
	} else {
		sum, err = p.sync[origin].SyncSubtree(ctx, rel)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		p.metrics.AddFailed(1)
		plog.Error("Failed to propagate directory", "from", origin, "to", origin.Opposite(), "path", rel, "error", err)
	}

	if sum.Written() == 0 && sum.DirsCreated == 0 && sum.Failed == 0 {
		p.metrics.AddAbsorbed(1)
		plog.Debug("ECHO", "tree", origin, "path", rel)
		return
	}
	p.metrics.AddConverted(sum.Converted)
	p.metrics.AddCopied(sum.Copied)
	p.metrics.AddSkipped(sum.Skipped)
	p.metrics.AddFailed(sum.Failed)
	p.metrics.AddDirsCreated(sum.DirsCreated)
	p.metrics.AddBytesWritten(sum.BytesWritten)
}

// remove deletes the counterpart of rel, which no longer exists in origin.
// Empty parents are left in place. Inside a removed directory, excluded
// entries are kept along with the directories holding them.
func (p *propagator) remove(origin Tree, rel string) {
	target := origin.Opposite()
	dstPath := convert.Join(p.conv[origin].DestRoot(), rel)

	info, err := os.Lstat(dstPath)
	if errors.Is(err, fs.ErrNotExist) {
		p.metrics.AddAbsorbed(1)
		plog.Debug("ECHO", "tree", origin, "path", rel)
		return
	}
	if err != nil {
		p.metrics.AddFailed(1)
		plog.Error("Failed to stat counterpart", "tree", target, "path", rel, "error", err)
		return
	}

	if info.IsDir() {
		err = p.removeTree(dstPath, rel)
	} else {
		err = os.Remove(dstPath)
	}
	if err != nil {
		p.metrics.AddFailed(1)
		plog.Error("Failed to delete counterpart", "tree", target, "path", rel, "error", err)
		return
	}
	for _, s := range p.sync {
		s.State().ForgetTree(rel)
	}
	p.metrics.AddDeleted(1)
	plog.Info("DELETE", "tree", target, "path", rel)
}

// removeTree removes the directory absDir (rel) bottom-up, skipping
// excluded entries. Directories that still hold excluded entries remain.
func (p *propagator) removeTree(absDir, rel string) error {
	var dirs []string
	err := filepath.WalkDir(absDir, func(absPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		r, err := filepath.Rel(absDir, absPath)
		if err != nil {
			return err
		}
		r = util.NormalizePath(path.Join(rel, filepath.ToSlash(r)))
		if r != rel && p.ex.Match(r) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, absPath)
			return nil
		}
		return os.Remove(absPath)
	})
	if err != nil {
		return err
	}
	slices.SortFunc(dirs, func(a, b string) int { return len(b) - len(a) })
	for _, dir := range dirs {
		if err := os.Remove(dir); err != nil {
			plog.Debug("Directory removal skipped (not empty)", "path", dir, "error", err)
		}
	}
	return nil
}

// ensureParents creates the missing destination ancestors of rel, outermost
// first, and returns their origin entries deepest first.
func (p *propagator) ensureParents(conv *convert.Converter, rel string) ([]scan.FileEntry, error) {
	var missing []string
	for parent := path.Dir(rel); parent != "."; parent = path.Dir(parent) {
		if _, err := os.Lstat(convert.Join(conv.DestRoot(), parent)); err == nil {
			break
		}
		missing = append(missing, parent)
	}
	var created []scan.FileEntry
	for _, dir := range slices.Backward(missing) {
		entry, err := scan.Stat(conv.SourceRoot(), dir)
		if err != nil {
			p.finishDirs(conv, created)
			return nil, err
		}
		if err := metadata.MakeDir(convert.Join(conv.DestRoot(), dir), entry); err != nil {
			p.finishDirs(conv, created)
			return nil, err
		}
		created = slices.Insert(created, 0, entry)
		p.metrics.AddDirsCreated(1)
		plog.Notice("DIR", "path", dir)
	}
	return created, nil
}

// finishDirs applies the full metadata of directories created for a write,
// deepest first, once their content is in place.
func (p *propagator) finishDirs(conv *convert.Converter, dirs []scan.FileEntry) {
	for _, entry := range dirs {
		if err := metadata.Apply(convert.Join(conv.DestRoot(), entry.RelPath), entry); err != nil {
			plog.Warn("Failed to restore directory metadata", "path", entry.RelPath, "error", err)
		}
	}
}
