package watch

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"time"

	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/plog"
	"github.com/paulschiretz/charcle/pkg/preflight"
	"github.com/paulschiretz/charcle/pkg/scan"
)

// snapEntry is what the poller remembers about one path.
type snapEntry struct {
	size    int64
	modTime int64
	mode    fs.FileMode
	link    string
}

func (e snapEntry) isDir() bool { return e.mode.IsDir() }

type snapshot map[string]snapEntry

// pollSubscription detects changes by diffing timed snapshots of a tree.
// It never pairs moves: a rename is a deletion plus a creation.
type pollSubscription struct {
	tree     Tree
	root     string
	ex       *exclude.Matcher
	interval time.Duration
	last     snapshot
}

// newPollSubscription takes the initial snapshot, so that changes made
// after it returns are reported.
func newPollSubscription(tree Tree, root string, ex *exclude.Matcher, interval time.Duration) (*pollSubscription, error) {
	p := &pollSubscription{tree: tree, root: root, ex: ex, interval: interval}
	snap, err := p.snapshot()
	if err != nil {
		return nil, err
	}
	p.last = snap
	return p, nil
}

func (p *pollSubscription) snapshot() (snapshot, error) {
	snap := make(snapshot, len(p.last))
	for e, err := range scan.Scan(p.root, p.ex) {
		if err != nil {
			if e.RelPath == "." {
				return nil, fmt.Errorf("%w: %v", preflight.ErrRootInaccessible, err)
			}
			// Keep what we knew, an unreadable path is not a deletion.
			if old, ok := p.last[e.RelPath]; ok {
				snap[e.RelPath] = old
			}
			continue
		}
		snap[e.RelPath] = snapEntry{
			size:    e.Size,
			modTime: e.ModTime.UnixNano(),
			mode:    e.Mode,
			link:    e.LinkTarget,
		}
	}
	return snap, nil
}

func (p *pollSubscription) run(ctx context.Context, out chan<- Event) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur, err := p.snapshot()
			if err != nil {
				return err
			}
			events := diffSnapshots(p.tree, p.last, cur)
			p.last = cur
			if len(events) > 0 {
				plog.Debug("Poll detected changes", "tree", p.tree, "events", len(events))
			}
			for _, ev := range events {
				if !send(ctx, out, ev) {
					return nil
				}
			}
		}
	}
}

// diffSnapshots returns deletions first, then creations, then
// modifications, each in lexical order. A deleted or created directory
// stands for its whole subtree, so its children are not reported.
func diffSnapshots(tree Tree, old, cur snapshot) []Event {
	var deleted, created, modified []string
	for rel := range old {
		if _, ok := cur[rel]; !ok {
			deleted = append(deleted, rel)
		}
	}
	for rel, c := range cur {
		o, ok := old[rel]
		switch {
		case !ok:
			created = append(created, rel)
		case o.isDir() != c.isDir():
			created = append(created, rel)
		case c.isDir():
			// Directory mtimes change with their children.
		case o != c:
			modified = append(modified, rel)
		}
	}

	events := make([]Event, 0, len(deleted)+len(created)+len(modified))
	add := func(kind EventKind, rels []string, covered func(string) bool) {
		slices.Sort(rels)
		for _, rel := range rels {
			if covered(rel) {
				continue
			}
			events = append(events, Event{Origin: tree, Kind: kind, RelPath: rel})
		}
	}
	add(Deleted, deleted, func(rel string) bool {
		parent := path.Dir(rel)
		_, stillThere := cur[parent]
		return parent != "." && !stillThere
	})
	add(Created, created, func(rel string) bool {
		parent := path.Dir(rel)
		_, existed := old[parent]
		return parent != "." && !existed
	})
	add(Modified, modified, func(string) bool { return false })
	return events
}
