package watch

import (
	"errors"
	"io/fs"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/preflight"
)

func TestDiffSnapshots(t *testing.T) {
	dir := snapEntry{mode: fs.ModeDir | 0755, modTime: 1}
	file := func(size, mtime int64) snapEntry { return snapEntry{size: size, modTime: mtime, mode: 0644} }

	old := snapshot{
		"keep.txt":        file(10, 1),
		"edit.txt":        file(10, 1),
		"gone.txt":        file(10, 1),
		"olddir":          dir,
		"olddir/a.txt":    file(1, 1),
		"olddir/sub":      dir,
		"olddir/sub/b":    file(1, 1),
		"stay":            dir,
		"stay/inner.txt":  file(1, 1),
		"swap":            file(3, 1),
		"touched-dir":     dir,
		"touched-dir/old": file(1, 1),
	}
	cur := snapshot{
		"keep.txt":        file(10, 1),
		"edit.txt":        file(12, 2),
		"newdir":          dir,
		"newdir/x.txt":    file(1, 1),
		"stay":            dir,
		"stay/inner.txt":  file(1, 1),
		"stay/added.txt":  file(1, 1),
		"swap":            dir,
		"touched-dir":     {mode: fs.ModeDir | 0755, modTime: 9},
		"touched-dir/old": file(1, 1),
	}

	got := diffSnapshots(Mirror, old, cur)
	want := []Event{
		{Origin: Mirror, Kind: Deleted, RelPath: "gone.txt"},
		{Origin: Mirror, Kind: Deleted, RelPath: "olddir"},
		{Origin: Mirror, Kind: Created, RelPath: "newdir"},
		{Origin: Mirror, Kind: Created, RelPath: "stay/added.txt"},
		{Origin: Mirror, Kind: Created, RelPath: "swap"},
		{Origin: Mirror, Kind: Modified, RelPath: "edit.txt"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("diffSnapshots() =\n%v\nwant\n%v", got, want)
	}
}

func TestDiffSnapshots_NoChange(t *testing.T) {
	snap := snapshot{"a": {size: 1, modTime: 1, mode: 0644}}
	if got := diffSnapshots(Source, snap, snap); len(got) != 0 {
		t.Errorf("expected no events, got %v", got)
	}
}

func TestPollSubscription_Snapshot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", []byte("a"))
	writeFile(t, root, ".git/HEAD", []byte("ref"))
	writeFile(t, root, "sub/b.txt", []byte("b"))

	p, err := newPollSubscription(Source, root, exclude.MustNew(exclude.DefaultPatterns), time.Second)
	if err != nil {
		t.Fatalf("newPollSubscription failed: %v", err)
	}
	for _, rel := range []string{"a.txt", "sub", "sub/b.txt"} {
		if _, ok := p.last[rel]; !ok {
			t.Errorf("snapshot is missing %s", rel)
		}
	}
	if _, ok := p.last[".git"]; ok {
		t.Error("snapshot includes an excluded directory")
	}

	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}
	if _, err := p.snapshot(); !errors.Is(err, preflight.ErrRootInaccessible) {
		t.Errorf("snapshot of a missing root: got %v, want ErrRootInaccessible", err)
	}
}
