package pathsync

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"golang.org/x/text/encoding/japanese"

	"github.com/paulschiretz/charcle/pkg/charset"
	"github.com/paulschiretz/charcle/pkg/convert"
	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/metrics"
	"github.com/paulschiretz/charcle/pkg/preflight"
	"github.com/paulschiretz/charcle/pkg/scan"
)

const japaneseText = "日本語のテキストです。\nこんにちは、世界。\n"

// testSyncEnv holds the two roots of a sync test.
type testSyncEnv struct {
	src, dst string
	policy   convert.Policy
	ex       *exclude.Matcher
}

func newTestSyncEnv(t *testing.T) *testSyncEnv {
	t.Helper()
	base := t.TempDir()
	env := &testSyncEnv{
		src:    filepath.Join(base, "src"),
		dst:    filepath.Join(base, "mirror"),
		policy: convert.DefaultPolicy(),
	}
	if err := os.Mkdir(env.src, 0755); err != nil {
		t.Fatal(err)
	}
	env.ex = exclude.MustNew([]string{".git", "*.bak"})
	return env
}

func (env *testSyncEnv) forward() *Syncer {
	return New(convert.New(env.policy, env.src, env.dst), env.ex, Options{Workers: 4})
}

func sjis(t *testing.T, s string) []byte {
	t.Helper()
	b, err := japanese.ShiftJIS.NewEncoder().Bytes([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func writeFile(t *testing.T, root, rel string, content []byte) {
	t.Helper()
	p := convert.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, content, 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, root, rel string) []byte {
	t.Helper()
	b, err := os.ReadFile(convert.Join(root, rel))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return b
}

func exists(root, rel string) bool {
	_, err := os.Lstat(convert.Join(root, rel))
	return err == nil
}

func runSync(t *testing.T, s *Syncer) metrics.Summary {
	t.Helper()
	sum, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	return sum
}

func TestSync_ConvertsTree(t *testing.T) {
	env := newTestSyncEnv(t)
	writeFile(t, env.src, "docs/readme.txt", sjis(t, japaneseText))
	writeFile(t, env.src, "docs/ascii.txt", []byte("plain ascii\n"))
	writeFile(t, env.src, "img/logo.bin", []byte{0x89, 'P', 'N', 'G', 0x00, 0x01, 0x02})
	writeFile(t, env.src, ".git/index", sjis(t, japaneseText))
	writeFile(t, env.src, "docs/old.bak", []byte("backup"))
	if err := os.MkdirAll(filepath.Join(env.src, "empty", "dir"), 0755); err != nil {
		t.Fatal(err)
	}

	sum, err := env.forward().Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if got := readFile(t, env.dst, "docs/readme.txt"); string(got) != japaneseText {
		t.Errorf("mirror content = %q, want %q", got, japaneseText)
	}
	if got := readFile(t, env.dst, "docs/ascii.txt"); string(got) != "plain ascii\n" {
		t.Errorf("ascii file changed: %q", got)
	}
	if got := readFile(t, env.dst, "img/logo.bin"); !bytes.Equal(got, []byte{0x89, 'P', 'N', 'G', 0x00, 0x01, 0x02}) {
		t.Errorf("binary file changed: %v", got)
	}
	if exists(env.dst, ".git") || exists(env.dst, "docs/old.bak") {
		t.Error("excluded paths were mirrored")
	}
	if !exists(env.dst, "empty/dir") {
		t.Error("empty directory was not mirrored")
	}

	if sum.Converted != 1 || sum.Copied != 2 {
		t.Errorf("summary converted=%d copied=%d, want 1 and 2", sum.Converted, sum.Copied)
	}
	if sum.Failed != 0 {
		t.Errorf("unexpected failures: %d", sum.Failed)
	}
}

func TestSync_SkipsUnchanged(t *testing.T) {
	env := newTestSyncEnv(t)
	writeFile(t, env.src, "a.txt", sjis(t, japaneseText))
	writeFile(t, env.src, "sub/b.txt", []byte("b"))

	s := env.forward()
	if first := runSync(t, s); first.Written() != 2 {
		t.Fatalf("first pass wrote %d files, want 2", first.Written())
	}

	t.Run("Same Session", func(t *testing.T) {
		second := runSync(t, s)
		if second.Written() != 0 || second.UpToDate != 2 {
			t.Errorf("second pass wrote %d and skipped %d, want 0 and 2", second.Written(), second.UpToDate)
		}
	})

	t.Run("New Session Uses Preserved Mtime", func(t *testing.T) {
		second := runSync(t, env.forward())
		if second.Written() != 0 || second.UpToDate != 2 {
			t.Errorf("fresh pass wrote %d and skipped %d, want 0 and 2", second.Written(), second.UpToDate)
		}
	})

	t.Run("Modified Source Is Rewritten", func(t *testing.T) {
		const edited = "編集しました。\n"
		writeFile(t, env.src, "a.txt", sjis(t, edited))
		future := time.Now().Add(time.Hour)
		if err := os.Chtimes(convert.Join(env.src, "a.txt"), future, future); err != nil {
			t.Fatal(err)
		}
		third := runSync(t, s)
		if third.Written() != 1 {
			t.Errorf("pass after edit wrote %d files, want 1", third.Written())
		}
		if got := readFile(t, env.dst, "a.txt"); string(got) != edited {
			t.Errorf("mirror content = %q, want %q", got, edited)
		}
	})
}

func TestSync_DeletesOrphans(t *testing.T) {
	env := newTestSyncEnv(t)
	writeFile(t, env.src, "keep.txt", []byte("keep"))

	writeFile(t, env.dst, "orphan.txt", []byte("gone"))
	writeFile(t, env.dst, "olddir/a.txt", []byte("gone"))
	writeFile(t, env.dst, "olddir/deeper/b.txt", []byte("gone"))
	writeFile(t, env.dst, "mixed/stale.txt", []byte("gone"))
	writeFile(t, env.dst, "mixed/.git/HEAD", []byte("excluded"))
	writeFile(t, env.dst, ".git/config", []byte("excluded"))
	writeFile(t, env.dst, exclude.LockFileName, []byte("lock"))
	writeFile(t, env.dst, exclude.TempFilePrefix+"123"+exclude.TempFileSuffix, []byte("stale temp"))

	sum := runSync(t, env.forward())

	for _, rel := range []string{"orphan.txt", "olddir", "mixed/stale.txt", exclude.TempFilePrefix + "123" + exclude.TempFileSuffix} {
		if exists(env.dst, rel) {
			t.Errorf("expected %s to be deleted", rel)
		}
	}
	for _, rel := range []string{"keep.txt", "mixed/.git/HEAD", ".git/config", exclude.LockFileName} {
		if !exists(env.dst, rel) {
			t.Errorf("expected %s to be kept", rel)
		}
	}
	// orphan.txt, olddir/a.txt, olddir/deeper/b.txt, mixed/stale.txt,
	// olddir/deeper, olddir. The stale temp file is not counted.
	if sum.Deleted != 6 {
		t.Errorf("deleted = %d, want 6", sum.Deleted)
	}
}

func TestSync_TypeConflicts(t *testing.T) {
	env := newTestSyncEnv(t)
	writeFile(t, env.src, "was-dir", []byte("now a file"))
	writeFile(t, env.src, "was-file/inner.txt", []byte("inner"))

	writeFile(t, env.dst, "was-dir/child.txt", []byte("old"))
	writeFile(t, env.dst, "was-file", []byte("old"))

	runSync(t, env.forward())

	if got := readFile(t, env.dst, "was-dir"); string(got) != "now a file" {
		t.Errorf("was-dir content = %q", got)
	}
	if got := readFile(t, env.dst, "was-file/inner.txt"); string(got) != "inner" {
		t.Errorf("was-file/inner.txt content = %q", got)
	}
}

func TestSync_ReverseRoundTrip(t *testing.T) {
	env := newTestSyncEnv(t)
	env.policy.From = charset.ShiftJIS
	writeFile(t, env.src, "doc.txt", sjis(t, japaneseText))

	conv := convert.New(env.policy, env.src, env.dst)
	runSync(t, New(conv, env.ex, Options{}))

	const edited = "ミラーで編集した。\n"
	writeFile(t, env.dst, "doc.txt", []byte(edited))
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(convert.Join(env.dst, "doc.txt"), future, future); err != nil {
		t.Fatal(err)
	}

	back := runSync(t, New(conv.Reverse(), env.ex, Options{}))
	if back.Written() != 1 {
		t.Fatalf("reverse pass wrote %d files, want 1", back.Written())
	}
	if got := readFile(t, env.src, "doc.txt"); !bytes.Equal(got, sjis(t, edited)) {
		t.Errorf("source is not the Shift-JIS encoding of the edit: %v", got)
	}
}

func TestSync_OversizedCopiedVerbatim(t *testing.T) {
	env := newTestSyncEnv(t)
	env.policy.MaxSize = 16
	content := sjis(t, japaneseText)
	writeFile(t, env.src, "big.txt", content)

	runSync(t, env.forward())
	if got := readFile(t, env.dst, "big.txt"); !bytes.Equal(got, content) {
		t.Error("oversized file is not byte-identical")
	}
}

func TestSync_PreservesPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	env := newTestSyncEnv(t)
	writeFile(t, env.src, "ro.txt", sjis(t, japaneseText))
	writeFile(t, env.src, "run.sh", []byte("#!/bin/sh\n"))
	writeFile(t, env.src, "locked/a.txt", sjis(t, japaneseText))
	perms := map[string]os.FileMode{
		"ro.txt":       0444,
		"run.sh":       0755,
		"locked/a.txt": 0400,
		"locked":       0555,
	}
	for rel, perm := range perms {
		if err := os.Chmod(filepath.Join(env.src, rel), perm); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() {
		_ = os.Chmod(filepath.Join(env.src, "locked"), 0755)
		_ = os.Chmod(filepath.Join(env.dst, "locked"), 0755)
	})

	runSync(t, env.forward())
	for rel, want := range perms {
		info, err := os.Stat(filepath.Join(env.dst, rel))
		if err != nil {
			t.Fatal(err)
		}
		if got := info.Mode().Perm(); got != want {
			t.Errorf("%s perm = %o, want %o", rel, got, want)
		}
	}
}

func TestSync_Symlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on windows")
	}
	env := newTestSyncEnv(t)
	writeFile(t, env.src, "target.txt", []byte("t"))
	if err := os.Symlink("target.txt", filepath.Join(env.src, "link")); err != nil {
		t.Fatal(err)
	}

	runSync(t, env.forward())
	got, err := os.Readlink(filepath.Join(env.dst, "link"))
	if err != nil {
		t.Fatalf("expected symlink in mirror: %v", err)
	}
	if got != "target.txt" {
		t.Errorf("link target = %q, want %q", got, "target.txt")
	}

	if second := runSync(t, env.forward()); second.Written() != 0 {
		t.Errorf("second pass rewrote %d entries, want 0", second.Written())
	}
}

func TestSyncSubtree(t *testing.T) {
	env := newTestSyncEnv(t)
	writeFile(t, env.src, "outside.txt", []byte("not part of the pass"))
	writeFile(t, env.src, "moved/in/a.txt", sjis(t, japaneseText))
	writeFile(t, env.src, "moved/b.txt", []byte("b"))
	writeFile(t, env.dst, "moved/orphan.txt", []byte("gone"))
	writeFile(t, env.dst, "unrelated.txt", []byte("untouched"))

	sum, err := env.forward().SyncSubtree(context.Background(), "moved/in/..")
	if err != nil {
		t.Fatalf("SyncSubtree failed: %v", err)
	}
	if sum.Written() != 2 {
		t.Errorf("subtree pass wrote %d files, want 2", sum.Written())
	}
	if got := readFile(t, env.dst, "moved/in/a.txt"); string(got) != japaneseText {
		t.Errorf("mirror content = %q", got)
	}
	if exists(env.dst, "moved/orphan.txt") {
		t.Error("orphan inside subtree was not deleted")
	}
	if exists(env.dst, "outside.txt") {
		t.Error("file outside the subtree was synced")
	}
	if !exists(env.dst, "unrelated.txt") {
		t.Error("orphan outside the subtree was deleted")
	}
}

func TestSync_MissingSourceRoot(t *testing.T) {
	env := newTestSyncEnv(t)
	if err := os.RemoveAll(env.src); err != nil {
		t.Fatal(err)
	}
	writeFile(t, env.dst, "precious.txt", []byte("keep"))

	_, err := env.forward().Sync(context.Background())
	if !errors.Is(err, preflight.ErrRootInaccessible) {
		t.Fatalf("expected ErrRootInaccessible, got %v", err)
	}
	if !exists(env.dst, "precious.txt") {
		t.Error("mirror content was deleted although the source could not be read")
	}
}

func TestSync_Cancelled(t *testing.T) {
	env := newTestSyncEnv(t)
	writeFile(t, env.src, "a.txt", []byte("a"))
	writeFile(t, env.dst, "orphan.txt", []byte("kept on cancel"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.forward().Sync(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !exists(env.dst, "orphan.txt") {
		t.Error("mirror phase ran after cancellation")
	}
}

func TestState(t *testing.T) {
	s := NewState()
	mtime := time.Unix(1700000000, 0)
	e := scan.FileEntry{RelPath: "dir/a.txt", Size: 3, ModTime: mtime}

	if _, known := s.UpToDate(e); known {
		t.Fatal("empty state knows an entry")
	}
	s.Store(e)
	s.Store(scan.FileEntry{RelPath: "dir/sub/b.txt", Size: 1, ModTime: mtime})
	s.Store(scan.FileEntry{RelPath: "dirx/c.txt", Size: 1, ModTime: mtime})

	if ok, known := s.UpToDate(e); !ok || !known {
		t.Errorf("UpToDate(stored) = %v, %v", ok, known)
	}
	changed := e
	changed.ModTime = mtime.Add(time.Second)
	if ok, known := s.UpToDate(changed); ok || !known {
		t.Errorf("UpToDate(changed) = %v, %v", ok, known)
	}

	s.ForgetTree("dir")
	if s.Len() != 1 {
		t.Errorf("after ForgetTree(dir) Len = %d, want 1", s.Len())
	}
	s.Forget("dirx/c.txt")
	if s.Len() != 0 {
		t.Errorf("after Forget Len = %d, want 0", s.Len())
	}
}
