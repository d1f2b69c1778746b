package watch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/text/encoding/japanese"

	"github.com/paulschiretz/charcle/pkg/charset"
	"github.com/paulschiretz/charcle/pkg/convert"
	"github.com/paulschiretz/charcle/pkg/exclude"
)

const (
	testInterval = 20 * time.Millisecond
	testDebounce = 50 * time.Millisecond
	waitTimeout  = 5 * time.Second
)

const japaneseText = "日本語のテキストです。\nこんにちは、世界。\n"

// testWatchEnv is a running engine over two temp roots.
type testWatchEnv struct {
	src, dst string
	engine   *Engine
	cancel   context.CancelFunc
	done     chan error
}

func sjis(t *testing.T, s string) []byte {
	t.Helper()
	b, err := japanese.ShiftJIS.NewEncoder().Bytes([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func eucjp(t *testing.T, s string) []byte {
	t.Helper()
	b, err := japanese.EUCJP.NewEncoder().Bytes([]byte(s))
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

func readFile(root, rel string) []byte {
	b, _ := os.ReadFile(convert.Join(root, rel))
	return b
}

func exists(root, rel string) bool {
	_, err := os.Lstat(convert.Join(root, rel))
	return err == nil
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle waits for several poll and debounce periods.
func settle() {
	time.Sleep(10*testInterval + 4*testDebounce)
}

// startEngine seeds the source tree with setup, then starts a poll-mode
// engine and waits until both subscriptions are active.
func startEngine(t *testing.T, policy convert.Policy, mode Mode, setup func(src string)) *testWatchEnv {
	t.Helper()
	base := t.TempDir()
	env := &testWatchEnv{
		src:  filepath.Join(base, "src"),
		dst:  filepath.Join(base, "mirror"),
		done: make(chan error, 1),
	}
	if err := os.Mkdir(env.src, 0755); err != nil {
		t.Fatal(err)
	}
	if setup != nil {
		setup(env.src)
	}

	ex := exclude.MustNew(exclude.DefaultPatterns)
	env.engine = New(convert.New(policy, env.src, env.dst), ex, Options{
		Mode:     mode,
		Interval: testInterval,
		Debounce: testDebounce,
		Workers:  2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() { env.done <- env.engine.Run(ctx) }()

	select {
	case <-env.engine.Ready():
	case err := <-env.done:
		t.Fatalf("engine stopped before watching: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("engine did not become ready")
	}
	t.Cleanup(env.stop)
	return env
}

func (env *testWatchEnv) stop() {
	env.cancel()
	select {
	case <-env.done:
	case <-time.After(waitTimeout):
	}
}

func sjisPolicy() convert.Policy {
	p := convert.DefaultPolicy()
	p.From = charset.ShiftJIS
	return p
}

func TestEngine_BaselineAndSourceEdit(t *testing.T) {
	env := startEngine(t, sjisPolicy(), ModePoll, func(src string) {
		writeFile(t, src, "docs/a.txt", sjis(t, japaneseText))
	})

	if got := readFile(env.dst, "docs/a.txt"); string(got) != japaneseText {
		t.Fatalf("baseline mirror content = %q", got)
	}

	const edited = "ソースを編集しました。\n"
	writeFile(t, env.src, "docs/a.txt", sjis(t, edited))
	waitFor(t, "source edit to reach the mirror", func() bool {
		return string(readFile(env.dst, "docs/a.txt")) == edited
	})

	writeFile(t, env.src, "docs/new/b.txt", sjis(t, japaneseText))
	waitFor(t, "new source file to reach the mirror", func() bool {
		return string(readFile(env.dst, "docs/new/b.txt")) == japaneseText
	})

	settle()
	// The mirror writes come back as events and must be absorbed.
	if got := readFile(env.src, "docs/a.txt"); !bytes.Equal(got, sjis(t, edited)) {
		t.Errorf("source was rewritten by an echo: %q", got)
	}
	if sum := env.engine.Summary(); sum.Absorbed == 0 {
		t.Error("expected mirror echoes to be absorbed")
	}
}

func TestEngine_MirrorEditWritesBack(t *testing.T) {
	env := startEngine(t, sjisPolicy(), ModePoll, func(src string) {
		writeFile(t, src, "a.txt", sjis(t, japaneseText))
	})

	const edited = "ミラーで編集しました。\n"
	writeFile(t, env.dst, "a.txt", []byte(edited))
	waitFor(t, "mirror edit to be written back", func() bool {
		return bytes.Equal(readFile(env.src, "a.txt"), sjis(t, edited))
	})

	settle()
	if got := readFile(env.dst, "a.txt"); string(got) != edited {
		t.Errorf("mirror changed after write-back: %q", got)
	}
}

func TestEngine_RestoredSourceFileReachesMirror(t *testing.T) {
	env := startEngine(t, sjisPolicy(), ModePoll, func(src string) {
		writeFile(t, src, "a.txt", sjis(t, "現在の内容\n"))
	})

	// Restoring from an archive keeps the old mtime of the archived copy.
	const restored = "復元した内容\n"
	writeFile(t, env.src, "a.txt", sjis(t, restored))
	old := time.Now().Add(-24 * time.Hour)
	if err := os.Chtimes(convert.Join(env.src, "a.txt"), old, old); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "restored file to reach the mirror", func() bool {
		return string(readFile(env.dst, "a.txt")) == restored
	})
	settle()
	if got := readFile(env.src, "a.txt"); !bytes.Equal(got, sjis(t, restored)) {
		t.Errorf("restored source file was overwritten: %q", got)
	}
}

func TestEngine_NewMirrorFileUsesFallback(t *testing.T) {
	policy := convert.DefaultPolicy()
	policy.Fallback = charset.EUCJP
	env := startEngine(t, policy, ModePoll, nil)

	const text = "こんにちは、世界！"
	writeFile(t, env.dst, "new_file.txt", []byte(text))
	waitFor(t, "new mirror file to be written back", func() bool {
		return bytes.Equal(readFile(env.src, "new_file.txt"), eucjp(t, text))
	})
}

func TestEngine_DeletionPropagates(t *testing.T) {
	env := startEngine(t, sjisPolicy(), ModePoll, func(src string) {
		writeFile(t, src, "gone.txt", sjis(t, japaneseText))
		writeFile(t, src, "dir/inner.txt", sjis(t, japaneseText))
		writeFile(t, src, "keep.txt", sjis(t, japaneseText))
	})
	if !exists(env.dst, "gone.txt") || !exists(env.dst, "dir/inner.txt") {
		t.Fatal("baseline did not mirror the files")
	}

	if err := os.Remove(convert.Join(env.src, "gone.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(convert.Join(env.src, "dir")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "deletions to reach the mirror", func() bool {
		return !exists(env.dst, "gone.txt") && !exists(env.dst, "dir")
	})

	settle()
	for _, rel := range []string{"gone.txt", "dir"} {
		if exists(env.src, rel) || exists(env.dst, rel) {
			t.Errorf("%s was recreated after deletion", rel)
		}
	}
	if !exists(env.dst, "keep.txt") {
		t.Error("unrelated file was deleted")
	}
}

func TestEngine_MirrorDeletionPropagates(t *testing.T) {
	env := startEngine(t, sjisPolicy(), ModePoll, func(src string) {
		writeFile(t, src, "a.txt", sjis(t, japaneseText))
	})

	if err := os.Remove(convert.Join(env.dst, "a.txt")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "mirror deletion to reach the source", func() bool {
		return !exists(env.src, "a.txt")
	})
	settle()
	if exists(env.dst, "a.txt") {
		t.Error("mirror file was recreated")
	}
}

func TestEngine_ExcludedPathsNeverPropagate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mode   Mode
		origin func(env *testWatchEnv) (from, to string)
	}{
		{"Poll From Mirror", ModePoll, func(env *testWatchEnv) (string, string) { return env.dst, env.src }},
		{"Poll From Source", ModePoll, func(env *testWatchEnv) (string, string) { return env.src, env.dst }},
		{"Native From Mirror", ModeAuto, func(env *testWatchEnv) (string, string) { return env.dst, env.src }},
		{"Native From Source", ModeAuto, func(env *testWatchEnv) (string, string) { return env.src, env.dst }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := startEngine(t, sjisPolicy(), tc.mode, nil)
			from, to := tc.origin(env)

			writeFile(t, from, ".git/index.lock", []byte("lock"))
			writeFile(t, from, ".git/objects/ab/cdef", []byte{0x78, 0x01, 0x00})
			writeFile(t, from, "notes.txt~", []byte("editor backup"))
			settle()
			if err := os.RemoveAll(convert.Join(from, ".git")); err != nil {
				t.Fatal(err)
			}
			settle()

			if exists(to, ".git") || exists(to, "notes.txt~") {
				t.Error("excluded path reached the opposite tree")
			}
			sum := env.engine.Summary()
			if sum.Written() != 0 || sum.Deleted != 0 || sum.DirsCreated != 0 {
				t.Errorf("excluded events caused writes: %+v", sum)
			}
		})
	}
}

func TestEngine_ShutdownReleasesSubscriptions(t *testing.T) {
	env := startEngine(t, sjisPolicy(), ModePoll, nil)
	env.cancel()
	select {
	case err := <-env.done:
		if err != nil {
			t.Errorf("Run returned %v on cancellation, want nil", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("engine did not stop")
	}
	if s := env.engine.State(Source); s != Idle {
		t.Errorf("source state after shutdown = %v, want idle", s)
	}
}

func TestEngine_AutoMode(t *testing.T) {
	env := startEngine(t, sjisPolicy(), ModeAuto, func(src string) {
		writeFile(t, src, "a.txt", sjis(t, japaneseText))
	})

	const edited = "通知で検出。\n"
	writeFile(t, env.src, "sub/b.txt", sjis(t, edited))
	waitFor(t, "new file to reach the mirror", func() bool {
		return string(readFile(env.dst, "sub/b.txt")) == edited
	})
	waitFor(t, "both trees to become idle", func() bool {
		return env.engine.State(Source) == Idle && env.engine.State(Mirror) == Idle
	})
}

func TestEngine_RootVanishes(t *testing.T) {
	env := startEngine(t, sjisPolicy(), ModePoll, nil)
	if err := os.RemoveAll(env.src); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-env.done:
		if err == nil {
			t.Error("expected an error when the source root disappears")
		}
	case <-time.After(waitTimeout):
		t.Fatal("engine kept running without its source root")
	}
}

func TestParseMode(t *testing.T) {
	testCases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"auto", ModeAuto, false},
		{"", ModeAuto, false},
		{"Native", ModeNative, false},
		{" poll ", ModePoll, false},
		{"inotify", "", true},
	}
	for _, tc := range testCases {
		got, err := ParseMode(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
