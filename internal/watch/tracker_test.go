package watch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/projmem/pkg/types"
)

func newTestTracker(limit int, debounce time.Duration) *Tracker {
	return New(limit, debounce, log.NewWithOptions(io.Discard, log.Options{}))
}

// waitFor polls Changes until pred holds or the deadline passes.
func waitFor(t *testing.T, tr *Tracker, pred func([]types.FileChange) bool) []types.FileChange {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := tr.Changes()
		if pred(got) {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, changes = %+v", got)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func hasChange(path string, kind types.ChangeType) func([]types.FileChange) bool {
	return func(cs []types.FileChange) bool {
		for _, c := range cs {
			if c.FilePath == path && c.ChangeType == kind {
				return true
			}
		}
		return false
	}
}

func TestRecordIsBounded(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(3, 0)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		tr.Record(types.FileChange{FilePath: name, ChangeType: types.ChangeModified})
	}
	got := tr.Changes()
	if len(got) != 3 || got[0].FilePath != "c" || got[2].FilePath != "e" {
		t.Fatalf("Changes() = %+v, want c..e", got)
	}
	if got[0].Timestamp == 0 {
		t.Fatal("Record() did not stamp the change")
	}

	got[0].FilePath = "mutated"
	if tr.Changes()[0].FilePath != "c" {
		t.Fatal("Changes() exposed internal slice")
	}

	tr.Reset([]types.FileChange{{FilePath: "x", Timestamp: 1}})
	if got := tr.Changes(); len(got) != 1 || got[0].FilePath != "x" || got[0].Timestamp != 1 {
		t.Fatalf("Reset() -> %+v", got)
	}
}

func TestStartTwice(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(0, 0)
	dir := t.TempDir()
	if err := tr.Start(context.Background(), dir); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tr.Close()
	if err := tr.Start(context.Background(), dir); err != ErrStarted {
		t.Fatalf("second Start() error = %v, want ErrStarted", err)
	}
	if tr.Root() != dir {
		t.Fatalf("Root() = %q", tr.Root())
	}
}

func TestStartMissingRoot(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(0, 0)
	if err := tr.Start(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		tr.Close()
		t.Fatal("Start() on missing dir succeeded")
	}
}

func TestWatchReportsFileEvents(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	existing := filepath.Join(root, "main.go")
	if err := os.WriteFile(existing, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "node_modules"), 0o755); err != nil {
		t.Fatal(err)
	}

	tr := newTestTracker(0, 20*time.Millisecond)
	if err := tr.Start(context.Background(), root); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tr.Close()

	created := filepath.Join(root, "new.go")
	if err := os.WriteFile(created, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, tr, hasChange(created, types.ChangeCreated))

	if err := os.WriteFile(filepath.Join(root, "node_modules", "x.js"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(existing, []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, tr, hasChange(existing, types.ChangeModified))

	if err := os.Remove(created); err != nil {
		t.Fatal(err)
	}
	got := waitFor(t, tr, hasChange(created, types.ChangeDeleted))
	for _, c := range got {
		if filepath.Base(filepath.Dir(c.FilePath)) == "node_modules" {
			t.Fatalf("change under skipped dir reported: %+v", c)
		}
	}
}

func TestWatchFollowsNewDirectories(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	tr := newTestTracker(0, 0)
	if err := tr.Start(context.Background(), root); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tr.Close()

	sub := filepath.Join(root, "pkg")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	waitFor(t, tr, hasChange(sub, types.ChangeCreated))

	file := filepath.Join(sub, "lib.go")
	if err := os.WriteFile(file, []byte("package pkg\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, tr, hasChange(file, types.ChangeCreated))
}

func TestIgnored(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(0, 0)
	tr.root = "/proj"
	cases := map[string]bool{
		"/proj/src/a.go":          false,
		"/proj/.git/index":        true,
		"/proj/node_modules/x/y":  true,
		"/proj/src/build/out.o":   true,
		"/elsewhere/file.txt":     true,
		"/proj/src/.hidden_swap~": true,
	}
	for path, want := range cases {
		if got := tr.ignored(path); got != want {
			t.Fatalf("ignored(%q) = %v, want %v", path, got, want)
		}
	}
}
