package vcs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeRunner struct {
	out   map[string]string
	fail  string
	calls []string
}

func (f *fakeRunner) Output(_ context.Context, _ string, name string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, name+" "+key)
	if key == f.fail {
		return nil, errors.New("exit status 128")
	}
	return []byte(f.out[key]), nil
}

func repoDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	return dir
}

func TestSnapshotNotARepository(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{}
	if got := NewInspector(r).Snapshot(context.Background(), t.TempDir()); got != nil {
		t.Fatalf("Snapshot() = %+v, want nil", got)
	}
	if len(r.calls) != 0 {
		t.Fatalf("git should not run outside a repository, ran %v", r.calls)
	}
}

func TestSnapshotReadsBranchCommitStatus(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{out: map[string]string{
		"rev-parse --abbrev-ref HEAD": "main\n",
		"rev-parse HEAD":              "0123456789abcdef0123\n",
		"status --porcelain":          " M a.go\n?? b.go\n",
	}}
	got := NewInspector(r).Snapshot(context.Background(), repoDir(t))
	if got == nil {
		t.Fatal("Snapshot() = nil")
	}
	if got.Branch != "main" || got.LastCommit != "01234567" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if got.Status != "M a.go\n?? b.go" {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestSnapshotCommandFailureIsNil(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{fail: "rev-parse HEAD", out: map[string]string{"rev-parse --abbrev-ref HEAD": "HEAD"}}
	if got := NewInspector(r).Snapshot(context.Background(), repoDir(t)); got != nil {
		t.Fatalf("Snapshot() = %+v, want nil", got)
	}
}
