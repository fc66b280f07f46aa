// Package vcs captures a lightweight snapshot of a project's git state.
package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/xiy/projmem/pkg/types"
)

// Runner executes a command in dir and returns its stdout.
type Runner interface {
	Output(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// OSRunner executes commands via os/exec.
type OSRunner struct{}

func (OSRunner) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}

// Inspector reads git metadata for a project directory.
type Inspector struct {
	runner  Runner
	timeout time.Duration
}

// NewInspector returns an inspector using runner, or os/exec when runner is nil.
func NewInspector(runner Runner) *Inspector {
	if runner == nil {
		runner = OSRunner{}
	}
	return &Inspector{runner: runner, timeout: 5 * time.Second}
}

// Snapshot returns the branch, short commit id and porcelain status of the
// repository at dir. It returns nil when dir is not a repository or any git
// command fails.
func (i *Inspector) Snapshot(ctx context.Context, dir string) *types.GitInfo {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	branch, err := i.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil
	}
	commit, err := i.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil
	}
	if len(commit) > 8 {
		commit = commit[:8]
	}
	status, err := i.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil
	}
	return &types.GitInfo{Branch: branch, LastCommit: commit, Status: status}
}

func (i *Inspector) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := i.runner.Output(ctx, dir, "git", args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
