// Package bootstrap registers the stdio server with the agent CLIs found on
// PATH so they can share project memory.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	defaultServerName = "projmem"
	defaultServeCmd   = "projmem serve"
)

// ErrNoAgents is returned when none of the selected CLIs is installed.
var ErrNoAgents = errors.New("no supported agent CLI found on PATH")

// agent describes how one CLI spells its MCP registration commands.
type agent struct {
	name string
	// scoped CLIs take -s <scope>.
	scoped bool
	// separated CLIs expect "--" before the server command.
	separated bool
}

// agents in registration order.
var agents = []agent{
	{name: "codex", separated: true},
	{name: "claude", scoped: true, separated: true},
	{name: "gemini", scoped: true},
}

// Agents returns the names of the CLIs bootstrap can configure.
func Agents() []string {
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.name
	}
	return names
}

// Options select what gets registered and where.
type Options struct {
	ConfigPath string
	// Scope is user or project. Empty means user.
	Scope      string
	ServerName string
	ServeCmd   string
	// Agents limits registration to the named CLIs. Empty means all.
	Agents []string
	DryRun bool
	// AuditPath receives the commands of the last run. Empty means
	// ~/.projmem/bootstrap-last.log.
	AuditPath string
	// LookPath replaces exec.LookPath when set.
	LookPath func(string) (string, error)
}

// Step is one CLI invocation. Optional steps may fail without aborting the
// run.
type Step struct {
	Name     string
	Args     []string
	Optional bool
}

func (s Step) String() string {
	return strings.Join(append([]string{s.Name}, s.Args...), " ")
}

// Runner executes one command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec. Nil writers mean os.Stderr.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout, cmd.Stderr = r.Stdout, r.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stderr
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	return cmd.Run()
}

// Plan returns the steps for every selected CLI that is installed: a
// removal of any previous entry followed by a fresh registration.
func Plan(opts Options) ([]Step, error) {
	scope := opts.Scope
	if scope == "" {
		scope = "user"
	}
	if scope != "user" && scope != "project" {
		return nil, fmt.Errorf("invalid scope %q (expected user or project)", opts.Scope)
	}
	if strings.TrimSpace(opts.ConfigPath) == "" {
		return nil, errors.New("config path is required")
	}
	for _, name := range opts.Agents {
		if !slices.Contains(Agents(), name) {
			return nil, fmt.Errorf("unknown agent CLI %q (expected one of %s)", name, strings.Join(Agents(), ", "))
		}
	}
	server := strings.TrimSpace(opts.ServerName)
	if server == "" {
		server = defaultServerName
	}
	serve := strings.Fields(opts.ServeCmd)
	if len(serve) == 0 {
		serve = strings.Fields(defaultServeCmd)
	}
	serve = append(serve, "--config", opts.ConfigPath)

	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	var steps []Step
	for _, a := range agents {
		if len(opts.Agents) > 0 && !slices.Contains(opts.Agents, a.name) {
			continue
		}
		if _, err := lookPath(a.name); err != nil {
			continue
		}
		prefix := []string{"mcp"}
		target := []string{server}
		if a.scoped {
			target = []string{"-s", scope, server}
		}
		add := append(append(slices.Clone(prefix), "add"), target...)
		if a.separated {
			add = append(add, "--")
		}
		steps = append(steps,
			Step{Name: a.name, Args: append(append(slices.Clone(prefix), "remove"), target...), Optional: true},
			Step{Name: a.name, Args: append(add, serve...)},
		)
	}
	return steps, nil
}

// Bootstrap records the plan in the audit file and, unless DryRun is set,
// runs it. A failed removal is logged and skipped.
func Bootstrap(ctx context.Context, logger *log.Logger, opts Options, runner Runner) error {
	if runner == nil {
		runner = ExecRunner{}
	}
	steps, err := Plan(opts)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return ErrNoAgents
	}

	audit := opts.AuditPath
	if audit == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve audit path: %w", err)
		}
		audit = filepath.Join(home, ".projmem", "bootstrap-last.log")
	}
	if err := writeAudit(audit, steps, opts.DryRun); err != nil {
		return err
	}

	for _, s := range steps {
		logger.Info("bootstrap step", "cmd", s.String(), "dry_run", opts.DryRun)
		if opts.DryRun {
			continue
		}
		err := runner.Run(ctx, s.Name, s.Args...)
		switch {
		case err == nil:
		case s.Optional:
			logger.Debug("optional step failed", "cmd", s.String(), "error", err)
		default:
			return fmt.Errorf("run %q: %w", s.String(), err)
		}
	}
	logger.Info("bootstrap complete", "steps", len(steps), "audit_log", audit)
	return nil
}

func writeAudit(path string, steps []Step, dryRun bool) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# projmem bootstrap %s dry_run=%t\n", time.Now().UTC().Format(time.RFC3339), dryRun)
	for _, s := range steps {
		b.WriteString(s.String())
		b.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}
