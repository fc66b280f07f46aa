package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/projmem/internal/admin"
	"github.com/xiy/projmem/internal/autosave"
	"github.com/xiy/projmem/internal/bootstrap"
	"github.com/xiy/projmem/internal/config"
	"github.com/xiy/projmem/internal/httpapi"
	"github.com/xiy/projmem/internal/ledger"
	"github.com/xiy/projmem/internal/memory"
	"github.com/xiy/projmem/internal/rpc"
	"github.com/xiy/projmem/pkg/types"
)

const defaultConfigPath = "~/.projmem/config.yaml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "serve-http":
		err = runServeHTTP(os.Args[2:])
	case "admin":
		err = runAdmin(os.Args[2:])
	case "bootstrap-clis":
		err = runBootstrap(os.Args[2:])
	case "providers":
		err = runProviders(os.Args[2:])
	case "projects":
		err = runProjects(os.Args[2:])
	case "prune-ledger":
		err = runPrune(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println("projmem v" + rpc.Version)
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", defaultConfigPath, "Path to config file")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := configFlag(fs)
	project := fs.String("project", "", "Project directory to open at start")
	watchFiles := fs.Bool("watch", true, "Track file changes in the open project")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, config.ExpandPath(*configPath), *watchFiles)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.openProject(ctx, *project); err != nil {
		return err
	}

	go autosave.Start(ctx, a.logger, a.cfg.AutosaveInterval(), a.ws)

	server := rpc.NewServer(a.ws, a.cfg.ServerName, a.logger, a.ledger)
	a.logger.Info("starting stdio server", "data_dir", a.cfg.DataDir, "ledger", a.cfg.DBPath)
	err = server.Serve(ctx, os.Stdin, os.Stdout)
	a.logger.Info("stdio server stopped", "stats", server.Snapshot())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runServeHTTP(args []string) error {
	fs := flag.NewFlagSet("serve-http", flag.ContinueOnError)
	configPath := configFlag(fs)
	addr := fs.String("addr", "", "Listen address (default from config)")
	project := fs.String("project", "", "Project directory to open at start")
	watchFiles := fs.Bool("watch", true, "Track file changes in the open project")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, config.ExpandPath(*configPath), *watchFiles)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.openProject(ctx, *project); err != nil {
		return err
	}

	listen := a.cfg.HTTPAddr
	if *addr != "" {
		listen = *addr
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           httpapi.NewRouter(a.ws, a.metrics, a.ledger, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("starting http server", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		autosave.Start(gctx, a.logger, a.cfg.AutosaveInterval(), a.ws)
		return nil
	})
	return g.Wait()
}

func runBootstrap(args []string) error {
	fs := flag.NewFlagSet("bootstrap-clis", flag.ContinueOnError)
	configPath := configFlag(fs)
	scope := fs.String("scope", "user", "Config scope: user or project")
	serverName := fs.String("server-name", "projmem", "Server registration name")
	serveCmd := fs.String("serve-command", "projmem serve", "Command agent CLIs use to launch the stdio server")
	only := fs.String("agents", "", "Comma-separated CLIs to configure ("+strings.Join(bootstrap.Agents(), ", ")+"); empty means all installed")
	dryRun := fs.Bool("dry-run", false, "Print intended commands without executing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := config.ExpandPath(*configPath)
	cfg, logger, err := loadConfig(path)
	if err != nil {
		return err
	}
	var agents []string
	for _, name := range strings.Split(*only, ",") {
		if name = strings.TrimSpace(name); name != "" {
			agents = append(agents, name)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	return bootstrap.Bootstrap(ctx, logger, bootstrap.Options{
		ConfigPath: path,
		Scope:      *scope,
		ServerName: *serverName,
		ServeCmd:   *serveCmd,
		Agents:     agents,
		DryRun:     *dryRun,
		AuditPath:  auditPath(cfg),
	}, nil)
}

// auditPath keeps the bootstrap log next to the ledger.
func auditPath(cfg config.Config) string {
	return filepath.Join(filepath.Dir(cfg.DBPath), "bootstrap-last.log")
}

func runAdmin(args []string) error {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	configPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := loadConfig(config.ExpandPath(*configPath))
	if err != nil {
		return err
	}
	// the dashboard owns the terminal
	logger.SetLevel(log.ErrorLevel)

	ctx, cancel := signalContext()
	defer cancel()

	l, err := ledger.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	mgr := memory.NewManager(memory.Options{Dir: cfg.DataDir, Freshness: cfg.FreshnessWindow(), Logger: logger})
	return admin.Run(ctx, l, mgr)
}

func runProviders(args []string) error {
	fs := flag.NewFlagSet("providers", flag.ContinueOnError)
	configPath := configFlag(fs)
	test := fs.Bool("test", false, "Probe the default provider")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, config.ExpandPath(*configPath), false)
	if err != nil {
		return err
	}
	defer a.close()

	for _, p := range a.ws.Providers() {
		mark := " "
		if p.IsCurrent {
			mark = "*"
		}
		fmt.Printf("%s %-10s %-18s configured=%t\n", mark, p.ID, p.Name, p.IsConfigured)
	}
	if *test {
		fmt.Printf("connected=%t\n", a.ws.TestConnection(ctx))
	}
	return nil
}

func runProjects(args []string) error {
	fs := flag.NewFlagSet("projects", flag.ContinueOnError)
	configPath := configFlag(fs)
	limit := fs.Int("limit", 0, "Maximum rows for list (0 means all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	action := "list"
	if len(rest) > 0 {
		action, rest = rest[0], rest[1:]
	}

	cfg, logger, err := loadConfig(config.ExpandPath(*configPath))
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	mgr := memory.NewManager(memory.Options{Dir: cfg.DataDir, Freshness: cfg.FreshnessWindow(), Logger: logger})

	argument := func() (string, error) {
		if len(rest) == 0 {
			return "", fmt.Errorf("projects %s needs an argument", action)
		}
		return rest[0], nil
	}

	switch action {
	case "list":
		var recs []types.ProjectMemoryRecord
		if *limit > 0 {
			recs = mgr.Recent(ctx, *limit)
		} else {
			recs = mgr.List(ctx)
		}
		return printJSON(types.Summaries(recs))
	case "search":
		q, err := argument()
		if err != nil {
			return err
		}
		return printJSON(types.Summaries(mgr.Search(ctx, q)))
	case "show":
		path, err := argument()
		if err != nil {
			return err
		}
		rec, ok := mgr.Load(ctx, path)
		if !ok {
			return fmt.Errorf("no memory stored for %s", path)
		}
		return printJSON(rec)
	case "delete":
		path, err := argument()
		if err != nil {
			return err
		}
		if !mgr.Delete(ctx, path) {
			return fmt.Errorf("delete %s failed", path)
		}
		fmt.Println("deleted", path)
		return nil
	default:
		return fmt.Errorf("unknown projects action %q (expected list, search, show or delete)", action)
	}
}

func runPrune(args []string) error {
	fs := flag.NewFlagSet("prune-ledger", flag.ContinueOnError)
	configPath := configFlag(fs)
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "Remove ledger rows older than this")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := loadConfig(config.ExpandPath(*configPath))
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	l, err := ledger.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	n, err := l.Prune(ctx, time.Now().Add(-*olderThan))
	if err != nil {
		return err
	}
	logger.Info("ledger pruned", "rows", n, "older_than", olderThan.String())
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usage() {
	fmt.Print(`projmem

Usage:
  projmem serve [--config path] [--project dir] [--watch=false]
  projmem serve-http [--config path] [--addr host:port] [--project dir]
  projmem admin [--config path]
  projmem bootstrap-clis [--config path] [--agents codex,claude,gemini] [--scope user|project] [--dry-run]
  projmem providers [--config path] [--test]
  projmem projects [--config path] [--limit n] [list | search <query> | show <path> | delete <path>]
  projmem prune-ledger [--config path] [--older-than 720h]
  projmem version
`)
}
