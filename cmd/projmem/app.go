package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"github.com/xiy/projmem/internal/analyzer"
	"github.com/xiy/projmem/internal/chat"
	"github.com/xiy/projmem/internal/config"
	"github.com/xiy/projmem/internal/ledger"
	"github.com/xiy/projmem/internal/memory"
	"github.com/xiy/projmem/internal/metrics"
	"github.com/xiy/projmem/internal/provider"
	"github.com/xiy/projmem/internal/vcs"
	"github.com/xiy/projmem/internal/watch"
	"github.com/xiy/projmem/internal/workspace"
)

// app is the wired process: one ledger, one memory manager and one workspace.
type app struct {
	cfg     config.Config
	logger  *log.Logger
	metrics *metrics.Metrics
	ledger  *ledger.Ledger
	memory  *memory.Manager
	ws      *workspace.Workspace
}

func loadConfig(path string) (config.Config, *log.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return cfg, nil, err
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: cfg.ServerName})
	setLogLevel(logger, cfg.LogLevel)
	return cfg, logger, nil
}

func newApp(ctx context.Context, configPath string, watchFiles bool) (*app, error) {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	l, err := ledger.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	session := chat.NewSession(chat.Options{
		Registry: provider.NewRegistry(),
		Logger:   logger,
		Metrics:  m,
		Usage:    l,
	})
	mgr := memory.NewManager(memory.Options{
		Dir:       cfg.DataDir,
		Freshness: cfg.FreshnessWindow(),
		Analyzer:  analyzer.New(cfg.TreeDepth, logger),
		Inspector: vcs.NewInspector(vcs.OSRunner{}),
		Logger:    logger,
		Metrics:   m,
	})
	ws := workspace.New(workspace.Options{
		Session: session,
		Memory:  mgr,
		Tracker: watch.New(cfg.RecentChangesLimit, cfg.WatchDebounce(), logger),
		Logger:  logger,
		Watch:   watchFiles,
	})

	a := &app{cfg: cfg, logger: logger, metrics: m, ledger: l, memory: mgr, ws: ws}
	a.selectDefaultProvider(ctx)
	return a, nil
}

// selectDefaultProvider applies default_provider. Failure leaves no provider
// selected; the process keeps running.
func (a *app) selectDefaultProvider(ctx context.Context) {
	id := a.cfg.DefaultProvider
	if id == "" {
		return
	}
	sec, _ := a.cfg.Providers.Section(id)
	pcfg, err := provider.ConfigFromSection(id, sec)
	if err == nil {
		_, err = a.ws.SetProvider(ctx, id, pcfg)
	}
	if err != nil {
		a.logger.Warn("default provider not selected", "provider", id, "error", err)
		return
	}
	a.logger.Info("provider selected", "provider", id)
}

func (a *app) openProject(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	_, found, err := a.ws.OpenProject(ctx, path)
	if err != nil {
		return fmt.Errorf("open project %s: %w", path, err)
	}
	a.logger.Info("project opened", "project", a.ws.ActiveProject(), "restored", found)
	return nil
}

// close saves the open project and releases the ledger.
func (a *app) close() error {
	ctx := context.Background()
	if a.ws.ActiveProject() != "" && !a.ws.CloseProject(ctx) {
		a.logger.Warn("final save failed")
	}
	return a.ledger.Close()
}

func setLogLevel(logger *log.Logger, level string) {
	switch level {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}
