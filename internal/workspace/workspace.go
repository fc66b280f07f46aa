// Package workspace binds the conversation, the project memory and the
// change tracker into the surface the editor talks to.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/xiy/projmem/internal/chat"
	"github.com/xiy/projmem/internal/memory"
	"github.com/xiy/projmem/internal/provider"
	"github.com/xiy/projmem/internal/watch"
	"github.com/xiy/projmem/pkg/types"
)

// ErrNoProject is returned by operations that need an open project.
var ErrNoProject = errors.New("no project open")

// Options configures a Workspace.
type Options struct {
	Session *chat.Session
	Memory  *memory.Manager
	// Tracker is optional; without one recent changes come only from
	// RecordChange.
	Tracker *watch.Tracker
	Logger  *log.Logger
	Watch   bool
}

// Workspace holds the active project. At most one project is open.
type Workspace struct {
	session *chat.Session
	memory  *memory.Manager
	tracker *watch.Tracker
	logger  *log.Logger
	watch   bool

	mu        sync.Mutex
	project   string
	openFiles []string
	prefs     *types.UserPreferences
}

// New returns a workspace with no project open.
func New(opts Options) *Workspace {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Tracker == nil {
		opts.Tracker = watch.New(watch.DefaultLimit, 0, opts.Logger)
	}
	return &Workspace{
		session: opts.Session,
		memory:  opts.Memory,
		tracker: opts.Tracker,
		logger:  opts.Logger,
		watch:   opts.Watch,
	}
}

func (w *Workspace) Session() *chat.Session  { return w.session }
func (w *Workspace) Memory() *memory.Manager { return w.memory }

// SendMessage sends text in the current conversation. The open project is
// filled in when mc names none.
func (w *Workspace) SendMessage(ctx context.Context, text string, mc types.MessageContext) (types.Response, error) {
	if mc.ProjectPath == "" {
		mc.ProjectPath = w.ActiveProject()
	}
	return w.session.Send(ctx, text, mc)
}

func (w *Workspace) Providers() []types.ProviderInfo { return w.session.Providers() }

func (w *Workspace) SetProvider(ctx context.Context, id string, cfg provider.Config) (bool, error) {
	return w.session.SetProvider(ctx, id, cfg)
}

func (w *Workspace) TestConnection(ctx context.Context) bool { return w.session.TestConnection(ctx) }

func (w *Workspace) Models(ctx context.Context) []string { return w.session.Models(ctx) }

// ErrEmptyPath is returned by ResolvePath for a blank path.
var ErrEmptyPath = errors.New("project path is required")

// ResolvePath returns the absolute, cleaned form of path. Every project key
// goes through it so "/a/b/", "/a/./b" and "/a/b" name one record.
func ResolvePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", ErrEmptyPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}
	return abs, nil
}

// OpenProject makes path the active project, saving and closing any other.
// A stored record rehydrates the conversation, open files and recent
// changes; found reports whether one existed.
func (w *Workspace) OpenProject(ctx context.Context, path string) (rec types.ProjectMemoryRecord, found bool, err error) {
	abs, err := ResolvePath(path)
	if err != nil {
		return rec, false, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return rec, false, fmt.Errorf("open project: %w", err)
	}
	if !info.IsDir() {
		return rec, false, fmt.Errorf("open project: %s is not a directory", abs)
	}

	if cur := w.ActiveProject(); cur != "" {
		w.CloseProject(ctx)
	}

	rec, found = w.memory.Load(ctx, abs)
	w.mu.Lock()
	w.project = abs
	if found {
		w.openFiles = append([]string(nil), rec.Metadata.OpenFiles...)
		w.prefs = rec.Metadata.UserPreferences
	} else {
		w.openFiles = nil
		w.prefs = nil
	}
	w.mu.Unlock()

	if found {
		w.session.Replace(rec.ConversationHistory)
		w.tracker.Reset(rec.Metadata.RecentChanges)
	} else {
		w.session.Clear()
		w.tracker.Reset(nil)
	}

	if w.watch {
		if err := w.tracker.Start(ctx, abs); err != nil {
			w.logger.Warn("change tracking unavailable", "project", abs, "error", err)
		}
	}
	w.logger.Info("project opened", "project", abs, "restored", found)
	return rec, found, nil
}

// ActiveProject returns the open project path, or "".
func (w *Workspace) ActiveProject() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.project
}

// SetOpenFiles replaces the open-file list of the active project.
func (w *Workspace) SetOpenFiles(files []string) {
	w.mu.Lock()
	w.openFiles = append([]string(nil), files...)
	w.mu.Unlock()
}

// OpenFiles returns the open-file list of the active project.
func (w *Workspace) OpenFiles() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string{}, w.openFiles...)
}

// SetPreferences replaces the user preferences of the active project.
func (w *Workspace) SetPreferences(p *types.UserPreferences) {
	w.mu.Lock()
	w.prefs = p
	w.mu.Unlock()
}

// RecordChange adds an editor-reported change to the active project.
func (w *Workspace) RecordChange(c types.FileChange) {
	w.tracker.Record(c)
}

// State gathers the live editor state of the active project.
func (w *Workspace) State() types.ProjectState {
	w.mu.Lock()
	files := append([]string{}, w.openFiles...)
	prefs := w.prefs
	w.mu.Unlock()
	return types.ProjectState{
		ConversationHistory: w.session.History(),
		OpenFiles:           files,
		RecentChanges:       w.tracker.Changes(),
		UserPreferences:     prefs,
	}
}

// SaveProjectState persists state for path.
func (w *Workspace) SaveProjectState(ctx context.Context, path string, state types.ProjectState) bool {
	return w.memory.Save(ctx, path, state)
}

// LoadProjectState returns the stored record for path.
func (w *Workspace) LoadProjectState(ctx context.Context, path string) (types.ProjectMemoryRecord, bool) {
	return w.memory.Load(ctx, path)
}

// Autosave saves the active project with the live editor state.
func (w *Workspace) Autosave(ctx context.Context) (bool, error) {
	project := w.ActiveProject()
	if project == "" {
		return false, nil
	}
	if !w.memory.Save(ctx, project, w.State()) {
		return false, fmt.Errorf("save %s failed", project)
	}
	return true, nil
}

// CloseProject saves the active project and stops tracking it. It reports
// whether the final save succeeded; with no project open it returns false.
func (w *Workspace) CloseProject(ctx context.Context) bool {
	project := w.ActiveProject()
	if project == "" {
		return false
	}
	ok := w.memory.Save(ctx, project, w.State())
	if err := w.tracker.Close(); err != nil {
		w.logger.Debug("stop change tracking", "project", project, "error", err)
	}
	w.mu.Lock()
	w.project = ""
	w.openFiles = nil
	w.prefs = nil
	w.mu.Unlock()
	w.logger.Info("project closed", "project", project, "saved", ok)
	return ok
}
