// Package watch keeps the recent file changes of the open project.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/xiy/projmem/internal/analyzer"
	"github.com/xiy/projmem/pkg/types"
)

// DefaultLimit bounds the change list when none is configured.
const DefaultLimit = 50

// ErrStarted is returned by Start on a tracker that is already watching.
var ErrStarted = errors.New("tracker already started")

// Tracker holds a bounded, oldest-first list of file changes. Changes come
// from a recursive fsnotify watch of the project root and from Record.
type Tracker struct {
	limit    int
	debounce time.Duration
	logger   *log.Logger
	now      func() time.Time

	mu      sync.Mutex
	changes []types.FileChange
	pending map[string]pending
	root    string
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

type pending struct {
	kind types.ChangeType
	at   time.Time
}

// New returns a tracker that is not watching anything yet.
func New(limit int, debounce time.Duration, logger *log.Logger) *Tracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{
		limit:    limit,
		debounce: debounce,
		logger:   logger,
		now:      time.Now,
		pending:  make(map[string]pending),
	}
}

// Start watches root and every directory below it that the analyzer would
// not skip. Directories created later are added as they appear.
func (t *Tracker) Start(ctx context.Context, root string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.watcher != nil {
		return ErrStarted
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addRecursive(w, root); err != nil {
		_ = w.Close()
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	t.root = root
	t.watcher = w
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, w, t.done)
	return nil
}

// Root returns the watched directory, or "" when stopped.
func (t *Tracker) Root() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Close stops watching. Changes seen so far are kept; pending ones are
// flushed first.
func (t *Tracker) Close() error {
	t.mu.Lock()
	w, cancel, done := t.watcher, t.cancel, t.done
	t.watcher, t.cancel, t.done, t.root = nil, nil, nil, ""
	t.mu.Unlock()
	if w == nil {
		return nil
	}
	cancel()
	err := w.Close()
	<-done
	t.flush(true)
	return err
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && analyzer.Skipped(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil && path == root {
			return err
		}
		return nil
	})
}

func (t *Tracker) run(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	tick := t.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			t.handle(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			t.logger.Warn("watch error", "error", err)
		case <-ticker.C:
			t.flush(false)
		}
	}
}

func (t *Tracker) handle(w *fsnotify.Watcher, ev fsnotify.Event) {
	if t.ignored(ev.Name) {
		return
	}
	var kind types.ChangeType
	switch {
	case ev.Has(fsnotify.Create):
		kind = types.ChangeCreated
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addRecursive(w, ev.Name); err != nil {
				t.logger.Debug("watch new dir failed", "path", ev.Name, "error", err)
			}
		}
	case ev.Has(fsnotify.Write):
		kind = types.ChangeModified
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = types.ChangeDeleted
	default:
		return
	}

	t.mu.Lock()
	prev, seen := t.pending[ev.Name]
	switch {
	case seen && prev.kind == types.ChangeCreated && kind == types.ChangeModified:
		kind = types.ChangeCreated
	case seen && prev.kind == types.ChangeCreated && kind == types.ChangeDeleted:
		// Created and gone within one debounce window.
		delete(t.pending, ev.Name)
		t.mu.Unlock()
		return
	}
	t.pending[ev.Name] = pending{kind: kind, at: t.now()}
	t.mu.Unlock()

	if t.debounce <= 0 {
		t.flush(true)
	}
}

// ignored reports whether any path element below the root is one the
// analyzer skips.
func (t *Tracker) ignored(path string) bool {
	t.mu.Lock()
	root := t.root
	t.mu.Unlock()
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part != "." && analyzer.Skipped(part) {
			return true
		}
	}
	return false
}

// flush moves settled pending events into the change list.
func (t *Tracker) flush(all bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var settled []types.FileChange
	for path, p := range t.pending {
		if !all && now.Sub(p.at) < t.debounce {
			continue
		}
		delete(t.pending, path)
		settled = append(settled, types.FileChange{FilePath: path, ChangeType: p.kind, Timestamp: p.at.UnixMilli()})
	}
	sort.SliceStable(settled, func(i, j int) bool {
		if settled[i].Timestamp != settled[j].Timestamp {
			return settled[i].Timestamp < settled[j].Timestamp
		}
		return settled[i].FilePath < settled[j].FilePath
	})
	for _, c := range settled {
		t.appendLocked(c)
	}
}

// Record adds a change reported by the editor. A zero timestamp means now.
func (t *Tracker) Record(c types.FileChange) {
	if c.Timestamp == 0 {
		c.Timestamp = t.now().UnixMilli()
	}
	t.mu.Lock()
	t.appendLocked(c)
	t.mu.Unlock()
}

// Reset replaces the change list, for example with what a stored project
// remembered. Only the newest entries up to the limit are kept.
func (t *Tracker) Reset(changes []types.FileChange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changes = nil
	for _, c := range changes {
		t.appendLocked(c)
	}
}

func (t *Tracker) appendLocked(c types.FileChange) {
	t.changes = append(t.changes, c)
	if over := len(t.changes) - t.limit; over > 0 {
		t.changes = append([]types.FileChange(nil), t.changes[over:]...)
	}
}

// Changes returns a copy of the change list, newest last.
func (t *Tracker) Changes() []types.FileChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.FileChange{}, t.changes...)
}
