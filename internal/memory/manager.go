// Package memory persists one record per project under a storage root and
// serves recent loads from an in-process cache.
//
// Persistence is advisory: every operation reports failure as a boolean or an
// absent result and logs the cause, so a broken record never stops a project
// from opening.
package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/xiy/projmem/internal/metrics"
	"github.com/xiy/projmem/pkg/types"
)

// DefaultFreshness is how long a cached record is trusted without a disk read.
const DefaultFreshness = 5 * time.Minute

// DefaultRecentLimit is used by Recent when limit is not positive.
const DefaultRecentLimit = 10

// Analyzer produces the derived project data stored with each save.
type Analyzer interface {
	Describe(ctx context.Context, root string) types.ProjectDescriptor
	Stats(ctx context.Context, root string) types.ProjectStats
}

// Inspector captures version control state. A nil result means the project
// is not a repository.
type Inspector interface {
	Snapshot(ctx context.Context, dir string) *types.GitInfo
}

// Options configure a Manager.
type Options struct {
	Dir       string
	Freshness time.Duration
	Analyzer  Analyzer
	Inspector Inspector
	Logger    *log.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type cacheEntry struct {
	record   types.ProjectMemoryRecord
	loadedAt time.Time
}

// Manager is the project memory cache.
type Manager struct {
	dir       string
	freshness time.Duration
	analyzer  Analyzer
	inspector Inspector
	logger    *log.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
	locks map[string]*sync.Mutex

	loads     singleflight.Group
	diskReads atomic.Int64
}

// NewManager constructs a Manager rooted at opts.Dir. The directory is
// created on first write.
func NewManager(opts Options) *Manager {
	m := &Manager{
		dir:       opts.Dir,
		freshness: opts.Freshness,
		analyzer:  opts.Analyzer,
		inspector: opts.Inspector,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		cache:     map[string]cacheEntry{},
		locks:     map[string]*sync.Mutex{},
	}
	if m.freshness <= 0 {
		m.freshness = DefaultFreshness
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = log.New(os.Stderr)
	}
	return m
}

// Dir returns the storage root.
func (m *Manager) Dir() string { return m.dir }

// DiskReads counts record file reads since construction.
func (m *Manager) DiskReads() int64 { return m.diskReads.Load() }

// Save rebuilds the record for projectPath from the analyzer, version
// control and state, rotates the backups and writes the new primary file.
func (m *Manager) Save(ctx context.Context, projectPath string, state types.ProjectState) bool {
	unlock := m.lockPath(projectPath)
	defer unlock()

	rec := m.buildRecord(ctx, projectPath, state)
	if err := m.write(rec); err != nil {
		m.logger.Error("save project memory failed", "project", projectPath, "error", err)
		m.metrics.Write("save", false)
		return false
	}
	m.metrics.Write("save", true)
	m.put(projectPath, rec)
	m.logger.Debug("saved project memory", "project", projectPath, "id", rec.ID, "messages", len(rec.ConversationHistory))
	return true
}

func (m *Manager) buildRecord(ctx context.Context, projectPath string, state types.ProjectState) types.ProjectMemoryRecord {
	var (
		desc  types.ProjectDescriptor
		stats *types.ProjectStats
		git   *types.GitInfo
	)
	if m.analyzer != nil {
		desc = m.analyzer.Describe(ctx, projectPath)
		s := m.analyzer.Stats(ctx, projectPath)
		stats = &s
	} else {
		desc = types.ProjectDescriptor{ProjectPath: projectPath, Language: "unknown", Dependencies: []string{}, Structure: types.FileTree{}}
	}
	if m.inspector != nil {
		git = m.inspector.Snapshot(ctx, projectPath)
	}

	openFiles := nonNil(state.OpenFiles)
	changes := state.RecentChanges
	if changes == nil {
		changes = []types.FileChange{}
	}
	history := state.ConversationHistory
	if history == nil {
		history = []types.Message{}
	}

	desc.ProjectPath = projectPath
	desc.OpenFiles = openFiles
	desc.RecentChanges = changes

	now := m.now().UnixMilli()
	return types.ProjectMemoryRecord{
		ID:                  RecordID(projectPath),
		ProjectPath:         projectPath,
		Timestamp:           now,
		Context:             desc,
		ConversationHistory: history,
		Metadata: types.RecordMetadata{
			LastOpened:      now,
			OpenFiles:       openFiles,
			RecentChanges:   changes,
			GitInfo:         git,
			UserPreferences: state.UserPreferences,
			ProjectStats:    stats,
		},
	}
}

// Load returns a deep copy of the record for projectPath. A cached record
// younger than the freshness window is returned without touching disk. A missing primary file
// means absent; an unusable primary falls back to the backup file.
func (m *Manager) Load(ctx context.Context, projectPath string) (types.ProjectMemoryRecord, bool) {
	if rec, ok := m.fresh(projectPath); ok {
		m.metrics.CacheHit()
		return rec, true
	}
	m.metrics.CacheMiss()

	v, _, _ := m.loads.Do(projectPath, func() (any, error) {
		rec, ok := m.readRecord(projectPath)
		if !ok {
			return nil, nil
		}
		m.put(projectPath, rec)
		return rec, nil
	})
	rec, ok := v.(types.ProjectMemoryRecord)
	if !ok {
		return types.ProjectMemoryRecord{}, false
	}
	// Concurrent loads share v.
	return rec.Clone(), true
}

func (m *Manager) readRecord(projectPath string) (types.ProjectMemoryRecord, bool) {
	files := filesFor(m.dir, RecordID(projectPath))

	b, err := m.readFile(files.primary)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("read project memory failed", "project", projectPath, "error", err)
		}
		return types.ProjectMemoryRecord{}, false
	}
	rec, err := decodeRecord(b)
	if err == nil {
		return rec, true
	}
	m.logger.Warn("primary project memory unusable, trying backup", "project", projectPath, "error", err)

	b, err = m.readFile(files.backup)
	if err != nil {
		m.logger.Warn("no usable backup", "project", projectPath, "error", err)
		return types.ProjectMemoryRecord{}, false
	}
	rec, err = decodeRecord(b)
	if err != nil {
		m.logger.Warn("backup project memory unusable", "project", projectPath, "error", err)
		return types.ProjectMemoryRecord{}, false
	}
	m.metrics.BackupFallback()
	return rec, true
}

// Delete removes every file kept for projectPath and evicts it from the
// cache. Files that are already gone are not an error.
func (m *Manager) Delete(ctx context.Context, projectPath string) bool {
	unlock := m.lockPath(projectPath)
	defer unlock()

	m.evict(projectPath)
	files := filesFor(m.dir, RecordID(projectPath))
	ok := true
	for _, p := range []string{files.primary, files.backup, files.secondary} {
		if err := removeIfExists(p); err != nil {
			m.logger.Error("delete project memory failed", "project", projectPath, "file", filepath.Base(p), "error", err)
			ok = false
		}
	}
	m.metrics.Write("delete", ok)
	return ok
}

// UpdateMetadata merges the present fields of patch over the stored
// metadata, bumps the record timestamp and writes it back through the same
// backup rotation as Save. It returns false when no record exists.
func (m *Manager) UpdateMetadata(ctx context.Context, projectPath string, patch types.MetadataPatch) bool {
	unlock := m.lockPath(projectPath)
	defer unlock()

	rec, ok := m.Load(ctx, projectPath)
	if !ok {
		return false
	}
	rec.Metadata = mergeMetadata(rec.Metadata, patch)
	rec.ID = RecordID(projectPath)
	rec.Timestamp = m.now().UnixMilli()

	if err := m.write(rec); err != nil {
		m.logger.Error("update project metadata failed", "project", projectPath, "error", err)
		m.metrics.Write("update_metadata", false)
		return false
	}
	m.metrics.Write("update_metadata", true)
	m.put(projectPath, rec)
	return true
}

func mergeMetadata(md types.RecordMetadata, p types.MetadataPatch) types.RecordMetadata {
	if p.LastOpened != nil {
		md.LastOpened = *p.LastOpened
	}
	if p.OpenFiles != nil {
		md.OpenFiles = p.OpenFiles
	}
	if p.RecentChanges != nil {
		md.RecentChanges = p.RecentChanges
	}
	if p.GitInfo != nil {
		md.GitInfo = p.GitInfo
	}
	if p.UserPreferences != nil {
		md.UserPreferences = p.UserPreferences
	}
	if p.ProjectStats != nil {
		md.ProjectStats = p.ProjectStats
	}
	return md
}

// List returns every valid record in the storage root, most recently opened
// first. Unreadable or malformed files are logged and skipped.
func (m *Manager) List(ctx context.Context) []types.ProjectMemoryRecord {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("list project memories failed", "dir", m.dir, "error", err)
		}
		return []types.ProjectMemoryRecord{}
	}

	out := make([]types.ProjectMemoryRecord, 0, len(entries))
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if e.IsDir() || !isPrimaryName(e.Name()) {
			continue
		}
		b, err := m.readFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.Warn("skipping unreadable project memory", "file", e.Name(), "error", err)
			continue
		}
		rec, err := decodeRecord(b)
		if err != nil {
			m.logger.Warn("skipping invalid project memory", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Metadata.LastOpened != out[j].Metadata.LastOpened {
			return out[i].Metadata.LastOpened > out[j].Metadata.LastOpened
		}
		return out[i].ProjectPath < out[j].ProjectPath
	})
	return out
}

// Recent returns the first limit records of List.
func (m *Manager) Recent(ctx context.Context, limit int) []types.ProjectMemoryRecord {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	all := m.List(ctx)
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Search returns records whose path, language or framework contains query,
// ignoring case.
func (m *Manager) Search(ctx context.Context, query string) []types.ProjectMemoryRecord {
	q := strings.ToLower(strings.TrimSpace(query))
	all := m.List(ctx)
	out := all[:0]
	for _, rec := range all {
		if strings.Contains(strings.ToLower(rec.ProjectPath), q) ||
			strings.Contains(strings.ToLower(rec.Context.Language), q) ||
			strings.Contains(strings.ToLower(rec.Context.Framework), q) {
			out = append(out, rec)
		}
	}
	return out
}

// ClearCache drops every cached record. Disk state is untouched.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.cache = map[string]cacheEntry{}
	m.mu.Unlock()
}

func (m *Manager) write(rec types.ProjectMemoryRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	files := filesFor(m.dir, rec.ID)
	if err := rotate(files); err != nil {
		return err
	}
	return atomicWriteFile(files.primary, data, 0o600)
}

func (m *Manager) readFile(path string) ([]byte, error) {
	m.diskReads.Add(1)
	m.metrics.DiskRead()
	return os.ReadFile(path)
}

func (m *Manager) fresh(projectPath string) (types.ProjectMemoryRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[projectPath]
	if !ok || m.now().Sub(e.loadedAt) >= m.freshness {
		return types.ProjectMemoryRecord{}, false
	}
	return e.record.Clone(), true
}

func (m *Manager) put(projectPath string, rec types.ProjectMemoryRecord) {
	m.mu.Lock()
	m.cache[projectPath] = cacheEntry{record: rec.Clone(), loadedAt: m.now()}
	m.mu.Unlock()
}

func (m *Manager) evict(projectPath string) {
	m.mu.Lock()
	delete(m.cache, projectPath)
	m.mu.Unlock()
}

// lockPath serializes writers for one project path.
func (m *Manager) lockPath(projectPath string) func() {
	m.mu.Lock()
	l, ok := m.locks[projectPath]
	if !ok {
		l = &sync.Mutex{}
		m.locks[projectPath] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
