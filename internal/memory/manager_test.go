package memory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/projmem/pkg/types"
)

type fakeAnalyzer struct {
	language  string
	framework string
}

func (f fakeAnalyzer) Describe(_ context.Context, root string) types.ProjectDescriptor {
	return types.ProjectDescriptor{
		ProjectPath:  root,
		Language:     f.language,
		Framework:    f.framework,
		Dependencies: []string{"dep"},
		Structure:    types.FileTree{"a.ts": {Type: types.NodeFile, Size: 1}},
	}
}

func (fakeAnalyzer) Stats(context.Context, string) types.ProjectStats {
	return types.ProjectStats{TotalFiles: 1, TotalLines: 1, Languages: map[string]int{"typescript": 1}}
}

type fakeInspector struct{ info *types.GitInfo }

func (f fakeInspector) Snapshot(context.Context, string) *types.GitInfo { return f.info }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *clock) {
	t.Helper()
	clk := &clock{t: time.UnixMilli(1_700_000_000_000)}
	m := NewManager(Options{
		Dir:       t.TempDir(),
		Analyzer:  fakeAnalyzer{language: "typescript", framework: "React"},
		Inspector: fakeInspector{},
		Logger:    log.NewWithOptions(io.Discard, log.Options{}),
		Now:       clk.Now,
	})
	return m, clk
}

func hi() []types.Message {
	return []types.Message{{Role: types.RoleUser, Content: "hi"}}
}

func readRecordFile(t *testing.T, path string) types.ProjectMemoryRecord {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var rec types.ProjectMemoryRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec
}

func TestRecordIDDeterministic(t *testing.T) {
	t.Parallel()
	if RecordID("/proj") != RecordID("/proj") {
		t.Fatal("RecordID() is not deterministic")
	}
	seen := map[string]string{}
	for _, p := range []string{"/proj", "/proj/", "/Proj", "/proj2", "C:\\proj", "/a/b/c", ""} {
		id := RecordID(p)
		if prev, ok := seen[id]; ok {
			t.Fatalf("RecordID(%q) collides with RecordID(%q)", p, prev)
		}
		seen[id] = p
	}
}

func TestSaveThenLoad(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	ok := m.Save(ctx, "/proj", types.ProjectState{
		ConversationHistory: hi(),
		OpenFiles:           []string{"/proj/a.ts"},
		RecentChanges:       []types.FileChange{},
	})
	if !ok {
		t.Fatal("Save() = false")
	}
	m.ClearCache()

	rec, ok := m.Load(ctx, "/proj")
	if !ok {
		t.Fatal("Load() reported absent")
	}
	if !reflect.DeepEqual(rec.ConversationHistory, hi()) {
		t.Fatalf("history = %+v", rec.ConversationHistory)
	}
	if !reflect.DeepEqual(rec.Metadata.OpenFiles, []string{"/proj/a.ts"}) {
		t.Fatalf("open files = %v", rec.Metadata.OpenFiles)
	}
	if rec.ID != RecordID("/proj") || rec.ProjectPath != "/proj" {
		t.Fatalf("unexpected identity: %s %s", rec.ID, rec.ProjectPath)
	}
	if rec.Context.Framework != "React" || rec.Metadata.ProjectStats == nil {
		t.Fatalf("derived fields missing: %+v", rec.Context)
	}
	if m.DiskReads() != 1 {
		t.Fatalf("disk reads = %d, want 1", m.DiskReads())
	}
}

func TestSaveRotatesBackups(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t)
	ctx := context.Background()
	first := hi()
	second := append(hi(), types.Message{Role: types.RoleAssistant, Content: "hello"})
	third := append(second, types.Message{Role: types.RoleUser, Content: "again"})

	if !m.Save(ctx, "/proj", types.ProjectState{ConversationHistory: first}) {
		t.Fatal("first Save() = false")
	}
	clk.Advance(time.Second)
	if !m.Save(ctx, "/proj", types.ProjectState{ConversationHistory: second}) {
		t.Fatal("second Save() = false")
	}

	files := filesFor(m.Dir(), RecordID("/proj"))
	if got := readRecordFile(t, files.backup).ConversationHistory; !reflect.DeepEqual(got, first) {
		t.Fatalf("backup history = %+v, want first save", got)
	}
	if got := readRecordFile(t, files.primary).ConversationHistory; !reflect.DeepEqual(got, second) {
		t.Fatalf("primary history = %+v, want second save", got)
	}
	if _, err := os.Stat(files.secondary); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("secondary slot should not exist yet: %v", err)
	}

	clk.Advance(time.Second)
	if !m.Save(ctx, "/proj", types.ProjectState{ConversationHistory: third}) {
		t.Fatal("third Save() = false")
	}
	if got := readRecordFile(t, files.secondary).ConversationHistory; !reflect.DeepEqual(got, first) {
		t.Fatalf("secondary history = %+v, want first save", got)
	}
	if got := readRecordFile(t, files.backup).ConversationHistory; !reflect.DeepEqual(got, second) {
		t.Fatalf("backup history = %+v, want second save", got)
	}
}

func TestLoadFallsBackToBackup(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"not json":             "{this is not json",
		"missing history":      `{"id":"x","projectPath":"/proj","timestamp":1,"context":{},"metadata":{}}`,
		"string timestamp":     `{"id":"x","projectPath":"/proj","timestamp":"1","context":{},"conversationHistory":[],"metadata":{}}`,
		"null metadata":        `{"id":"x","projectPath":"/proj","timestamp":1,"context":{},"conversationHistory":[],"metadata":null}`,
		"history is an object": `{"id":"x","projectPath":"/proj","timestamp":1,"context":{},"conversationHistory":{},"metadata":{}}`,
		"numeric project path": `{"id":"x","projectPath":7,"timestamp":1,"context":{},"conversationHistory":[],"metadata":{}}`,
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			m, clk := newTestManager(t)
			ctx := context.Background()
			if !m.Save(ctx, "/proj", types.ProjectState{ConversationHistory: hi()}) {
				t.Fatal("Save() = false")
			}
			clk.Advance(time.Second)
			if !m.Save(ctx, "/proj", types.ProjectState{}) {
				t.Fatal("Save() = false")
			}
			files := filesFor(m.Dir(), RecordID("/proj"))
			if err := os.WriteFile(files.primary, []byte(corrupt), 0o600); err != nil {
				t.Fatalf("corrupt primary: %v", err)
			}
			m.ClearCache()

			rec, ok := m.Load(ctx, "/proj")
			if !ok {
				t.Fatal("Load() reported absent, want backup contents")
			}
			if !reflect.DeepEqual(rec.ConversationHistory, hi()) {
				t.Fatalf("history = %+v, want backup history", rec.ConversationHistory)
			}
		})
	}
}

func TestLoadCorruptWithoutBackupIsAbsent(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	files := filesFor(m.Dir(), RecordID("/proj"))
	if err := os.WriteFile(files.primary, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := m.Load(context.Background(), "/proj"); ok {
		t.Fatal("Load() should report absent")
	}
}

func TestLoadMissingIsAbsent(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	if _, ok := m.Load(context.Background(), "/never-opened"); ok {
		t.Fatal("Load() should report absent")
	}
}

func TestLoadMissingPrimaryIgnoresBackup(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t)
	ctx := context.Background()
	m.Save(ctx, "/proj", types.ProjectState{ConversationHistory: hi()})
	clk.Advance(time.Second)
	m.Save(ctx, "/proj", types.ProjectState{})
	files := filesFor(m.Dir(), RecordID("/proj"))
	if err := os.Remove(files.primary); err != nil {
		t.Fatalf("remove primary: %v", err)
	}
	m.ClearCache()
	if _, ok := m.Load(ctx, "/proj"); ok {
		t.Fatal("Load() with no primary should report absent")
	}
}

func TestLoadFreshnessWindow(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t)
	ctx := context.Background()
	m.Save(ctx, "/proj", types.ProjectState{ConversationHistory: hi()})
	m.ClearCache()

	first, ok := m.Load(ctx, "/proj")
	if !ok {
		t.Fatal("first Load() absent")
	}
	reads := m.DiskReads()

	clk.Advance(DefaultFreshness - time.Second)
	second, ok := m.Load(ctx, "/proj")
	if !ok {
		t.Fatal("second Load() absent")
	}
	if m.DiskReads() != reads {
		t.Fatalf("second load read disk: %d -> %d", reads, m.DiskReads())
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("cached load differs from first load")
	}

	clk.Advance(2 * time.Second)
	if _, ok := m.Load(ctx, "/proj"); !ok {
		t.Fatal("third Load() absent")
	}
	if m.DiskReads() != reads+1 {
		t.Fatalf("load after window should read disk once: %d -> %d", reads, m.DiskReads())
	}
}

func TestLoadReturnsIndependentCopy(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()
	state := types.ProjectState{
		ConversationHistory: []types.Message{{Role: types.RoleUser, Content: "hi", Context: map[string]any{"filePath": "a.ts"}}},
		OpenFiles:           []string{"a.ts"},
		RecentChanges:       []types.FileChange{{FilePath: "a.ts", ChangeType: types.ChangeModified, Timestamp: 1}},
		UserPreferences:     &types.UserPreferences{CodeStyle: "tabs", Extra: map[string]any{"tags": []any{"x"}}},
	}
	if !m.Save(ctx, "/proj", state) {
		t.Fatal("Save() = false")
	}
	state.ConversationHistory[0].Content = "changed by caller"
	state.OpenFiles[0] = "changed by caller"

	rec, ok := m.Load(ctx, "/proj")
	if !ok {
		t.Fatal("Load() absent")
	}
	rec.ConversationHistory[0].Content = "MUTATED"
	rec.ConversationHistory[0].Context["filePath"] = "MUTATED"
	rec.Metadata.OpenFiles[0] = "MUTATED"
	rec.Metadata.RecentChanges[0].FilePath = "MUTATED"
	rec.Metadata.UserPreferences.CodeStyle = "MUTATED"
	rec.Metadata.UserPreferences.Extra["tags"].([]any)[0] = "MUTATED"
	rec.Metadata.ProjectStats.Languages["typescript"] = 99
	rec.Context.Structure["a.ts"] = types.FileNode{Type: types.NodeDirectory}
	rec.Context.Dependencies[0] = "MUTATED"

	again, ok := m.Load(ctx, "/proj")
	if !ok {
		t.Fatal("second Load() absent")
	}
	if m.DiskReads() != 0 {
		t.Fatalf("second load read disk %d times, want a cache hit", m.DiskReads())
	}
	msg := again.ConversationHistory[0]
	if msg.Content != "hi" || msg.Context["filePath"] != "a.ts" {
		t.Fatalf("history = %+v", again.ConversationHistory)
	}
	md := again.Metadata
	if md.OpenFiles[0] != "a.ts" || md.RecentChanges[0].FilePath != "a.ts" {
		t.Fatalf("metadata = %+v", md)
	}
	if md.UserPreferences.CodeStyle != "tabs" || md.UserPreferences.Extra["tags"].([]any)[0] != "x" {
		t.Fatalf("preferences = %+v", md.UserPreferences)
	}
	if md.ProjectStats.Languages["typescript"] != 1 {
		t.Fatalf("stats = %+v", md.ProjectStats)
	}
	if again.Context.Structure["a.ts"].Type != types.NodeFile || again.Context.Dependencies[0] != "dep" {
		t.Fatalf("context = %+v", again.Context)
	}
}

func TestUpdateMetadataMergesFields(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t)
	ctx := context.Background()
	prefs := &types.UserPreferences{PreferredLanguage: "go"}
	m.Save(ctx, "/proj", types.ProjectState{
		ConversationHistory: hi(),
		OpenFiles:           []string{"/proj/a.ts"},
		UserPreferences:     prefs,
	})
	before, _ := m.Load(ctx, "/proj")

	clk.Advance(time.Minute)
	opened := int64(42)
	if !m.UpdateMetadata(ctx, "/proj", types.MetadataPatch{LastOpened: &opened}) {
		t.Fatal("UpdateMetadata() = false")
	}
	m.ClearCache()

	rec, ok := m.Load(ctx, "/proj")
	if !ok {
		t.Fatal("Load() absent after update")
	}
	if rec.Metadata.LastOpened != 42 {
		t.Fatalf("lastOpened = %d, want 42", rec.Metadata.LastOpened)
	}
	if !reflect.DeepEqual(rec.Metadata.OpenFiles, []string{"/proj/a.ts"}) {
		t.Fatalf("open files lost: %v", rec.Metadata.OpenFiles)
	}
	if rec.Metadata.UserPreferences == nil || rec.Metadata.UserPreferences.PreferredLanguage != "go" {
		t.Fatalf("preferences lost: %+v", rec.Metadata.UserPreferences)
	}
	if rec.Timestamp <= before.Timestamp {
		t.Fatalf("timestamp not bumped: %d <= %d", rec.Timestamp, before.Timestamp)
	}
	if !reflect.DeepEqual(rec.ConversationHistory, hi()) {
		t.Fatalf("history changed: %+v", rec.ConversationHistory)
	}

	files := filesFor(m.Dir(), RecordID("/proj"))
	if got := readRecordFile(t, files.backup).Metadata.LastOpened; got == 42 {
		t.Fatal("backup should hold the pre-update record")
	}
}

func TestUpdateMetadataWithoutRecord(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	opened := int64(1)
	if m.UpdateMetadata(context.Background(), "/nothing", types.MetadataPatch{LastOpened: &opened}) {
		t.Fatal("UpdateMetadata() = true for missing record")
	}
}

func TestDeleteRemovesFilesAndCache(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t)
	ctx := context.Background()
	m.Save(ctx, "/proj", types.ProjectState{ConversationHistory: hi(), OpenFiles: []string{"/proj/a.ts"}})
	clk.Advance(time.Second)
	m.Save(ctx, "/proj", types.ProjectState{ConversationHistory: hi()})

	if !m.Delete(ctx, "/proj") {
		t.Fatal("Delete() = false")
	}
	files := filesFor(m.Dir(), RecordID("/proj"))
	for _, p := range []string{files.primary, files.backup, files.secondary} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s still present: %v", filepath.Base(p), err)
		}
	}
	if _, ok := m.Load(ctx, "/proj"); ok {
		t.Fatal("Load() after Delete() should report absent")
	}
	if !m.Delete(ctx, "/proj") {
		t.Fatal("second Delete() should succeed on missing files")
	}
}

func TestListSkipsCorruptAndSortsByLastOpened(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t)
	ctx := context.Background()
	for _, p := range []string{"/old", "/mid", "/new"} {
		if !m.Save(ctx, p, types.ProjectState{ConversationHistory: hi()}) {
			t.Fatalf("Save(%s) = false", p)
		}
		clk.Advance(time.Minute)
	}
	// a second save leaves a backup file that must not be listed
	m.Save(ctx, "/new", types.ProjectState{})
	if err := os.WriteFile(filepath.Join(m.Dir(), "corrupt.json"), []byte("{"), 0o600); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	got := m.List(ctx)
	var paths []string
	for _, r := range got {
		paths = append(paths, r.ProjectPath)
	}
	want := []string{"/new", "/mid", "/old"}
	if !reflect.DeepEqual(paths, want) {
		t.Fatalf("List() paths = %v, want %v", paths, want)
	}

	if r := m.Recent(ctx, 2); len(r) != 2 || r[0].ProjectPath != "/new" {
		t.Fatalf("Recent(2) = %d records", len(r))
	}
}

func TestListEmptyRoot(t *testing.T) {
	t.Parallel()
	m := NewManager(Options{Dir: filepath.Join(t.TempDir(), "missing"), Logger: log.NewWithOptions(io.Discard, log.Options{})})
	if got := m.List(context.Background()); len(got) != 0 {
		t.Fatalf("List() = %d records, want 0", len(got))
	}
}

func TestSearchMatchesPathLanguageFramework(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()
	m.Save(ctx, "/work/Shop", types.ProjectState{})

	for _, q := range []string{"shop", "TYPESCRIPT", "react", ""} {
		if got := m.Search(ctx, q); len(got) != 1 {
			t.Fatalf("Search(%q) = %d records, want 1", q, len(got))
		}
	}
	if got := m.Search(ctx, "python"); len(got) != 0 {
		t.Fatalf("Search(python) = %d records, want 0", len(got))
	}
}

func TestConcurrentSavesLeaveValidRecord(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Save(ctx, "/proj", types.ProjectState{ConversationHistory: hi()})
		}()
	}
	wg.Wait()
	m.ClearCache()
	if _, ok := m.Load(ctx, "/proj"); !ok {
		t.Fatal("Load() after concurrent saves should succeed")
	}
	files := filesFor(m.Dir(), RecordID("/proj"))
	if _, err := decodeRecord(mustRead(t, files.backup)); err != nil {
		t.Fatalf("backup invalid after concurrent saves: %v", err)
	}
}

func TestSaveFailsWhenRootIsAFile(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(root, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(Options{Dir: root, Logger: log.NewWithOptions(io.Discard, log.Options{})})
	if m.Save(context.Background(), "/proj", types.ProjectState{}) {
		t.Fatal("Save() = true with unusable storage root")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}
