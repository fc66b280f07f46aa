// Package analyzer builds best-effort descriptions of project directories.
//
// Nothing in this package fails hard. Unreadable directories and broken
// manifests are skipped and recorded in a Report so callers and tests can
// see what was degraded.
package analyzer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/xiy/projmem/pkg/types"
)

// DefaultDepth bounds the tree built by Describe.
const DefaultDepth = 3

// skipDirs are never descended into by Describe or Stats.
var skipDirs = map[string]struct{}{
	"node_modules": {},
	"dist":         {},
	"build":        {},
	"out":          {},
	"__pycache__":  {},
	"venv":         {},
}

// Skipped reports whether a directory entry is excluded from analysis.
// Hidden entries are always skipped.
func Skipped(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := skipDirs[name]
	return ok
}

// Report lists the parts of an analysis that were degraded.
type Report struct {
	SkippedDirs    []string
	ManifestErrors map[string]string
}

// Degraded reports whether anything was skipped.
func (r Report) Degraded() bool {
	return len(r.SkippedDirs) > 0 || len(r.ManifestErrors) > 0
}

func (r *Report) manifestError(name string, err error) {
	if r.ManifestErrors == nil {
		r.ManifestErrors = map[string]string{}
	}
	r.ManifestErrors[name] = err.Error()
}

// Analyzer describes project directories.
type Analyzer struct {
	depth  int
	logger *log.Logger
}

// New returns an analyzer with the given tree depth. Non-positive depth
// falls back to DefaultDepth.
func New(depth int, logger *log.Logger) *Analyzer {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Analyzer{depth: depth, logger: logger}
}

// Describe returns the descriptor for root. It never fails.
func (a *Analyzer) Describe(ctx context.Context, root string) types.ProjectDescriptor {
	d, _ := a.Analyze(ctx, root)
	return d
}

// Analyze is Describe plus the report of skipped work.
func (a *Analyzer) Analyze(ctx context.Context, root string) (types.ProjectDescriptor, Report) {
	var rep Report
	tree := a.walkTree(ctx, root, 0, &rep)

	m := readManifests(root, &rep)
	d := types.ProjectDescriptor{
		ProjectPath:   root,
		Language:      primaryLanguage(tree),
		Framework:     m.framework(),
		Dependencies:  m.dependencies(),
		Structure:     tree,
		OpenFiles:     []string{},
		RecentChanges: []types.FileChange{},
	}
	if rep.Degraded() && a.logger != nil {
		a.logger.Debug("project analysis degraded", "project", root, "skipped_dirs", len(rep.SkippedDirs), "manifest_errors", len(rep.ManifestErrors))
	}
	return d, rep
}

func (a *Analyzer) walkTree(ctx context.Context, dir string, depth int, rep *Report) types.FileTree {
	tree := types.FileTree{}
	if depth >= a.depth || ctx.Err() != nil {
		return tree
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		rep.SkippedDirs = append(rep.SkippedDirs, dir)
		return tree
	}
	for _, e := range entries {
		name := e.Name()
		if Skipped(name) {
			continue
		}
		full := filepath.Join(dir, name)
		info, err := e.Info()
		if err != nil {
			continue
		}
		if e.IsDir() {
			tree[name] = types.FileNode{
				Type:     types.NodeDirectory,
				Children: a.walkTree(ctx, full, depth+1, rep),
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		tree[name] = types.FileNode{
			Type:         types.NodeFile,
			LastModified: info.ModTime().UnixMilli(),
			Size:         info.Size(),
		}
	}
	return tree
}

// codeLanguages maps source extensions to the language used to pick the
// primary language of a project.
var codeLanguages = map[string]string{
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".java":  "java",
	".cs":    "csharp",
	".cpp":   "cpp",
	".c":     "c",
	".go":    "go",
	".rs":    "rust",
	".php":   "php",
	".rb":    "ruby",
	".swift": "swift",
	".kt":    "kotlin",
}

// statLanguages extends codeLanguages with markup and data formats for the
// Stats histogram.
var statLanguages = func() map[string]string {
	m := map[string]string{
		".html": "html",
		".css":  "css",
		".scss": "scss",
		".json": "json",
		".xml":  "xml",
		".md":   "markdown",
	}
	for k, v := range codeLanguages {
		m[k] = v
	}
	return m
}()

func primaryLanguage(tree types.FileTree) string {
	counts := map[string]int{}
	countTree(tree, counts)
	best, bestN := "unknown", 0
	for lang, n := range counts {
		if n > bestN || (n == bestN && lang < best) {
			best, bestN = lang, n
		}
	}
	return best
}

func countTree(tree types.FileTree, counts map[string]int) {
	for name, node := range tree {
		if node.Type == types.NodeDirectory {
			countTree(node.Children, counts)
			continue
		}
		if lang, ok := codeLanguages[strings.ToLower(filepath.Ext(name))]; ok {
			counts[lang]++
		}
	}
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
