package analyzer

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xiy/projmem/pkg/types"
)

// maxTextFile caps the size of files read for line counting.
const maxTextFile = 8 << 20

// Stats walks the whole tree under root with no depth bound and counts files,
// text lines and a language histogram. Unreadable or binary files still count
// as files but contribute no lines. It never fails.
func (a *Analyzer) Stats(ctx context.Context, root string) types.ProjectStats {
	st := types.ProjectStats{Languages: map[string]int{}}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if Skipped(name) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}

		st.TotalFiles++
		lang, ok := statLanguages[strings.ToLower(filepath.Ext(name))]
		if !ok {
			lang = "other"
		}
		st.Languages[lang]++
		st.TotalLines += countLines(path)
		return nil
	})
	return st
}

// countLines returns the number of lines in a UTF-8 text file, or 0 when the
// file cannot be read or looks binary.
func countLines(path string) int {
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxTextFile {
		return 0
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	if bytes.IndexByte(b, 0) >= 0 || !utf8.Valid(b) {
		return 0
	}
	return bytes.Count(b, []byte{'\n'}) + 1
}
