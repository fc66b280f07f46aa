package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	primarySuffix   = ".json"
	backupSuffix    = ".backup.json"
	secondarySuffix = ".json.backup"
	tempPrefix      = ".tmp-"
)

// recordFiles names the three files kept for one project.
type recordFiles struct {
	primary   string
	backup    string
	secondary string
}

func filesFor(dir, id string) recordFiles {
	return recordFiles{
		primary:   filepath.Join(dir, id+primarySuffix),
		backup:    filepath.Join(dir, id+backupSuffix),
		secondary: filepath.Join(dir, id+secondarySuffix),
	}
}

// isPrimaryName reports whether a directory entry is a primary record file.
func isPrimaryName(name string) bool {
	return strings.HasSuffix(name, primarySuffix) &&
		!strings.Contains(name, ".backup") &&
		!strings.HasPrefix(name, ".")
}

// rotate shifts the existing backup into the secondary slot and the current
// primary into the backup slot. Missing files are skipped.
func rotate(f recordFiles) error {
	if err := copyIfExists(f.backup, f.secondary); err != nil {
		return fmt.Errorf("rotate backup: %w", err)
	}
	if err := copyIfExists(f.primary, f.backup); err != nil {
		return fmt.Errorf("rotate primary: %w", err)
	}
	return nil
}

func copyIfExists(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return atomicWriteFile(dst, b, 0o600)
}

// atomicWriteFile writes data to a temp file in the target directory, syncs
// it and renames it over path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	f, err := os.CreateTemp(dir, tempPrefix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	ok = true
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
