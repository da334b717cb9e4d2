// Package filesystem maps expansion file names onto the on-disk layout and
// answers storage questions the transfer engine asks before and during a write.
package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// TempSuffix is appended to the final path while a file is being transferred.
const TempSuffix = ".tmp"

const dirPerm = 0o755

// Layout places expansion files at <Root>/Android/obb/<PackageName>/<fileName>.
type Layout struct {
	Root        string
	PackageName string
}

// Dir is the directory holding the package's expansion files.
func (l Layout) Dir() string {
	return filepath.Join(l.Root, "Android", "obb", l.PackageName)
}

// FinalPath is where a completed file lives.
func (l Layout) FinalPath(fileName string) string {
	return filepath.Join(l.Dir(), fileName)
}

// TempPath is where a file lives while it is being transferred.
func (l Layout) TempPath(fileName string) string {
	return l.FinalPath(fileName) + TempSuffix
}

// ValidTempPath reports whether path is a temp file directly inside Dir.
func (l Layout) ValidTempPath(path string) bool {
	if !strings.HasSuffix(path, TempSuffix) {
		return false
	}

	name := strings.TrimSuffix(filepath.Base(path), TempSuffix)
	if name == "" || name == "." || name == ".." {
		return false
	}

	return filepath.Clean(filepath.Dir(path)) == filepath.Clean(l.Dir())
}

// EnsureDir creates the package directory if it does not exist yet.
func (l Layout) EnsureDir() error {
	if err := os.MkdirAll(l.Dir(), dirPerm); err != nil {
		return fmt.Errorf("failed to create expansion directory: %w", err)
	}

	return nil
}

// FileExists reports whether the final file exists with exactly size bytes.
// A negative size only checks for presence.
func (l Layout) FileExists(fileName string, size int64) bool {
	info, err := os.Stat(l.FinalPath(fileName))
	if err != nil || info.IsDir() {
		return false
	}

	return size < 0 || info.Size() == size
}

// Remove deletes the final file and its temp file; missing files are ignored.
func (l Layout) Remove(fileName string) error {
	for _, p := range []string{l.FinalPath(fileName), l.TempPath(fileName)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(p), err)
		}
	}

	return nil
}
