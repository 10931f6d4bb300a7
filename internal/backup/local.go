package backup

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

var ErrInvalidPattern = errors.New("invalid file pattern")

// LocalFile is a regular file in the backup directory, stat'ed at listing time
type LocalFile struct {
	// Name is the slash separated path relative to the backup directory. It is also the
	// object name under the destination prefix.
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// LocalDir is the directory holding the backups to rotate
type LocalDir struct {
	root string
}

func NewLocalDir(root string) *LocalDir {
	return &LocalDir{root: root}
}

// List returns the regular files matching pattern, most recently modified first.
// Files with the same modification time are ordered by name.
//
// Hidden files are skipped unless the pattern itself starts with a dot.
func (d *LocalDir) List(pattern string) ([]*LocalFile, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}

	info, err := os.Stat(d.root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", d.root)
	}

	matches, err := doublestar.Glob(os.DirFS(d.root), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}

	withHidden := strings.HasPrefix(pattern, ".")
	files := make([]*LocalFile, 0, len(matches))
	for _, name := range matches {
		if !withHidden && strings.HasPrefix(path.Base(name), ".") {
			continue
		}

		fullPath := filepath.Join(d.root, filepath.FromSlash(name))
		info, err := os.Stat(fullPath)
		if errors.Is(err, fs.ErrNotExist) {
			// removed between glob and stat
			continue
		} else if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() {
			continue
		}

		files = append(files, &LocalFile{
			Name:    name,
			Path:    fullPath,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	SortByRecency(files)
	return files, nil
}

// Remove deletes a listed file
func (d *LocalDir) Remove(file *LocalFile) error {
	return os.Remove(file.Path)
}

// SortByRecency orders files by modification time, newest first, then by name
func SortByRecency(files []*LocalFile) {
	slices.SortStableFunc(files, func(a, b *LocalFile) int {
		if c := b.ModTime.Compare(a.ModTime); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
}
