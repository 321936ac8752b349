// Package storage writes received files into a download directory without
// overwriting existing files.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	maxCreateAttempts = 1000
)

// ErrInvalidName is returned for file names that do not name a regular file.
var ErrInvalidName = errors.New("invalid file name")

// EnsureDir creates path and its parents if they do not exist.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// UniquePath returns dir/name, or dir/stem_N.ext for the smallest N >= 1
// that does not exist yet.
func UniquePath(dir, name string) (string, error) {
	for i := 0; i < maxCreateAttempts; i++ {
		path := filepath.Join(dir, numbered(name, i))
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			return path, nil
		} else if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("no free name for %q in %s", name, dir)
}

func numbered(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + strconv.Itoa(n) + ext
}

// SafeName reduces a peer-supplied file name to its final path element.
func SafeName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	switch base {
	case "", ".", "..", "/":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}

// Store creates received files inside one directory.
type Store struct {
	dir string
}

// New creates a Store rooted at dir, creating dir if needed.
func New(dir string) (*Store, error) {
	if err := EnsureDir(dir); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Dir returns the download directory.
func (s *Store) Dir() string {
	return s.dir
}

// Create opens a new file for name inside the store and returns it with its
// path. The name is chosen by UniquePath and created exclusively, so an
// existing file is never truncated even when another writer takes the same
// name first.
func (s *Store) Create(name string) (io.WriteCloser, string, error) {
	base, err := SafeName(name)
	if err != nil {
		return nil, "", err
	}
	for i := 0; i < maxCreateAttempts; i++ {
		path, err := UniquePath(s.dir, base)
		if err != nil {
			return nil, "", err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to create %s: %w", path, err)
		}
		return f, path, nil
	}
	return nil, "", fmt.Errorf("no free name for %q in %s", base, s.dir)
}

// Remove deletes a partial file left by a failed transfer. Paths outside the
// store are refused.
func (s *Store) Remove(path string) error {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == "." || filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %s is outside %s", ErrInvalidName, path, s.dir)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
