// Package blob stores fetched clip binaries on the local filesystem under
// slash separated keys such as "<jobID>/clip_1.bin".
package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a key has no stored object.
var ErrNotFound = errors.New("blob not found")

// Store is the subset of blob operations the pipeline needs.
type Store interface {
	Put(key string, r io.Reader) (int64, error)
	Open(key string) (*os.File, error)
	Exists(key string) bool
	RemoveAll(prefix string) error
}

// LocalFS keeps blobs as plain files below Root.
type LocalFS struct {
	Root string
}

// NewLocalFS creates root if needed.
func NewLocalFS(root string) (*LocalFS, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &LocalFS{Root: root}, nil
}

// ClipKey is the key of clip index for jobID.
func ClipKey(jobID string, index int) string {
	return fmt.Sprintf("%s/clip_%d.bin", jobID, index)
}

func (s *LocalFS) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.Root, filepath.FromSlash(clean[1:])), nil
}

// Put writes r to key through a temp file and rename, so readers never see
// a partial object.
func (s *LocalFS) Put(key string, r io.Reader) (int64, error) {
	dst, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".part-*")
	if err != nil {
		return 0, fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return n, fmt.Errorf("write blob %s: %w", key, err)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return n, fmt.Errorf("commit blob %s: %w", key, err)
	}
	return n, nil
}

// Open returns the stored file for key.
func (s *LocalFS) Open(key string) (*os.File, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return f, err
}

func (s *LocalFS) Exists(key string) bool {
	p, err := s.resolve(key)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// RemoveAll deletes every blob under prefix. Removing a missing prefix is
// not an error.
func (s *LocalFS) RemoveAll(prefix string) error {
	p, err := s.resolve(prefix)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}
