// Package local implements the upload store over a local directory, the
// default for single-host deployments and tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/dataloft/tabflow/pkg/source"
)

// Store serves uploads out of a root directory. Keys are slash-separated
// paths relative to the root; escaping the root is rejected.
type Store struct {
	root string
}

var _ source.Store = (*Store)(nil)

// New creates a local store rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("local store: root directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("local store: resolve root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) Fetch(ctx context.Context, key string) (io.ReadCloser, *source.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	path, err := s.resolve(key)
	if err != nil {
		return nil, nil, s.wrapError("Fetch", key, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, s.wrapError("Fetch", key, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, s.wrapError("Fetch", key, err)
	}

	return f, fileInfo(key, stat), nil
}

func (s *Store) Stat(ctx context.Context, key string) (*source.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.resolve(key)
	if err != nil {
		return nil, s.wrapError("Stat", key, err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, s.wrapError("Stat", key, err)
	}
	if stat.IsDir() {
		return nil, s.wrapError("Stat", key, fs.ErrNotExist)
	}

	return fileInfo(key, stat), nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]source.FileInfo, error) {
	var infos []source.FileInfo

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}

		stat, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, *fileInfo(key, stat))
		return nil
	})
	if err != nil {
		return nil, s.wrapError("List", prefix, err)
	}

	return infos, nil
}

func (s *Store) Close() error {
	return nil
}

// resolve maps a key onto the root, rejecting traversal outside it.
func (s *Store) resolve(key string) (string, error) {
	if key == "" {
		return "", fs.ErrNotExist
	}

	path := filepath.Join(s.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key escapes store root: %q", key)
	}
	return path, nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &source.StoreError{
		Op:     op,
		Store:  "local",
		Bucket: s.root,
		Key:    key,
		Err:    err,
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		wrapped.Err = source.ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		wrapped.Err = source.ErrAccessDenied
	}
	return wrapped
}

func fileInfo(key string, stat fs.FileInfo) *source.FileInfo {
	return &source.FileInfo{
		Key:          key,
		Size:         stat.Size(),
		LastModified: stat.ModTime().UTC(),
		ContentType:  mime.TypeByExtension(filepath.Ext(key)),
	}
}
