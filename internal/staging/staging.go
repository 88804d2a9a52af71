// Package staging provides the per-run local working directories that hold
// downloaded log objects and the archive built from them.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andresuchdata/logarchiver/internal/storage"
)

// ResourceError reports a local filesystem allocation or write failure.
type ResourceError struct {
	Op   string
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("staging %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// File is one staged copy of a remote object.
type File struct {
	Name string
	Path string
	Size int64
}

// Area is a fresh temporary directory owned by a single run.
type Area struct {
	dir string

	mu       sync.Mutex
	released bool
}

// Acquire creates a new empty directory under baseDir (the OS temp dir when
// empty) whose name starts with pattern.
func Acquire(baseDir, pattern string) (*Area, error) {
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, &ResourceError{Op: "acquire", Path: baseDir, Err: err}
		}
	}
	dir, err := os.MkdirTemp(baseDir, pattern)
	if err != nil {
		return nil, &ResourceError{Op: "acquire", Path: baseDir, Err: err}
	}
	return &Area{dir: dir}, nil
}

// Dir returns the directory path.
func (a *Area) Dir() string {
	return a.dir
}

// Release removes the directory and everything in it. Calling it more than
// once is harmless.
func (a *Area) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	a.released = true
	if err := os.RemoveAll(a.dir); err != nil {
		return &ResourceError{Op: "release", Path: a.dir, Err: err}
	}
	return nil
}

// Write stages one object under its name relative to sourcePrefix. The name is
// claimed with an exclusive create before fetch fills it in, so two objects can
// never end up sharing a staged file.
func (a *Area) Write(obj storage.ObjectInfo, sourcePrefix string, fetch func(path string) error) (File, error) {
	name := RelativeName(obj.Key, sourcePrefix)
	if name == "" || name == "." || name == ".." {
		return File{}, &ResourceError{Op: "write", Path: obj.Key, Err: fmt.Errorf("object key yields no file name")}
	}
	p := filepath.Join(a.dir, name)

	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return File{}, &ResourceError{Op: "write", Path: p, Err: fmt.Errorf("staged name %q already taken", name)}
		}
		return File{}, &ResourceError{Op: "write", Path: p, Err: err}
	}
	if err := f.Close(); err != nil {
		return File{}, &ResourceError{Op: "write", Path: p, Err: err}
	}

	if err := fetch(p); err != nil {
		return File{}, err
	}

	info, err := os.Stat(p)
	if err != nil {
		return File{}, &ResourceError{Op: "write", Path: p, Err: err}
	}
	return File{Name: name, Path: p, Size: info.Size()}, nil
}

// Remove deletes a single file from the area. A missing file is not an error.
func (a *Area) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &ResourceError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// RelativeName derives the staged file name for key: the source prefix is
// stripped, leading slashes dropped and any remaining path separators
// flattened so every staged file sits directly in the area.
func RelativeName(key, prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	name := strings.TrimPrefix(key, prefix)
	name = strings.TrimLeft(name, "/")
	if name == "" {
		name = filepath.Base(key)
	}
	return strings.ReplaceAll(name, "/", "_")
}
