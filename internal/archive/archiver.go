// Package archive turns a directory of staged log files into a single
// compressed archive file.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNothingToArchive is returned when a directory holds no non-empty regular files.
var ErrNothingToArchive = errors.New("no non-empty files to archive")

// CompressionError reports a failure building the local archive.
type CompressionError struct {
	Dir    string
	Output string
	Err    error
}

func (e *CompressionError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("compress %s: %v", e.Dir, e.Err)
	}
	return fmt.Sprintf("compress %s into %s: %v", e.Dir, e.Output, e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// Archiver writes archives with one fixed codec.
type Archiver struct {
	codec Codec
}

// New creates an Archiver for codec.
func New(codec Codec) *Archiver {
	return &Archiver{codec: codec}
}

// FileName returns the archive file name for baseName.
func (a *Archiver) FileName(baseName string) string {
	return baseName + "." + a.codec.Extension()
}

// Compress archives every non-empty regular file directly under stagingDir
// into <outDir>/<baseName>.<ext> and returns the path. Subdirectories are not
// descended into. outDir must lie outside stagingDir so the archive never
// summarises itself. A partial output is removed on failure.
func (a *Archiver) Compress(stagingDir, outDir, baseName string) (string, error) {
	if inside(stagingDir, outDir) {
		return "", &CompressionError{Dir: stagingDir, Err: fmt.Errorf("output directory %s is inside the staging directory", outDir)}
	}

	entries, err := collect(stagingDir)
	if err != nil {
		return "", &CompressionError{Dir: stagingDir, Err: err}
	}
	if len(entries) == 0 {
		return "", &CompressionError{Dir: stagingDir, Err: ErrNothingToArchive}
	}

	output := filepath.Join(outDir, a.FileName(baseName))
	f, err := os.Create(output)
	if err != nil {
		return "", &CompressionError{Dir: stagingDir, Output: output, Err: err}
	}

	if err := a.codec.Write(f, entries); err != nil {
		f.Close()
		os.Remove(output)
		return "", &CompressionError{Dir: stagingDir, Output: output, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(output)
		return "", &CompressionError{Dir: stagingDir, Output: output, Err: err}
	}

	return output, nil
}

// collect lists the qualifying files in name order.
func collect(dir string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", de.Name(), err)
		}
		// zero-byte logs carry nothing
		if info.Size() == 0 {
			continue
		}
		entries = append(entries, Entry{
			Name: de.Name(),
			Path: filepath.Join(dir, de.Name()),
			Info: info,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func inside(parent, child string) bool {
	p, err := filepath.Abs(parent)
	if err != nil {
		return false
	}
	c, err := filepath.Abs(child)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(p, c)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
