package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Entry is one input file handed to a codec.
type Entry struct {
	Name string
	Path string
	Info os.FileInfo
}

// Codec writes a set of entries as one compressed stream. A deployment uses a
// single codec for every archive it produces, since readers of the archive
// depend on its layout.
type Codec interface {
	Name() string
	Extension() string
	Write(w io.Writer, entries []Entry) error
}

// Codec names accepted by LookupCodec.
const (
	CodecTarGzip = "tar.gz"
	CodecGzip    = "gz"
	CodecZstd    = "zst"
)

// LookupCodec returns the codec registered under name.
func LookupCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), ".")) {
	case "", CodecTarGzip, "tgz":
		return TarGzip{}, nil
	case CodecGzip, "gzip":
		return GzipJournal{}, nil
	case CodecZstd, "zstd":
		return ZstdJournal{}, nil
	default:
		return nil, fmt.Errorf("unknown archive codec %q", name)
	}
}

// TarGzip keeps every file as a named tar entry inside a gzip stream.
type TarGzip struct{}

func (TarGzip) Name() string      { return CodecTarGzip }
func (TarGzip) Extension() string { return "tar.gz" }

func (TarGzip) Write(w io.Writer, entries []Entry) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.Name,
			Size:     e.Info.Size(),
			Mode:     0o644,
			ModTime:  e.Info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write header for %s: %w", e.Name, err)
		}
		if err := copyFile(tw, e.Path); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to close gzip stream: %w", err)
	}
	return nil
}

// GzipJournal concatenates file contents into a single gzip stream. File
// names are not kept.
type GzipJournal struct{}

func (GzipJournal) Name() string      { return CodecGzip }
func (GzipJournal) Extension() string { return "gz" }

func (GzipJournal) Write(w io.Writer, entries []Entry) error {
	gz := gzip.NewWriter(w)
	for _, e := range entries {
		if err := copyFile(gz, e.Path); err != nil {
			return err
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to close gzip stream: %w", err)
	}
	return nil
}

// ZstdJournal concatenates file contents into a single zstd stream.
type ZstdJournal struct{}

func (ZstdJournal) Name() string      { return CodecZstd }
func (ZstdJournal) Extension() string { return "zst" }

func (ZstdJournal) Write(w io.Writer, entries []Entry) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	for _, e := range entries {
		if err := copyFile(enc, e.Path); err != nil {
			enc.Close()
			return err
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to close zstd stream: %w", err)
	}
	return nil
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}
