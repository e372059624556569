package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Compressor wraps a writer with a compression stream.
type Compressor interface {
	Wrap(w io.Writer) (io.WriteCloser, error)
	// Type is the wire name of the codec: gzip, zstd or none.
	Type() string
	// ContentType is the MIME type of the wrapped stream.
	ContentType() string
}

// GzipCompressor compresses with stdlib gzip.
type GzipCompressor struct {
	level int
}

// NewGzipCompressor creates a gzip compressor at the given level.
func NewGzipCompressor(level int) *GzipCompressor {
	if level < gzip.DefaultCompression || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return &GzipCompressor{level: level}
}

func (c *GzipCompressor) Wrap(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, c.level)
}

func (c *GzipCompressor) Type() string { return "gzip" }

func (c *GzipCompressor) ContentType() string { return "application/gzip" }

// ZstdCompressor compresses with klauspost zstd.
type ZstdCompressor struct {
	level zstd.EncoderLevel
}

// NewZstdCompressor creates a zstd compressor. Levels map onto the
// encoder speed tiers.
func NewZstdCompressor(level int) *ZstdCompressor {
	var zlevel zstd.EncoderLevel
	switch {
	case level <= 1:
		zlevel = zstd.SpeedFastest
	case level <= 3:
		zlevel = zstd.SpeedDefault
	case level <= 5:
		zlevel = zstd.SpeedBetterCompression
	default:
		zlevel = zstd.SpeedBestCompression
	}
	return &ZstdCompressor{level: zlevel}
}

func (c *ZstdCompressor) Wrap(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(c.level))
}

func (c *ZstdCompressor) Type() string { return "zstd" }

func (c *ZstdCompressor) ContentType() string { return "application/zstd" }

// nopWriteCloser passes writes through unchanged.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NoopCompressor leaves the stream uncompressed.
type NoopCompressor struct{}

func (NoopCompressor) Wrap(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (NoopCompressor) Type() string { return "none" }

func (NoopCompressor) ContentType() string { return "application/x-tar" }

// New creates a compressor by codec name.
func New(codec string) (Compressor, error) {
	switch codec {
	case "gzip":
		return NewGzipCompressor(gzip.DefaultCompression), nil
	case "zstd", "":
		return NewZstdCompressor(3), nil
	case "none":
		return NoopCompressor{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression codec: %s", codec)
	}
}

// BuildBundle streams a compressed tar of a report document and its
// artifact directories. Files are stored under the report id so the
// bundle extracts into one directory.
func BuildBundle(w io.Writer, c Compressor, reportID, reportPath string, artifactDirs []string) error {
	cw, err := c.Wrap(w)
	if err != nil {
		return fmt.Errorf("failed to open compression stream: %w", err)
	}
	tw := tar.NewWriter(cw)

	if err := addFile(tw, reportPath, filepath.Join(reportID, "report.json")); err != nil {
		tw.Close()
		cw.Close()
		return err
	}
	for _, dir := range artifactDirs {
		base := filepath.Join(reportID, filepath.Base(dir))
		if err := addTree(tw, dir, base); err != nil {
			tw.Close()
			cw.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		cw.Close()
		return fmt.Errorf("failed to finalize bundle: %w", err)
	}
	return cw.Close()
}

func addTree(tw *tar.Writer, dir, base string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return addFile(tw, path, filepath.Join(base, rel))
	})
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open bundle entry %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(name)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
