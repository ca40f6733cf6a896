package pathcompression

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-mirror/pkg/fsentry"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

type tarCompressor struct {
	buffers *pool.Buffers

	format  Format
	level   Level
	tw      *tar.Writer
	metrics Metrics

	// ctx is the cancellable context for the entire run.
	ctx context.Context

	src  string
	trgF *os.File
}

func newTarCompressor(format Format, level Level, buffers *pool.Buffers, metrics Metrics) *tarCompressor {
	return &tarCompressor{
		format:  format,
		level:   level,
		buffers: buffers,
		metrics: metrics,
	}
}

func (c *tarCompressor) Compress(ctx context.Context, absSourcePath, absArchiveFilePath string) (retErr error) {
	plog.Notice("ARCHIVE", "source", absSourcePath, "archive", absArchiveFilePath)

	var err error
	c.ctx = ctx
	c.src = absSourcePath

	// 1. Create Temp File
	c.trgF, err = os.CreateTemp(filepath.Dir(absArchiveFilePath), ".pgl-mirror-archive-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempTrgPath := c.trgF.Name()

	// Ensure cleanup on error
	defer func() {
		if retErr != nil {
			c.trgF.Close()
			os.Remove(tempTrgPath)
		}
	}()

	// 2. Write Archive Content
	if err := c.handleTar(); err != nil {
		return err
	}

	// 3. Close explicitly
	if err := c.trgF.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// 4. Atomic Rename
	if err := os.Rename(tempTrgPath, absArchiveFilePath); err != nil {
		return fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}

	return nil
}

// newCompressedWriter puts the configured codec between the tar stream and w.
func (c *tarCompressor) newCompressedWriter(w io.Writer) (io.WriteCloser, error) {
	switch c.format {
	case TarZst:
		zstdWriter, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level.zstdLevel()))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zstdWriter, nil
	case TarGz:
		pgzipWriter, err := pgzip.NewWriterLevel(w, c.level.gzipLevel())
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return pgzipWriter, nil
	case Tar:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported archive format: %s", c.format)
	}
}

func (c *tarCompressor) handleTar() (retErr error) {
	mw := &compressMetricWriter{w: c.trgF, metrics: c.metrics}
	bufWriter := bufio.NewWriterSize(mw, c.buffers.Size())

	compressedWriter, err := c.newCompressedWriter(bufWriter)
	if err != nil {
		return err
	}

	tarWriter := tar.NewWriter(compressedWriter)
	c.tw = tarWriter

	// Close in order: tar trailer, codec frame, buffered bytes.
	defer func() {
		if err := tarWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	bufPtr := c.buffers.Get()
	defer c.buffers.Put(bufPtr)

	return filepath.WalkDir(c.src, func(absSrcPath string, d fs.DirEntry, walkErr error) error {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		if walkErr != nil {
			return fmt.Errorf("failed to walk %s: %w", absSrcPath, walkErr)
		}

		// The source root itself is not an entry.
		if absSrcPath == c.src {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info for %s: %w", absSrcPath, err)
		}

		relPathKey, err := filepath.Rel(c.src, absSrcPath)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", absSrcPath, err)
		}
		relPathKey = util.NormalizePath(relPathKey)

		c.metrics.AddEntriesProcessed(1)
		return c.writeEntry(absSrcPath, relPathKey, info, *bufPtr)
	})
}

// writeEntry appends one walked entry to the tar stream according to its kind.
func (c *tarCompressor) writeEntry(absSrcPath, relPathKey string, info os.FileInfo, buf []byte) error {
	switch kind := fsentry.KindFromMode(info.Mode()); kind {
	case fsentry.Directory:
		return c.writeHeader(relPathKey+"/", info, "")

	case fsentry.Regular:
		plog.Debug("ADD", "file", relPathKey)
		return c.writeFile(absSrcPath, relPathKey, info, buf)

	case fsentry.Symlink:
		linkTarget, err := os.Readlink(absSrcPath)
		if err != nil {
			return fmt.Errorf("failed to read link %s: %w", absSrcPath, err)
		}
		return c.writeHeader(relPathKey, info, linkTarget)

	case fsentry.NamedPipe, fsentry.CharDevice, fsentry.BlockDevice:
		// Header only, the device numbers travel in the header.
		return c.writeHeader(relPathKey, info, "")

	case fsentry.Socket, fsentry.Unknown:
		plog.Warn("Skipping unsupported file type in archive", "path", absSrcPath, "kind", kind)
		c.metrics.AddEntriesSkipped(1)
		return nil

	default:
		return fmt.Errorf("unhandled file kind %s for %s", kind, absSrcPath)
	}
}

func (c *tarCompressor) writeHeader(name string, info os.FileInfo, linkTarget string) error {
	header, err := tar.FileInfoHeader(info, linkTarget)
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", name, err)
	}
	header.Name = name
	if err := c.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", name, err)
	}
	return nil
}

func (c *tarCompressor) writeFile(absSrcPath, relPathKey string, info os.FileInfo, buf []byte) error {
	// 1. Open File (Securely)
	fileToTar, err := secureFileOpen(absSrcPath, info)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", absSrcPath, err)
	}
	defer fileToTar.Close()

	// 2. Write Header
	if err := c.writeHeader(relPathKey, info, ""); err != nil {
		return err
	}

	// 3. Stream content. LimitReader keeps a growing file from overrunning its header.
	n, err := io.CopyBuffer(c.tw, io.LimitReader(fileToTar, info.Size()), buf)
	if err != nil {
		return fmt.Errorf("failed to write %s into archive: %w", absSrcPath, err)
	}
	if n != info.Size() {
		return fmt.Errorf("file %s shrank during archiving: wrote %d of %d bytes", absSrcPath, n, info.Size())
	}
	c.metrics.AddOriginalBytes(n)
	return nil
}
