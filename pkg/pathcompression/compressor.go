package pathcompression

import (
	"fmt"
	"io"
	"os"
)

// compressMetricWriter wraps an io.Writer and counts the bytes that reach the archive file.
type compressMetricWriter struct {
	w       io.Writer
	metrics Metrics
}

func (mw *compressMetricWriter) Write(p []byte) (n int, err error) {
	n, err = mw.w.Write(p)
	if n > 0 {
		mw.metrics.AddCompressedBytes(int64(n))
	}
	return
}

// nopWriteCloser lets the plain tar format share the compressor close chain.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// secureFileOpen verifies that the file at path is the same one we expected (TOCTOU check).
// Ensure the file we opened is the same one we discovered in the walk.
// This prevents attacks where a file is swapped for a symlink after discovery.
func secureFileOpen(absFilePath string, expected os.FileInfo) (*os.File, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, err
	}

	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat opened file: %w", err)
	}

	// 1. Check if it's the same physical file (Inode check)
	if !os.SameFile(expected, openedInfo) {
		f.Close()
		return nil, fmt.Errorf("file changed during archiving (TOCTOU): %s", absFilePath)
	}

	// 2. The header already carries the size, a different size would corrupt the archive.
	if openedInfo.Size() != expected.Size() {
		f.Close()
		return nil, fmt.Errorf("file size changed during archiving: %s", absFilePath)
	}

	return f, nil
}
