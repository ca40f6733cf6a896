// --- ARCHITECTURAL OVERVIEW: Archive Strategy ---
//
// Archive mode packs the whole source tree into a single file in the destination
// directory. The walk is sequential: entries land in the tar stream in walk order
// and no filtering is applied.
//
// The stream is layered as: tar writer -> codec (none, pgzip, or zstd) -> bufio ->
// temp file. On success the layers are closed innermost first and the temp file is
// renamed onto the final archive name, so a half-written archive never appears
// under that name. Any error removes the temp file and aborts.

// Package pathcompression writes a source tree into a tar, tar.gz, or tar.zst archive.
package pathcompression

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
)

// ErrArchive wraps every failure to produce an archive.
var ErrArchive = errors.New("archive failed")

const defaultBufferSizeKB = 256

type PathCompressor struct {
	buffers *pool.Buffers
	metrics Metrics
}

// NewPathCompressor creates a new PathCompressor. A nil metrics disables counting.
func NewPathCompressor(bufferSizeKB int, metrics Metrics) *PathCompressor {
	if bufferSizeKB <= 0 {
		bufferSizeKB = defaultBufferSizeKB
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &PathCompressor{
		buffers: pool.NewBuffers(bufferSizeKB),
		metrics: metrics,
	}
}

// Compress archives absSourcePath into absTargetDir and returns the archive's path.
// The archive is named after the format, see Format.ArchiveName.
func (c *PathCompressor) Compress(ctx context.Context, absSourcePath, absTargetDir string, format Format, level Level) (string, error) {
	// Check for cancellation
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	if _, ok := formatToString[format]; !ok {
		return "", fmt.Errorf("%w: unsupported archive format %q", ErrArchive, string(format))
	}

	absArchivePath := filepath.Join(absTargetDir, format.ArchiveName())
	start := time.Now()

	tc := newTarCompressor(format, level, c.buffers, c.metrics)
	if err := tc.Compress(ctx, absSourcePath, absArchivePath); err != nil {
		c.metrics.AddArchivesFailed(1)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %w", ErrArchive, absArchivePath, err)
	}

	c.metrics.AddArchivesCreated(1)
	plog.Info("Archive written", "path", absArchivePath, "format", format, "level", level, "duration", time.Since(start).Round(time.Millisecond))
	return absArchivePath, nil
}
