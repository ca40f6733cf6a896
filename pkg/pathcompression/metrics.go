package pathcompression

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Metrics defines the interface for collecting and reporting archive statistics.
type Metrics interface {
	AddArchivesCreated(n int64)
	AddArchivesFailed(n int64)
	AddOriginalBytes(n int64)
	AddCompressedBytes(n int64)
	AddEntriesProcessed(n int64)
	AddEntriesSkipped(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// CompressionMetrics holds the atomic counters for tracking the archive operation's progress.
// It is the concrete implementation of the Metrics interface.
type CompressionMetrics struct {
	ArchivesCreated  atomic.Int64
	ArchivesFailed   atomic.Int64
	OriginalBytes    atomic.Int64
	CompressedBytes  atomic.Int64
	EntriesProcessed atomic.Int64
	EntriesSkipped   atomic.Int64

	stopChan chan struct{}
}

func (m *CompressionMetrics) AddArchivesCreated(n int64)  { m.ArchivesCreated.Add(n) }
func (m *CompressionMetrics) AddArchivesFailed(n int64)   { m.ArchivesFailed.Add(n) }
func (m *CompressionMetrics) AddOriginalBytes(n int64)    { m.OriginalBytes.Add(n) }
func (m *CompressionMetrics) AddCompressedBytes(n int64)  { m.CompressedBytes.Add(n) }
func (m *CompressionMetrics) AddEntriesProcessed(n int64) { m.EntriesProcessed.Add(n) }
func (m *CompressionMetrics) AddEntriesSkipped(n int64)   { m.EntriesSkipped.Add(n) }

func (m *CompressionMetrics) StartProgress(msg string, interval time.Duration) {
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *CompressionMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary logs the current state of the metrics.
func (m *CompressionMetrics) LogSummary(msg string) {
	orig := m.OriginalBytes.Load()
	comp := m.CompressedBytes.Load()

	// Calculate compression ratio (avoid division by zero)
	var ratio float64
	if orig > 0 {
		ratio = float64(comp) / float64(orig) * 100.0
	}

	plog.Info(msg,
		"entries_processed", m.EntriesProcessed.Load(),
		"entries_skipped", m.EntriesSkipped.Load(),
		"archives_created", m.ArchivesCreated.Load(),
		"archives_failed", m.ArchivesFailed.Load(),
		"original_size", util.ByteCountIEC(orig),
		"archive_size", util.ByteCountIEC(comp),
		"ratio_pct", fmt.Sprintf("%.2f%%", ratio),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddArchivesCreated(n int64)                       {}
func (m *NoopMetrics) AddArchivesFailed(n int64)                        {}
func (m *NoopMetrics) AddOriginalBytes(n int64)                         {}
func (m *NoopMetrics) AddCompressedBytes(n int64)                       {}
func (m *NoopMetrics) AddEntriesProcessed(n int64)                      {}
func (m *NoopMetrics) AddEntriesSkipped(n int64)                        {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*CompressionMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
