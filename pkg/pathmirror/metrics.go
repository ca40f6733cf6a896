package pathmirror

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Metrics defines the interface for collecting and reporting mirror statistics.
type Metrics interface {
	AddFilesCopied(n int64)
	AddSymlinksRecreated(n int64)
	AddSpecialNodesRecreated(n int64)
	AddEntriesSkipped(n int64)
	AddEntriesFailed(n int64)
	AddBytesWritten(n int64)
	AddDirsCreated(n int64)
	AddDirsPruned(n int64)
	AddEntriesProcessed(n int64)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// MirrorMetrics holds the atomic counters for tracking a mirror run's progress.
// It is the concrete implementation of the Metrics interface.
type MirrorMetrics struct {
	FilesCopied           atomic.Int64
	SymlinksRecreated     atomic.Int64
	SpecialNodesRecreated atomic.Int64
	EntriesSkipped        atomic.Int64
	EntriesFailed         atomic.Int64
	BytesWritten          atomic.Int64
	DirsCreated           atomic.Int64
	DirsPruned            atomic.Int64
	EntriesProcessed      atomic.Int64

	stopChan  chan struct{}
	startTime time.Time
}

func (m *MirrorMetrics) AddFilesCopied(n int64)           { m.FilesCopied.Add(n) }
func (m *MirrorMetrics) AddSymlinksRecreated(n int64)     { m.SymlinksRecreated.Add(n) }
func (m *MirrorMetrics) AddSpecialNodesRecreated(n int64) { m.SpecialNodesRecreated.Add(n) }
func (m *MirrorMetrics) AddEntriesSkipped(n int64)        { m.EntriesSkipped.Add(n) }
func (m *MirrorMetrics) AddEntriesFailed(n int64)         { m.EntriesFailed.Add(n) }
func (m *MirrorMetrics) AddBytesWritten(n int64)          { m.BytesWritten.Add(n) }
func (m *MirrorMetrics) AddDirsCreated(n int64)           { m.DirsCreated.Add(n) }
func (m *MirrorMetrics) AddDirsPruned(n int64)            { m.DirsPruned.Add(n) }
func (m *MirrorMetrics) AddEntriesProcessed(n int64)      { m.EntriesProcessed.Add(n) }

func (m *MirrorMetrics) StartProgress(msg string, interval time.Duration) {
	m.startTime = time.Now()
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

func (m *MirrorMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary prints a summary of the mirror run with a custom message.
// This can be called by a background ticker or at the end of the run.
func (m *MirrorMetrics) LogSummary(msg string) {
	duration := time.Duration(0)
	if !m.startTime.IsZero() {
		duration = time.Since(m.startTime)
	}

	plog.Info(msg,
		"entries_processed", m.EntriesProcessed.Load(),
		"bytes_written", util.ByteCountIEC(m.BytesWritten.Load()),
		"files_copied", m.FilesCopied.Load(),
		"symlinks_recreated", m.SymlinksRecreated.Load(),
		"special_nodes_recreated", m.SpecialNodesRecreated.Load(),
		"entries_skipped", m.EntriesSkipped.Load(),
		"entries_failed", m.EntriesFailed.Load(),
		"dirs_created", m.DirsCreated.Load(),
		"dirs_pruned", m.DirsPruned.Load(),
		"duration", duration.Round(time.Millisecond),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesCopied(n int64)                           {}
func (m *NoopMetrics) AddSymlinksRecreated(n int64)                     {}
func (m *NoopMetrics) AddSpecialNodesRecreated(n int64)                 {}
func (m *NoopMetrics) AddEntriesSkipped(n int64)                        {}
func (m *NoopMetrics) AddEntriesFailed(n int64)                         {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) AddDirsCreated(n int64)                           {}
func (m *NoopMetrics) AddDirsPruned(n int64)                            {}
func (m *NoopMetrics) AddEntriesProcessed(n int64)                      {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*MirrorMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
