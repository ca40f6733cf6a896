package pathmirror

// --- ARCHITECTURAL OVERVIEW ---
// The mirror is a single-worker, depth-first walk of the source tree.
//
// For every directory level:
//  1. The source directory is listed. A listing failure aborts the whole walk,
//     because the rest of the subtree can no longer be reasoned about.
//  2. Directory children are always descended: the matching destination directory
//     is created, the child is walked, and the destination directory is removed
//     again if nothing ended up inside it (e.g. everything was filtered out).
//  3. Every other child is Lstat'ed exactly once. The same metadata feeds the filter
//     predicate and the copy, and is compared against the listing's type bits to
//     catch entries that changed underneath us.
//  4. Matching entries are reproduced by kind: regular files are copied, symlinks
//     are recreated with the same target, FIFOs and device nodes are recreated as
//     nodes. Per-entry failures are reported and the walk continues.
//
// Every entry produces exactly one report.EntryOutcome on the run's Sink.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-mirror/pkg/filter"
	"github.com/paulschiretz/pgl-mirror/pkg/fsentry"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// ErrListing wraps failures to read a source directory. They abort the walk.
var ErrListing = errors.New("cannot list directory")

const defaultBufferSizeKB = 256

// PathMirror copies a source tree into a destination tree.
type PathMirror struct {
	buffers *pool.Buffers

	metrics Metrics

	// afterList runs right after a directory has been listed. Tests use it to
	// mutate the tree between listing and processing.
	afterList func(absDir string)
}

// mirrorRun holds the state of a single Mirror call.
type mirrorRun struct {
	ctx  context.Context
	root string
	pred *filter.Predicate
	sink report.Sink
}

// NewPathMirror creates a mirror that counts into metrics. A nil metrics disables counting.
// The mirror holds no per-run state and can be reused across runs.
func NewPathMirror(bufferSizeKB int, metrics Metrics) *PathMirror {
	if bufferSizeKB <= 0 {
		bufferSizeKB = defaultBufferSizeKB
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &PathMirror{
		buffers: pool.NewBuffers(bufferSizeKB),
		metrics: metrics,
	}
}

// Mirror walks absSourcePath and reproduces every entry accepted by pred under
// absTargetPath, sending one outcome per entry to sink. The target directory must
// already exist. A nil predicate accepts everything and a nil sink discards outcomes.
// Only listing failures and cancellation are returned as errors.
func (m *PathMirror) Mirror(ctx context.Context, absSourcePath, absTargetPath string, pred *filter.Predicate, sink report.Sink) error {
	if pred == nil {
		var err error
		if pred, err = filter.Compile(filter.Spec{}); err != nil {
			return err
		}
	}
	if sink == nil {
		sink = report.NoopSink{}
	}

	plog.Info("Mirroring", "source", absSourcePath, "target", absTargetPath)

	r := &mirrorRun{ctx: ctx, root: absSourcePath, pred: pred, sink: sink}
	return m.mirrorDir(r, absSourcePath, absTargetPath)
}

func (m *PathMirror) mirrorDir(r *mirrorRun, absSrcDir, absTrgDir string) error {
	entries, err := os.ReadDir(absSrcDir)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrListing, absSrcDir, err)
	}

	if m.afterList != nil {
		m.afterList(absSrcDir)
	}

	for _, d := range entries {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		absSrcPath := filepath.Join(absSrcDir, d.Name())
		absTrgPath := filepath.Join(absTrgDir, d.Name())
		m.metrics.AddEntriesProcessed(1)

		if d.IsDir() {
			if err := m.processDirectory(r, absSrcPath, absTrgPath); err != nil {
				return err
			}
			continue
		}

		m.processEntry(r, absSrcPath, absTrgPath, fsentry.KindFromMode(d.Type()))
	}
	return nil
}

// processDirectory creates the destination directory, descends, and prunes it if it stayed empty.
// Only errors that must abort the walk are returned.
func (m *PathMirror) processDirectory(r *mirrorRun, absSrcPath, absTrgPath string) error {
	if err := os.MkdirAll(absTrgPath, util.UserWritableDirPerms); err != nil {
		m.fail(r, absSrcPath, "cannot create destination directory", fmt.Errorf("failed to create directory %s: %w", absTrgPath, err))
		return nil
	}
	m.metrics.AddDirsCreated(1)

	if err := m.mirrorDir(r, absSrcPath, absTrgPath); err != nil {
		return err
	}

	m.pruneIfEmpty(absTrgPath)
	return nil
}

func (m *PathMirror) pruneIfEmpty(absTrgPath string) {
	entries, err := os.ReadDir(absTrgPath)
	if err != nil {
		plog.Warn("Cannot inspect destination directory for pruning", "path", absTrgPath, "error", err)
		return
	}
	if len(entries) > 0 {
		return
	}
	if err := os.Remove(absTrgPath); err != nil {
		plog.Warn("Failed to prune empty destination directory", "path", absTrgPath, "error", err)
		return
	}
	plog.Debug("PRUNE", "path", absTrgPath)
	m.metrics.AddDirsPruned(1)
}

// processEntry handles one non-directory child. It never returns an error: every
// problem becomes a Failed outcome so the walk can continue.
func (m *PathMirror) processEntry(r *mirrorRun, absSrcPath, absTrgPath string, listedKind fsentry.Kind) {
	info, err := fsentry.Lstat(absSrcPath)
	if err != nil {
		m.fail(r, absSrcPath, "cannot read metadata", err)
		return
	}
	if info.Kind != listedKind {
		m.fail(r, absSrcPath, "entry changed type during walk",
			fmt.Errorf("listed as %s but found %s: %s", listedKind, info.Kind, absSrcPath))
		return
	}

	if !r.pred.Match(r.root, absSrcPath, info) {
		plog.Debug("SKIP", "path", absSrcPath)
		m.record(r, report.EntryOutcome{Path: absSrcPath, Action: report.Skipped, Reason: "filtered"})
		return
	}

	switch info.Kind {
	case fsentry.Regular:
		if err := m.copyFile(absSrcPath, absTrgPath, info); err != nil {
			m.fail(r, absSrcPath, "copy failed", err)
			return
		}
		plog.Notice("COPY", "path", absSrcPath)
		m.record(r, report.EntryOutcome{Path: absSrcPath, Action: report.Copied})

	case fsentry.Symlink:
		if err := m.recreateSymlink(absSrcPath, absTrgPath); err != nil {
			m.fail(r, absSrcPath, "symlink recreation failed", err)
			return
		}
		plog.Notice("SYMLINK", "path", absSrcPath)
		m.record(r, report.EntryOutcome{Path: absSrcPath, Action: report.SymlinkRecreated})

	case fsentry.NamedPipe, fsentry.CharDevice, fsentry.BlockDevice:
		if err := m.recreateSpecialNode(absTrgPath, info); err != nil {
			m.fail(r, absSrcPath, "special node recreation failed", err)
			return
		}
		plog.Notice("MKNOD", "path", absSrcPath, "kind", info.Kind)
		m.record(r, report.EntryOutcome{Path: absSrcPath, Action: report.SpecialNodeRecreated})

	case fsentry.Socket, fsentry.Unknown:
		plog.Warn("Skipping unsupported file type", "path", absSrcPath, "kind", info.Kind)
		m.record(r, report.EntryOutcome{Path: absSrcPath, Action: report.Skipped, Reason: "unsupported file type " + info.Kind.String()})

	case fsentry.Directory:
		// The listing reported a non-directory, so the kind check above already caught this.
		m.fail(r, absSrcPath, "unexpected directory", fmt.Errorf("%s became a directory", absSrcPath))

	default:
		m.fail(r, absSrcPath, "unknown file kind", fmt.Errorf("unhandled kind %s for %s", info.Kind, absSrcPath))
	}
}

func (m *PathMirror) record(r *mirrorRun, o report.EntryOutcome) {
	switch o.Action {
	case report.Copied:
		m.metrics.AddFilesCopied(1)
	case report.SymlinkRecreated:
		m.metrics.AddSymlinksRecreated(1)
	case report.SpecialNodeRecreated:
		m.metrics.AddSpecialNodesRecreated(1)
	case report.Skipped:
		m.metrics.AddEntriesSkipped(1)
	case report.Failed:
		m.metrics.AddEntriesFailed(1)
	}
	r.sink.Record(o)
}

func (m *PathMirror) fail(r *mirrorRun, absSrcPath, reason string, err error) {
	plog.Warn("Failed to mirror entry", "path", absSrcPath, "reason", reason, "error", err)
	m.record(r, report.EntryOutcome{Path: absSrcPath, Action: report.Failed, Reason: reason, Err: err})
}
