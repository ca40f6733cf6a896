package engine

// --- ARCHITECTURAL OVERVIEW ---
//
// A run goes through four stages, each of which can end it:
//
//  1. Configuration: the request is resolved into absolute paths, a compiled filter
//     predicate and an archive format. Errors wrap ErrConfig and no file is touched.
//  2. Validation: preflight checks the paths and creates the destination.
//     Errors wrap ErrValidation.
//  3. Pre-backup hooks, if configured. Errors wrap ErrHook.
//  4. Either the archive is written (errors wrap ErrArchive) or the tree is mirrored
//     (listing errors wrap ErrListing). Per-entry failures never end the run, they
//     only turn the status into CompletedWithFailures.
//
// Post-backup hooks run after stage 4 whatever the outcome, and see the run's status
// in their environment. The engine keeps no state between runs.

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/filter"
	"github.com/paulschiretz/pgl-mirror/pkg/hook"
	"github.com/paulschiretz/pgl-mirror/pkg/pathcompression"
	"github.com/paulschiretz/pgl-mirror/pkg/pathmirror"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
)

var (
	ErrConfig     = errors.New("invalid configuration")
	ErrValidation = errors.New("validation failed")
	ErrListing    = errors.New("listing failed")
	ErrArchive    = errors.New("archive failed")
	ErrHook       = errors.New("pre-backup hook failed")
)

// Validator checks the resolved paths of a run and prepares the destination.
type Validator interface {
	Validate(absSourcePath, absTargetPath string) error
}

// Mirrorer copies the entries accepted by pred from source to target.
type Mirrorer interface {
	Mirror(ctx context.Context, absSourcePath, absTargetPath string, pred *filter.Predicate, sink report.Sink) error
}

// Compressor writes the source tree into an archive inside the target directory.
type Compressor interface {
	Compress(ctx context.Context, absSourcePath, absTargetDir string, format pathcompression.Format, level pathcompression.Level) (string, error)
}

// Locker guards a destination against concurrent runs.
type Locker interface {
	Lock(ctx context.Context, absTargetPath string) (release func(), err error)
}

// HookRunner runs the user's shell commands around a run.
type HookRunner interface {
	RunPreHook(ctx context.Context, p *hook.Plan, env []string) error
	RunPostHook(ctx context.Context, p *hook.Plan, env []string) error
}

// Engine runs one backup per Run call with injected leaf workers.
type Engine struct {
	validator  Validator
	mirror     Mirrorer
	compressor Compressor
	hooks      HookRunner
	locker     Locker

	// sink observes every entry outcome in addition to the engine's own collector.
	sink report.Sink
}

// NewEngine creates an engine from its workers. A nil hooks disables hook execution.
func NewEngine(validator Validator, mirror Mirrorer, compressor Compressor, hooks HookRunner) *Engine {
	return &Engine{
		validator:  validator,
		mirror:     mirror,
		compressor: compressor,
		hooks:      hooks,
	}
}

// New wires the production workers.
func New(bufferSizeKB int, mirrorMetrics pathmirror.Metrics, compressionMetrics pathcompression.Metrics) *Engine {
	return NewEngine(
		preflight.NewValidator(preflight.DefaultPlan()),
		pathmirror.NewPathMirror(bufferSizeKB, mirrorMetrics),
		pathcompression.NewPathCompressor(bufferSizeKB, compressionMetrics),
		hook.NewHookExecutor(nil),
	)
}

// WithLocker makes every run hold the destination's lock and returns the engine.
func (e *Engine) WithLocker(l Locker) *Engine {
	e.locker = l
	return e
}

// WithSink registers an observer for entry outcomes and returns the engine.
func (e *Engine) WithSink(s report.Sink) *Engine {
	e.sink = s
	return e
}

// Run executes one backup. It never panics on bad input: every problem ends up in the
// returned outcome, hard errors as Status Aborted with Err set.
func (e *Engine) Run(ctx context.Context, req RunRequest) (out report.RunOutcome) {
	start := time.Now()
	collector := report.NewCollector()

	defer func() {
		out.Duration = time.Since(start)
		logSummary(out)
	}()

	// Check for cancellation at the very beginning.
	select {
	case <-ctx.Done():
		return collector.Outcome(ctx.Err())
	default:
	}

	p, err := plan(req)
	if err != nil {
		return collector.Outcome(err)
	}

	if err := e.validator.Validate(p.absSource, p.absDest); err != nil {
		return collector.Outcome(fmt.Errorf("%w: %w", ErrValidation, err))
	}

	if e.locker != nil {
		release, err := e.locker.Lock(ctx, p.absDest)
		if err != nil {
			return collector.Outcome(wrapRunErr(ErrValidation, err))
		}
		defer release()
	}

	env := []string{
		"PGL_MIRROR_SOURCE=" + p.absSource,
		"PGL_MIRROR_DEST=" + p.absDest,
	}

	if e.hooks != nil {
		if err := e.hooks.RunPreHook(ctx, &req.Hooks, env); err != nil && !errors.Is(err, hook.ErrNothingToExecute) {
			return collector.Outcome(wrapRunErr(ErrHook, err))
		}

		// Post-backup hooks run even if the backup fails.
		defer func() {
			postEnv := append(env,
				"PGL_MIRROR_STATUS="+out.Status.String(),
				"PGL_MIRROR_FAILURES="+strconv.Itoa(len(out.Failures)),
			)
			err := e.hooks.RunPostHook(ctx, &req.Hooks, postEnv)
			switch {
			case err == nil, errors.Is(err, hook.ErrNothingToExecute):
			case errors.Is(err, context.Canceled):
				plog.Info("Post-backup hooks skipped due to cancellation")
			default:
				plog.Warn("Post-backup hook failed", "error", err)
			}
		}()
	}

	if p.archive {
		plog.Info("Starting archive", "source", p.absSource, "target", p.absDest, "format", p.format)
		archivePath, err := e.compressor.Compress(ctx, p.absSource, p.absDest, p.format, p.level)
		if err != nil {
			return collector.Outcome(wrapRunErr(ErrArchive, err))
		}
		out = collector.Outcome(nil)
		out.ArchivePath = archivePath
		return out
	}

	plog.Info("Starting mirror", "source", p.absSource, "target", p.absDest)
	if err := e.mirror.Mirror(ctx, p.absSource, p.absDest, p.pred, report.Tee(collector, e.sink)); err != nil {
		return collector.Outcome(wrapRunErr(ErrListing, err))
	}
	return collector.Outcome(nil)
}

// wrapRunErr tags err with the stage sentinel unless the run was simply cancelled.
func wrapRunErr(sentinel, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func logSummary(out report.RunOutcome) {
	args := []any{
		"status", out.Status,
		"copied", out.Copied,
		"symlinks", out.Symlinks,
		"special_nodes", out.SpecialNodes,
		"skipped", out.Skipped,
		"failed", len(out.Failures),
		"duration", out.Duration.Round(time.Millisecond),
	}
	if out.ArchivePath != "" {
		args = append(args, "archive", out.ArchivePath)
	}

	switch out.Status {
	case report.Completed:
		plog.Info("Backup completed", args...)
	case report.CompletedWithFailures:
		plog.Warn("Backup completed with failures", args...)
		for _, f := range out.Failures {
			plog.Warn("Failed entry", "entry", f.String(), "error", f.Err)
		}
	default:
		plog.Warn("Backup aborted", append(args, "error", out.Err)...)
	}
}

// Statically assert that the production workers satisfy the engine's interfaces.
var (
	_ Validator  = (*preflight.Validator)(nil)
	_ Mirrorer   = (*pathmirror.PathMirror)(nil)
	_ Compressor = (*pathcompression.PathCompressor)(nil)
	_ HookRunner = (*hook.HookExecutor)(nil)
)
