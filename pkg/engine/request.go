package engine

import (
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/filter"
	"github.com/paulschiretz/pgl-mirror/pkg/hook"
	"github.com/paulschiretz/pgl-mirror/pkg/pathcompression"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// OutputSpec selects between mirroring and archiving.
type OutputSpec struct {
	// Archive writes a single archive file into the destination instead of mirroring.
	Archive bool
	// Compress runs the archive through a compressor. Ignored unless Archive is set.
	Compress bool
	// Format is the compressed format. Empty means tar.gz.
	Format pathcompression.Format
	Level  pathcompression.Level
}

// RunRequest is everything one run needs. It is built fresh for every run and never
// changes while the run is in progress.
type RunRequest struct {
	Source string
	Dest   string
	Filter filter.Spec
	Output OutputSpec
	Hooks  hook.Plan
}

// runPlan is a RunRequest after configuration checks: absolute paths, a compiled
// predicate and a concrete archive format.
type runPlan struct {
	absSource string
	absDest   string
	pred      *filter.Predicate
	archive   bool
	format    pathcompression.Format
	level     pathcompression.Level
}

// plan resolves req. Every error it returns wraps ErrConfig and happens before any I/O.
func plan(req RunRequest) (*runPlan, error) {
	if req.Source == "" {
		return nil, fmt.Errorf("%w: source path is empty", ErrConfig)
	}
	if req.Dest == "" {
		return nil, fmt.Errorf("%w: destination path is empty", ErrConfig)
	}

	absSource, err := util.AbsPath(req.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	absDest, err := util.AbsPath(req.Dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	pred, err := filter.Compile(req.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	p := &runPlan{
		absSource: absSource,
		absDest:   absDest,
		pred:      pred,
		archive:   req.Output.Archive,
	}
	if !p.archive {
		return p, nil
	}

	if p.format, err = resolveFormat(req.Output); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if p.level, err = pathcompression.ParseLevel(string(req.Output.Level)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return p, nil
}

// resolveFormat maps the output options onto an archive format. Without compression
// the archive is always plain tar.
func resolveFormat(o OutputSpec) (pathcompression.Format, error) {
	if !o.Compress {
		return pathcompression.Tar, nil
	}
	switch o.Format {
	case "":
		return pathcompression.TarGz, nil
	case pathcompression.TarGz, pathcompression.TarZst:
		return o.Format, nil
	default:
		return "", fmt.Errorf("archive format %q is not a compressed format", string(o.Format))
	}
}
