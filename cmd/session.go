package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/engine"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/pathcompression"
	"github.com/paulschiretz/pgl-mirror/pkg/pathmirror"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
)

// ErrCompletedWithFailures is returned by a one-shot backup that finished but could
// not copy every entry.
var ErrCompletedWithFailures = errors.New("backup completed with failures")

// progressInterval is how often metrics are logged while a run is in progress.
const progressInterval = 10 * time.Second

// Session carries state across the commands of one process. The interactive shell
// keeps a single Session so a -config path given once is reused by later commands.
type Session struct {
	// ConfigPath is the last configuration file selected with -config. Empty means
	// the default location.
	ConfigPath string

	In  io.Reader
	Out io.Writer
}

// NewSession returns a session reading from in and printing to out.
func NewSession(in io.Reader, out io.Writer) *Session {
	return &Session{In: in, Out: out}
}

// Execute runs a parsed command.
func Execute(ctx context.Context, sess *Session, command flagparse.Command, flagMap map[string]any) error {
	switch command {
	case flagparse.Backup:
		return RunBackup(ctx, sess, flagMap)
	case flagparse.Config:
		return RunConfig(sess, flagMap)
	case flagparse.Reset:
		return RunReset(sess, flagMap)
	case flagparse.Timer:
		return RunTimer(ctx, sess, flagMap)
	case flagparse.Watch:
		return RunWatch(ctx, sess, flagMap)
	case flagparse.Cron:
		return RunCron(ctx, sess, flagMap)
	case flagparse.Shell:
		return RunShell(ctx, sess.stdin(), sess.stdout(), sess)
	case flagparse.Version:
		return RunVersion(sess.stdout(), buildinfo.Name, buildinfo.Version)
	case flagparse.None, flagparse.Help, flagparse.Exit:
		// Usage has already been printed, exit is handled by the shell.
		return nil
	default:
		return fmt.Errorf("internal error: unknown command %d", command)
	}
}

// loadConfig loads the session's config file, switching to the -config flag's path
// when one is given.
func (s *Session) loadConfig(flagMap map[string]any) (config.Config, error) {
	path := s.ConfigPath
	if p, ok := flagMap["config"].(string); ok && p != "" {
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	s.ConfigPath = path
	return cfg, nil
}

// resolveConfig loads the config file, overlays the flags and validates the result.
// It is called before every run so scheduled runs pick up edits to the file.
func (s *Session) resolveConfig(command flagparse.Command, flagMap map[string]any) (config.Config, error) {
	loaded, err := s.loadConfig(flagMap)
	if err != nil {
		return config.Config{}, err
	}

	// Merge the flag values over the loaded config to get the final run config.
	runConfig := config.MergeConfigWithFlags(command, loaded, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("%w: %w", engine.ErrConfig, err)
	}

	// Set the global log level based on the final configuration.
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	return runConfig, nil
}

// scheduledRun returns the function a scheduler calls for every trigger. Each call
// reads the configuration afresh and runs one backup.
func (s *Session) scheduledRun(command flagparse.Command, flagMap map[string]any) func(ctx context.Context) report.RunOutcome {
	return func(ctx context.Context) report.RunOutcome {
		runConfig, err := s.resolveConfig(command, flagMap)
		if err != nil {
			return report.RunOutcome{Status: report.Aborted, Err: err}
		}
		return executeRun(ctx, runConfig)
	}
}

// executeRun wires a fresh engine for runConfig and runs one backup with it.
func executeRun(ctx context.Context, runConfig config.Config) report.RunOutcome {
	req, err := runConfig.BuildRequest()
	if err != nil {
		return report.RunOutcome{Status: report.Aborted, Err: err}
	}

	var mirrorMetrics pathmirror.Metrics = &pathmirror.NoopMetrics{}
	var compressionMetrics pathcompression.Metrics = &pathcompression.NoopMetrics{}
	if runConfig.Engine.Metrics {
		mirrorMetrics = &pathmirror.MirrorMetrics{}
		compressionMetrics = &pathcompression.CompressionMetrics{}
	}

	if req.Output.Archive {
		compressionMetrics.StartProgress("Archive progress", progressInterval)
	} else {
		mirrorMetrics.StartProgress("Mirror progress", progressInterval)
	}

	e := engine.New(runConfig.Engine.BufferSizeKB, mirrorMetrics, compressionMetrics).
		WithLocker(lockfile.NewLocker(runConfig.LockDir())).
		WithSink(report.SinkFunc(func(o report.EntryOutcome) {
			plog.Debug("Entry processed", "entry", o.String())
		}))
	out := e.Run(ctx, req)

	if req.Output.Archive {
		compressionMetrics.StopProgress()
		compressionMetrics.LogSummary("Archive summary")
	} else {
		mirrorMetrics.StopProgress()
		mirrorMetrics.LogSummary("Mirror summary")
	}
	return out
}

// outcomeErr maps a finished one-shot run onto the error returned to main.
func outcomeErr(out report.RunOutcome) error {
	switch out.Status {
	case report.Completed:
		return nil
	case report.CompletedWithFailures:
		return fmt.Errorf("%w: %d entries failed", ErrCompletedWithFailures, len(out.Failures))
	default:
		return out.Err
	}
}

func (s *Session) stdin() io.Reader {
	if s.In == nil {
		return os.Stdin
	}
	return s.In
}

// stdout is where commands print. It defaults to os.Stdout.
func (s *Session) stdout() io.Writer {
	if s.Out == nil {
		return os.Stdout
	}
	return s.Out
}
