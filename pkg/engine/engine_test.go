package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-mirror/pkg/filter"
	"github.com/paulschiretz/pgl-mirror/pkg/hook"
	"github.com/paulschiretz/pgl-mirror/pkg/pathcompression"
	"github.com/paulschiretz/pgl-mirror/pkg/pathmirror"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
)

// --- Mocks ---

type mockValidator struct {
	err    error
	called bool
}

func (m *mockValidator) Validate(absSourcePath, absTargetPath string) error {
	m.called = true
	return m.err
}

type mockMirror struct {
	outcomes []report.EntryOutcome
	err      error
	called   bool
	gotPred  *filter.Predicate
}

func (m *mockMirror) Mirror(ctx context.Context, absSourcePath, absTargetPath string, pred *filter.Predicate, sink report.Sink) error {
	m.called = true
	m.gotPred = pred
	for _, o := range m.outcomes {
		sink.Record(o)
	}
	return m.err
}

type mockCompressor struct {
	err       error
	called    bool
	gotFormat pathcompression.Format
	gotLevel  pathcompression.Level
}

func (m *mockCompressor) Compress(ctx context.Context, absSourcePath, absTargetDir string, format pathcompression.Format, level pathcompression.Level) (string, error) {
	m.called = true
	m.gotFormat = format
	m.gotLevel = level
	if m.err != nil {
		return "", m.err
	}
	return filepath.Join(absTargetDir, format.ArchiveName()), nil
}

type mockHooks struct {
	preErr  error
	postErr error
	preEnv  []string
	postEnv []string
	post    bool
}

func (m *mockHooks) RunPreHook(ctx context.Context, p *hook.Plan, env []string) error {
	m.preEnv = env
	return m.preErr
}

func (m *mockHooks) RunPostHook(ctx context.Context, p *hook.Plan, env []string) error {
	m.post = true
	m.postEnv = env
	return m.postErr
}

type mockLocker struct {
	err      error
	gotPath  string
	released bool
}

func (m *mockLocker) Lock(ctx context.Context, absTargetPath string) (func(), error) {
	m.gotPath = absTargetPath
	if m.err != nil {
		return nil, m.err
	}
	return func() { m.released = true }, nil
}

type testRig struct {
	validator  *mockValidator
	mirror     *mockMirror
	compressor *mockCompressor
	hooks      *mockHooks
	engine     *Engine
}

func newTestRig() *testRig {
	r := &testRig{
		validator:  &mockValidator{},
		mirror:     &mockMirror{},
		compressor: &mockCompressor{},
		hooks:      &mockHooks{preErr: hook.ErrNothingToExecute, postErr: hook.ErrNothingToExecute},
	}
	r.engine = NewEngine(r.validator, r.mirror, r.compressor, r.hooks)
	return r
}

func validRequest(t *testing.T) RunRequest {
	t.Helper()
	base := t.TempDir()
	return RunRequest{Source: filepath.Join(base, "src"), Dest: filepath.Join(base, "dst")}
}

// --- Tests ---

func TestRun_ConfigErrorsAbortBeforeIO(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*RunRequest)
	}{
		{"Invalid name pattern", func(r *RunRequest) { r.Filter.NamePattern = "([" }},
		{"Invalid date", func(r *RunRequest) { r.Filter.Date = "yesterday" }},
		{"Negative min size", func(r *RunRequest) { r.Filter.MinSize = -1 }},
		{"Empty source", func(r *RunRequest) { r.Source = "" }},
		{"Empty destination", func(r *RunRequest) { r.Dest = "" }},
		{"Uncompressed format with compression", func(r *RunRequest) {
			r.Output = OutputSpec{Archive: true, Compress: true, Format: pathcompression.Tar}
		}},
		{"Unknown level", func(r *RunRequest) {
			r.Output = OutputSpec{Archive: true, Level: "ultra"}
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig()
			req := validRequest(t)
			tc.mutate(&req)

			out := rig.engine.Run(context.Background(), req)

			if out.Status != report.Aborted {
				t.Errorf("expected status aborted, but got %s", out.Status)
			}
			if !errors.Is(out.Err, ErrConfig) {
				t.Errorf("expected error to wrap ErrConfig, but got: %v", out.Err)
			}
			if rig.validator.called || rig.mirror.called || rig.compressor.called {
				t.Error("expected no worker to be called after a configuration error")
			}
			if out.ExitCode() != 1 {
				t.Errorf("expected exit code 1, but got %d", out.ExitCode())
			}
		})
	}
}

func TestRun_InvalidPatternKeepsFilterError(t *testing.T) {
	rig := newTestRig()
	req := validRequest(t)
	req.Filter.NamePattern = "(unclosed"

	out := rig.engine.Run(context.Background(), req)
	if !errors.Is(out.Err, filter.ErrInvalidSpec) {
		t.Errorf("expected error to also wrap filter.ErrInvalidSpec, but got: %v", out.Err)
	}
}

func TestRun_ValidationFailure(t *testing.T) {
	rig := newTestRig()
	rig.validator.err = errors.New("source directory /nope does not exist")

	out := rig.engine.Run(context.Background(), validRequest(t))

	if out.Status != report.Aborted || !errors.Is(out.Err, ErrValidation) {
		t.Errorf("expected aborted with ErrValidation, but got %s: %v", out.Status, out.Err)
	}
	if !strings.Contains(out.Err.Error(), "/nope") {
		t.Errorf("expected error to name the path, but got: %v", out.Err)
	}
	if rig.mirror.called {
		t.Error("expected mirror not to run after a validation failure")
	}
}

func TestRun_MirrorStatus(t *testing.T) {
	testCases := []struct {
		name       string
		outcomes   []report.EntryOutcome
		wantStatus report.Status
		wantExit   int
	}{
		{
			name: "All copied",
			outcomes: []report.EntryOutcome{
				{Path: "/s/a", Action: report.Copied},
				{Path: "/s/b", Action: report.Skipped, Reason: "filtered"},
			},
			wantStatus: report.Completed,
			wantExit:   0,
		},
		{
			name: "One failure",
			outcomes: []report.EntryOutcome{
				{Path: "/s/a", Action: report.Copied},
				{Path: "/s/b", Action: report.Failed, Reason: "copy failed", Err: errors.New("boom")},
			},
			wantStatus: report.CompletedWithFailures,
			wantExit:   2,
		},
		{
			name:       "Empty tree",
			wantStatus: report.Completed,
			wantExit:   0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig()
			rig.mirror.outcomes = tc.outcomes

			var observed []report.EntryOutcome
			rig.engine.WithSink(report.SinkFunc(func(o report.EntryOutcome) { observed = append(observed, o) }))

			out := rig.engine.Run(context.Background(), validRequest(t))

			if out.Status != tc.wantStatus {
				t.Errorf("expected status %s, but got %s", tc.wantStatus, out.Status)
			}
			if out.ExitCode() != tc.wantExit {
				t.Errorf("expected exit code %d, but got %d", tc.wantExit, out.ExitCode())
			}
			if len(observed) != len(tc.outcomes) {
				t.Errorf("expected the observer to see %d outcomes, but got %d", len(tc.outcomes), len(observed))
			}
			if rig.compressor.called {
				t.Error("expected the compressor not to run in mirror mode")
			}
			if rig.mirror.gotPred == nil {
				t.Error("expected the mirror to receive a compiled predicate")
			}
		})
	}
}

func TestRun_MirrorErrors(t *testing.T) {
	t.Run("Listing failure aborts", func(t *testing.T) {
		rig := newTestRig()
		rig.mirror.err = errors.Join(pathmirror.ErrListing, errors.New("permission denied"))

		out := rig.engine.Run(context.Background(), validRequest(t))

		if out.Status != report.Aborted {
			t.Errorf("expected status aborted, but got %s", out.Status)
		}
		if !errors.Is(out.Err, ErrListing) || !errors.Is(out.Err, pathmirror.ErrListing) {
			t.Errorf("expected error to wrap both listing sentinels, but got: %v", out.Err)
		}
	})

	t.Run("Cancellation is not a listing failure", func(t *testing.T) {
		rig := newTestRig()
		rig.mirror.err = context.Canceled

		out := rig.engine.Run(context.Background(), validRequest(t))

		if !errors.Is(out.Err, context.Canceled) {
			t.Errorf("expected context.Canceled, but got: %v", out.Err)
		}
		if errors.Is(out.Err, ErrListing) {
			t.Errorf("expected cancellation not to be tagged as a listing failure, but got: %v", out.Err)
		}
	})

	t.Run("Cancelled before start", func(t *testing.T) {
		rig := newTestRig()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		out := rig.engine.Run(ctx, validRequest(t))

		if out.Status != report.Aborted || !errors.Is(out.Err, context.Canceled) {
			t.Errorf("expected aborted with context.Canceled, but got %s: %v", out.Status, out.Err)
		}
		if rig.validator.called {
			t.Error("expected no validation after cancellation")
		}
	})
}

func TestRun_ArchiveRouting(t *testing.T) {
	testCases := []struct {
		name       string
		output     OutputSpec
		wantFormat pathcompression.Format
		wantLevel  pathcompression.Level
	}{
		{"Uncompressed is plain tar", OutputSpec{Archive: true}, pathcompression.Tar, pathcompression.Default},
		{"Format ignored without compression", OutputSpec{Archive: true, Format: pathcompression.TarZst}, pathcompression.Tar, pathcompression.Default},
		{"Compressed defaults to gzip", OutputSpec{Archive: true, Compress: true}, pathcompression.TarGz, pathcompression.Default},
		{"Compressed zstd", OutputSpec{Archive: true, Compress: true, Format: pathcompression.TarZst, Level: pathcompression.Best}, pathcompression.TarZst, pathcompression.Best},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig()
			req := validRequest(t)
			req.Output = tc.output

			out := rig.engine.Run(context.Background(), req)

			if out.Status != report.Completed {
				t.Fatalf("expected status completed, but got %s: %v", out.Status, out.Err)
			}
			if rig.mirror.called {
				t.Error("expected the mirror not to run in archive mode")
			}
			if rig.compressor.gotFormat != tc.wantFormat {
				t.Errorf("expected format %s, but got %s", tc.wantFormat, rig.compressor.gotFormat)
			}
			if rig.compressor.gotLevel != tc.wantLevel {
				t.Errorf("expected level %s, but got %s", tc.wantLevel, rig.compressor.gotLevel)
			}
			if !strings.HasSuffix(out.ArchivePath, tc.wantFormat.ArchiveName()) {
				t.Errorf("expected archive path ending in %s, but got %s", tc.wantFormat.ArchiveName(), out.ArchivePath)
			}
		})
	}

	t.Run("Compress without archive mirrors", func(t *testing.T) {
		rig := newTestRig()
		req := validRequest(t)
		req.Output = OutputSpec{Compress: true}

		rig.engine.Run(context.Background(), req)
		if !rig.mirror.called || rig.compressor.called {
			t.Error("expected compression to be ignored without archive mode")
		}
	})

	t.Run("Archive failure aborts", func(t *testing.T) {
		rig := newTestRig()
		rig.compressor.err = errors.New("disk full")
		req := validRequest(t)
		req.Output = OutputSpec{Archive: true}

		out := rig.engine.Run(context.Background(), req)
		if out.Status != report.Aborted || !errors.Is(out.Err, ErrArchive) {
			t.Errorf("expected aborted with ErrArchive, but got %s: %v", out.Status, out.Err)
		}
	})
}

func TestRun_Hooks(t *testing.T) {
	t.Run("Pre-hook failure aborts before copying", func(t *testing.T) {
		rig := newTestRig()
		rig.hooks.preErr = errors.New("command 'false' failed")

		out := rig.engine.Run(context.Background(), validRequest(t))

		if !errors.Is(out.Err, ErrHook) {
			t.Errorf("expected error to wrap ErrHook, but got: %v", out.Err)
		}
		if rig.mirror.called {
			t.Error("expected mirror not to run after a failed pre-hook")
		}
		if rig.hooks.post {
			t.Error("expected post-hook not to run when the pre-hook failed")
		}
	})

	t.Run("Post-hook sees status and paths", func(t *testing.T) {
		rig := newTestRig()
		rig.hooks.preErr = nil
		rig.hooks.postErr = errors.New("post failed")
		rig.mirror.outcomes = []report.EntryOutcome{{Path: "/s/x", Action: report.Failed, Err: errors.New("x")}}

		out := rig.engine.Run(context.Background(), validRequest(t))

		if out.Status != report.CompletedWithFailures {
			t.Errorf("expected a post-hook failure not to change the status, but got %s", out.Status)
		}
		env := strings.Join(rig.hooks.postEnv, "\n")
		for _, want := range []string{"PGL_MIRROR_STATUS=completed-with-failures", "PGL_MIRROR_FAILURES=1", "PGL_MIRROR_SOURCE=", "PGL_MIRROR_DEST="} {
			if !strings.Contains(env, want) {
				t.Errorf("expected post-hook environment to contain %q, but got:\n%s", want, env)
			}
		}
	})

	t.Run("No hooks configured", func(t *testing.T) {
		rig := newTestRig()
		out := rig.engine.Run(context.Background(), validRequest(t))
		if out.Status != report.Completed {
			t.Errorf("expected ErrNothingToExecute to be ignored, but got %s: %v", out.Status, out.Err)
		}
	})
}

func TestRun_Locking(t *testing.T) {
	t.Run("Lock is held for the run", func(t *testing.T) {
		rig := newTestRig()
		locker := &mockLocker{}
		rig.engine.WithLocker(locker)
		req := validRequest(t)

		out := rig.engine.Run(context.Background(), req)
		if out.Status != report.Completed {
			t.Fatalf("expected status completed, but got %s (%v)", out.Status, out.Err)
		}
		if locker.gotPath != req.Dest {
			t.Errorf("expected lock on %s, but got %s", req.Dest, locker.gotPath)
		}
		if !locker.released {
			t.Error("expected the lock to be released after the run")
		}
	})

	t.Run("Busy destination aborts before copying", func(t *testing.T) {
		rig := newTestRig()
		rig.engine.WithLocker(&mockLocker{err: errors.New("destination is in use")})

		out := rig.engine.Run(context.Background(), validRequest(t))
		if !errors.Is(out.Err, ErrValidation) {
			t.Errorf("expected error to wrap ErrValidation, but got: %v", out.Err)
		}
		if rig.mirror.called {
			t.Error("expected no copy while the destination is locked")
		}
	})
}

func TestRun_Integration(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	dst := filepath.Join(base, "dst")
	for path, content := range map[string]string{
		"a.txt":      "alpha",
		"b.log":      "beta",
		"sub/c.txt":  "gamma",
		"logs/d.log": "delta",
	} {
		full := filepath.Join(src, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
	}

	t.Run("Mirror with name filter", func(t *testing.T) {
		e := New(64, nil, nil)
		out := e.Run(context.Background(), RunRequest{Source: src, Dest: dst, Filter: filter.Spec{NamePattern: `\.txt$`}})

		if out.Status != report.Completed {
			t.Fatalf("expected status completed, but got %s: %v", out.Status, out.Err)
		}
		if out.Copied != 2 || out.Skipped != 2 {
			t.Errorf("expected 2 copied and 2 skipped, but got %+v", out)
		}
		if _, err := os.Stat(filepath.Join(dst, "sub", "c.txt")); err != nil {
			t.Errorf("expected sub/c.txt to be mirrored: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dst, "logs")); !os.IsNotExist(err) {
			t.Errorf("expected the filtered-out logs dir to be pruned, but stat returned: %v", err)
		}
	})

	t.Run("Archive", func(t *testing.T) {
		archiveDst := filepath.Join(base, "archive")
		e := New(64, nil, nil)
		out := e.Run(context.Background(), RunRequest{Source: src, Dest: archiveDst, Output: OutputSpec{Archive: true, Compress: true}})

		if out.Status != report.Completed {
			t.Fatalf("expected status completed, but got %s: %v", out.Status, out.Err)
		}
		if out.ArchivePath != filepath.Join(archiveDst, "backup.tar.gz") {
			t.Errorf("expected backup.tar.gz in the destination, but got %s", out.ArchivePath)
		}
	})

	t.Run("Missing source aborts without creating the destination", func(t *testing.T) {
		missingDst := filepath.Join(base, "never")
		e := New(64, nil, nil)
		out := e.Run(context.Background(), RunRequest{Source: filepath.Join(base, "missing"), Dest: missingDst})

		if out.Status != report.Aborted || !errors.Is(out.Err, ErrValidation) {
			t.Errorf("expected aborted with ErrValidation, but got %s: %v", out.Status, out.Err)
		}
		if _, err := os.Stat(missingDst); !os.IsNotExist(err) {
			t.Errorf("expected the destination not to be created, but stat returned: %v", err)
		}
	})

	t.Run("Destination inside source is rejected", func(t *testing.T) {
		e := New(64, nil, nil)
		out := e.Run(context.Background(), RunRequest{Source: src, Dest: filepath.Join(src, "backup")})

		if !errors.Is(out.Err, ErrValidation) {
			t.Errorf("expected ErrValidation for a nested destination, but got: %v", out.Err)
		}
	})
}
