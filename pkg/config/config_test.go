package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-mirror/pkg/engine"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/pathcompression"
)

func TestConfig_Validate(t *testing.T) {
	// Helper to get a valid base config for testing
	newValidConfig := func(t *testing.T) Config {
		cfg := NewDefault()
		cfg.Paths.Source = t.TempDir()
		cfg.Paths.Dest = t.TempDir()
		return cfg
	}

	t.Run("Valid Config", func(t *testing.T) {
		cfg := newValidConfig(t)
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected valid config to pass validation, but got error: %v", err)
		}
	})

	t.Run("Default Config", func(t *testing.T) {
		cfg := NewDefault()
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected default config to pass validation, but got error: %v", err)
		}
	})

	testCases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"Empty Source Path", func(c *Config) { c.Paths.Source = "" }},
		{"Blank Dest Path", func(c *Config) { c.Paths.Dest = "  " }},
		{"Invalid Log Level", func(c *Config) { c.LogLevel = "loud" }},
		{"Invalid Min Size", func(c *Config) { c.Filter.MinSize = "lots" }},
		{"Invalid Format", func(c *Config) { c.Output.Format = "zip" }},
		{"Invalid Level", func(c *Config) { c.Output.Level = "max" }},
		{"Negative Interval", func(c *Config) { c.Schedule.IntervalSeconds = -1 }},
		{"Zero Buffer Size", func(c *Config) { c.Engine.BufferSizeKB = 0 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := newValidConfig(t)
			tc.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error, but got nil")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("Missing Default File Is Created", func(t *testing.T) {
		xdg := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", xdg)

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		wantPath := filepath.Join(xdg, AppDirName, ConfigFileName)
		if cfg.Path != wantPath {
			t.Errorf("expected path %q, but got %q", wantPath, cfg.Path)
		}
		if _, err := os.Stat(wantPath); err != nil {
			t.Fatalf("expected config file to be created: %v", err)
		}
		if cfg.Filter.NamePattern != ".*" {
			t.Errorf("expected default name pattern, but got %q", cfg.Filter.NamePattern)
		}

		// A second load reads the file that was just written.
		again, err := Load("")
		if err != nil {
			t.Fatalf("second Load failed: %v", err)
		}
		if !reflect.DeepEqual(cfg, again) {
			t.Errorf("expected reloaded config to equal the created one:\n%+v\n%+v", cfg, again)
		}
	})

	t.Run("Missing Explicit File Is An Error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing.toml")
		if _, err := Load(path); err == nil {
			t.Fatal("expected error for missing explicit config file, but got nil")
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("expected missing explicit config file not to be created")
		}
	})

	t.Run("Partial File Keeps Defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "partial.toml")
		content := `
[paths]
source = "/data/in"

[filter]
name_pattern = "\\.txt$"
min_size = "4 KiB"
`
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Paths.Source != "/data/in" {
			t.Errorf("expected source /data/in, but got %q", cfg.Paths.Source)
		}
		if cfg.Filter.NamePattern != `\.txt$` {
			t.Errorf("expected name pattern from file, but got %q", cfg.Filter.NamePattern)
		}
		if cfg.Paths.Dest != NewDefault().Paths.Dest {
			t.Errorf("expected default dest, but got %q", cfg.Paths.Dest)
		}
		if cfg.Schedule.IntervalSeconds != 3600 {
			t.Errorf("expected default interval, but got %d", cfg.Schedule.IntervalSeconds)
		}
	})

	t.Run("Malformed File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.toml")
		if err := os.WriteFile(path, []byte("[paths\nsource = "), 0644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}
		_, err := Load(path)
		if err == nil {
			t.Fatal("expected parse error, but got nil")
		}
		if !strings.Contains(err.Error(), "error parsing config file") {
			t.Errorf("expected parse error message, but got: %v", err)
		}
	})
}

func TestSaveAndReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := NewDefault()
	cfg.Path = path
	cfg.Paths.Source = "/src"
	cfg.Hooks.PreBackup = []string{"echo pre"}
	if err := Save(cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Paths.Source != "/src" {
		t.Errorf("expected saved source, but got %q", loaded.Paths.Source)
	}
	if !reflect.DeepEqual(loaded.Hooks.PreBackup, []string{"echo pre"}) {
		t.Errorf("expected saved hooks, but got %v", loaded.Hooks.PreBackup)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("failed to read config dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the config file in its directory, but found %d entries", len(entries))
	}

	reset, err := Reset(path)
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if reset.Paths.Source != NewDefault().Paths.Source {
		t.Errorf("expected default source after reset, but got %q", reset.Paths.Source)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after reset failed: %v", err)
	}
	if reloaded.Paths.Source != NewDefault().Paths.Source {
		t.Errorf("expected reset to be persisted, but got %q", reloaded.Paths.Source)
	}
}

func TestSave_NoPath(t *testing.T) {
	if err := Save(NewDefault()); err == nil {
		t.Error("expected error when saving a config without path, but got nil")
	}
}

func TestBuildRequest(t *testing.T) {
	cfg := NewDefault()
	cfg.Paths.Source = "/src"
	cfg.Paths.Dest = "/dst"
	cfg.Filter.SubPath = "docs"
	cfg.Filter.MinSize = "2 KiB"
	cfg.Filter.Owner = "1000"
	cfg.Output.Archive = true
	cfg.Output.Compress = true
	cfg.Output.Format = "TAR.ZST"
	cfg.Output.Level = "best"
	cfg.Hooks.PostBackup = []string{"echo done"}
	cfg.Hooks.FailFast = true

	req, err := cfg.BuildRequest()
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}

	if req.Source != "/src" || req.Dest != "/dst" {
		t.Errorf("expected paths /src and /dst, but got %q and %q", req.Source, req.Dest)
	}
	if req.Filter.MinSize != 2048 {
		t.Errorf("expected min size 2048, but got %d", req.Filter.MinSize)
	}
	if req.Filter.SubPath != "docs" || req.Filter.Owner != "1000" || req.Filter.NamePattern != ".*" {
		t.Errorf("unexpected filter spec: %+v", req.Filter)
	}
	if !req.Output.Archive || !req.Output.Compress {
		t.Errorf("expected archive and compress to be set, but got %+v", req.Output)
	}
	if req.Output.Format != pathcompression.TarZst {
		t.Errorf("expected format tar.zst, but got %q", req.Output.Format)
	}
	if req.Output.Level != pathcompression.Best {
		t.Errorf("expected level best, but got %q", req.Output.Level)
	}
	if !req.Hooks.FailFast || len(req.Hooks.PostCommands) != 1 {
		t.Errorf("unexpected hook plan: %+v", req.Hooks)
	}

	t.Run("Invalid Min Size", func(t *testing.T) {
		bad := NewDefault()
		bad.Filter.MinSize = "a lot"
		if _, err := bad.BuildRequest(); !errors.Is(err, engine.ErrConfig) {
			t.Errorf("expected ErrConfig, but got: %v", err)
		}
	})
}

func TestMergeConfigWithFlags(t *testing.T) {
	base := NewDefault()
	flags := map[string]any{
		"source":            "/new/src",
		"dest":              "/new/dst",
		"pattern":           `\.go$`,
		"date":              "2024-03-01",
		"min-size":          "1MB",
		"archive":           true,
		"compress":          true,
		"format":            "tar.zst",
		"interval":          60,
		"schedule":          "@hourly",
		"pre-backup-hooks":  []string{"a", "b"},
		"hooks-fail-fast":   true,
		"config":            "/ignored.toml",
		"some-unknown-flag": 1,
	}

	merged := MergeConfigWithFlags(flagparse.Backup, base, flags)

	if merged.Paths.Source != "/new/src" || merged.Paths.Dest != "/new/dst" {
		t.Errorf("expected paths from flags, but got %+v", merged.Paths)
	}
	if merged.Filter.NamePattern != `\.go$` || merged.Filter.Date != "2024-03-01" || merged.Filter.MinSize != "1MB" {
		t.Errorf("expected filter from flags, but got %+v", merged.Filter)
	}
	if !merged.Output.Archive || !merged.Output.Compress || merged.Output.Format != "tar.zst" {
		t.Errorf("expected output from flags, but got %+v", merged.Output)
	}
	if merged.Schedule.IntervalSeconds != 60 || merged.Schedule.Cron != "@hourly" {
		t.Errorf("expected schedule from flags, but got %+v", merged.Schedule)
	}
	if !merged.Hooks.FailFast || len(merged.Hooks.PreBackup) != 2 {
		t.Errorf("expected hooks from flags, but got %+v", merged.Hooks)
	}

	// Fields without a flag keep their base values.
	if merged.Output.Level != base.Output.Level {
		t.Errorf("expected level to be unchanged, but got %q", merged.Output.Level)
	}
	if base.Paths.Source == merged.Paths.Source {
		t.Error("expected base config not to be modified")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Run("XDG", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		got, err := DefaultPath()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := filepath.Join("/xdg", AppDirName, ConfigFileName); got != want {
			t.Errorf("expected %q, but got %q", want, got)
		}
	})

	t.Run("Home Fallback", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("home directory is not taken from HOME on windows")
		}
		home := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", home)
		got, err := DefaultPath()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := filepath.Join(home, ".config", AppDirName, ConfigFileName); got != want {
			t.Errorf("expected %q, but got %q", want, got)
		}
	})
}
