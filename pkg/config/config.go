package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/engine"
	"github.com/paulschiretz/pgl-mirror/pkg/filter"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/hook"
	"github.com/paulschiretz/pgl-mirror/pkg/pathcompression"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "config.toml"
	// AppDirName is the directory below the user's config dir holding ConfigFileName.
	AppDirName = "pgl-mirror"
	// LockDirName is the directory next to the config file holding destination locks.
	LockDirName = "locks"
)

type PathsConfig struct {
	Source string `toml:"source"`
	Dest   string `toml:"dest"`
}

// FilterConfig selects the files that are mirrored. Empty fields impose no constraint.
type FilterConfig struct {
	SubPath     string `toml:"sub_path"`
	NamePattern string `toml:"name_pattern"`
	// Date is a local calendar day in YYYY-MM-DD form.
	Date string `toml:"date"`
	// MinSize accepts plain byte counts or human readable sizes like "4 KiB" or "2MB".
	MinSize string `toml:"min_size"`
	// Owner is a numeric uid or a user name.
	Owner string `toml:"owner"`
}

type OutputConfig struct {
	Archive  bool   `toml:"archive"`
	Compress bool   `toml:"compress"`
	Format   string `toml:"format"`
	Level    string `toml:"level"`
}

type ScheduleConfig struct {
	IntervalSeconds int    `toml:"interval_seconds"`
	Cron            string `toml:"cron"`
}

type EngineConfig struct {
	Metrics      bool `toml:"metrics"`
	BufferSizeKB int  `toml:"buffer_size_kb"`
}

type HooksConfig struct {
	// Note: the slices are always written so the hook fields appear in a generated
	// config file for better discoverability.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreBackup  []string `toml:"pre_backup"`
	PostBackup []string `toml:"post_backup"`
	FailFast   bool     `toml:"fail_fast"`
}

type Config struct {
	Version  string         `toml:"version"`
	LogLevel string         `toml:"log_level"`
	Paths    PathsConfig    `toml:"paths"`
	Filter   FilterConfig   `toml:"filter"`
	Output   OutputConfig   `toml:"output"`
	Schedule ScheduleConfig `toml:"schedule"`
	Engine   EngineConfig   `toml:"engine"`
	Hooks    HooksConfig    `toml:"hooks"`

	// Path is the file the config was loaded from and is saved to.
	Path string `toml:"-"`
}

// DefaultPath returns $XDG_CONFIG_HOME/pgl-mirror/config.toml, falling back to
// ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, AppDirName, ConfigFileName), nil
}

// NewDefault creates and returns a Config struct with sensible default values.
// Source and destination live below the config directory until the user sets them.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		LogLevel: "info",
		Paths: PathsConfig{
			Source: "~/.config/pgl-mirror/source",
			Dest:   "~/.config/pgl-mirror/dest",
		},
		Filter: FilterConfig{
			NamePattern: ".*", // Matches every name.
		},
		Output: OutputConfig{
			Archive:  false,
			Compress: false,
			Format:   pathcompression.TarGz.String(),
			Level:    pathcompression.Default.String(),
		},
		Schedule: ScheduleConfig{
			IntervalSeconds: 3600, // Hourly.
			Cron:            "@daily",
		},
		Engine: EngineConfig{
			Metrics:      true,
			BufferSizeKB: 256, // Keep it between 64KB-4MB
		},
		Hooks: HooksConfig{
			PreBackup:  []string{},
			PostBackup: []string{},
		},
	}
}

// Load reads the configuration at path. An empty path selects DefaultPath, and a
// missing default file is created with default values on first use. A missing file
// at an explicit path is an error.
// Fields absent from the file keep their default values.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		var err error
		if path, err = DefaultPath(); err != nil {
			return Config{}, err
		}
	}

	absPath, err := util.AbsPath(path)
	if err != nil {
		return Config{}, err
	}

	config := NewDefault()
	config.Path = absPath

	md, err := toml.DecodeFile(absPath, &config)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("error parsing config file %s: %w", absPath, err)
		}
		if explicit {
			return Config{}, fmt.Errorf("config file %s does not exist: %w", absPath, err)
		}
		if err := Save(config); err != nil {
			return Config{}, err
		}
		plog.Notice("Configuration file created", "path", absPath)
		return config, nil
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		plog.Warn("Ignoring unknown configuration keys", "path", absPath, "keys", strings.Join(keys, ", "))
	}

	plog.Debug("Configuration file read", "path", absPath)
	// NOTE: if config.Version differs from the app version a migration step goes here.
	config.Version = buildinfo.Version
	return config, nil
}

// Save writes c to c.Path, creating the parent directory if needed. The file is
// replaced atomically so a crash never leaves a half written config behind.
func Save(c Config) error {
	if c.Path == "" {
		return fmt.Errorf("config has no file path")
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	dir := filepath.Dir(c.Path)
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+ConfigFileName+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary config file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config file %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, c.Path); err != nil {
		return fmt.Errorf("failed to save config file %s: %w", c.Path, err)
	}

	plog.Debug("Saved config file", "path", c.Path)
	return nil
}

// Reset overwrites the config file at path (DefaultPath when empty) with default values.
func Reset(path string) (Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return Config{}, err
		}
	}
	absPath, err := util.AbsPath(path)
	if err != nil {
		return Config{}, err
	}

	c := NewDefault()
	c.Path = absPath
	if err := Save(c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration for errors that can be found without touching
// the source tree. Pattern and date are checked when a run compiles its filter.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.Source) == "" {
		return fmt.Errorf("paths.source cannot be empty")
	}
	if strings.TrimSpace(c.Paths.Dest) == "" {
		return fmt.Errorf("paths.dest cannot be empty")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "notice", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of 'debug', 'notice', 'info', 'warn', 'error', got %q", c.LogLevel)
	}

	if _, err := util.ParseByteSize(c.Filter.MinSize); err != nil {
		return fmt.Errorf("filter.min_size: %w", err)
	}

	if _, err := pathcompression.ParseFormat(strings.ToLower(c.Output.Format)); err != nil {
		return fmt.Errorf("output.format: %w", err)
	}
	if _, err := pathcompression.ParseLevel(strings.ToLower(c.Output.Level)); err != nil {
		return fmt.Errorf("output.level: %w", err)
	}

	if c.Schedule.IntervalSeconds < 0 {
		return fmt.Errorf("schedule.interval_seconds cannot be negative")
	}
	if c.Engine.BufferSizeKB <= 0 {
		return fmt.Errorf("engine.buffer_size_kb must be greater than 0")
	}
	return nil
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []any{
		"config", c.Path,
		"log_level", c.LogLevel,
		"source", c.Paths.Source,
		"dest", c.Paths.Dest,
		"buffer_size_kb", c.Engine.BufferSizeKB,
		"metrics", c.Engine.Metrics,
	}

	var filters []string
	if c.Filter.SubPath != "" {
		filters = append(filters, "sub_path="+c.Filter.SubPath)
	}
	if c.Filter.NamePattern != "" {
		filters = append(filters, "name="+c.Filter.NamePattern)
	}
	if c.Filter.Date != "" {
		filters = append(filters, "date="+c.Filter.Date)
	}
	if c.Filter.MinSize != "" {
		filters = append(filters, "min_size="+c.Filter.MinSize)
	}
	if c.Filter.Owner != "" {
		filters = append(filters, "owner="+c.Filter.Owner)
	}
	if len(filters) > 0 {
		logArgs = append(logArgs, "filter", strings.Join(filters, " "))
	}

	if c.Output.Archive {
		archiveSummary := "enabled (f:tar)"
		if c.Output.Compress {
			archiveSummary = fmt.Sprintf("enabled (f:%s l:%s)", c.Output.Format, c.Output.Level)
		}
		logArgs = append(logArgs, "archive", archiveSummary)
	}

	if len(c.Hooks.PreBackup) > 0 {
		logArgs = append(logArgs, "pre_backup_hooks", strings.Join(c.Hooks.PreBackup, "; "))
	}
	if len(c.Hooks.PostBackup) > 0 {
		logArgs = append(logArgs, "post_backup_hooks", strings.Join(c.Hooks.PostBackup, "; "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// LockDir is where runs using this configuration keep their destination locks.
func (c *Config) LockDir() string {
	return filepath.Join(filepath.Dir(c.Path), LockDirName)
}

// BuildRequest turns the configuration into a fresh engine request. Paths are passed
// through unexpanded, the engine resolves them.
func (c *Config) BuildRequest() (engine.RunRequest, error) {
	minSize, err := util.ParseByteSize(c.Filter.MinSize)
	if err != nil {
		return engine.RunRequest{}, fmt.Errorf("%w: filter.min_size: %w", engine.ErrConfig, err)
	}

	return engine.RunRequest{
		Source: c.Paths.Source,
		Dest:   c.Paths.Dest,
		Filter: filter.Spec{
			SubPath:     c.Filter.SubPath,
			NamePattern: c.Filter.NamePattern,
			Date:        c.Filter.Date,
			MinSize:     minSize,
			Owner:       c.Filter.Owner,
		},
		Output: engine.OutputSpec{
			Archive:  c.Output.Archive,
			Compress: c.Output.Compress,
			Format:   pathcompression.Format(strings.ToLower(c.Output.Format)),
			Level:    pathcompression.Level(strings.ToLower(c.Output.Level)),
		},
		Hooks: hook.Plan{
			PreCommands:  c.Hooks.PreBackup,
			PostCommands: c.Hooks.PostBackup,
			FailFast:     c.Hooks.FailFast,
		},
	}, nil
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "source":
			merged.Paths.Source = value.(string)
		case "dest":
			merged.Paths.Dest = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "sub-path":
			merged.Filter.SubPath = value.(string)
		case "pattern":
			merged.Filter.NamePattern = value.(string)
		case "date":
			merged.Filter.Date = value.(string)
		case "min-size":
			merged.Filter.MinSize = value.(string)
		case "owner":
			merged.Filter.Owner = value.(string)
		case "archive":
			merged.Output.Archive = value.(bool)
		case "compress":
			merged.Output.Compress = value.(bool)
		case "format":
			merged.Output.Format = value.(string)
		case "level":
			merged.Output.Level = value.(string)
		case "interval":
			merged.Schedule.IntervalSeconds = value.(int)
		case "schedule":
			merged.Schedule.Cron = value.(string)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "buffer-size-kb":
			merged.Engine.BufferSizeKB = value.(int)
		case "pre-backup-hooks":
			merged.Hooks.PreBackup = value.([]string)
		case "post-backup-hooks":
			merged.Hooks.PostBackup = value.([]string)
		case "hooks-fail-fast":
			merged.Hooks.FailFast = value.(bool)
		case "config", "output":
			// Consumed by the command itself.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name, "command", command)
		}
	}
	return merged
}
