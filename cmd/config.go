package cmd

import (
	"fmt"
	"os"

	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/engine"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// configKeys maps the flags accepted by the config command onto the keys they set in
// the configuration file, in the order they are reported.
var configKeys = []struct{ flag, key string }{
	{"log-level", "log_level"},
	{"source", "paths.source"},
	{"dest", "paths.dest"},
	{"sub-path", "filter.sub_path"},
	{"pattern", "filter.name_pattern"},
	{"date", "filter.date"},
	{"min-size", "filter.min_size"},
	{"owner", "filter.owner"},
	{"archive", "output.archive"},
	{"compress", "output.compress"},
	{"format", "output.format"},
	{"level", "output.level"},
	{"interval", "schedule.interval_seconds"},
	{"schedule", "schedule.cron"},
}

// RunConfig persists the given flag values into the configuration file.
func RunConfig(sess *Session, flagMap map[string]any) error {
	loaded, err := sess.loadConfig(flagMap)
	if err != nil {
		return err
	}

	updated := config.MergeConfigWithFlags(flagparse.Config, loaded, flagMap)
	if err := updated.Validate(); err != nil {
		return fmt.Errorf("%w: %w", engine.ErrConfig, err)
	}
	if err := config.Save(updated); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := sess.stdout()
	for _, k := range configKeys {
		if value, ok := flagMap[k.flag]; ok {
			fmt.Fprintf(out, "%s set to %v\n", k.key, value)
		}
	}
	plog.Debug("Configuration saved", "path", updated.Path)

	if printFile, _ := flagMap["output"].(bool); printFile {
		content, err := os.ReadFile(updated.Path)
		if err != nil {
			return fmt.Errorf("failed to read configuration file: %w", err)
		}
		fmt.Fprintf(out, "Configuration file at %s:\n%s", updated.Path, content)
	}
	return nil
}
