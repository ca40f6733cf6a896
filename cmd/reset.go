package cmd

import (
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/config"
)

// RunReset overwrites the configuration file with default values.
func RunReset(sess *Session, flagMap map[string]any) error {
	path := sess.ConfigPath
	if p, ok := flagMap["config"].(string); ok && p != "" {
		path = p
	}

	cfg, err := config.Reset(path)
	if err != nil {
		return fmt.Errorf("failed to reset configuration: %w", err)
	}
	sess.ConfigPath = path

	fmt.Fprintf(sess.stdout(), "Configuration at %s reset to defaults\n", cfg.Path)
	return nil
}
