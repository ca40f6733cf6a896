//go:build windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// checkVolumeMounted fails when the drive or share a path lives on is missing, so an
// unplugged USB disk is reported as such instead of as a missing directory.
func checkVolumeMounted(path string) error {
	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil
	}
	root := filepath.Clean(volume + string(filepath.Separator))
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", root)
	}
	return nil
}

// isUnsafeRoot reports whether path is the current directory, a bare separator or a
// bare drive letter. "C:" means the current directory on that drive. A UNC volume
// like \\server\share contains a separator and is fine.
func isUnsafeRoot(path string) bool {
	if path == "." || path == string(filepath.Separator) {
		return true
	}
	volume := filepath.VolumeName(path)
	if volume == "" || strings.Contains(volume, string(filepath.Separator)) {
		return false
	}
	return path == volume || path == volume+"."
}
