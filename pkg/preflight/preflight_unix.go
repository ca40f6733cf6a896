//go:build !windows

package preflight

// checkVolumeMounted has nothing to check on Unix, every absolute path hangs off "/".
func checkVolumeMounted(path string) error {
	return nil
}

// isUnsafeRoot checks if the given path is the current directory or the filesystem root.
func isUnsafeRoot(path string) bool {
	return path == "." || path == "/"
}
