package cmd

import (
	"fmt"
	"io"
)

// RunVersion prints the application version.
func RunVersion(out io.Writer, appName, appVersion string) error {
	_, err := fmt.Fprintf(out, "%s version %s\n", appName, appVersion)
	return err
}
