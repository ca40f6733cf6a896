//go:build !linux && !darwin

package pathmirror

import (
	"fmt"
	"runtime"

	"github.com/paulschiretz/pgl-mirror/pkg/fsentry"
)

func makeSpecialNode(path string, info fsentry.Info) error {
	return fmt.Errorf("recreating %s nodes is not supported on %s: %s", info.Kind, runtime.GOOS, path)
}
