//go:build linux || darwin

package pathmirror

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/pgl-mirror/pkg/fsentry"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// makeSpecialNode creates a FIFO or device node at path.
// FIFOs always get owner-only permissions. Device nodes keep the source's
// permission bits and device number, which usually requires root.
func makeSpecialNode(path string, info fsentry.Info) error {
	switch info.Kind {
	case fsentry.NamedPipe:
		if err := unix.Mkfifo(path, uint32(util.OwnerOnlyPerms)); err != nil {
			return fmt.Errorf("mkfifo %s: %w", path, err)
		}
		// Mkfifo is subject to the umask.
		return os.Chmod(path, util.OwnerOnlyPerms)

	case fsentry.CharDevice:
		return mknodDevice(path, unix.S_IFCHR, info)

	case fsentry.BlockDevice:
		return mknodDevice(path, unix.S_IFBLK, info)

	default:
		return fmt.Errorf("%s is not a special file kind", info.Kind)
	}
}

func mknodDevice(path string, typeBits uint32, info fsentry.Info) error {
	dev := unix.Mkdev(unix.Major(info.Rdev), unix.Minor(info.Rdev))
	if err := unix.Mknod(path, typeBits|uint32(info.Perm), int(dev)); err != nil {
		return fmt.Errorf("mknod %s (%d:%d): %w", path, unix.Major(info.Rdev), unix.Minor(info.Rdev), err)
	}
	return os.Chmod(path, info.Perm)
}
