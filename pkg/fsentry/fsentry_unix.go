//go:build unix

package fsentry

import (
	"io/fs"
	"syscall"
)

// platformOwnerAndDevice pulls the owner uid and raw device number out of the stat payload.
func platformOwnerAndDevice(fi fs.FileInfo) (uint32, uint64) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return st.Uid, uint64(st.Rdev)
}
