//go:build !unix

package fsentry

import "io/fs"

// platformOwnerAndDevice has no uid or device numbers to report on this platform.
func platformOwnerAndDevice(fi fs.FileInfo) (uint32, uint64) {
	return 0, 0
}
