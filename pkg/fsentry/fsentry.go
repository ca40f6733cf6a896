// Package fsentry reads the metadata of a single directory entry exactly once and
// classifies it into a closed set of file kinds. Symlinks are never followed.
package fsentry

import (
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Kind is the closed set of filesystem object types the mirror knows how to handle.
type Kind int

const (
	Unknown Kind = iota
	Regular
	Directory
	Symlink
	NamedPipe
	CharDevice
	BlockDevice
	Socket
)

var kindToString = map[Kind]string{
	Unknown:     "unknown",
	Regular:     "file",
	Directory:   "dir",
	Symlink:     "symlink",
	NamedPipe:   "fifo",
	CharDevice:  "chardev",
	BlockDevice: "blockdev",
	Socket:      "socket",
}

var stringToKind map[string]Kind

func init() {
	stringToKind = util.InvertMap(kindToString)
}

func (k Kind) String() string {
	if str, ok := kindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	if k, ok := stringToKind[s]; ok {
		return k, nil
	}
	return Unknown, fmt.Errorf("invalid file kind: %q", s)
}

// KindFromMode classifies the type bits of an fs.FileMode.
func KindFromMode(m fs.FileMode) Kind {
	switch {
	case m.IsRegular():
		return Regular
	case m&fs.ModeDir != 0:
		return Directory
	case m&fs.ModeSymlink != 0:
		return Symlink
	case m&fs.ModeNamedPipe != 0:
		return NamedPipe
	case m&fs.ModeSocket != 0:
		return Socket
	case m&fs.ModeDevice != 0:
		if m&fs.ModeCharDevice != 0 {
			return CharDevice
		}
		return BlockDevice
	default:
		return Unknown
	}
}

// Info is the metadata of one entry, captured by a single Lstat.
type Info struct {
	Name    string
	Kind    Kind
	Perm    fs.FileMode // permission bits only
	Size    int64
	ModTime time.Time
	UID     uint32
	Rdev    uint64 // device number for CharDevice/BlockDevice, 0 otherwise

	// fi is kept so callers can run os.SameFile and build tar headers without a second stat.
	fi fs.FileInfo
}

// FileInfo returns the underlying os.FileInfo captured by Lstat.
func (i Info) FileInfo() fs.FileInfo {
	return i.fi
}

// Lstat reads the metadata of path without following symlinks.
func Lstat(path string) (Info, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return Info{}, err
	}
	return FromFileInfo(fi), nil
}

// FromFileInfo converts an Lstat result into an Info.
func FromFileInfo(fi fs.FileInfo) Info {
	info := Info{
		Name:    fi.Name(),
		Kind:    KindFromMode(fi.Mode()),
		Perm:    fi.Mode().Perm(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		fi:      fi,
	}
	info.UID, info.Rdev = platformOwnerAndDevice(fi)
	return info
}
