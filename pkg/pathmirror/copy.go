package pathmirror

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/fsentry"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// secureFileOpen verifies that the file at path is the same one we expected (TOCTOU check).
// This prevents copying a different file, or following a symlink, that was swapped in after Lstat.
func secureFileOpen(absFilePath string, expected fsentry.Info) (*os.File, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, err
	}

	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat opened file: %w", err)
	}

	if expected.FileInfo() != nil && !os.SameFile(expected.FileInfo(), openedInfo) {
		f.Close()
		return nil, fmt.Errorf("file changed during mirror (TOCTOU): %s", absFilePath)
	}
	if !openedInfo.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("file is no longer a regular file: %s", absFilePath)
	}
	return f, nil
}

// removeExisting deletes whatever object currently sits at absTrgPath.
func removeExisting(absTrgPath string) error {
	if _, err := os.Lstat(absTrgPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cannot inspect existing destination %s: %w", absTrgPath, err)
	}
	if err := os.RemoveAll(absTrgPath); err != nil {
		return fmt.Errorf("failed to remove existing destination %s: %w", absTrgPath, err)
	}
	return nil
}

// removeIfDirectory clears a destination directory that would block a rename onto its name.
func removeIfDirectory(absTrgPath string) error {
	fi, err := os.Lstat(absTrgPath)
	if err != nil || !fi.IsDir() {
		return nil
	}
	if err := os.RemoveAll(absTrgPath); err != nil {
		return fmt.Errorf("failed to remove directory in the way at %s: %w", absTrgPath, err)
	}
	return nil
}

// copyFile copies a regular file byte-for-byte, overwriting any existing destination.
// It ensures atomicity by writing to a temporary file first and then renaming it.
func (m *PathMirror) copyFile(absSrcPath, absTrgPath string, info fsentry.Info) error {
	// 1. Open source file.
	in, err := secureFileOpen(absSrcPath, info)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", absSrcPath, err)
	}
	defer in.Close()

	if err := removeIfDirectory(absTrgPath); err != nil {
		return err
	}

	absTrgDir := filepath.Dir(absTrgPath)

	// 2. Create a temporary file in the destination directory.
	out, err := os.CreateTemp(absTrgDir, ".pgl-mirror-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", absTrgDir, err)
	}
	defer out.Close() // Ensure closed on error.

	absTempPath := out.Name()
	// If the rename succeeds, absTempPath is cleared and this becomes a no-op.
	defer func() {
		if absTempPath != "" {
			os.Remove(absTempPath)
		}
	}()

	// 3. Copy content
	bufPtr := m.buffers.Get()
	defer m.buffers.Put(bufPtr)

	bytesWritten, err := io.CopyBuffer(out, in, *bufPtr)
	if err != nil {
		return fmt.Errorf("failed to copy content from %s to %s: %w", absSrcPath, absTempPath, err)
	}
	m.metrics.AddBytesWritten(bytesWritten)

	// 4. Copy file permissions from the source, keeping the owner-write bit so
	// the next run can overwrite the file.
	if err := out.Chmod(util.WithUserWritePermission(info.Perm)); err != nil {
		return fmt.Errorf("failed to set permissions on temporary file %s: %w", absTempPath, err)
	}

	// 5. Close before Chtimes, flushing may touch the modification time.
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", absTempPath, err)
	}

	// 6. Copy file timestamps
	if err := os.Chtimes(absTempPath, info.ModTime, info.ModTime); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", absTempPath, err)
	}

	// 7. Atomically move the temporary file to the final destination.
	if err := os.Rename(absTempPath, absTrgPath); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", absTempPath, absTrgPath, err)
	}

	absTempPath = ""
	return nil
}

// recreateSymlink reads the link target of absSrcPath and creates an identical,
// undereferenced link at absTrgPath, replacing whatever was there.
func (m *PathMirror) recreateSymlink(absSrcPath, absTrgPath string) error {
	target, err := os.Readlink(absSrcPath)
	if err != nil {
		return fmt.Errorf("failed to read link %s: %w", absSrcPath, err)
	}

	if err := removeIfDirectory(absTrgPath); err != nil {
		return err
	}

	absTrgDir := filepath.Dir(absTrgPath)

	// Generate a temp name.
	f, err := os.CreateTemp(absTrgDir, ".pgl-mirror-symlink-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to generate temp name for symlink: %w", err)
	}
	tempName := f.Name()
	f.Close()
	// os.CreateTemp creates a regular file. We only need the unique name.
	os.Remove(tempName)

	defer func() {
		if tempName != "" {
			os.Remove(tempName)
		}
	}()

	if err := os.Symlink(target, tempName); err != nil {
		if runtime.GOOS == "windows" && strings.Contains(err.Error(), "privilege") {
			return fmt.Errorf("failed to create symlink (requires Admin or Developer Mode): %w", err)
		}
		return fmt.Errorf("failed to create symlink %s -> %s: %w", tempName, target, err)
	}

	if err := os.Rename(tempName, absTrgPath); err != nil {
		return fmt.Errorf("failed to rename temp symlink to %s: %w", absTrgPath, err)
	}

	tempName = "" // Prevent deferred removal
	return nil
}

// recreateSpecialNode replaces absTrgPath with a FIFO or device node matching info.
func (m *PathMirror) recreateSpecialNode(absTrgPath string, info fsentry.Info) error {
	if err := removeExisting(absTrgPath); err != nil {
		return err
	}
	return makeSpecialNode(absTrgPath, info)
}
