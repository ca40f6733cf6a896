// Package preflight provides the checks that run before a backup touches the filesystem.
// Apart from creating a missing destination directory, none of them change the
// system's state.
package preflight

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Validator runs the checks selected by its Plan.
type Validator struct {
	plan Plan
}

// NewValidator returns a Validator for the given plan.
func NewValidator(p Plan) *Validator {
	return &Validator{plan: p}
}

// Validate checks the absolute source and destination paths of a run. On success the
// destination directory exists.
func (v *Validator) Validate(absSourcePath, absTargetPath string) error {
	if v.plan.SourceAccessible {
		if err := CheckSourceAccessible(absSourcePath); err != nil {
			return err
		}
	}
	if v.plan.PathNesting {
		if err := CheckPathNesting(absSourcePath, absTargetPath); err != nil {
			return err
		}
	}
	if v.plan.TargetAccessible {
		if err := CheckTargetAccessible(absTargetPath); err != nil {
			return err
		}
	}
	if v.plan.EnsureTargetExists {
		if err := EnsureTarget(absTargetPath); err != nil {
			return err
		}
	}
	if v.plan.TargetWriteable {
		if err := CheckTargetWritable(absTargetPath); err != nil {
			return err
		}
	}
	return nil
}

// CheckSourceAccessible validates that the source path exists and is a directory.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	return nil
}

// CheckTargetAccessible performs pre-flight checks to ensure the destination is usable.
// It provides more user-friendly errors than letting os.MkdirAll fail.
//
// The checks include:
//  1. The path must not be the current directory or a bare filesystem root.
//  2. On Windows, the drive or network share (e.g., "Z:", "\\Server\Share") must exist.
//  3. If the path exists, it must be a directory.
//  4. If it does not exist, its deepest existing ancestor must be an accessible directory,
//     so the missing levels can be created.
func CheckTargetAccessible(targetPath string) error {
	if isUnsafeRoot(filepath.Clean(targetPath)) {
		return fmt.Errorf("target path cannot be the current directory or a filesystem root: %s", targetPath)
	}

	if err := checkVolumeMounted(targetPath); err != nil {
		return err
	}

	info, err := os.Stat(targetPath)
	if os.IsNotExist(err) {
		// Find the Deepest Existing Ancestor
		ancestor := filepath.Dir(targetPath)
		for {
			_, err := os.Stat(ancestor)
			if err == nil {
				break
			}
			if !os.IsNotExist(err) {
				return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
			}
			parent := filepath.Dir(ancestor)
			if parent == ancestor {
				return fmt.Errorf("no existing ancestor directory for target path %s", targetPath)
			}
			ancestor = parent
		}

		ancestorInfo, err := os.Stat(ancestor)
		if err != nil {
			return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
		}
		if !ancestorInfo.IsDir() {
			return fmt.Errorf("ancestor %s of target path is not a directory", ancestor)
		}
		// Listing proves we may traverse it, os.Stat alone does not.
		f, err := os.Open(ancestor)
		if err != nil {
			return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
		}
		defer f.Close()
		if _, err := f.Readdirnames(1); err != nil && err != io.EOF {
			return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access target path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}
	return nil
}

// CheckPathNesting rejects a destination inside the source and a source inside the
// destination. Either would make the walk copy its own output.
func CheckPathNesting(absSourcePath, absTargetPath string) error {
	if util.IsUnder(absSourcePath, absTargetPath) {
		return fmt.Errorf("target path %s is inside source path %s", absTargetPath, absSourcePath)
	}
	if util.IsUnder(absTargetPath, absSourcePath) {
		return fmt.Errorf("source path %s is inside target path %s", absSourcePath, absTargetPath)
	}
	return nil
}

// EnsureTarget creates the destination directory if it is missing. A destination that
// already holds entries is only worth a warning: its contents get overwritten where
// names collide.
func EnsureTarget(targetPath string) error {
	if err := os.MkdirAll(targetPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", targetPath, err)
	}

	f, err := os.Open(targetPath)
	if err != nil {
		return fmt.Errorf("cannot open target directory %s: %w", targetPath, err)
	}
	defer f.Close()

	names, err := f.Readdirnames(1)
	if err != nil && err != io.EOF {
		return fmt.Errorf("cannot list target directory %s: %w", targetPath, err)
	}
	if len(names) > 0 {
		plog.Warn("Destination directory is not empty, existing entries may be overwritten", "path", targetPath)
	}
	return nil
}

// CheckTargetWritable verifies that the existing target directory accepts new files.
func CheckTargetWritable(targetPath string) error {
	info, err := os.Stat(targetPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("target directory does not exist: %s", targetPath)
	} else if err != nil {
		return fmt.Errorf("cannot access target path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}

	// Perform a thorough write check by creating and deleting a temporary file.
	f, err := os.CreateTemp(targetPath, ".pgl-mirror-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	f.Close()
	_ = os.Remove(f.Name())
	return nil
}
