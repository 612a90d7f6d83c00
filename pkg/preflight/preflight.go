// Package preflight runs the checks a backup run depends on before any
// filesystem state is touched. The checks are idempotent; the only mutation
// is creating the target root when it does not exist yet.
package preflight

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mhoffm/backupd/pkg/plog"
	"github.com/mhoffm/backupd/pkg/util"
)

// ErrSourceMissing marks a source directory that does not exist.
var ErrSourceMissing = errors.New("source directory does not exist")

// spaceSafetyFactor pads the measured source size to cover filesystem
// overhead and the temporary coexistence of a snapshot and its archive.
const spaceSafetyFactor = 1.1

// CheckSourceAccessible validates that the source path exists and is a
// directory.
func CheckSourceAccessible(srcPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s: %w", srcPath, ErrSourceMissing)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	return nil
}

// CheckTargetWritable ensures the target root can be created and is writable
// by creating and deleting a probe file.
func CheckTargetWritable(targetRoot string) error {
	if err := os.MkdirAll(targetRoot, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", targetRoot, err)
	}

	probe := filepath.Join(targetRoot, ".backupd-writetest.tmp")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetRoot, err)
	}
	f.Close()
	_ = os.Remove(probe)
	return nil
}

// CheckFreeSpace fails when the filesystem holding targetRoot cannot hold a
// padded copy of the source plus the configured minimum headroom.
func CheckFreeSpace(srcPath, targetRoot string, minFreeSpaceMB int) error {
	avail, err := availableMB(targetRoot)
	if err != nil {
		return err
	}

	srcMB := sourceSizeMB(srcPath)
	required := uint64(float64(srcMB) * spaceSafetyFactor)
	if minFreeSpaceMB > 0 {
		required += uint64(minFreeSpaceMB)
	}

	if avail < required {
		return fmt.Errorf("not enough free space on %s: %d MB available, %d MB required",
			targetRoot, avail, required)
	}

	plog.Debug("Free space check passed",
		"target", targetRoot,
		"availableMB", avail,
		"requiredMB", required,
	)
	return nil
}

// sourceSizeMB sums the regular file sizes under srcPath. Unreadable
// subtrees are skipped; the copy stage reports them properly later.
func sourceSizeMB(srcPath string) uint64 {
	var total uint64
	_ = filepath.WalkDir(srcPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total / (1024 * 1024)
}

// Check runs every preflight check for one run.
func Check(srcPath, targetRoot string, minFreeSpaceMB int) error {
	if err := CheckSourceAccessible(srcPath); err != nil {
		return err
	}
	if err := CheckTargetWritable(targetRoot); err != nil {
		return err
	}
	return CheckFreeSpace(srcPath, targetRoot, minFreeSpaceMB)
}
