//go:build !windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// availableMB returns the free megabytes on the filesystem holding path.
func availableMB(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("could not stat filesystem of %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize) / (1024 * 1024), nil
}
