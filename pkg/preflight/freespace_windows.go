//go:build windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// availableMB returns the free megabytes on the volume holding path.
func availableMB(path string) (uint64, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("could not convert path %s: %w", path, err)
	}

	var freeBytesAvailable uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, nil, nil); err != nil {
		return 0, fmt.Errorf("could not query free space of %s: %w", path, err)
	}
	return freeBytesAvailable / (1024 * 1024), nil
}
