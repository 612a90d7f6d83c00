//go:build windows

package lockfile

import (
	"golang.org/x/sys/windows"
)

// processAlive reports whether a process with the given pid exists. An
// access-denied error still means the process exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return err == windows.ERROR_ACCESS_DENIED
	}
	windows.CloseHandle(h)
	return true
}
