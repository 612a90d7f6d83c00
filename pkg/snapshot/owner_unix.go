//go:build !windows

package snapshot

import (
	"golang.org/x/sys/unix"
)

// ownerIDs reads the owning uid/gid of path without following symlinks.
func ownerIDs(path string) (uid, gid int, ok bool) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return 0, 0, false
	}
	return int(st.Uid), int(st.Gid), true
}
