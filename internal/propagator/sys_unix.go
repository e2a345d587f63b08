//go:build linux || darwin

package propagator

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// freeDiskSpace returns the bytes available to the current user on the
// filesystem containing path, or -1 when it cannot be determined.
func freeDiskSpace(path string) int64 {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return -1
	}
	return int64(st.Bavail) * int64(st.Bsize)
}

// fileInode returns the inode of path, or 0 when unavailable.
func fileInode(path string) uint64 {
	fi, err := os.Lstat(path)
	if err != nil {
		return 0
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
