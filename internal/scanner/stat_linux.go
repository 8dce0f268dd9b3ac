//go:build linux

package scanner

import (
	"os"
	"syscall"
	"time"
)

func deviceOf(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev)
	}
	return 0
}

func inodeOf(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

// birthTimeOf returns the filesystem birth time when the platform's stat
// structure exposes one. Linux's syscall.Stat_t has no portable birth-time
// field across filesystems (ext4 stores it but glibc/Go do not surface it
// uniformly), so this returns the zero Time and callers fall back to
// ModTime, matching spec.md §4.4's stated fallback behavior.
func birthTimeOf(fi os.FileInfo) time.Time {
	return time.Time{}
}
