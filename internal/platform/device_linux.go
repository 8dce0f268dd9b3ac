//go:build linux

package platform

import "golang.org/x/sys/unix"

// deviceID packs statfs's two-int32 Fsid into a single uint64 for use as a
// MountStats identity key.
func deviceID(st unix.Statfs_t) uint64 {
	return uint64(uint32(st.Fsid.Val[0]))<<32 | uint64(uint32(st.Fsid.Val[1]))
}
