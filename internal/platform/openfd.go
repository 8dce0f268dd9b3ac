package platform

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Inode identifies an open file by (device, inode) pair, matching the
// device/inode fields the scanner's Merkle index already tracks.
type Inode struct {
	Device uint64
	Inode  uint64
}

// OpenFDSet is the bounded, conservative set of currently-open (device,
// inode) pairs built from platform process introspection, per spec.md
// §4.3. A partial set (wall-time or pid-count exhausted) is still returned;
// callers must treat unknown descendants as possibly-open rather than
// assuming absence means closed.
type OpenFDSet struct {
	inodes  map[Inode]struct{}
	Partial bool
}

// Contains reports whether (device, inode) is in the open set.
func (s *OpenFDSet) Contains(device, inode uint64) bool {
	if s == nil {
		return false
	}
	_, ok := s.inodes[Inode{Device: device, Inode: inode}]
	return ok
}

// Add records (device, inode) as open. Used by alternate discovery paths
// (e.g. the bpf package's kernel-side snapshot) to build a set outside
// this package.
func (s *OpenFDSet) Add(device, inode uint64) {
	if s.inodes == nil {
		s.inodes = make(map[Inode]struct{})
	}
	s.inodes[Inode{Device: device, Inode: inode}] = struct{}{}
}

const (
	maxWallTime = 5 * time.Second
	maxPIDs     = 50000
)

// DiscoverOpenFDs walks /proc/<pid>/fd for every numeric pid directory under
// procRoot (normally "/proc"), bounded by a 5s wall-time budget and 50,000
// pids. On timeout or pid-count exhaustion it returns the partial set built
// so far with Partial=true.
func DiscoverOpenFDs(procRoot string) (*OpenFDSet, error) {
	deadline := time.Now().Add(maxWallTime)
	set := &OpenFDSet{inodes: make(map[Inode]struct{})}

	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, fmt.Errorf("platform: read %s: %w", procRoot, err)
	}

	scanned := 0
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(ent.Name()); err != nil {
			continue // not a pid directory
		}
		if scanned >= maxPIDs {
			set.Partial = true
			break
		}
		if time.Now().After(deadline) {
			set.Partial = true
			break
		}
		scanned++

		fdDir := procRoot + "/" + ent.Name() + "/fd"
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			// Process exited or permission denied between ReadDir calls:
			// not fatal, just incomplete for this pid.
			continue
		}
		for _, fd := range fds {
			target, err := os.Readlink(fdDir + "/" + fd.Name())
			if err != nil {
				continue
			}
			if strings.HasPrefix(target, "socket:") || strings.HasPrefix(target, "pipe:") ||
				strings.HasPrefix(target, "anon_inode:") {
				continue
			}
			var st syscall.Stat_t
			if err := syscall.Stat(target, &st); err != nil {
				continue
			}
			set.inodes[Inode{Device: uint64(st.Dev), Inode: st.Ino}] = struct{}{}
		}
	}

	return set, nil
}
