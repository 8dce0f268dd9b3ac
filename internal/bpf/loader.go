// Package bpf provides an optional accelerated fast path for open-file-
// descriptor discovery (spec.md §4.5's preflight check (e)): a CO-RE BPF
// program that walks the kernel's open file table once and populates a
// map of (device, inode) pairs, avoiding a userspace /proc/<pid>/fd walk.
// Any load, verify, or attach failure falls back transparently to
// internal/platform's portable /proc walk — this path is pure
// acceleration, never a correctness requirement.
//
// Grounded on the teacher's internal/bpf/loader.go: kernel-version guard,
// CO-RE collection load via cilium/ebpf, map pinning under a dedicated
// bpffs directory, typed Objects wrapper with idempotent Close. Unlike
// the teacher's LSM-hook attachment (continuous enforcement), this
// program is invoked for one point-in-time snapshot per scan cycle, so
// there are no links to keep attached between calls.
package bpf

import (
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/sbh-guard/sbh-guard/internal/platform"
)

const (
	// PinPath is the bpffs directory maps are pinned under.
	PinPath = "/sys/fs/bpf/sbh-guard"

	// MinKernelMajor and MinKernelMinor gate availability of the fast path;
	// below this the caller should not even attempt Load.
	MinKernelMajor = 5
	MinKernelMinor = 8

	// openInodesMapName is the BPF map name holding (device,inode) keys
	// populated by the kernel-side walk.
	openInodesMapName = "open_inodes_map"
)

// Objects holds the loaded map used for open-fd snapshots. Callers must
// call Close() when done.
type Objects struct {
	OpenInodes *ebpf.Map
}

// Load loads the CO-RE object file at objPath and pins its maps under
// PinPath. Returns an error (never a partial Objects) on any failure —
// callers should fall back to platform.DiscoverOpenFDs.
func Load(objPath string) (*Objects, error) {
	if _, err := os.Stat(objPath); err != nil {
		return nil, fmt.Errorf("bpf: object file %q unavailable: %w", objPath, err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("bpf: load collection spec: %w", err)
	}

	if err := os.MkdirAll(PinPath, 0o700); err != nil {
		return nil, fmt.Errorf("bpf: mkdir pin path %q: %w", PinPath, err)
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Maps: ebpf.MapOptions{PinPath: PinPath},
	})
	if err != nil {
		return nil, fmt.Errorf("bpf: load collection: %w", err)
	}

	m, ok := coll.Maps[openInodesMapName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("bpf: map %q not present in collection", openInodesMapName)
	}

	return &Objects{OpenInodes: m}, nil
}

// Close releases the map's file descriptor. Safe to call multiple times.
func (o *Objects) Close() error {
	if o.OpenInodes == nil {
		return nil
	}
	err := o.OpenInodes.Close()
	o.OpenInodes = nil
	return err
}

// KernelVersionSupported reports whether the running kernel is new enough
// to attempt the fast path.
func KernelVersionSupported() bool {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return false
	}
	major, minor := parseRelease(uts.Release)
	if major > MinKernelMajor {
		return true
	}
	return major == MinKernelMajor && minor >= MinKernelMinor
}

func parseRelease(release [65]byte) (major, minor int) {
	s := string(release[:])
	var end int
	for end < len(s) && s[end] != 0 {
		end++
	}
	s = s[:end]

	var i int
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		major = major*10 + int(s[i]-'0')
		i++
	}
	if i >= len(s) || s[i] != '.' {
		return major, 0
	}
	i++
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		minor = minor*10 + int(s[i]-'0')
		i++
	}
	return major, minor
}

// Snapshot dumps the open_inodes_map into a platform.OpenFDSet, iterating
// the whole map (bounded by the kernel's own table, not by userspace
// walk limits).
func (o *Objects) Snapshot() (*platform.OpenFDSet, error) {
	if o.OpenInodes == nil {
		return nil, fmt.Errorf("bpf: objects already closed")
	}

	set := &platform.OpenFDSet{}
	var key mapKey
	var value uint8
	it := o.OpenInodes.Iterate()
	for it.Next(&key, &value) {
		set.Add(key.Device, key.Inode)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("bpf: iterate open_inodes_map: %w", err)
	}
	return set, nil
}

// mapKey mirrors the BPF map's key struct: a (device, inode) pair.
type mapKey struct {
	Device uint64
	Inode  uint64
}
