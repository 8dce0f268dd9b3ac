// Package platform provides the leaf-level OS integration: mount byte
// statistics via statfs(2) and open-file-descriptor discovery used by the
// safety preflight layer before deletion.
package platform

import (
	"time"

	"golang.org/x/sys/unix"
)

// MountStats mirrors spec.md §3's MountStats entity. Created each sample;
// never mutated; short-lived.
type MountStats struct {
	MountRoot      string
	TotalBytes     uint64
	FreeBytes      uint64
	AvailableBytes uint64
	DeviceID       uint64
	SampleInstant  time.Time
}

// Statfs samples mountRoot via statfs(2). The invariant
// available_bytes <= free_bytes <= total_bytes is enforced by clamping
// available to free, since some filesystems report stale/rounded fields
// where the raw kernel values momentarily violate it.
func Statfs(mountRoot string, now time.Time) (MountStats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mountRoot, &st); err != nil {
		return MountStats{}, &Error{Op: "statfs", Path: mountRoot, Err: err}
	}

	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bfree * bsize
	avail := st.Bavail * bsize
	if avail > free {
		avail = free
	}

	dev := deviceID(st)

	return MountStats{
		MountRoot:      mountRoot,
		TotalBytes:     total,
		FreeBytes:      free,
		AvailableBytes: avail,
		DeviceID:       dev,
		SampleInstant:  now,
	}, nil
}

// FreeFraction returns the configured free metric (available or free) as a
// fraction of total, per config.FreeMetric.
func (m MountStats) FreeFraction(useAvailable bool) float64 {
	if m.TotalBytes == 0 {
		return 0
	}
	if useAvailable {
		return float64(m.AvailableBytes) / float64(m.TotalBytes)
	}
	return float64(m.FreeBytes) / float64(m.TotalBytes)
}

// Error is the runtime/IO error kind for platform operations, carrying the
// operation, the path and the underlying error; Retryable derives a
// retryable flag from that error.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return "platform: " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the underlying syscall error is transient.
func (e *Error) Retryable() bool {
	return e.Err == unix.EINTR || e.Err == unix.EAGAIN
}
