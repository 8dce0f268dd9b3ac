// Package ballast implements the per-volume ballast file pool: provision,
// release, replenish, and verify, per spec.md §4.6.
//
// Header layout: first 4096 bytes are a JSON header
// {magic, version, index, created_instant, declared_size}. The remainder
// is either preallocated opaque blocks (filesystems supporting efficient
// preallocation) or randomized 4 MiB chunks (copy-on-write filesystems that
// would otherwise deduplicate zeroed extents).
package ballast

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	HeaderSize = 4096
	magic      = "SBHBALLAST"
	version    = 1
	chunkSize  = 4 << 20 // 4 MiB
)

// header is the first HeaderSize bytes of every ballast file.
type header struct {
	Magic         string `json:"magic"`
	Version       int    `json:"version"`
	Index         int    `json:"index"`
	CreatedInstant int64 `json:"created_instant"`
	DeclaredSize  int64  `json:"declared_size"`
}

// File describes one provisioned ballast file, mirroring spec.md §3's
// BallastFile entity.
type File struct {
	VolumeRoot string
	Index      int
	SizeBytes  int64
	CreatedAt  time.Time
	path       string
}

// Pool manages the ballast files for a single volume. All provision,
// release, replenish, and verify operations on a volume are serialized by
// an advisory file lock on a per-volume lockfile, so the CLI cannot race
// the daemon (spec.md §4.6).
type Pool struct {
	mu sync.Mutex

	VolumeRoot  string
	FilePrefix  string
	FileSizeMB  int
	TargetCount int

	lockPath string

	files          []*File
	releasedSinceGreen int
	lastReplenish  time.Time
	replenishCooldown time.Duration
}

// NewPool creates a Pool for volumeRoot.
func NewPool(volumeRoot string, targetCount, fileSizeMB int, replenishCooldown time.Duration) *Pool {
	return &Pool{
		VolumeRoot:        volumeRoot,
		FilePrefix:        "sbh-ballast-",
		FileSizeMB:        fileSizeMB,
		TargetCount:       targetCount,
		lockPath:          filepath.Join(volumeRoot, ".sbh-ballast.lock"),
		replenishCooldown: replenishCooldown,
	}
}

// Inventory returns the number and total bytes of currently provisioned
// ballast files.
func (p *Pool) Inventory() (count int, totalBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.files {
		totalBytes += f.SizeBytes
	}
	return len(p.files), totalBytes
}

// withVolumeLock serializes fn against every other process touching this
// volume's ballast pool via an advisory flock on the per-volume lockfile.
func (p *Pool) withVolumeLock(fn func() error) error {
	lf, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("ballast: open lockfile: %w", err)
	}
	defer lf.Close()

	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("ballast: flock: %w", err)
	}
	defer unix.Flock(int(lf.Fd()), unix.LOCK_UN)

	return fn()
}

// freeFraction is injected so Provision's 20% refusal floor can be tested
// without touching a real filesystem.
type freeFractionFunc func(volumeRoot string) (float64, error)

// Provision creates up to TargetCount-len(files) new ballast files.
// Refuses to provision while the volume's free fraction is below 20%
// (never worsen the condition being defended).
func (p *Pool) Provision(freeFraction freeFractionFunc) error {
	return p.withVolumeLock(func() error {
		p.mu.Lock()
		need := p.TargetCount - len(p.files)
		nextIndex := len(p.files)
		p.mu.Unlock()

		if need <= 0 {
			return nil
		}

		frac, err := freeFraction(p.VolumeRoot)
		if err != nil {
			return fmt.Errorf("ballast: free fraction: %w", err)
		}
		if frac < 0.20 {
			return fmt.Errorf("ballast: refusing to provision, volume free fraction %.2f < 0.20", frac)
		}

		for i := 0; i < need; i++ {
			f, err := p.provisionOne(nextIndex + i)
			if err != nil {
				return err
			}
			p.mu.Lock()
			p.files = append(p.files, f)
			p.mu.Unlock()
		}
		return nil
	})
}

func (p *Pool) provisionOne(index int) (*File, error) {
	declaredSize := int64(p.FileSizeMB) << 20
	if declaredSize < HeaderSize {
		return nil, fmt.Errorf("ballast: declared size %d below header size %d", declaredSize, HeaderSize)
	}
	fileSize := declaredSize + HeaderSize

	path := filepath.Join(p.VolumeRoot, fmt.Sprintf("%s%06d", p.FilePrefix, index))
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("ballast: create %s: %w", tmp, err)
	}
	defer f.Close()

	now := time.Now()
	hdr := header{Magic: magic, Version: version, Index: index, CreatedInstant: now.Unix(), DeclaredSize: declaredSize}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("ballast: marshal header: %w", err)
	}
	padded := make([]byte, HeaderSize)
	copy(padded, hdrBytes)
	if _, err := f.Write(padded); err != nil {
		return nil, fmt.Errorf("ballast: write header: %w", err)
	}

	if err := f.Truncate(fileSize); err != nil {
		return nil, fmt.Errorf("ballast: truncate: %w", err)
	}

	// offset = HEADER_SIZE, length = file_size - HEADER_SIZE. Never
	// allocate using the total file size at offset 0 (off-by-header bug).
	allocLen := fileSize - HeaderSize
	if err := unix.Fallocate(int(f.Fd()), 0, HeaderSize, allocLen); err != nil {
		// Fallocate unsupported (e.g. copy-on-write filesystem that would
		// deduplicate zeroed extents): write randomized chunks so unlinking
		// actually reclaims physical blocks.
		if err := writeRandomChunks(f, allocLen); err != nil {
			os.Remove(tmp)
			return nil, fmt.Errorf("ballast: randomized fill: %w", err)
		}
	}

	if err := f.Sync(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("ballast: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("ballast: close: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("ballast: rename: %w", err)
	}

	return &File{VolumeRoot: p.VolumeRoot, Index: index, SizeBytes: fileSize, CreatedAt: now, path: path}, nil
}

func writeRandomChunks(f *os.File, total int64) error {
	if _, err := f.Seek(HeaderSize, 0); err != nil {
		return err
	}
	buf := make([]byte, chunkSize)
	var written int64
	for written < total {
		n := chunkSize
		if remaining := total - written; remaining < int64(n) {
			n = int(remaining)
		}
		if _, err := rand.Read(buf[:n]); err != nil {
			return err
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return err
		}
		written += int64(n)
	}
	return nil
}

// ReleaseTier returns the number of files to release for a given urgency,
// per spec.md §4.6: <0.3 -> 0; <0.6 -> 1; <0.9 -> 3; otherwise all.
func ReleaseTier(urgency float64, available int) int {
	switch {
	case urgency < 0.3:
		return 0
	case urgency < 0.6:
		return min(1, available)
	case urgency < 0.9:
		return min(3, available)
	default:
		return available
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Release unlinks up to n ballast files, updating inventory atomically
// under the per-volume lock. Returns the number actually released.
func (p *Pool) Release(n int) (int, error) {
	released := 0
	err := p.withVolumeLock(func() error {
		p.mu.Lock()
		defer p.mu.Unlock()

		for i := 0; i < n && len(p.files) > 0; i++ {
			last := p.files[len(p.files)-1]
			if err := os.Remove(last.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("ballast: unlink %s: %w", last.path, err)
			}
			p.files = p.files[:len(p.files)-1]
			released++
		}
		p.releasedSinceGreen += released
		return nil
	})
	return released, err
}

// Replenish provisions at most one file per cycle, bounded by a cooldown,
// capped to the number released since the last Green interval (no churn).
// Callers must only invoke this while pressure is Green.
func (p *Pool) Replenish(now time.Time, freeFraction freeFractionFunc) (bool, error) {
	p.mu.Lock()
	if p.releasedSinceGreen <= 0 {
		p.mu.Unlock()
		return false, nil
	}
	if now.Sub(p.lastReplenish) < p.replenishCooldown {
		p.mu.Unlock()
		return false, nil
	}
	nextIndex := len(p.files)
	p.mu.Unlock()

	var created *File
	err := p.withVolumeLock(func() error {
		frac, err := freeFraction(p.VolumeRoot)
		if err != nil {
			return err
		}
		if frac < 0.20 {
			return nil // silently defer; will retry next cycle
		}
		f, err := p.provisionOne(nextIndex)
		if err != nil {
			return err
		}
		created = f
		return nil
	})
	if err != nil {
		return false, err
	}
	if created == nil {
		return false, nil
	}

	p.mu.Lock()
	p.files = append(p.files, created)
	p.releasedSinceGreen--
	p.lastReplenish = now
	p.mu.Unlock()
	return true, nil
}

// NotifyGreenInterval resets the released-since-Green counter, called by
// the daemon loop whenever a full Green interval with no releases elapses.
func (p *Pool) NotifyGreenInterval() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releasedSinceGreen = 0
}

// Verify prunes orphan files when the configured count has shrunk below
// the number of files currently on disk.
func (p *Pool) Verify() error {
	return p.withVolumeLock(func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		for len(p.files) > p.TargetCount {
			last := p.files[len(p.files)-1]
			if err := os.Remove(last.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("ballast: prune orphan %s: %w", last.path, err)
			}
			p.files = p.files[:len(p.files)-1]
		}
		return nil
	})
}
