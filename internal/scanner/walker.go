// Package scanner implements the parallel directory walker and the
// incremental Merkle index over directory metadata, per spec.md §4.3.
package scanner

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// maxChildrenPerDir caps how many children a single directory may
// contribute, preventing a pathological directory from monopolizing a
// worker. Structural signals are detected before the cap is applied.
const maxChildrenPerDir = 65536

// Node is one walked filesystem entry: a raw observation consumed by
// internal/scoring to build a Candidate.
type Node struct {
	Path         string
	IsDir        bool
	SizeBytes    int64
	ModTime      time.Time
	BirthTime    time.Time // zero if unavailable; callers fall back to ModTime
	Device       uint64
	Inode        uint64
	Children     []string // immediate child base names (directories only)
	TruncatedDir bool     // true if this dir exceeded maxChildrenPerDir
}

// EffectiveAge returns the age in seconds used by the non-monotonic age
// score: mtime for files; birth time (falling back to mtime) for
// directories, since an active build cache's mtime updates whenever any
// child changes and would otherwise appear perpetually young.
func (n Node) EffectiveAge(now time.Time) float64 {
	t := n.ModTime
	if n.IsDir && !n.BirthTime.IsZero() {
		t = n.BirthTime
	}
	return now.Sub(t).Seconds()
}

// WalkOptions configures a single walk.
type WalkOptions struct {
	Roots         []string
	CrossDevice   bool
	MaxDepth      int // 0 = unlimited
	ExcludedPaths map[string]bool
	Parallelism   int
}

// dirJob is one unit of the walker's shared work queue.
type dirJob struct {
	path  string
	root  string
	depth int
}

// walkState carries the mutable, shared state of a single Walk call so
// worker goroutines and processDir can share it without a growing
// parameter list.
type walkState struct {
	opts        WalkOptions
	rootDevices map[string]uint64
	queue       chan dirJob
	pending     int64

	mu      sync.Mutex
	results []Node
}

func (s *walkState) enqueue(job dirJob) {
	atomic.AddInt64(&s.pending, 1)
	select {
	case s.queue <- job:
	default:
		// Queue momentarily full: spin a goroutine to deliver without
		// blocking the caller's own worker loop.
		go func() { s.queue <- job }()
	}
}

func (s *walkState) record(n Node) {
	s.mu.Lock()
	s.results = append(s.results, n)
	s.mu.Unlock()
}

// Walk performs a bounded, parallel walk of opts.Roots and returns every
// Node reached, honoring the cross-device guard, symlink safety (symlink
// entries are recorded via Lstat metadata and never followed), the
// per-directory child cap, and configured exclusions.
//
// The queue is a shared channel of directories; workers dequeue with a
// short blocking timeout ("work-stealing via shared queue"), consistent
// with spec.md §4.3.
func Walk(opts WalkOptions) ([]Node, error) {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}

	rootDevices := make(map[string]uint64, len(opts.Roots))
	for _, root := range opts.Roots {
		fi, err := os.Lstat(root)
		if err != nil {
			continue
		}
		rootDevices[root] = deviceOf(fi)
	}

	st := &walkState{
		opts:        opts,
		rootDevices: rootDevices,
		queue:       make(chan dirJob, 4096),
	}

	for _, root := range opts.Roots {
		st.enqueue(dirJob{path: root, root: root, depth: 0})
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	worker := func() {
		defer wg.Done()
		for {
			select {
			case job, ok := <-st.queue:
				if !ok {
					return
				}
				atomic.AddInt64(&st.pending, -1)
				processDir(job, st)
			case <-time.After(50 * time.Millisecond):
				if atomic.LoadInt64(&st.pending) == 0 {
					return
				}
			case <-done:
				return
			}
		}
	}

	for i := 0; i < opts.Parallelism; i++ {
		wg.Add(1)
		go worker()
	}
	wg.Wait()
	close(done)

	return st.results, nil
}

func processDir(job dirJob, st *walkState) {
	opts := st.opts
	path, root, depth := job.path, job.root, job.depth

	if opts.ExcludedPaths[path] {
		return
	}
	if opts.MaxDepth > 0 && depth > opts.MaxDepth {
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return
	}

	if len(entries) > maxChildrenPerDir {
		entries = entries[:maxChildrenPerDir]
	}

	for _, e := range entries {
		childPath := filepath.Join(path, e.Name())
		if opts.ExcludedPaths[childPath] {
			continue
		}

		fi, err := os.Lstat(childPath)
		if err != nil {
			continue
		}

		// Symlink safety: record metadata without following, never enqueue
		// the symlink's target.
		if fi.Mode()&os.ModeSymlink != 0 {
			st.record(Node{
				Path:      childPath,
				IsDir:     false,
				SizeBytes: fi.Size(),
				ModTime:   fi.ModTime(),
				Device:    deviceOf(fi),
				Inode:     inodeOf(fi),
			})
			continue
		}

		dev := deviceOf(fi)
		if !opts.CrossDevice {
			if rd, ok := st.rootDevices[root]; ok && dev != rd {
				continue // cross-device guard
			}
		}

		if fi.IsDir() {
			// Structural fingerprints (e.g. a build/deps co-existence signal)
			// must still be detectable even when truncating, so the child's
			// own names come from its full listing, before the walk's cap.
			var own []string
			ownTruncated := false
			if sub, err := os.ReadDir(childPath); err == nil {
				for _, se := range sub {
					own = append(own, se.Name())
				}
				ownTruncated = len(sub) > maxChildrenPerDir
			}
			st.record(Node{
				Path:         childPath,
				IsDir:        true,
				ModTime:      fi.ModTime(),
				BirthTime:    birthTimeOf(fi),
				Device:       dev,
				Inode:        inodeOf(fi),
				Children:     own,
				TruncatedDir: ownTruncated,
			})
			st.enqueue(dirJob{path: childPath, root: root, depth: depth + 1})
		} else {
			st.record(Node{
				Path:      childPath,
				IsDir:     false,
				SizeBytes: fi.Size(),
				ModTime:   fi.ModTime(),
				Device:    dev,
				Inode:     inodeOf(fi),
			})
		}
	}
}
