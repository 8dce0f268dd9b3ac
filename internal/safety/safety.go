// Package safety implements the layered veto system of spec.md §4.5: the
// protection registry gate, per-candidate preflight checks, the circuit
// breaker, and repeat-deletion dampening. Any single layer may veto a
// deletion; vetoes are always logged, never treated as errors.
//
// Grounded on the teacher's internal/governance/constitutional.go
// ConstitutionalKernel: an ordered list of independent checks that can
// each veto, the same discipline applied here to deletion candidates
// instead of escalation decisions.
package safety

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sbh-guard/sbh-guard/internal/pattern"
	"github.com/sbh-guard/sbh-guard/internal/platform"
)

// PreflightResult is the outcome of the per-candidate preflight check.
type PreflightResult struct {
	OK     bool
	Reason string
}

// Preflight runs the ordered checks (a)-(e) from spec.md §4.5 at deletion
// time: target still exists (via symlink-metadata), not a symlink, parent
// writable, no .git child anywhere in the subtree, no descendant inode in
// the open-fd set (bounded DFS capped at ~20000 inodes).
func Preflight(path string, children []string, openFDs *platform.OpenFDSet, descendantInodes func(path string, cap int) []platform.Inode) PreflightResult {
	fi, err := os.Lstat(path)
	if err != nil {
		return PreflightResult{OK: false, Reason: "target no longer exists"}
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return PreflightResult{OK: false, Reason: "target is a symlink"}
	}

	parent := filepath.Dir(path)
	parentFi, err := os.Stat(parent)
	if err != nil {
		return PreflightResult{OK: false, Reason: "parent directory unreadable"}
	}
	if parentFi.Mode().Perm()&0200 == 0 {
		return PreflightResult{OK: false, Reason: "parent not writable"}
	}

	if pattern.HasGitChild(children) {
		return PreflightResult{OK: false, Reason: "contains .git descendant"}
	}
	gitBelow := false
	_ = filepath.WalkDir(path, func(p string, de fs.DirEntry, err error) error {
		if err == nil && p != path && de.Name() == ".git" {
			gitBelow = true
			return filepath.SkipAll
		}
		return nil
	})
	if gitBelow {
		return PreflightResult{OK: false, Reason: "contains .git descendant"}
	}

	const descendantInodeCap = 20000
	if openFDs != nil && descendantInodes != nil {
		if openFDs.Partial {
			return PreflightResult{OK: false, Reason: "open descriptor set incomplete"}
		}
		for _, in := range descendantInodes(path, descendantInodeCap) {
			if openFDs.Contains(in.Device, in.Inode) {
				return PreflightResult{OK: false, Reason: "open descriptor"}
			}
		}
	}

	return PreflightResult{OK: true}
}

// CircuitBreaker halts the executor batch after 3 consecutive *errors*
// (never skips/vetoes) and imposes a cooldown before resuming.
type CircuitBreaker struct {
	mu              sync.Mutex
	consecutiveErrs int
	cooldownUntil   time.Time
	threshold       int
	cooldown        time.Duration
}

// NewCircuitBreaker creates a breaker with the spec default: 3 consecutive
// errors, 30s cooldown.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{threshold: 3, cooldown: 30 * time.Second}
}

// Open reports whether the breaker is currently open (executor must not
// proceed) at instant now.
func (b *CircuitBreaker) Open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Before(b.cooldownUntil)
}

// RecordError registers a runtime error (not a skip/veto). Returns true if
// this trip opened the breaker.
func (b *CircuitBreaker) RecordError(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveErrs++
	if b.consecutiveErrs >= b.threshold {
		b.cooldownUntil = now.Add(b.cooldown)
		b.consecutiveErrs = 0
		return true
	}
	return false
}

// RecordSuccess resets the consecutive-error counter. Skips/vetoes are not
// errors and must not be passed here or to RecordError.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveErrs = 0
}

// Dampener implements repeat-deletion dampening keyed by canonical path:
// first deletion is free; subsequent deletions within a window carry an
// exponential-backoff cooldown base*2^(cycles-1), capped. Red/Critical
// pressure bypasses dampening. State is pruned when the last deletion age
// exceeds the cap.
type Dampener struct {
	mu    sync.Mutex
	state map[string]*dampState
	base  time.Duration
	max   time.Duration
}

type dampState struct {
	cycles   int
	lastSeen time.Time
}

// NewDampener creates a Dampener with the given base and max cooldowns.
func NewDampener(base, max time.Duration) *Dampener {
	return &Dampener{state: make(map[string]*dampState), base: base, max: max}
}

// Allow reports whether a deletion of canonicalPath is allowed at now.
// bypass should be true under Red/Critical pressure, per spec.md §4.5.
func (d *Dampener) Allow(canonicalPath string, now time.Time, bypass bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.state[canonicalPath]
	if !ok {
		return true
	}
	if bypass {
		return true
	}
	cooldown := d.cooldownFor(st.cycles)
	return now.Sub(st.lastSeen) >= cooldown
}

// RecordDeletion registers that canonicalPath was deleted at now, advancing
// its dampening cycle count.
func (d *Dampener) RecordDeletion(canonicalPath string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.state[canonicalPath]
	if !ok {
		d.state[canonicalPath] = &dampState{cycles: 1, lastSeen: now}
		return
	}
	st.cycles++
	st.lastSeen = now
}

func (d *Dampener) cooldownFor(cycles int) time.Duration {
	if cycles <= 0 {
		return 0
	}
	cd := d.base
	for i := 1; i < cycles; i++ {
		cd *= 2
		if cd > d.max {
			return d.max
		}
	}
	if cd > d.max {
		return d.max
	}
	return cd
}

// Prune removes entries whose last-deletion age exceeds the cooldown cap,
// to be called periodically from the daemon loop.
func (d *Dampener) Prune(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, st := range d.state {
		if now.Sub(st.lastSeen) > d.max {
			delete(d.state, path)
		}
	}
}
