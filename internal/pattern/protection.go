package pattern

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MarkerFileName is the protection marker placed in a directory to protect
// it and its transitive descendants.
const MarkerFileName = ".sbh-protect"

// ProtectionRegistry holds config-glob patterns and explicitly protected
// paths; marker-file ancestry is looked up afresh on every call, without a
// cache. Markers and globs are evaluated before scoring
// completes, per spec.md §4.5.
type ProtectionRegistry struct {
	mu    sync.RWMutex
	globs []string
	// explicit is the set of paths added at runtime via protect(path).
	explicit map[string]bool
}

// NewProtectionRegistry creates a registry seeded with the configured glob
// patterns.
func NewProtectionRegistry(globs []string) *ProtectionRegistry {
	return &ProtectionRegistry{
		globs:    append([]string(nil), globs...),
		explicit: make(map[string]bool),
	}
}

// Protect adds path to the explicit protection set (the protect(path)
// command-surface operation).
func (r *ProtectionRegistry) Protect(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.explicit[filepath.Clean(path)] = true
}

// Unprotect removes path from the explicit protection set.
func (r *ProtectionRegistry) Unprotect(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.explicit, filepath.Clean(path))
}

// List returns every explicitly protected path.
func (r *ProtectionRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.explicit))
	for p := range r.explicit {
		out = append(out, p)
	}
	return out
}

// IsProtected reports whether candidatePath is protected: either it (or an
// ancestor) carries a .sbh-protect marker file, it (or an ancestor) is in
// the explicit protection set, or the candidate path itself matches a
// configured glob.
//
// statFn is injected so tests can avoid touching the real filesystem; in
// production it is os.Lstat.
func (r *ProtectionRegistry) IsProtected(candidatePath string, statFn func(string) (os.FileInfo, error)) (bool, string) {
	r.mu.RLock()
	globs := r.globs
	r.mu.RUnlock()

	for _, g := range globs {
		if ok, _ := filepath.Match(g, candidatePath); ok {
			return true, "matched protected glob " + g
		}
	}

	clean := filepath.Clean(candidatePath)
	for dir := clean; ; {
		r.mu.RLock()
		explicit := r.explicit[dir]
		r.mu.RUnlock()
		if explicit {
			return true, "explicitly protected ancestor " + dir
		}

		markerPath := filepath.Join(dir, MarkerFileName)
		if statFn != nil {
			if _, err := statFn(markerPath); err == nil {
				return true, "protected ancestor " + dir
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return false, ""
}

// IsAbsoluteOrGlob reports whether s looks like a shell glob (contains
// wildcard metacharacters) rather than a literal path, used by config
// validation to give clearer error messages.
func IsAbsoluteOrGlob(s string) bool {
	return strings.ContainsAny(s, "*?[")
}
