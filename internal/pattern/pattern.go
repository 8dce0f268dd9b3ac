// Package pattern holds the closed-set location/name/age/size/structure
// pattern tables consumed by internal/scoring, and the protection registry
// (marker-file and config-glob based) consumed by internal/safety.
//
// Factors are implemented as a closed set of variants with a shared
// contract rather than a per-factor inheritance chain, per spec.md's
// Design Notes §9.
package pattern

import (
	"path/filepath"
	"strings"
)

// LocationRule maps a path-pattern to a location score in [0,1].
// Evaluated in order; the first match wins. Unmatched paths score 0
// (system roots / unknown locations).
type LocationRule struct {
	Match func(path string) bool
	Score float64
}

// DefaultLocationRules implements the examples in spec.md §4.4: tmpfs-style
// roots ~0.95, hidden/explicit build dirs ~0.80-0.85, caches ~0.60, generic
// project trees ~0.40, documents ~0.10, system roots 0.
func DefaultLocationRules() []LocationRule {
	contains := func(needle string) func(string) bool {
		return func(p string) bool { return strings.Contains(p, needle) }
	}
	return []LocationRule{
		{Match: func(p string) bool { return strings.HasPrefix(p, "/tmp/") || strings.HasPrefix(p, "/var/tmp/") }, Score: 0.95},
		{Match: contains("/node_modules/"), Score: 0.85},
		{Match: contains("/target/"), Score: 0.85},
		{Match: contains("/build/"), Score: 0.80},
		{Match: contains("/.cache/"), Score: 0.60},
		{Match: contains("/dist/"), Score: 0.55},
		{Match: contains("/Documents/"), Score: 0.10},
		{Match: func(p string) bool {
			return p == "/" || strings.HasPrefix(p, "/etc/") || strings.HasPrefix(p, "/usr/") ||
				strings.HasPrefix(p, "/bin/") || strings.HasPrefix(p, "/lib/") || strings.HasPrefix(p, "/boot/")
		}, Score: 0.0},
	}
}

// LocationScore evaluates path against rules and returns the first match,
// defaulting to the generic-project-tree score (0.40) when nothing matches
// but the path is not under a recognized system root, else 0.
func LocationScore(path string, rules []LocationRule) float64 {
	for _, r := range rules {
		if r.Match(path) {
			return r.Score
		}
	}
	return 0.40
}

// NamePattern is a registry entry of a known artifact filename/dirname
// glob pattern with a confidence score.
type NamePattern struct {
	Glob       string
	Confidence float64
}

// DefaultNamePatterns is the registry of known build-artifact name patterns.
func DefaultNamePatterns() []NamePattern {
	return []NamePattern{
		{Glob: "*.o", Confidence: 0.9},
		{Glob: "*.obj", Confidence: 0.9},
		{Glob: "*.pyc", Confidence: 0.9},
		{Glob: "__pycache__", Confidence: 0.95},
		{Glob: "*.class", Confidence: 0.85},
		{Glob: "node_modules", Confidence: 0.9},
		{Glob: "target", Confidence: 0.85},
		{Glob: "dist", Confidence: 0.6},
		{Glob: "build", Confidence: 0.6},
		{Glob: ".cache", Confidence: 0.7},
	}
}

// NameScore matches the base name of path against the registry, returning
// the highest-confidence match, or 0 if none match.
func NameScore(path string, patterns []NamePattern) float64 {
	base := filepath.Base(path)
	best := 0.0
	for _, p := range patterns {
		ok, err := filepath.Match(p.Glob, base)
		if err == nil && ok && p.Confidence > best {
			best = p.Confidence
		}
	}
	return best
}

// AgeScore implements the non-monotonic age curve from spec.md §4.4: peaks
// at 4-10 hours, drops for very old files. ageSecs is the effective age
// (mtime for files, birth-time-preferring-mtime-fallback for directories).
func AgeScore(ageSecs float64) float64 {
	const hour = 3600.0
	switch {
	case ageSecs < 15*60:
		// Very fresh: likely still in use.
		return 0.0
	case ageSecs < 4*hour:
		// Ramp from 0 at 15min to 1.0 at 4h.
		return (ageSecs - 15*60) / (4*hour - 15*60)
	case ageSecs <= 10*hour:
		return 1.0
	case ageSecs < 45*24*hour:
		// Decay from 1.0 at 10h to ~0.4 at 45 days.
		span := 45*24*hour - 10*hour
		frac := (ageSecs - 10*hour) / span
		return 1.0 - 0.6*frac
	default:
		return 0.40
	}
}

// SizeScore is monotone with diminishing returns above ~10 GiB.
func SizeScore(sizeBytes int64) float64 {
	const gib = 1 << 30
	const plateau = 10 * gib
	if sizeBytes <= 0 {
		return 0
	}
	if sizeBytes >= plateau {
		return 1.0
	}
	// Concave quadratic ramp so that small files stay near zero and large
	// files approach 1.0 smoothly.
	ratio := float64(sizeBytes) / float64(plateau)
	return ratio * (2 - ratio) // concave, diminishing returns, f(1)=1
}

// StructureSignal describes a detectable structural fingerprint.
type StructureSignal struct {
	// Detect reports whether the subtree rooted at path exhibits this
	// signal, given the set of immediate child names.
	Detect func(children []string) bool
	Score  float64
}

// DefaultStructureSignals implements spec.md §4.4's structure examples:
// Cargo fingerprint/incremental dirs ~0.95, coexisting deps/+build/ ~0.85,
// a .git child forces veto-worthy 0.0 (handled specially — see
// StructureScore).
func DefaultStructureSignals() []StructureSignal {
	has := func(name string) func([]string) bool {
		return func(children []string) bool {
			for _, c := range children {
				if c == name {
					return true
				}
			}
			return false
		}
	}
	return []StructureSignal{
		{Detect: has(".fingerprint"), Score: 0.95},
		{Detect: has("incremental"), Score: 0.95},
		{Detect: func(children []string) bool {
			return has("deps")(children) && has("build")(children)
		}, Score: 0.85},
	}
}

// StructureScore evaluates children against signals. A .git child is
// veto-worthy: it forces a score of 0.0 regardless of other signals, and
// callers (internal/safety) must additionally treat it as an absolute veto
// at deletion time (spec.md §4.5 preflight check d).
func StructureScore(children []string, signals []StructureSignal) float64 {
	for _, c := range children {
		if c == ".git" {
			return 0.0
		}
	}
	best := 0.0
	for _, s := range signals {
		if s.Detect(children) && s.Score > best {
			best = s.Score
		}
	}
	return best
}

// HasGitChild reports whether children contains a .git entry, used by
// internal/safety's final preflight net.
func HasGitChild(children []string) bool {
	for _, c := range children {
		if c == ".git" {
			return true
		}
	}
	return false
}
