package pattern

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAgeScoreNonMonotonic(t *testing.T) {
	// S1 from spec.md §8: ages {15min, 6h, 45d} map to ~{0.00, 1.00, 0.40}.
	tests := []struct {
		name    string
		ageSecs float64
		want    float64
	}{
		{"15 minutes", 15 * 60, 0.0},
		{"6 hours", 6 * 3600, 1.0},
		{"45 days", 45 * 24 * 3600, 0.40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AgeScore(tt.ageSecs)
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Fatalf("AgeScore(%v) = %v, want %v", tt.ageSecs, got, tt.want)
			}
		})
	}
}

func TestAgeScorePeakOrdering(t *testing.T) {
	fresh := AgeScore(15 * 60)
	mid := AgeScore(6 * 3600)
	old := AgeScore(45 * 24 * 3600)
	if !(mid > fresh && mid > old) {
		t.Fatalf("expected mid-age to score highest: fresh=%v mid=%v old=%v", fresh, mid, old)
	}
}

func TestStructureScoreGitChildForcesZero(t *testing.T) {
	signals := DefaultStructureSignals()
	got := StructureScore([]string{".git", ".fingerprint"}, signals)
	if got != 0.0 {
		t.Fatalf("StructureScore with .git child = %v, want 0.0", got)
	}
}

func TestLocationScoreTmpfsHigh(t *testing.T) {
	rules := DefaultLocationRules()
	got := LocationScore("/tmp/.cache/x", rules)
	if got < 0.9 {
		t.Fatalf("tmp location score = %v, want >= 0.9", got)
	}
}

func TestSizeScoreMonotoneDiminishing(t *testing.T) {
	small := SizeScore(1 << 20)
	big := SizeScore(5 << 30)
	huge := SizeScore(20 << 30)
	if !(small < big && big <= huge) {
		t.Fatalf("expected monotone size score: small=%v big=%v huge=%v", small, big, huge)
	}
	if huge != 1.0 {
		t.Fatalf("expected plateau at 1.0 above 10GiB, got %v", huge)
	}
}

func TestProtectionRegistryMarkerAncestor(t *testing.T) {
	dir := t.TempDir()
	protectedDir := filepath.Join(dir, "p")
	candidate := filepath.Join(protectedDir, "build", "x")
	if err := os.MkdirAll(filepath.Join(protectedDir, "build"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(protectedDir, MarkerFileName), nil, 0644); err != nil {
		t.Fatal(err)
	}

	reg := NewProtectionRegistry(nil)
	ok, reason := reg.IsProtected(candidate, os.Stat)
	if !ok {
		t.Fatal("expected candidate under marker ancestor to be protected")
	}
	if reason == "" {
		t.Fatal("expected a reason string")
	}
}

func TestProtectionRegistryExplicit(t *testing.T) {
	reg := NewProtectionRegistry(nil)
	reg.Protect("/a/b")
	ok, _ := reg.IsProtected("/a/b/c", func(string) (os.FileInfo, error) { return nil, os.ErrNotExist })
	if !ok {
		t.Fatal("expected explicit protection to cover descendants")
	}
	reg.Unprotect("/a/b")
	ok, _ = reg.IsProtected("/a/b/c", func(string) (os.FileInfo, error) { return nil, os.ErrNotExist })
	if ok {
		t.Fatal("expected unprotect to remove protection")
	}
}
