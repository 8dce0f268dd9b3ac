package ballast

import (
	"testing"
)

func TestReleaseTierMatchesS4Scenario(t *testing.T) {
	// S4 from spec.md §8: urgency series [0.1, 0.4, 0.7, 0.95] against a
	// pool of 5 files must release [0, 1, 3, remaining].
	urgencies := []float64{0.1, 0.4, 0.7, 0.95}
	want := []int{0, 1, 3, 1}

	available := 5
	for i, u := range urgencies {
		n := ReleaseTier(u, available)
		if n != want[i] {
			t.Fatalf("urgency %.2f: got release count %d, want %d", u, n, want[i])
		}
		available -= n
	}
	if available != 0 {
		t.Fatalf("expected pool fully drained, %d remaining", available)
	}
}

func TestReleaseTierCapsToAvailable(t *testing.T) {
	if n := ReleaseTier(0.95, 2); n != 2 {
		t.Fatalf("expected release capped to available=2, got %d", n)
	}
	if n := ReleaseTier(0.5, 0); n != 0 {
		t.Fatalf("expected 0 when nothing available, got %d", n)
	}
}

func TestProvisionRefusesBelowFreeFloor(t *testing.T) {
	dir := t.TempDir()
	p := NewPool(dir, 2, 1, 0)

	err := p.Provision(func(string) (float64, error) { return 0.10, nil })
	if err == nil {
		t.Fatal("expected provisioning to be refused below the 20% free floor")
	}
	count, _ := p.Inventory()
	if count != 0 {
		t.Fatalf("expected no files provisioned, got %d", count)
	}
}

func TestProvisionUnderflowGuard(t *testing.T) {
	dir := t.TempDir()
	p := NewPool(dir, 1, 0, 0) // 0 MB declared size < header size

	err := p.Provision(func(string) (float64, error) { return 0.9, nil })
	if err == nil {
		t.Fatal("expected underflow guard to reject a declared size below header size")
	}
}

func TestProvisionAndReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := NewPool(dir, 3, 1, 0)

	if err := p.Provision(func(string) (float64, error) { return 0.9, nil }); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	count, total := p.Inventory()
	if count != 3 {
		t.Fatalf("expected 3 files provisioned, got %d", count)
	}
	if total <= 0 {
		t.Fatalf("expected positive total bytes, got %d", total)
	}

	released, err := p.Release(2)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if released != 2 {
		t.Fatalf("expected 2 released, got %d", released)
	}
	count, _ = p.Inventory()
	if count != 1 {
		t.Fatalf("expected 1 file remaining, got %d", count)
	}
}

func TestVerifyPrunesOrphansWhenTargetShrinks(t *testing.T) {
	dir := t.TempDir()
	p := NewPool(dir, 3, 1, 0)
	if err := p.Provision(func(string) (float64, error) { return 0.9, nil }); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	p.TargetCount = 1
	if err := p.Verify(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	count, _ := p.Inventory()
	if count != 1 {
		t.Fatalf("expected verify to prune down to target count 1, got %d", count)
	}
}
