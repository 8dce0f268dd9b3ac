package safety

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPreflightGitChildVeto(t *testing.T) {
	dir := t.TempDir()
	res := Preflight(dir, []string{".git", "src"}, nil, nil)
	if res.OK {
		t.Fatal("expected veto on .git child")
	}
}

func TestPreflightMissingTarget(t *testing.T) {
	res := Preflight(filepath.Join(t.TempDir(), "gone"), nil, nil, nil)
	if res.OK {
		t.Fatal("expected veto on missing target")
	}
}

func TestPreflightSymlinkVeto(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	res := Preflight(link, nil, nil, nil)
	if res.OK {
		t.Fatal("expected veto on symlink target")
	}
}

func TestCircuitBreakerTripsAfterThreeErrors(t *testing.T) {
	cb := NewCircuitBreaker()
	now := time.Unix(1000, 0)
	if cb.RecordError(now) {
		t.Fatal("should not trip on first error")
	}
	if cb.RecordError(now) {
		t.Fatal("should not trip on second error")
	}
	if !cb.RecordError(now) {
		t.Fatal("should trip on third consecutive error")
	}
	if !cb.Open(now) {
		t.Fatal("breaker should be open immediately after tripping")
	}
	if cb.Open(now.Add(31 * time.Second)) {
		t.Fatal("breaker should close after cooldown elapses")
	}
}

func TestDampenerFirstDeletionFree(t *testing.T) {
	d := NewDampener(time.Minute, time.Hour)
	now := time.Unix(1000, 0)
	if !d.Allow("/a/b", now, false) {
		t.Fatal("first deletion should always be allowed")
	}
}

func TestDampenerBackoffAndBypass(t *testing.T) {
	d := NewDampener(time.Minute, time.Hour)
	now := time.Unix(1000, 0)
	d.RecordDeletion("/a/b", now)

	if d.Allow("/a/b", now.Add(30*time.Second), false) {
		t.Fatal("expected cooldown to block immediate repeat deletion")
	}
	if !d.Allow("/a/b", now.Add(30*time.Second), true) {
		t.Fatal("Red/Critical pressure must bypass dampening")
	}
	if !d.Allow("/a/b", now.Add(61*time.Second), false) {
		t.Fatal("expected base cooldown to expire after 1 minute")
	}
}
