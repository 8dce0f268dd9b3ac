package platform

import (
	"testing"
	"time"
)

func TestOpenFDSetContains(t *testing.T) {
	set := &OpenFDSet{inodes: map[Inode]struct{}{{Device: 1, Inode: 2}: {}}}
	if !set.Contains(1, 2) {
		t.Fatal("expected contains to find known inode")
	}
	if set.Contains(1, 3) {
		t.Fatal("expected contains to reject unknown inode")
	}
}

func TestOpenFDSetNilIsSafe(t *testing.T) {
	var set *OpenFDSet
	if set.Contains(1, 2) {
		t.Fatal("nil set must report no matches")
	}
}

func TestStatfsRoot(t *testing.T) {
	st, err := Statfs("/", time.Now())
	if err != nil {
		t.Fatalf("statfs / failed: %v", err)
	}
	if st.AvailableBytes > st.FreeBytes || st.FreeBytes > st.TotalBytes {
		t.Fatalf("invariant violated: avail=%d free=%d total=%d", st.AvailableBytes, st.FreeBytes, st.TotalBytes)
	}
}
