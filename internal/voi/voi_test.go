package voi

import (
	"testing"
	"time"
)

func TestUtilityFavorsHighReclaimLowCost(t *testing.T) {
	now := time.Unix(1000, 0)
	cheap := &RootStats{Root: "/tmp"}
	cheap.Observe(1000, 1, 0.01, now)
	expensive := &RootStats{Root: "/var"}
	expensive.Observe(1000, 100, 0.5, now)

	if cheap.Utility(now, 1, 1) <= expensive.Utility(now, 1, 1) {
		t.Fatal("expected cheap, low-false-positive root to have higher utility")
	}
}

func TestUncertaintyDiscountRisesWithScanCount(t *testing.T) {
	r := &RootStats{}
	d0 := r.uncertaintyDiscount()
	r.Observe(1, 1, 0, time.Unix(0, 0))
	d1 := r.uncertaintyDiscount()
	if d1 <= d0 {
		t.Fatalf("expected discount to increase after an observation: d0=%v d1=%v", d0, d1)
	}
}

func TestSelectSplitsExploitExplore(t *testing.T) {
	s := NewScheduler(1, 1)
	now := time.Unix(1000, 0)
	s.Track("/a")
	s.Track("/b")
	s.Track("/c")
	s.Track("/d")
	s.Track("/e")
	s.Observe("/a", 10000, 1, 0, now)
	s.Observe("/b", 1, 1, 0, now)

	picked := s.Select(5, now)
	if len(picked) == 0 {
		t.Fatal("expected a non-empty selection")
	}
	found := false
	for _, r := range picked {
		if r == "/a" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected high-utility root /a to be included in exploit slots")
	}
}

func TestRoundRobinFallbackTripsAfterThreeConsecutiveBadWindows(t *testing.T) {
	s := NewScheduler(1, 1)
	s.Track("/a")
	s.Track("/b")
	if s.RoundRobinMode() {
		t.Fatal("should not start in round-robin mode")
	}
	s.NoteForecastError(0.9)
	s.NoteForecastError(0.9)
	if s.RoundRobinMode() {
		t.Fatal("should not trip before 3 consecutive bad windows")
	}
	s.NoteForecastError(0.9)
	if !s.RoundRobinMode() {
		t.Fatal("expected round-robin fallback after 3 consecutive bad windows")
	}
}

func TestRoundRobinRecoversAfterFiveCleanWindows(t *testing.T) {
	s := NewScheduler(1, 1)
	s.Track("/a")
	for i := 0; i < 3; i++ {
		s.NoteForecastError(0.9)
	}
	for i := 0; i < 5; i++ {
		s.NoteForecastError(0.1)
	}
	if s.RoundRobinMode() {
		t.Fatal("expected recovery after 5 consecutive clean windows")
	}
}

func TestSelectRoundRobinCyclesThroughAllRoots(t *testing.T) {
	s := NewScheduler(1, 1)
	s.Track("/a")
	s.Track("/b")
	for i := 0; i < 3; i++ {
		s.NoteForecastError(0.9)
	}
	now := time.Unix(0, 0)
	first := s.Select(1, now)
	second := s.Select(1, now)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected single-root selections, got %v %v", first, second)
	}
	if first[0] == second[0] {
		t.Fatal("expected round-robin cursor to advance between calls")
	}
}
