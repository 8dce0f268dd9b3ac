package policy

import (
	"testing"
	"time"
)

func TestPromoteLadderForward(t *testing.T) {
	e := NewEngine(5, 5)
	if m, ok := e.Promote(ModeCanary); !ok || m != ModeCanary {
		t.Fatalf("expected promote to Canary, got %v ok=%v", m, ok)
	}
	if m, ok := e.Promote(ModeEnforce); !ok || m != ModeEnforce {
		t.Fatalf("expected promote to Enforce, got %v ok=%v", m, ok)
	}
}

func TestPromoteRejectsBackwardOrSameRank(t *testing.T) {
	e := NewEngine(5, 5)
	e.Promote(ModeCanary)
	if _, ok := e.Promote(ModeObserve); ok {
		t.Fatal("expected promote to reject a backward transition")
	}
	if _, ok := e.Promote(ModeCanary); ok {
		t.Fatal("expected promote to reject a same-rank transition")
	}
}

func TestDemoteReachableDirectlyFromEnforce(t *testing.T) {
	e := NewEngine(5, 5)
	e.Promote(ModeCanary)
	e.Promote(ModeEnforce)
	m := e.Demote(time.Unix(1000, 0), "circuit breaker tripped")
	if m != ModeFallbackSafe {
		t.Fatalf("expected FallbackSafe, got %v", m)
	}
}

func TestFallbackSafeRequiresCleanWindowsBeforePromote(t *testing.T) {
	e := NewEngine(5, 3)
	e.Demote(time.Unix(1000, 0), "test")
	if _, ok := e.Promote(ModeObserve); ok {
		t.Fatal("expected promote to fail before clean windows accumulate")
	}
	e.NoteCleanWindow()
	e.NoteCleanWindow()
	e.NoteCleanWindow()
	m, ok := e.Promote(ModeObserve)
	if !ok || m != ModeCanary {
		t.Fatalf("expected promote to re-enter Canary after 3 clean windows, got %v ok=%v", m, ok)
	}
}

func TestAllowDeleteByMode(t *testing.T) {
	e := NewEngine(2, 5)
	if e.AllowDelete(time.Unix(0, 0)) {
		t.Fatal("Observe mode must never allow delete")
	}
	e.Promote(ModeCanary)
	now := time.Unix(0, 0)
	if !e.AllowDelete(now) {
		t.Fatal("expected first canary delete to be allowed")
	}
	if !e.AllowDelete(now) {
		t.Fatal("expected second canary delete to be allowed (cap=2)")
	}
	if e.AllowDelete(now) {
		t.Fatal("expected third canary delete to be rejected by the per-hour cap")
	}
	if !e.AllowDelete(now.Add(time.Hour)) {
		t.Fatal("expected canary cap to reset after an hour")
	}
}

func TestAllowDeleteEnforceAlwaysAllows(t *testing.T) {
	e := NewEngine(0, 5)
	e.Promote(ModeCanary)
	e.Promote(ModeEnforce)
	for i := 0; i < 10; i++ {
		if !e.AllowDelete(time.Unix(0, 0)) {
			t.Fatal("Enforce mode must always allow delete")
		}
	}
}
