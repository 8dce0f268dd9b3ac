package scoring

import (
	"testing"
	"time"
)

func defaultWeights() Weights {
	return Weights{Location: 0.25, Name: 0.25, Age: 0.20, Size: 0.15, Structure: 0.15}
}

func TestWeightsValid(t *testing.T) {
	if !defaultWeights().Valid() {
		t.Fatal("default weights must be valid")
	}
	bad := Weights{Location: -0.1, Name: 0.25, Age: 0.20, Size: 0.15, Structure: 0.15}
	if bad.Valid() {
		t.Fatal("negative weight must be invalid")
	}
	notSum := Weights{Location: 0.5, Name: 0.5, Age: 0.5, Size: 0, Structure: 0}
	if notSum.Valid() {
		t.Fatal("weights not summing to 1.0 must be invalid")
	}
}

func TestPressureMultiplierRange(t *testing.T) {
	if PressureMultiplier(0) != 1.0 {
		t.Fatalf("green multiplier = %v, want 1.0", PressureMultiplier(0))
	}
	if PressureMultiplier(1) != 3.0 {
		t.Fatalf("critical multiplier = %v, want 3.0", PressureMultiplier(1))
	}
}

func TestS2UrgencyAmplification(t *testing.T) {
	// S2 from spec.md §8: composite 0.55 at Green vs Critical; posterior
	// monotonically higher at Critical.
	e := NewEngine(defaultWeights(), 75, 30, 0.5, 5, 0.6)
	greenScaled := 0.55 * PressureMultiplier(0.0)
	critScaled := 0.55 * PressureMultiplier(1.0)
	if critScaled <= greenScaled {
		t.Fatal("expected critical scaled composite to exceed green")
	}
	pGreen := Posterior(greenScaled, 0.8)
	pCrit := Posterior(critScaled, 0.8)
	if pCrit <= pGreen {
		t.Fatalf("expected posterior monotonically higher at critical: green=%v crit=%v", pGreen, pCrit)
	}
	_ = e
}

func TestDecideVetoAlwaysKeep(t *testing.T) {
	e := NewEngine(defaultWeights(), 75, 30, 0.5, 5, 0.6)
	c := &Candidate{Path: "/p/build", CompositeScore: 0.95, Veto: "protected ancestor"}
	d := e.Decide(c, 1.0, 0.9, 0, "enforce", time.Now())
	if d.Action != ActionKeep {
		t.Fatalf("vetoed candidate must always Keep, got %v", d.Action)
	}
}

func TestDecideHighConfidenceHighScoreDeletes(t *testing.T) {
	e := NewEngine(defaultWeights(), 75, 30, 0.3, 1, 0.9)
	c := &Candidate{Path: "/tmp/.cache/x", CompositeScore: 0.95}
	d := e.Decide(c, 1.0, 0.95, 0, "enforce", time.Now())
	if d.Action != ActionDelete {
		t.Fatalf("expected Delete for high score/confidence, got %v (p=%v u=%v)", d.Action, d.Posterior, d.Uncertainty)
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	e := NewEngine(defaultWeights(), 75, 30, 0.5, 5, 0.6)
	now := time.Unix(1700000000, 0)
	c1 := &Candidate{Path: "/a/b", CompositeScore: 0.7}
	c2 := &Candidate{Path: "/a/b", CompositeScore: 0.7}
	d1 := e.Decide(c1, 0.5, 0.8, 0, "canary", now)
	d2 := e.Decide(c2, 0.5, 0.8, 0, "canary", now)
	if d1.DecisionID != d2.DecisionID {
		t.Fatal("identical inputs must produce identical decision ids")
	}
}
