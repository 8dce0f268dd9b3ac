package forecast

import (
	"testing"
	"time"
)

func TestSolveTTELinear(t *testing.T) {
	tests := []struct {
		name     string
		distance float64
		rate     float64
		accel    float64
		wantOK   bool
		wantT    float64
	}{
		{"steady consumption", 100, 10, 0, true, 10},
		{"recovering never exhausts", 100, -5, 0, false, 0},
		{"zero rate never exhausts", 100, 0, 0, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := solveTTE(tt.distance, tt.rate, tt.accel)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.wantT {
				t.Fatalf("t = %v, want %v", got, tt.wantT)
			}
		})
	}
}

func TestSolveTTEQuadraticAccelerating(t *testing.T) {
	// distance=100, rate=0, accel=2: 0.5*2*t^2 = 100 -> t^2=100 -> t=10
	got, ok := solveTTE(100, 0, 2)
	if !ok {
		t.Fatal("expected solvable")
	}
	if diff := got - 10; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("t = %v, want ~10", got)
	}
}

func TestSolveTTEQuadraticDecelerating(t *testing.T) {
	// Decelerating consumption retains quadratic correction.
	got, ok := solveTTE(100, 15, -0.5)
	if !ok {
		t.Fatal("expected solvable")
	}
	if got <= 0 {
		t.Fatalf("t = %v, want positive", got)
	}
}

func TestEstimatorObserveAndConfidence(t *testing.T) {
	e := New()
	base := time.Unix(1000, 0)
	free := 1_000_000.0

	snap := e.Snapshot()
	if !snap.Uncertain {
		t.Fatal("expected uncertain with zero samples")
	}

	for i := 0; i < 10; i++ {
		free -= 1000
		e.Observe(base.Add(time.Duration(i)*time.Second), free)
	}

	snap = e.Snapshot()
	if snap.SampleCount == 0 {
		t.Fatal("expected samples recorded")
	}
	if snap.RateBps <= 0 {
		t.Fatalf("expected positive (consuming) rate, got %v", snap.RateBps)
	}
}

func TestEstimatorNonMonotonicInstantIgnored(t *testing.T) {
	e := New()
	base := time.Unix(1000, 0)
	e.Observe(base, 1000)
	e.Observe(base.Add(-1*time.Second), 900) // earlier instant, must be ignored
	snap := e.Snapshot()
	if snap.SampleCount != 0 {
		t.Fatalf("expected non-monotonic sample to be ignored, got count=%d", snap.SampleCount)
	}
}

func TestTrendClassification(t *testing.T) {
	e := New()
	base := time.Unix(1000, 0)
	free := 1_000_000.0
	for i := 0; i < 5; i++ {
		free += 5000 // increasing free bytes -> recovering
		e.Observe(base.Add(time.Duration(i)*time.Second), free)
	}
	if trend := e.Trend(); trend != TrendRecovering {
		t.Fatalf("trend = %v, want recovering", trend)
	}
}

func TestTimeToExhaustionAlreadyBelowThreshold(t *testing.T) {
	e := New()
	d, ok := e.TimeToExhaustion(50, 100)
	if !ok || d != 0 {
		t.Fatalf("expected immediate exhaustion, got d=%v ok=%v", d, ok)
	}
}
