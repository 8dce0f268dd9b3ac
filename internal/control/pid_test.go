package control

import (
	"testing"
	"time"
)

func TestClassifyLevel(t *testing.T) {
	th := Thresholds{GreenPct: 20, YellowPct: 14, OrangePct: 10, RedPct: 6}
	tests := []struct {
		name    string
		freePct float64
		want    PressureLevel
	}{
		{"well above", 50, Green},
		{"green band floor", 20, Green},
		{"yellow band", 16, Yellow},
		{"orange band", 12, Orange},
		{"red band", 8, Red},
		{"red-critical-adjacent band", 5, Red},
		{"critical band", 2, Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyLevel(tt.freePct, th); got != tt.want {
				t.Fatalf("ClassifyLevel(%v) = %v, want %v", tt.freePct, got, tt.want)
			}
		})
	}
}

func TestControllerStepSaturatesToUnitInterval(t *testing.T) {
	c := New(DefaultGains())
	base := time.Unix(1000, 0)
	var last float64
	for i := 0; i < 20; i++ {
		last = c.Step(base.Add(time.Duration(i)*time.Second), 50)
	}
	if last < 0 || last > 1 {
		t.Fatalf("urgency out of [0,1]: %v", last)
	}
}

func TestControllerIntegralWindsDownOnRecovery(t *testing.T) {
	c := New(DefaultGains())
	base := time.Unix(1000, 0)
	for i := 0; i < 50; i++ {
		c.Step(base.Add(time.Duration(i)*time.Second), 80)
	}
	if c.integral != integralClampMax {
		t.Fatalf("expected integral pinned at max, got %v", c.integral)
	}
	for i := 50; i < 200; i++ {
		c.Step(base.Add(time.Duration(i)*time.Second), -80)
	}
	if c.integral >= integralClampMax {
		t.Fatalf("expected integral to wind down during recovery, got %v", c.integral)
	}
}

func TestResponseTableBallastTiers(t *testing.T) {
	base := time.Second
	rp := ResponseTable(Critical, 0.95, base)
	if rp.BallastRelease != 10 {
		t.Fatalf("critical ballast release = %d, want 10", rp.BallastRelease)
	}
	if rp.ScanInterval != 100*time.Millisecond {
		t.Fatalf("critical scan interval = %v, want 100ms", rp.ScanInterval)
	}
}

func TestPredictiveBoostClampsUrgency(t *testing.T) {
	got := PredictiveBoost(0.3, true, 0.8, 0.5)
	if got != 0.70 {
		t.Fatalf("expected boosted urgency 0.70, got %v", got)
	}
	got = PredictiveBoost(0.3, true, 0.3, 0.5)
	if got != 0.3 {
		t.Fatalf("expected no boost under min confidence, got %v", got)
	}
}
