package guard

import (
	"math"
	"testing"
)

func TestWindowUnknownUntilTenObservations(t *testing.T) {
	w := NewWindow()
	for i := 0; i < 9; i++ {
		w.Add(Observation{PredictedRateBps: 10, ActualRateBps: 10, WasConservative: true})
	}
	if w.Status() != StatusUnknown {
		t.Fatalf("expected Unknown with 9 observations, got %v", w.Status())
	}
	w.Add(Observation{PredictedRateBps: 10, ActualRateBps: 10, WasConservative: true})
	if w.Status() != StatusPass {
		t.Fatalf("expected Pass at 10 good observations, got %v", w.Status())
	}
}

func TestWindowFailsOnHighRateError(t *testing.T) {
	w := NewWindow()
	for i := 0; i < 20; i++ {
		w.Add(Observation{PredictedRateBps: 100, ActualRateBps: 10, WasConservative: true})
	}
	if w.Status() != StatusFail {
		t.Fatalf("expected Fail on high median rate error, got %v", w.Status())
	}
}

func TestWindowFailsOnLowConservativeFraction(t *testing.T) {
	w := NewWindow()
	for i := 0; i < 20; i++ {
		w.Add(Observation{PredictedRateBps: 10, ActualRateBps: 10, WasConservative: false})
	}
	if w.Status() != StatusFail {
		t.Fatalf("expected Fail on low conservative fraction, got %v", w.Status())
	}
}

func TestWindowIdleNoiseExemption(t *testing.T) {
	w := NewWindow()
	for i := 0; i < 20; i++ {
		w.Add(Observation{PredictedRateBps: 0.9, ActualRateBps: 0.1, WasConservative: true})
	}
	if w.Status() != StatusPass {
		t.Fatalf("expected idle-noise rates to be exempted from rate error, got %v", w.Status())
	}
}

func TestDetectorAlarmsAfterSustainedBadObservations(t *testing.T) {
	d := NewDetector()
	for i := 0; i < 20 && !d.Alarmed(); i++ {
		d.Update(false)
	}
	if !d.Alarmed() {
		t.Fatal("expected e-process to alarm after sustained bad observations")
	}
}

func TestDetectorRecoversOnGoodObservations(t *testing.T) {
	d := NewDetector()
	for i := 0; i < 10; i++ {
		d.Update(false)
	}
	for i := 0; i < 50; i++ {
		d.Update(true)
	}
	if d.Alarmed() {
		t.Fatal("expected e-process to recover after sustained good observations")
	}
}

func TestDetectorClampsLogRange(t *testing.T) {
	d := NewDetector()
	for i := 0; i < 1000; i++ {
		d.Update(false)
	}
	if d.EValue() != math.Exp(5) {
		t.Fatalf("expected log accumulator clamped at 5, e-value=%v want %v", d.EValue(), math.Exp(5))
	}
}

func TestDetectorResetZeroesAccumulator(t *testing.T) {
	d := NewDetector()
	for i := 0; i < 10; i++ {
		d.Update(false)
	}
	d.Reset()
	if d.EValue() != 1.0 {
		t.Fatalf("expected e-value 1.0 after reset, got %v", d.EValue())
	}
	if d.Penalty() != 0 {
		t.Fatalf("expected zero penalty after reset, got %v", d.Penalty())
	}
}
