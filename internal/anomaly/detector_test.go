package anomaly

import (
	"math"
	"testing"
	"time"
)

func TestValueAnomalyInsufficientHistory(t *testing.T) {
	d := New(Options{})
	res := d.DetectValueAnomaly(100, []float64{1, 2, 3})
	if res.IsAnomaly {
		t.Fatal("short history must never flag an anomaly")
	}
}

func TestValueAnomalyConstantHistory(t *testing.T) {
	d := New(Options{})
	history := []float64{10, 10, 10, 10, 10}

	res := d.DetectValueAnomaly(15, history)
	if !res.IsAnomaly {
		t.Fatal("deviation from constant history should be an anomaly")
	}
	if res.Score != 999 {
		t.Fatalf("constant-history spike should saturate, got score %v", res.Score)
	}

	res = d.DetectValueAnomaly(10, history)
	if res.IsAnomaly {
		t.Fatal("matching a constant history is not an anomaly")
	}
}

func TestValueAnomalyZScore(t *testing.T) {
	d := New(Options{StdThreshold: 3})
	history := []float64{10, 11, 10, 11, 10, 11, 10, 11}

	res := d.DetectValueAnomaly(10.5, history)
	if res.IsAnomaly {
		t.Fatalf("value near mean should pass, score %v", res.Score)
	}

	res = d.DetectValueAnomaly(20, history)
	if !res.IsAnomaly {
		t.Fatalf("far outlier should fail, score %v", res.Score)
	}
	if res.Kind != KindValueSpike {
		t.Fatalf("kind = %s, want %s", res.Kind, KindValueSpike)
	}
}

func TestStaleDataOverdueRatio(t *testing.T) {
	d := New(Options{})
	heartbeat := 48 * time.Hour

	res := d.DetectStaleData(time.Now().Add(-50*time.Hour), heartbeat)
	if !res.IsAnomaly {
		t.Fatal("50h old data with a 48h heartbeat is stale")
	}
	if math.Abs(res.Score-50.0/48.0) > 0.01 {
		t.Fatalf("overdue ratio = %v, want ~%v", res.Score, 50.0/48.0)
	}

	res = d.DetectStaleData(time.Now().Add(-12*time.Hour), heartbeat)
	if res.IsAnomaly {
		t.Fatal("fresh data should not be stale")
	}
}

func TestVelocityZeroTransitions(t *testing.T) {
	d := New(Options{})

	if res := d.DetectVelocityAnomaly(0, 0, 24); res.IsAnomaly {
		t.Fatal("zero to zero is not anomalous")
	}

	res := d.DetectVelocityAnomaly(5, 0, 24)
	if !res.IsAnomaly {
		t.Fatal("zero to nonzero is always anomalous")
	}
	if res.Score != 999 {
		t.Fatalf("zero-to-nonzero should saturate, got %v", res.Score)
	}
}

func TestVelocityNormalization(t *testing.T) {
	d := New(Options{VelocityThreshold: 0.5})

	// 30% change over 24h: below the 50% daily threshold.
	if res := d.DetectVelocityAnomaly(13, 10, 24); res.IsAnomaly {
		t.Fatalf("30%% daily change should pass, score %v", res.Score)
	}

	// The same 30% change compressed into 6h extrapolates to 120% daily.
	res := d.DetectVelocityAnomaly(13, 10, 6)
	if !res.IsAnomaly {
		t.Fatalf("120%% daily-equivalent change should fail, score %v", res.Score)
	}
	if res.Kind != KindVelocity {
		t.Fatalf("kind = %s, want %s", res.Kind, KindVelocity)
	}
}

func TestRunAllChecksCollectsOnlyAnomalies(t *testing.T) {
	d := New(Options{})
	in := CheckInput{
		CurrentValue: 15,
		History:      []float64{10, 10, 10, 10, 10},
		LastUpdate:   time.Now().Add(-100 * time.Hour),
		Heartbeat:    48 * time.Hour,
		HasPrevious:  true,
		Previous:     7,
		DeltaHours:   24,
	}

	findings := d.RunAllChecks(in)
	if len(findings) != 3 {
		t.Fatalf("expected spike, stale, and velocity findings, got %d", len(findings))
	}
}

func TestExpectedRange(t *testing.T) {
	d := New(Options{StdThreshold: 3})

	low, high := d.ExpectedRange(nil)
	if low != 0 || high != 0 {
		t.Fatal("empty history should produce a zero range")
	}

	low, high = d.ExpectedRange([]float64{1, 5, 3})
	if low != 1 || high != 5 {
		t.Fatalf("short history should use min/max, got [%v, %v]", low, high)
	}

	low, high = d.ExpectedRange([]float64{10, 10, 10, 10, 10})
	if low != 10 || high != 10 {
		t.Fatalf("constant history should collapse to the mean, got [%v, %v]", low, high)
	}
}
