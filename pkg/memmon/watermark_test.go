package memmon

import (
	"context"
	"testing"
	"time"
)

func TestProbeHealthyProcess(t *testing.T) {
	w := NewWatermark(16)

	// Past warmup, a quiet test process should never look leaky.
	for i := 0; i < warmupSamples+2; i++ {
		if err := w.Probe(context.Background()); err != nil {
			t.Fatalf("Probe %d failed: %v", i, err)
		}
	}

	last, ok := w.Last()
	if !ok {
		t.Fatal("Expected a recorded sample")
	}
	if last.HeapAlloc == 0 || last.Goroutines == 0 {
		t.Errorf("Expected populated sample, got %+v", last)
	}
	if w.PeakHeap() < last.HeapAlloc {
		t.Errorf("Peak %d below last sample %d", w.PeakHeap(), last.HeapAlloc)
	}
}

func TestBaselineLocksAfterWarmup(t *testing.T) {
	w := NewWatermark(16)

	for i := 0; i < warmupSamples; i++ {
		w.take()
	}
	w.mu.Lock()
	set := w.baselineSet
	w.mu.Unlock()
	if set {
		t.Fatal("Baseline locked during warmup")
	}

	w.take()
	w.mu.Lock()
	set = w.baselineSet
	w.mu.Unlock()
	if !set {
		t.Fatal("Baseline not locked after warmup")
	}
}

func TestEvaluateGoroutineCeiling(t *testing.T) {
	s := Sample{Timestamp: time.Now(), Goroutines: goroutineCeiling + 1}
	if err := evaluate(s, Sample{}, false); err == nil {
		t.Error("Expected goroutine ceiling breach to fail")
	}

	s.Goroutines = goroutineCeiling
	if err := evaluate(s, Sample{}, false); err != nil {
		t.Errorf("Expected ceiling itself to pass, got %v", err)
	}
}

func TestEvaluateHeapGrowth(t *testing.T) {
	baseline := Sample{HeapAlloc: 64 << 20}

	grown := Sample{HeapAlloc: uint64(float64(baseline.HeapAlloc)*heapGrowthFactor) + (1 << 20), Goroutines: 10}
	if err := evaluate(grown, baseline, true); err == nil {
		t.Error("Expected heap growth past the factor to fail")
	}

	// Without a baseline the growth rule stays quiet.
	if err := evaluate(grown, baseline, false); err != nil {
		t.Errorf("Expected no verdict before baseline, got %v", err)
	}

	// Below the absolute floor growth is not suspect.
	small := Sample{HeapAlloc: heapGrowthFloor - 1, Goroutines: 10}
	if err := evaluate(small, Sample{HeapAlloc: 1 << 20}, true); err != nil {
		t.Errorf("Expected sub-floor heap to pass, got %v", err)
	}
}

func TestHistoryBounded(t *testing.T) {
	w := NewWatermark(4)

	for i := 0; i < 10; i++ {
		w.take()
	}

	hist := w.History()
	if len(hist) != 4 {
		t.Fatalf("Expected history capped at 4, got %d", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Timestamp.Before(hist[i-1].Timestamp) {
			t.Error("Expected samples ordered oldest first")
		}
	}
}

func TestDefaultSize(t *testing.T) {
	w := NewWatermark(0)
	if w.maxSamples != DefaultMaxSamples {
		t.Errorf("Expected default %d, got %d", DefaultMaxSamples, w.maxSamples)
	}
}
