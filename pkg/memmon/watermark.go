// Package memmon watches the process's own memory footprint. A detector
// driver runs for months between beam cycles; the failure mode that gets
// it restarted is rarely a crash and usually a slow leak. The watermark
// keeps a short sample history and flags growth that a steady-state
// daemon cannot explain.
package memmon

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Sample is one reading of the process's memory and scheduler state.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	HeapAlloc     uint64    `json:"heap_alloc"`
	HeapSys       uint64    `json:"heap_sys"`
	Goroutines    int       `json:"goroutines"`
	NumGC         uint32    `json:"num_gc"`
	GCCPUFraction float64   `json:"gc_cpu_fraction"`
}

// DefaultMaxSamples bounds the history when no size is given. At the
// health monitor's default cadence this covers about half an hour.
const DefaultMaxSamples = 120

const (
	// goroutineCeiling flags a goroutine leak. The driver's steady state
	// is a few dozen; thousands means something is spawning unchecked.
	goroutineCeiling = 5000

	// heapGrowthFactor and heapGrowthFloor together flag heap growth.
	// Growth is only suspect once the heap is large in absolute terms,
	// so a small baseline cannot make normal buffering look like a leak.
	heapGrowthFactor = 8.0
	heapGrowthFloor  = 256 << 20

	// warmupSamples are taken before the baseline locks, past the
	// startup allocation burst.
	warmupSamples = 3
)

// Watermark samples the runtime on demand and evaluates the readings
// against a post-warmup baseline. Safe for concurrent use.
type Watermark struct {
	mu          sync.Mutex
	samples     []Sample
	maxSamples  int
	taken       uint64
	baseline    Sample
	baselineSet bool
	peakHeap    uint64
}

// NewWatermark creates a watermark keeping at most maxSamples readings.
// Sizes at or below zero fall back to DefaultMaxSamples.
func NewWatermark(maxSamples int) *Watermark {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Watermark{maxSamples: maxSamples}
}

// Probe takes one sample and reports whether the process looks leaky.
// It matches the health monitor's probe signature so it can be wired as
// a self-check directly.
func (w *Watermark) Probe(ctx context.Context) error {
	s := w.take()

	w.mu.Lock()
	baseline, baselineSet := w.baseline, w.baselineSet
	w.mu.Unlock()

	return evaluate(s, baseline, baselineSet)
}

// take reads the runtime counters and records the sample.
func (w *Watermark) take() Sample {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s := Sample{
		Timestamp:     time.Now(),
		HeapAlloc:     m.HeapAlloc,
		HeapSys:       m.HeapSys,
		Goroutines:    runtime.NumGoroutine(),
		NumGC:         m.NumGC,
		GCCPUFraction: m.GCCPUFraction,
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.taken++
	if !w.baselineSet && w.taken > warmupSamples {
		w.baseline = s
		w.baselineSet = true
	}
	if s.HeapAlloc > w.peakHeap {
		w.peakHeap = s.HeapAlloc
	}
	w.samples = append(w.samples, s)
	if len(w.samples) > w.maxSamples {
		w.samples = w.samples[len(w.samples)-w.maxSamples:]
	}
	return s
}

// evaluate applies the leak heuristics to one sample.
func evaluate(s, baseline Sample, baselineSet bool) error {
	if s.Goroutines > goroutineCeiling {
		return fmt.Errorf("%d goroutines, limit %d", s.Goroutines, goroutineCeiling)
	}
	if baselineSet && s.HeapAlloc > heapGrowthFloor {
		if grown := float64(s.HeapAlloc); grown > float64(baseline.HeapAlloc)*heapGrowthFactor {
			return fmt.Errorf("heap %d MiB, baseline %d MiB",
				s.HeapAlloc>>20, baseline.HeapAlloc>>20)
		}
	}
	return nil
}

// Last returns the most recent sample, if any has been taken.
func (w *Watermark) Last() (Sample, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return Sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// PeakHeap returns the largest heap allocation seen across all samples.
func (w *Watermark) PeakHeap() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peakHeap
}

// History returns a copy of the retained samples, oldest first.
func (w *Watermark) History() []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}
