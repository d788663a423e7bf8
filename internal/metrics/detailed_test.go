package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestNewLinkMetrics(t *testing.T) {
	lm := NewLinkMetrics()

	if lm == nil {
		t.Fatal("Expected non-nil LinkMetrics")
	}
	if lm.Endpoints == nil {
		t.Error("Expected initialized Endpoints map")
	}
	if lm.Utilization == nil {
		t.Error("Expected initialized Utilization")
	}
}

func TestLinkRecordRequestBasic(t *testing.T) {
	lm := NewLinkMetrics()

	lm.RecordRequest(EndpointFrame, 40*time.Millisecond, 131072, false, nil)

	em := lm.Endpoints[EndpointFrame]
	if em == nil {
		t.Fatal("frame endpoint not recorded")
	}
	if em.Count != 1 {
		t.Errorf("Count = %d, want 1", em.Count)
	}
	if em.BytesProcessed != 131072 {
		t.Errorf("BytesProcessed = %d, want 131072", em.BytesProcessed)
	}
	if em.MinLatency != 40*time.Millisecond || em.MaxLatency != 40*time.Millisecond {
		t.Errorf("Min/Max = %v/%v, want 40ms/40ms", em.MinLatency, em.MaxLatency)
	}
	if lm.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", lm.TotalRequests)
	}
}

func TestLinkRecordRequestAggregates(t *testing.T) {
	lm := NewLinkMetrics()

	lm.RecordRequest(EndpointStatus, 10*time.Millisecond, 100, false, nil)
	lm.RecordRequest(EndpointStatus, 30*time.Millisecond, 100, false, nil)
	lm.RecordRequest(EndpointStatus, 20*time.Millisecond, 100, false, errors.New("device error"))

	em := lm.Endpoints[EndpointStatus]
	if em.Count != 3 {
		t.Errorf("Count = %d, want 3", em.Count)
	}
	if em.MinLatency != 10*time.Millisecond {
		t.Errorf("MinLatency = %v, want 10ms", em.MinLatency)
	}
	if em.MaxLatency != 30*time.Millisecond {
		t.Errorf("MaxLatency = %v, want 30ms", em.MaxLatency)
	}
	if em.AverageLatency != 20*time.Millisecond {
		t.Errorf("AverageLatency = %v, want 20ms", em.AverageLatency)
	}
	if em.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", em.ErrorCount)
	}

	wantRate := 1.0 / 3.0
	if diff := lm.OverallErrorRate - wantRate; diff > 0.001 || diff < -0.001 {
		t.Errorf("OverallErrorRate = %.3f, want %.3f", lm.OverallErrorRate, wantRate)
	}
}

func TestLinkTimeoutTracking(t *testing.T) {
	lm := NewLinkMetrics()

	lm.RecordRequest(EndpointFrame, 5*time.Second, 0, true, errors.New("deadline exceeded"))
	lm.RecordRequest(EndpointFrame, 10*time.Millisecond, 0, false, errors.New("connection refused"))

	u := lm.Utilization
	if u.NetworkErrors != 2 {
		t.Errorf("NetworkErrors = %d, want 2", u.NetworkErrors)
	}
	if u.TimeoutErrors != 1 {
		t.Errorf("TimeoutErrors = %d, want 1", u.TimeoutErrors)
	}
}

func TestLinkPercentileEstimate(t *testing.T) {
	lm := NewLinkMetrics()

	// 95 fast requests and 5 slow ones: p95 must stay in the fast buckets.
	for i := 0; i < 95; i++ {
		lm.RecordRequest(EndpointStatus, 2*time.Millisecond, 10, false, nil)
	}
	for i := 0; i < 5; i++ {
		lm.RecordRequest(EndpointStatus, 400*time.Millisecond, 10, false, nil)
	}

	em := lm.Endpoints[EndpointStatus]
	if em.P95Latency > 10*time.Millisecond {
		t.Errorf("P95Latency = %v, want <= 10ms", em.P95Latency)
	}
	if em.MaxLatency != 400*time.Millisecond {
		t.Errorf("MaxLatency = %v, want 400ms", em.MaxLatency)
	}
}

func TestLinkDownloadRate(t *testing.T) {
	lm := NewLinkMetrics()

	// 1 MiB in 100ms is 10 MB/s.
	lm.RecordRequest(EndpointFrame, 100*time.Millisecond, 1024*1024, false, nil)

	u := lm.Utilization
	if u.DownloadRate < 9.9 || u.DownloadRate > 10.1 {
		t.Errorf("DownloadRate = %.2f MB/s, want ~10", u.DownloadRate)
	}
	if u.PeakDownloadRate < u.DownloadRate {
		t.Errorf("PeakDownloadRate = %.2f < DownloadRate %.2f", u.PeakDownloadRate, u.DownloadRate)
	}
}

func TestLinkSnapshotIsDeepCopy(t *testing.T) {
	lm := NewLinkMetrics()
	lm.RecordRequest(EndpointHealth, time.Millisecond, 64, false, nil)

	snap := lm.Snapshot()
	lm.RecordRequest(EndpointHealth, time.Millisecond, 64, false, nil)

	if snap.Endpoints[EndpointHealth].Count != 1 {
		t.Errorf("snapshot Count = %d, want 1", snap.Endpoints[EndpointHealth].Count)
	}
	if snap.TotalRequests != 1 {
		t.Errorf("snapshot TotalRequests = %d, want 1", snap.TotalRequests)
	}
	if lm.Endpoints[EndpointHealth].Count != 2 {
		t.Errorf("live Count = %d, want 2", lm.Endpoints[EndpointHealth].Count)
	}
}

func TestLinkRetryAndReset(t *testing.T) {
	lm := NewLinkMetrics()

	lm.RecordRequest(EndpointStatus, time.Millisecond, 10, false, nil)
	lm.RecordRetry()
	lm.RecordRetry()

	if lm.Utilization.Retries != 2 {
		t.Errorf("Retries = %d, want 2", lm.Utilization.Retries)
	}

	lm.Reset()
	if len(lm.Endpoints) != 0 {
		t.Errorf("Endpoints after reset = %d, want 0", len(lm.Endpoints))
	}
	if lm.TotalRequests != 0 || lm.Utilization.Retries != 0 {
		t.Errorf("counters after reset: requests=%d retries=%d, want 0/0", lm.TotalRequests, lm.Utilization.Retries)
	}
}
