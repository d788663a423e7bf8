package metrics

import (
	"sync"
	"time"
)

// EndpointType represents the device endpoints the driver exercises.
type EndpointType string

const (
	EndpointStatus      EndpointType = "status"
	EndpointInfo        EndpointType = "info"
	EndpointHealth      EndpointType = "health"
	EndpointConfigRead  EndpointType = "config_read"
	EndpointConfigWrite EndpointType = "config_write"
	EndpointFrame       EndpointType = "frame"
	EndpointMeasurement EndpointType = "measurement"
)

// latencyBuckets is the upper bound in milliseconds of each histogram
// bucket used for percentile estimation. The last bucket is unbounded.
var latencyBuckets = []int64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000}

// EndpointLatencyMetrics tracks latency for a single device endpoint.
type EndpointLatencyMetrics struct {
	Count           int64         `json:"count"`
	ErrorCount      int64         `json:"error_count"`
	TotalLatency    time.Duration `json:"total_latency"`
	MinLatency      time.Duration `json:"min_latency"`
	MaxLatency      time.Duration `json:"max_latency"`
	AverageLatency  time.Duration `json:"average_latency"`
	P95Latency      time.Duration `json:"p95_latency"`
	BytesProcessed  int64         `json:"bytes_processed"`
	AvgBytesPerOp   float64       `json:"avg_bytes_per_op"`
	ThroughputMBps  float64       `json:"throughput_mbps"`
	LastRequestTime time.Time     `json:"last_request_time"`

	histogram []int64
}

// LinkUtilizationMetrics tracks how much of the single device connection
// the driver consumes.
type LinkUtilizationMetrics struct {
	BytesDownloaded  int64     `json:"bytes_downloaded"`
	BytesUploaded    int64     `json:"bytes_uploaded"`
	DownloadRate     float64   `json:"download_rate_mbps"`
	PeakDownloadRate float64   `json:"peak_download_rate_mbps"`
	RequestCount     int64     `json:"request_count"`
	AvgResponseSize  float64   `json:"avg_response_size"`
	NetworkErrors    int64     `json:"network_errors"`
	TimeoutErrors    int64     `json:"timeout_errors"`
	Retries          int64     `json:"retries"`
	LastUpdateTime   time.Time `json:"last_update_time"`
}

// LinkMetrics aggregates per-endpoint latency and link utilization for the
// device connection. It backs the control API's link diagnostics view.
type LinkMetrics struct {
	mu               sync.RWMutex
	Endpoints        map[EndpointType]*EndpointLatencyMetrics `json:"endpoints"`
	Utilization      *LinkUtilizationMetrics                  `json:"utilization"`
	StartTime        time.Time                                `json:"start_time"`
	LastUpdateTime   time.Time                                `json:"last_update_time"`
	TotalRequests    int64                                    `json:"total_requests"`
	TotalErrors      int64                                    `json:"total_errors"`
	OverallErrorRate float64                                  `json:"overall_error_rate"`
}

// NewLinkMetrics creates an empty link metrics aggregate.
func NewLinkMetrics() *LinkMetrics {
	return &LinkMetrics{
		Endpoints:      make(map[EndpointType]*EndpointLatencyMetrics),
		Utilization:    &LinkUtilizationMetrics{},
		StartTime:      time.Now(),
		LastUpdateTime: time.Now(),
	}
}

// RecordRequest records one device request against an endpoint.
func (lm *LinkMetrics) RecordRequest(endpoint EndpointType, latency time.Duration, bytes int64, timedOut bool, err error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := time.Now()
	lm.LastUpdateTime = now
	lm.TotalRequests++

	if lm.Endpoints[endpoint] == nil {
		lm.Endpoints[endpoint] = &EndpointLatencyMetrics{
			MinLatency: latency,
			histogram:  make([]int64, len(latencyBuckets)+1),
		}
	}

	em := lm.Endpoints[endpoint]
	em.Count++
	em.TotalLatency += latency
	em.LastRequestTime = now
	em.BytesProcessed += bytes

	if latency < em.MinLatency || em.MinLatency == 0 {
		em.MinLatency = latency
	}
	if latency > em.MaxLatency {
		em.MaxLatency = latency
	}
	em.AverageLatency = time.Duration(int64(em.TotalLatency) / em.Count)

	em.histogram[bucketIndex(latency)]++
	em.P95Latency = em.estimatePercentile(0.95)

	if err != nil {
		em.ErrorCount++
		lm.TotalErrors++
	}

	if em.Count > 0 {
		em.AvgBytesPerOp = float64(em.BytesProcessed) / float64(em.Count)
	}
	if em.TotalLatency > 0 {
		seconds := em.TotalLatency.Seconds()
		em.ThroughputMBps = (float64(em.BytesProcessed) / (1024 * 1024)) / seconds
	}

	lm.updateUtilization(latency, bytes, timedOut, err)

	if lm.TotalRequests > 0 {
		lm.OverallErrorRate = float64(lm.TotalErrors) / float64(lm.TotalRequests)
	}
}

// RecordRetry records one transport retry attempt.
func (lm *LinkMetrics) RecordRetry() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.Utilization.Retries++
}

func (lm *LinkMetrics) updateUtilization(latency time.Duration, bytes int64, timedOut bool, err error) {
	u := lm.Utilization
	u.BytesDownloaded += bytes
	u.RequestCount++
	u.LastUpdateTime = time.Now()

	if latency > 0 && bytes > 0 {
		rate := (float64(bytes) / (1024 * 1024)) / latency.Seconds()
		if rate > u.PeakDownloadRate {
			u.PeakDownloadRate = rate
		}
		if u.RequestCount == 1 {
			u.DownloadRate = rate
		} else {
			// 90/10 weighted average for smooth rate calculation
			u.DownloadRate = (u.DownloadRate * 0.9) + (rate * 0.1)
		}
	}

	if u.RequestCount > 0 {
		u.AvgResponseSize = float64(u.BytesDownloaded) / float64(u.RequestCount)
	}

	if err != nil {
		u.NetworkErrors++
		if timedOut {
			u.TimeoutErrors++
		}
	}
}

// Snapshot returns a deep copy safe to serialize outside the lock.
func (lm *LinkMetrics) Snapshot() *LinkMetrics {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	snap := &LinkMetrics{
		Endpoints:        make(map[EndpointType]*EndpointLatencyMetrics, len(lm.Endpoints)),
		StartTime:        lm.StartTime,
		LastUpdateTime:   lm.LastUpdateTime,
		TotalRequests:    lm.TotalRequests,
		TotalErrors:      lm.TotalErrors,
		OverallErrorRate: lm.OverallErrorRate,
	}
	for k, v := range lm.Endpoints {
		copied := *v
		copied.histogram = nil
		snap.Endpoints[k] = &copied
	}
	utilization := *lm.Utilization
	snap.Utilization = &utilization

	return snap
}

// Reset clears all aggregates.
func (lm *LinkMetrics) Reset() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.Endpoints = make(map[EndpointType]*EndpointLatencyMetrics)
	lm.Utilization = &LinkUtilizationMetrics{}
	lm.StartTime = time.Now()
	lm.LastUpdateTime = time.Now()
	lm.TotalRequests = 0
	lm.TotalErrors = 0
	lm.OverallErrorRate = 0
}

func bucketIndex(latency time.Duration) int {
	ms := latency.Milliseconds()
	for i, bound := range latencyBuckets {
		if ms <= bound {
			return i
		}
	}
	return len(latencyBuckets)
}

// estimatePercentile walks the bucket histogram and returns the upper bound
// of the bucket containing the requested quantile.
func (em *EndpointLatencyMetrics) estimatePercentile(q float64) time.Duration {
	if em.Count == 0 {
		return 0
	}

	target := int64(float64(em.Count) * q)
	if target < 1 {
		target = 1
	}

	var seen int64
	for i, n := range em.histogram {
		seen += n
		if seen >= target {
			if i < len(latencyBuckets) {
				return time.Duration(latencyBuckets[i]) * time.Millisecond
			}
			return em.MaxLatency
		}
	}
	return em.MaxLatency
}
