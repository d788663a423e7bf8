package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// acquisitionStates enumerates the state gauge labels. Exactly one carries
// the value 1 at any time.
var acquisitionStates = []string{"idle", "arming", "acquiring", "frame_ready", "error", "stopped"}

// Collector aggregates driver metrics and exposes them in Prometheus format.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	throttleWait    prometheus.Histogram
	pollCycles      prometheus.Counter
	pollCycleTime   prometheus.Histogram
	stateGauge      *prometheus.GaugeVec
	framesPublished prometheus.Counter
	frameBytes      prometheus.Counter
	decodeDuration  prometheus.Histogram
	bufferAcquires  *prometheus.CounterVec
	sinkPublishes   *prometheus.CounterVec
	paramSyncs      *prometheus.CounterVec
	archiveQueue    prometheus.Gauge
	archiveUploads  *prometheus.CounterVec
	archiveBytes    prometheus.Counter

	// Internal per-endpoint tracking
	endpoints map[string]*EndpointMetrics
	lastReset time.Time

	// HTTP server for the exposition endpoint
	server *http.Server
}

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// EndpointMetrics tracks request metrics for one device endpoint.
type EndpointMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	ThrottleWait  time.Duration `json:"throttle_wait"`
	LastRequest   time.Time     `json:"last_request"`
}

// NewCollector creates a new metrics collector.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Listen:    ":9090",
			Path:      "/metrics",
			Namespace: "adtimepix3",
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "adtimepix3"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()

	collector := &Collector{
		config:    config,
		registry:  registry,
		endpoints: make(map[string]*EndpointMetrics),
		lastReset: time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Start starts the metrics exposition server.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Listen == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/endpoints", c.debugEndpointsHandler)

	c.server = &http.Server{
		Addr:              c.config.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop stops the metrics exposition server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordRequest records one completed device request. code is "ok" for
// success or the transport error code; throttleWait is the time the request
// spent blocked on the spacing floor before being issued.
func (c *Collector) RecordRequest(endpoint, code string, duration, throttleWait time.Duration) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	if metrics, exists := c.endpoints[endpoint]; exists {
		metrics.Count++
		metrics.TotalDuration += duration
		metrics.ThrottleWait += throttleWait
		if code != "ok" {
			metrics.Errors++
		}
		metrics.LastRequest = time.Now()
		metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	} else {
		errs := int64(0)
		if code != "ok" {
			errs = 1
		}
		c.endpoints[endpoint] = &EndpointMetrics{
			Count:         1,
			Errors:        errs,
			TotalDuration: duration,
			AvgDuration:   duration,
			ThrottleWait:  throttleWait,
			LastRequest:   time.Now(),
		}
	}
	c.mu.Unlock()

	c.requestCounter.With(prometheus.Labels{"endpoint": endpoint, "code": code}).Inc()
	c.requestDuration.With(prometheus.Labels{"endpoint": endpoint}).Observe(duration.Seconds())
	if throttleWait > 0 {
		c.throttleWait.Observe(throttleWait.Seconds())
	}
}

// RecordPollCycle records one completed poller iteration.
func (c *Collector) RecordPollCycle(duration time.Duration) {
	if !c.config.Enabled {
		return
	}

	c.pollCycles.Inc()
	c.pollCycleTime.Observe(duration.Seconds())
}

// SetAcquisitionState sets the state gauge. The named state is set to 1 and
// every other state to 0.
func (c *Collector) SetAcquisitionState(state string) {
	if !c.config.Enabled {
		return
	}

	for _, s := range acquisitionStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		c.stateGauge.With(prometheus.Labels{"state": s}).Set(value)
	}
}

// RecordFrame records one decoded and published frame. reused reports
// whether the frame buffer was recycled rather than freshly allocated.
func (c *Collector) RecordFrame(decodeDuration time.Duration, byteSize int, reused bool) {
	if !c.config.Enabled {
		return
	}

	c.framesPublished.Inc()
	c.frameBytes.Add(float64(byteSize))
	c.decodeDuration.Observe(decodeDuration.Seconds())

	outcome := "allocated"
	if reused {
		outcome = "reused"
	}
	c.bufferAcquires.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RecordSinkPublish records one sink delivery. kind is "frame" or "param".
func (c *Collector) RecordSinkPublish(kind string, err error) {
	if !c.config.Enabled {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	c.sinkPublishes.With(prometheus.Labels{"kind": kind, "status": status}).Inc()
}

// RecordParamSync records one mirror refresh or commit.
func (c *Collector) RecordParamSync(operation string, err error) {
	if !c.config.Enabled {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	c.paramSyncs.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
}

// SetArchiveQueueDepth sets the archive queue depth gauge.
func (c *Collector) SetArchiveQueueDepth(depth int) {
	if !c.config.Enabled {
		return
	}

	c.archiveQueue.Set(float64(depth))
}

// RecordArchiveUpload records one finished archive upload attempt.
func (c *Collector) RecordArchiveUpload(byteSize int64, err error) {
	if !c.config.Enabled {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	c.archiveUploads.With(prometheus.Labels{"status": status}).Inc()
	if err == nil {
		c.archiveBytes.Add(float64(byteSize))
	}
}

// GetMetrics returns the internal per-endpoint tracking.
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	endpoints := make(map[string]*EndpointMetrics)
	for k, v := range c.endpoints {
		copied := *v
		endpoints[k] = &copied
	}

	return map[string]interface{}{
		"endpoints":  endpoints,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics resets the internal per-endpoint tracking. Prometheus series
// are cumulative and are not reset.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.endpoints = make(map[string]*EndpointMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Device requests by endpoint and result code",
		},
		[]string{"endpoint", "code"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_duration_seconds",
			Help:      "Device request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13), // 1ms to ~8s
		},
		[]string{"endpoint"},
	)

	c.throttleWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "throttle_wait_seconds",
			Help:      "Time spent blocked on the request spacing floor",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
	)

	c.pollCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "poll_cycles_total",
			Help:      "Completed poller iterations",
		},
	)

	c.pollCycleTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Poller iteration duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
	)

	c.stateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "acquisition_state",
			Help:      "Current acquisition state (1 for the active state)",
		},
		[]string{"state"},
	)

	c.framesPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_published_total",
			Help:      "Frames decoded and delivered to sinks",
		},
	)

	c.frameBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frame_bytes_total",
			Help:      "Total pixel payload bytes published",
		},
	)

	c.decodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "frame_decode_duration_seconds",
			Help:      "Frame header parse and payload copy duration",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~0.4s
		},
	)

	c.bufferAcquires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "buffer_acquires_total",
			Help:      "Frame buffer acquisitions by outcome",
		},
		[]string{"outcome"},
	)

	c.sinkPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sink_publish_total",
			Help:      "Sink deliveries by kind and status",
		},
		[]string{"kind", "status"},
	)

	c.paramSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "param_syncs_total",
			Help:      "Parameter mirror refreshes and commits by status",
		},
		[]string{"operation", "status"},
	)

	c.archiveQueue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "archive_queue_depth",
			Help:      "Frames waiting in the archive upload queue",
		},
	)

	c.archiveUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "archive_uploads_total",
			Help:      "Archive upload attempts by status",
		},
		[]string{"status"},
	)

	c.archiveBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "archive_bytes_total",
			Help:      "Bytes successfully archived",
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.requestCounter,
		c.requestDuration,
		c.throttleWait,
		c.pollCycles,
		c.pollCycleTime,
		c.stateGauge,
		c.framesPublished,
		c.frameBytes,
		c.decodeDuration,
		c.bufferAcquires,
		c.sinkPublishes,
		c.paramSyncs,
		c.archiveQueue,
		c.archiveUploads,
		c.archiveBytes,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"tpx3d-metrics"}`)) // Ignore write error for health check
}

func (c *Collector) debugEndpointsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")

	// Helper to avoid errcheck issues
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Device Endpoint Summary\n")
	writef("=======================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset))
	writef("Last Reset: %v\n\n", c.lastReset)

	if len(c.endpoints) == 0 {
		writef("No requests recorded.\n")
		return
	}

	writef("%-16s %10s %10s %14s %14s %10s\n",
		"Endpoint", "Count", "Errors", "Avg Duration", "Throttled", "Last Req")
	writef("%-16s %10s %10s %14s %14s %10s\n",
		"--------", "-----", "------", "------------", "---------", "--------")

	for name, ep := range c.endpoints {
		writef("%-16s %10d %10d %14v %14v %10s\n",
			name, ep.Count, ep.Errors, ep.AvgDuration,
			ep.ThrottleWait, ep.LastRequest.Format("15:04:05"))
	}
}
