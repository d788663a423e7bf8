/*
Package metrics provides Prometheus-based metrics collection for the driver.

# Overview

The metrics package tracks the device link (requests, latency, throttle
waits), the acquisition loop (poll cycles, state, frames, buffer reuse),
and the publish side (sinks, archive queue). It exposes both real-time
Prometheus metrics and internal per-endpoint tracking for diagnostics.

Architecture

	┌─────────────┐
	│  Collector  │  ← Prometheus registry + per-endpoint tracking
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼───────────┐
	│  Prometheus  │         │  HTTP Endpoints     │
	│   Registry   │         │  /metrics           │
	│              │         │  /health            │
	│ - Counters   │         │  /debug/endpoints   │
	│ - Histograms │         └─────────────────────┘
	│ - Gauges     │
	└──────────────┘

	┌─────────────┐
	│ LinkMetrics │  ← Per-endpoint latency aggregates (min/max/p95,
	└─────────────┘    bytes, rates); served by the control API

# Core Components

Collector: the Prometheus-facing aggregator. The driver wires it to the
transport's request hook and the poller's acquisition loop.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Listen:    ":9090",
		Path:      "/metrics",
		Namespace: "adtimepix3",
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

# Recording

Device requests carry the endpoint name, the result code, the request
duration, and the time spent blocked on the spacing floor:

	collector.RecordRequest("status", "ok", duration, throttleWait)
	collector.RecordRequest("frame", "TIMEOUT", duration, 0)

The acquisition loop records cycles, state changes, and frames:

	collector.RecordPollCycle(cycleDuration)
	collector.SetAcquisitionState("acquiring")
	collector.RecordFrame(decodeDuration, len(frame.Data), reused)

# Prometheus Metrics

Counters:
  - adtimepix3_requests_total{endpoint,code}: device requests by result
  - adtimepix3_poll_cycles_total: completed poller iterations
  - adtimepix3_frames_published_total: frames delivered to sinks
  - adtimepix3_frame_bytes_total: pixel payload bytes published
  - adtimepix3_buffer_acquires_total{outcome}: buffer allocations vs reuses
  - adtimepix3_sink_publish_total{kind,status}: sink deliveries
  - adtimepix3_param_syncs_total{operation,status}: mirror refreshes/commits
  - adtimepix3_archive_uploads_total{status}: archive upload attempts
  - adtimepix3_archive_bytes_total: bytes successfully archived

Histograms:
  - adtimepix3_request_duration_seconds{endpoint}: device request latency
  - adtimepix3_throttle_wait_seconds: spacing-floor wait distribution
  - adtimepix3_poll_cycle_duration_seconds: poller iteration duration
  - adtimepix3_frame_decode_duration_seconds: frame decode latency

Gauges:
  - adtimepix3_acquisition_state{state}: 1 for the active state
  - adtimepix3_archive_queue_depth: frames waiting for upload

# HTTP Endpoints

/metrics - Prometheus-formatted metrics (for scraping)

	curl http://localhost:9090/metrics

/health - Health check endpoint

	curl http://localhost:9090/health
	{"status":"healthy","service":"tpx3d-metrics"}

/debug/endpoints - Human-readable per-endpoint request summary

# Link Diagnostics

LinkMetrics keeps a finer per-endpoint view of the single device
connection (min/max/p95 latency, download rates, timeout counts). The
control API serves its Snapshot so operators can see where the link
budget goes without a Prometheus stack.
*/
package metrics
