/*
Package config provides configuration management for the detector driver.

This package implements a layered configuration system backed by YAML files
with environment-variable overrides. It provides defaults, validation, and
the restart/reload split used by the daemon's hot-reload path.

# Configuration Sources

Precedence, highest first:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │
	│             (TPX3_*)                        │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │
	│        (Compiled-in defaults)               │
	└─────────────────────────────────────────────┘

# Configuration Structure

Device:
  - Detector base URL
  - Request spacing floor (gap between completion and next request)
  - Connect and total request timeouts

Poller:
  - Poll interval
  - Bounded transport retry count
  - Slow cadences in ticks (parameter refresh, hardware health reads)
  - Command queue depth

Mirror:
  - Tracked parameter groups (detector, acquisition, output)

Sinks:
  - Log sink toggle
  - MQTT publication (broker, topic prefix, QoS, optional frame payloads)
  - S3 archive (bucket, prefix, upload workers, local SQLite catalog)

Servers:
  - Prometheus metrics endpoint
  - Operator control API endpoint

Logging:
  - Level, format, optional file output with rotation
  - Per-component level overrides

# Usage

Loading configuration:

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/tpx3d/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

Hot reload:

	next := config.NewDefault()
	_ = next.LoadFromFile(path)
	if frozen := cfg.RequiresRestart(next); len(frozen) > 0 {
		// these settings apply on the next restart only
	}

# Duration Fields

All duration fields use the config.Duration wrapper and accept the human
form in YAML:

	device:
	  request_spacing: 10ms
	  connect_timeout: 2s

# Environment Variables

Secrets never live in the file. The MQTT password is read from
TPX3_MQTT_PASSWORD; S3 credentials come from the standard AWS chain.
Other overrides: TPX3_DEVICE_URL, TPX3_POLL_INTERVAL, TPX3_LOG_LEVEL,
TPX3_LOG_FILE, TPX3_MQTT_BROKER, TPX3_ARCHIVE_BUCKET,
TPX3_ARCHIVE_ENDPOINT, TPX3_METRICS_LISTEN, TPX3_API_LISTEN.
*/
package config
