// Package driver assembles the detector stack: the throttled HTTP session,
// the typed device client, the parameter mirror, the frame buffer, the sink
// chain, the acquisition loop, and the operator surfaces (control API,
// health monitor, metrics exposition). It owns startup and shutdown order;
// everything below it is wired here and nowhere else.
package driver

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kgofron/ADTimePix3/internal/archive"
	"github.com/kgofron/ADTimePix3/internal/config"
	"github.com/kgofron/ADTimePix3/internal/detector"
	"github.com/kgofron/ADTimePix3/internal/framecache"
	"github.com/kgofron/ADTimePix3/internal/health"
	"github.com/kgofron/ADTimePix3/internal/metrics"
	"github.com/kgofron/ADTimePix3/internal/params"
	"github.com/kgofron/ADTimePix3/internal/poller"
	"github.com/kgofron/ADTimePix3/internal/sink"
	"github.com/kgofron/ADTimePix3/internal/transport"
	"github.com/kgofron/ADTimePix3/pkg/api"
	"github.com/kgofron/ADTimePix3/pkg/errors"
	"github.com/kgofron/ADTimePix3/pkg/memmon"
	"github.com/kgofron/ADTimePix3/pkg/status"
	"github.com/kgofron/ADTimePix3/pkg/types"
	"github.com/kgofron/ADTimePix3/pkg/utils"
)

const metricsNamespace = "adtimepix3"

// Options carries the dependencies the driver cannot derive from
// configuration alone.
type Options struct {
	// Logger is the process logger. Built from the logging section when nil.
	Logger *utils.StructuredLogger

	// Version is stamped into the User-Agent and the control API.
	Version string
}

// Driver owns every component between the device socket and the operator
// surfaces.
type Driver struct {
	config  *config.Configuration
	base    *utils.StructuredLogger
	logger  *utils.StructuredLogger
	version string

	collector *metrics.Collector
	link      *metrics.LinkMetrics
	debug     *utils.DebugManager

	session *transport.Session
	client  *detector.Client
	mirror  *params.Mirror
	cache   *framecache.Cache

	sinks   []types.Sink
	logSink *sink.LogSink
	runs    *status.RunLog
	mqtt    *sink.MQTTSink
	store   *archive.S3Store
	archive *archive.Sink

	poller  *poller.Poller
	monitor *health.Monitor
	memory  *memmon.Watermark
	control *api.Server

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds the full stack from configuration. Sinks with external
// connections (MQTT broker, archive bucket) are brought up here, so a New
// that returns an error has already torn down whatever it started. The
// context bounds external setup such as AWS credential resolution.
func New(ctx context.Context, cfg *config.Configuration, opts Options) (*Driver, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "configuration rejected").
			WithComponent("driver").
			WithCause(err)
	}

	base := opts.Logger
	if base == nil {
		var err error
		base, err = NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	d := &Driver{
		config:  cfg,
		base:    base,
		logger:  base.WithComponent("driver"),
		version: version,
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Listen:    cfg.Metrics.Listen,
		Namespace: metricsNamespace,
	})
	if err != nil {
		return nil, err
	}
	d.collector = collector
	d.link = metrics.NewLinkMetrics()
	d.debug = utils.GetDebugManager()

	session, err := transport.New(&transport.Config{
		BaseURL:        cfg.Device.BaseURL,
		RequestSpacing: cfg.Device.RequestSpacing.Std(),
		ConnectTimeout: cfg.Device.ConnectTimeout.Std(),
		RequestTimeout: cfg.Device.RequestTimeout.Std(),
		UserAgent:      "tpx3d/" + version,
		Observe:        d.observeRequest,
	})
	if err != nil {
		return nil, err
	}
	d.session = session

	d.client = detector.NewClient(session)
	d.mirror = params.New(d.client, cfg.Mirror.Groups)
	d.cache = framecache.New()

	if err := d.buildSinks(ctx); err != nil {
		return nil, err
	}

	p, err := poller.New(&poller.Config{
		Interval:          cfg.Poller.Interval.Std(),
		TransportRetries:  cfg.Poller.TransportRetries,
		ParamRefreshEvery: cfg.Poller.ParamRefreshEvery,
		HealthReadEvery:   cfg.Poller.HealthReadEvery,
		CommandQueue:      cfg.Poller.CommandQueue,
	}, poller.Options{
		Device:  d.client,
		Mirror:  d.mirror,
		Cache:   d.cache,
		Sink:    sink.NewFanout(d.sinks...),
		Logger:  base,
		Metrics: collector,
	})
	if err != nil {
		d.closeSinks()
		return nil, err
	}
	d.poller = p

	if err := d.buildHealth(); err != nil {
		d.closeSinks()
		return nil, err
	}

	if cfg.API.Enabled {
		apiCfg := api.DefaultServerConfig()
		apiCfg.Address = cfg.API.Listen
		server, err := api.NewServer(apiCfg, api.Options{
			Driver:  p,
			Health:  d.monitor,
			Link:    d.link,
			Runs:    d.runs,
			Logger:  base,
			Version: version,
		})
		if err != nil {
			d.closeSinks()
			return nil, err
		}
		d.control = server
	}

	return d, nil
}

// buildSinks constructs the enabled sink chain in delivery order: log and
// run log first, then MQTT, then the archive. A failure closes whatever
// already came up.
func (d *Driver) buildSinks(ctx context.Context) error {
	cfg := d.config.Sinks

	d.logSink = sink.NewLogSink(d.base)
	d.logSink.SetEnabled(cfg.Log.Enabled)
	d.sinks = append(d.sinks, d.logSink)

	d.runs = status.NewRunLog(0)
	d.sinks = append(d.sinks, d.runs)

	if cfg.MQTT.Enabled {
		m, err := sink.NewMQTTSink(sink.MQTTConfig{
			Broker:        cfg.MQTT.Broker,
			ClientID:      cfg.MQTT.ClientID,
			TopicPrefix:   cfg.MQTT.TopicPrefix,
			QoS:           cfg.MQTT.QoS,
			PublishFrames: cfg.MQTT.PublishFrames,
			Username:      cfg.MQTT.Username,
			Password:      cfg.MQTT.Password,
		}, d.base, d.collector)
		if err != nil {
			d.closeSinks()
			return err
		}
		d.mqtt = m
		d.sinks = append(d.sinks, m)
	}

	if cfg.Archive.Enabled {
		store, err := archive.NewS3Store(ctx, archive.S3Config{
			Bucket:    cfg.Archive.Bucket,
			Prefix:    cfg.Archive.Prefix,
			Region:    cfg.Archive.Region,
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
		})
		if err != nil {
			d.closeSinks()
			return err
		}
		d.store = store

		var catalog *archive.Catalog
		if path := cfg.Archive.CatalogPath; path != "" {
			resolved, err := utils.ExpandPath(path)
			if err == nil {
				err = utils.EnsureDir(resolved)
			}
			if err == nil {
				catalog, err = archive.NewCatalog(resolved)
			}
			if err != nil {
				d.closeSinks()
				return errors.NewError(errors.ErrCodeCatalogFailed, "cannot open frame catalog").
					WithComponent("driver").
					WithDetail("path", path).
					WithCause(err)
			}
		}

		a, err := archive.NewSink(archive.Config{
			QueueSize: cfg.Archive.QueueSize,
			Workers:   cfg.Archive.Workers,
		}, store, catalog, d.base, d.collector)
		if err != nil {
			if catalog != nil {
				catalog.Close()
			}
			d.closeSinks()
			return err
		}
		d.archive = a
		d.sinks = append(d.sinks, a)
	}

	return nil
}

// buildHealth registers the driver's standing checks. The loop check is
// critical: a parked acquisition loop means the driver is not doing its
// job. Everything else only degrades.
func (d *Driver) buildHealth() error {
	monitor, err := health.NewMonitor(health.Config{}, d.base)
	if err != nil {
		return err
	}

	staleAfter := 20 * d.config.Poller.Interval.Std()
	if staleAfter < time.Second {
		staleAfter = time.Second
	}
	if err := monitor.Register("acquisition-loop", "acquisition loop is cycling",
		health.PriorityCritical,
		health.CycleAgeCheck(func() time.Time { return d.poller.Stats().LastCycleAt }, staleAfter)); err != nil {
		return err
	}

	if err := monitor.Register("device-link", "device request failure ratio",
		health.PriorityDegrading,
		health.FailureRatioCheck(d.linkFailures, 0.5, 20)); err != nil {
		return err
	}

	d.memory = memmon.NewWatermark(0)
	if err := monitor.Register("process-memory", "heap and goroutine counts near baseline",
		health.PriorityDegrading,
		health.ProbeCheck(d.memory.Probe)); err != nil {
		return err
	}

	if d.mqtt != nil {
		if err := monitor.Register("mqtt-broker", "MQTT broker connection",
			health.PriorityDegrading,
			health.ConnectivityCheck(d.config.Sinks.MQTT.Broker, d.mqtt.Connected)); err != nil {
			return err
		}
	}

	if d.archive != nil {
		if err := monitor.Register("archive-queue", "archive upload queue headroom",
			health.PriorityDegrading,
			health.QueueSaturationCheck(func() (int, int) {
				stats := d.archive.Stats()
				return stats.QueueDepth, stats.QueueCapacity
			}, 0.9)); err != nil {
			return err
		}
		if err := monitor.Register("archive-store", "archive bucket reachability",
			health.PriorityDegrading,
			health.ProbeCheck(d.store.HealthCheck)); err != nil {
			return err
		}
	}

	d.monitor = monitor
	return nil
}

// Start brings the driver up: metrics exposition first so the scrape target
// exists before traffic, then the acquisition loop, health monitoring, and
// finally the control API.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "driver already running").
			WithComponent("driver")
	}
	if d.stopped {
		return errors.NewError(errors.ErrCodeShutdownInProgress, "driver already stopped").
			WithComponent("driver")
	}

	if err := d.collector.Start(ctx); err != nil {
		return err
	}
	if err := d.poller.Start(ctx); err != nil {
		d.collector.Stop(ctx)
		return err
	}
	if err := d.monitor.Start(); err != nil {
		d.poller.Stop()
		d.collector.Stop(ctx)
		return err
	}
	if d.control != nil {
		d.control.StartBackground()
	}

	d.started = true
	d.logger.Info("Driver started", map[string]interface{}{
		"version": d.version,
		"device":  d.config.Device.BaseURL,
		"sinks":   len(d.sinks),
	})
	return nil
}

// Stop shuts the stack down in dependency order: the control API stops
// taking commands, health monitoring parks, the loop joins, the sinks
// flush (the archive queue drains here), and the servers exit last. Safe
// to call more than once.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	started := d.started
	d.mu.Unlock()

	var failures []string

	if started && d.control != nil {
		if err := d.control.Shutdown(ctx); err != nil {
			failures = append(failures, "api: "+err.Error())
		}
	}
	if d.monitor != nil {
		d.monitor.Stop()
	}
	d.poller.Stop()
	failures = append(failures, d.closeSinks()...)
	if started {
		if err := d.collector.Stop(ctx); err != nil {
			failures = append(failures, "metrics: "+err.Error())
		}
	}

	stats := d.poller.Stats()
	d.logger.Info("Driver stopped", map[string]interface{}{
		"poll_cycles":      stats.PollCycles,
		"frames_published": stats.FramesPublished,
	})

	if len(failures) > 0 {
		return errors.NewError(errors.ErrCodeInternalError,
			"shutdown finished with failures: "+strings.Join(failures, "; ")).
			WithComponent("driver")
	}
	return nil
}

// closeSinks closes the sink chain in reverse delivery order and clears it,
// so constructor failure paths and Stop can both call it.
func (d *Driver) closeSinks() []string {
	var failures []string
	for i := len(d.sinks) - 1; i >= 0; i-- {
		if err := d.sinks[i].Close(); err != nil {
			failures = append(failures, "sink: "+err.Error())
		}
	}
	d.sinks = nil
	return failures
}

// Poller exposes the acquisition loop for the daemon's command surface.
func (d *Driver) Poller() *poller.Poller { return d.poller }

// Health exposes the monitor so the daemon can run one-shot checks.
func (d *Driver) Health() *health.Monitor { return d.monitor }

// Runs exposes the acquisition run log.
func (d *Driver) Runs() *status.RunLog { return d.runs }

// ApplyReloadable applies the reloadable subset of next to the running
// driver: log level and component overrides, the slow poll cadences, and
// the log sink toggle. It returns the settings that stayed frozen so the
// caller can tell the operator a restart is still pending.
func (d *Driver) ApplyReloadable(ctx context.Context, next *config.Configuration) ([]string, error) {
	if next == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "reload requires a configuration").
			WithComponent("driver")
	}
	if err := next.Validate(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "reload rejected").
			WithComponent("driver").
			WithCause(err)
	}

	frozen := d.config.RequiresRestart(next)

	if err := d.applyLogging(next.Logging); err != nil {
		return frozen, err
	}

	if next.Poller.ParamRefreshEvery != d.config.Poller.ParamRefreshEvery ||
		next.Poller.HealthReadEvery != d.config.Poller.HealthReadEvery {
		if err := d.poller.Retune(ctx, next.Poller.ParamRefreshEvery, next.Poller.HealthReadEvery); err != nil {
			return frozen, err
		}
	}

	if next.Sinks.Log.Enabled != d.config.Sinks.Log.Enabled {
		d.logSink.SetEnabled(next.Sinks.Log.Enabled)
	}

	d.config.Logging.Level = next.Logging.Level
	d.config.Logging.ComponentLevels = next.Logging.ComponentLevels
	d.config.Poller.ParamRefreshEvery = next.Poller.ParamRefreshEvery
	d.config.Poller.HealthReadEvery = next.Poller.HealthReadEvery
	d.config.Sinks.Log.Enabled = next.Sinks.Log.Enabled

	d.logger.Info("Configuration reloaded", map[string]interface{}{
		"frozen": len(frozen),
	})
	return frozen, nil
}

// applyLogging parses everything before touching the live logger so a bad
// reload cannot half-apply.
func (d *Driver) applyLogging(next config.LoggingConfig) error {
	level, err := utils.ParseLogLevel(next.Level)
	if err != nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, "invalid log level").
			WithComponent("driver").
			WithCause(err)
	}

	overrides := make(map[string]utils.LogLevel, len(next.ComponentLevels))
	for component, name := range next.ComponentLevels {
		componentLevel, err := utils.ParseLogLevel(name)
		if err != nil {
			return errors.NewError(errors.ErrCodeInvalidConfig, "invalid component log level").
				WithComponent("driver").
				WithDetail("log_component", component).
				WithCause(err)
		}
		overrides[component] = componentLevel
	}

	d.base.SetLevel(level)
	for component, componentLevel := range overrides {
		d.base.SetComponentLevel(component, componentLevel)
	}
	return nil
}

// observeRequest fans one completed device request into the Prometheus
// collector, the link diagnostics aggregate, and any active debug capture
// session. It runs inside the transport lock, so it must stay cheap.
func (d *Driver) observeRequest(info transport.RequestInfo) {
	endpoint := classifyPath(info.Method, info.Path)

	code := "ok"
	if info.Err != nil {
		code = string(errors.CodeOf(info.Err))
	}
	d.collector.RecordRequest(string(endpoint), code, info.Duration, info.ThrottleWait)
	d.link.RecordRequest(endpoint, info.Duration, int64(info.BytesRead),
		errors.IsCode(info.Err, errors.ErrCodeTimeout), info.Err)

	if d.debug.HasSessions() {
		fields := map[string]interface{}{
			"endpoint": string(endpoint),
			"bytes":    info.BytesRead,
		}
		if info.Err != nil {
			fields["error"] = info.Err.Error()
		}
		d.debug.RecordTimed("transport", "request", info.Method+" "+info.Path, fields, info.Duration)
	}
}

// linkFailures samples the link aggregate for the failure-ratio check.
func (d *Driver) linkFailures() (failures, total uint64) {
	snap := d.link.Snapshot()
	return uint64(snap.TotalErrors), uint64(snap.TotalRequests)
}

// classifyPath maps a device path onto the fixed endpoint vocabulary.
// Unknown paths share one label so a firmware surprise cannot explode
// metric cardinality.
func classifyPath(method, path string) metrics.EndpointType {
	switch {
	case path == "/api/v1/status":
		return metrics.EndpointStatus
	case path == "/api/v1/info":
		return metrics.EndpointInfo
	case path == "/api/v1/health":
		return metrics.EndpointHealth
	case path == "/api/v1/frame":
		return metrics.EndpointFrame
	case strings.HasPrefix(path, "/api/v1/measurement/"):
		return metrics.EndpointMeasurement
	case strings.HasPrefix(path, "/api/v1/config/"):
		if method == http.MethodPut {
			return metrics.EndpointConfigWrite
		}
		return metrics.EndpointConfigRead
	}
	return metrics.EndpointType("other")
}
