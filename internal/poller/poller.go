// Package poller runs the acquisition loop: it polls the detector's status,
// maps the device state onto the local state machine, fetches and decodes
// frames when one is ready, and feeds the publish sinks. All acquisition
// state, the parameter mirror, and the frame buffer cache are owned by the
// poller's single goroutine; operators talk to it through a command channel.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/kgofron/ADTimePix3/internal/detector"
	"github.com/kgofron/ADTimePix3/internal/framecache"
	"github.com/kgofron/ADTimePix3/internal/metrics"
	"github.com/kgofron/ADTimePix3/internal/params"
	"github.com/kgofron/ADTimePix3/pkg/errors"
	"github.com/kgofron/ADTimePix3/pkg/retry"
	"github.com/kgofron/ADTimePix3/pkg/types"
	"github.com/kgofron/ADTimePix3/pkg/utils"
)

// Device is the device-facing surface the poller drives. *detector.Client
// implements it; tests substitute a scripted fake.
type Device interface {
	Status(ctx context.Context) (*detector.StatusDocument, error)
	Info(ctx context.Context) (*detector.InfoDocument, error)
	HardwareHealth(ctx context.Context) (*detector.HealthDocument, error)
	Frame(ctx context.Context) ([]byte, error)
	StartMeasurement(ctx context.Context) error
	StopMeasurement(ctx context.Context) error
	ResetMeasurement(ctx context.Context) error
}

// Config holds the acquisition loop settings.
type Config struct {
	// Interval is the pause between poll iterations.
	Interval time.Duration

	// TransportRetries is the total attempt budget for transient transport
	// faults on the acquisition path. No delay is added between attempts
	// beyond the transport's spacing floor.
	TransportRetries int

	// ParamRefreshEvery refreshes the parameter mirror every Nth tick.
	ParamRefreshEvery int

	// HealthReadEvery reads hardware health every Nth tick.
	HealthReadEvery int

	// CommandQueue is the command channel depth.
	CommandQueue int
}

// NewDefaultConfig returns the standard acquisition cadence.
func NewDefaultConfig() *Config {
	return &Config{
		Interval:          50 * time.Millisecond,
		TransportRetries:  3,
		ParamRefreshEvery: 20,
		HealthReadEvery:   200,
		CommandQueue:      16,
	}
}

// Stats is a snapshot of the acquisition loop, refreshed after every
// iteration and command.
type Stats struct {
	State             string            `json:"state"`
	DeviceState       string            `json:"device_state,omitempty"`
	RunID             string            `json:"run_id,omitempty"`
	PollCycles        uint64            `json:"poll_cycles"`
	FramesPublished   uint64            `json:"frames_published"`
	DuplicateFrames   uint64            `json:"duplicate_frames"`
	DecodeFailures    uint64            `json:"decode_failures"`
	TransportRetries  uint64            `json:"transport_retries"`
	CommandsApplied   uint64            `json:"commands_applied"`
	SinkErrors        uint64            `json:"sink_errors"`
	Transitions       map[string]uint64 `json:"transitions"`
	LastError         string            `json:"last_error,omitempty"`
	LastErrorAt       time.Time         `json:"last_error_at,omitempty"`
	LastFrameNumber   uint64            `json:"last_frame_number"`
	LastFrameGeometry string            `json:"last_frame_geometry,omitempty"`
	LastFrameAt       time.Time         `json:"last_frame_at,omitempty"`
	LastCycleAt       time.Time         `json:"last_cycle_at,omitempty"`
	DeviceFrameCount  uint64            `json:"device_frame_count"`
	DeviceElapsedSec  float64           `json:"device_elapsed_sec"`
	DeviceMessage     string            `json:"device_message,omitempty"`
	Mirror            params.Stats      `json:"mirror"`
	Cache             framecache.Stats  `json:"cache"`
}

// Options carries the poller's collaborators.
type Options struct {
	Device  Device
	Mirror  *params.Mirror
	Cache   *framecache.Cache
	Sink    types.Sink
	Logger  *utils.StructuredLogger
	Metrics *metrics.Collector
}

// Poller owns the acquisition state machine.
type Poller struct {
	config  *Config
	device  Device
	mirror  *params.Mirror
	cache   *framecache.Cache
	sink    types.Sink
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
	retryer *retry.Retryer
	debug   *utils.DebugManager

	commands chan command

	// Everything below the channel is owned by the run goroutine.
	state           types.AcquisitionState
	deviceState     string
	lastStatus      detector.StatusDocument
	runID           string
	tick            uint64
	pollCycles      uint64
	framesPublished uint64
	duplicateFrames uint64
	decodeFailures  uint64
	retries         uint64
	commandsApplied uint64
	sinkErrors      uint64
	transitions     map[string]uint64
	lastErr         error
	lastErrAt       time.Time
	lastFrameNumber uint64
	lastFrameDesc   types.FrameDescriptor
	haveFrame       bool
	lastFrameAt     time.Time
	lastCycleAt     time.Time
	local           map[string]types.ParamValue
	paramsStale     bool

	// Published snapshots, readable from any goroutine.
	snapMu     sync.RWMutex
	snapState  types.AcquisitionState
	snapParams map[string]types.ParamValue
	snapStats  Stats

	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a poller. A nil config uses defaults.
func New(config *Config, opts Options) (*Poller, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if opts.Device == nil || opts.Mirror == nil || opts.Cache == nil || opts.Sink == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "poller requires device, mirror, cache, and sink").
			WithComponent("poller")
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		if err != nil {
			return nil, err
		}
	}

	collector := opts.Metrics
	if collector == nil {
		collector, _ = metrics.NewCollector(&metrics.Config{Enabled: false})
	}

	queue := config.CommandQueue
	if queue <= 0 {
		queue = 16
	}

	p := &Poller{
		config:      config,
		device:      opts.Device,
		mirror:      opts.Mirror,
		cache:       opts.Cache,
		sink:        opts.Sink,
		logger:      logger.WithComponent("poller"),
		metrics:     collector,
		debug:       utils.GetDebugManager(),
		commands:    make(chan command, queue),
		transitions: make(map[string]uint64),
		local:       make(map[string]types.ParamValue),
		snapParams:  make(map[string]types.ParamValue),
		done:        make(chan struct{}),
	}

	retryCfg := retry.TransportConfig(config.TransportRetries)
	retryCfg.OnRetry = func(attempt int, err error, _ time.Duration) {
		p.retries++
		p.logger.Debug("Retrying device request", map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
		})
	}
	p.retryer = retry.New(retryCfg)

	return p, nil
}

// Start launches the acquisition loop. The loop stops when ctx is canceled
// or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "poller already running").
			WithComponent("poller")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.started = true
	p.cancel = cancel

	go p.run(runCtx)
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call more than
// once.
func (p *Poller) Stop() {
	p.startMu.Lock()
	cancel, started := p.cancel, p.started
	p.startMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-p.done
	}
}

// State returns the most recently published acquisition state.
func (p *Poller) State() types.AcquisitionState {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.snapState
}

// Params returns a copy of the published parameter view: mirrored device
// groups plus the driver's own info.*, health.*, and driver.* entries.
func (p *Poller) Params() map[string]types.ParamValue {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()

	out := make(map[string]types.ParamValue, len(p.snapParams))
	for k, v := range p.snapParams {
		out[k] = v
	}
	return out
}

// Stats returns the most recently published loop snapshot.
func (p *Poller) Stats() Stats {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()

	stats := p.snapStats
	stats.Transitions = make(map[string]uint64, len(p.snapStats.Transitions))
	for k, v := range p.snapStats.Transitions {
		stats.Transitions[k] = v
	}
	return stats
}

// run is the acquisition loop. Commands are applied as they arrive and at
// the top of every tick; the device is only ever touched from here.
func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	p.logger.Info("Acquisition poller started", map[string]interface{}{
		"interval":          p.config.Interval.String(),
		"transport_retries": p.config.TransportRetries,
	})

	p.bootstrap(ctx)
	p.publish()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return
		case cmd := <-p.commands:
			p.apply(ctx, cmd)
			p.publish()
		case <-ticker.C:
			p.drain(ctx)
			p.cycle(ctx)
			p.publish()
		}
	}
}

// bootstrap reads device identity once and primes the parameter mirror so
// operators see a populated view before the first slow-cadence refresh.
func (p *Poller) bootstrap(ctx context.Context) {
	p.setLocal("driver.state", types.StringValue(p.state.String()))
	p.metrics.SetAcquisitionState(p.state.String())

	var info *detector.InfoDocument
	err := p.withRetry(ctx, func(ctx context.Context) error {
		doc, err := p.device.Info(ctx)
		if err == nil {
			info = doc
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("Device info unavailable at start", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		p.setLocal("info.model", types.StringValue(info.Model))
		p.setLocal("info.serial", types.StringValue(info.Serial))
		p.setLocal("info.firmware", types.StringValue(info.Firmware))
		p.setLocal("info.api_version", types.StringValue(info.APIVersion))
		p.logger.Info("Connected to detector", map[string]interface{}{
			"model":    info.Model,
			"serial":   info.Serial,
			"firmware": info.Firmware,
		})
	}

	p.refreshParams(ctx)
}

// cycle is one poll iteration.
func (p *Poller) cycle(ctx context.Context) {
	start := time.Now()
	p.tick++
	p.pollCycles++

	statusErr := p.pollStatus(ctx)
	if statusErr != nil {
		if ctx.Err() == nil {
			p.enterError(statusErr)
		}
		p.metrics.RecordPollCycle(time.Since(start))
		return
	}

	if n := p.config.ParamRefreshEvery; n > 0 && p.tick%uint64(n) == 0 {
		p.refreshParams(ctx)
	}
	if n := p.config.HealthReadEvery; n > 0 && p.tick%uint64(n) == 0 {
		p.readHealth(ctx)
	}

	p.lastCycleAt = time.Now()
	p.metrics.RecordPollCycle(time.Since(start))
}

// pollStatus queries the device and advances the local state machine.
func (p *Poller) pollStatus(ctx context.Context) error {
	var doc *detector.StatusDocument
	err := p.withRetry(ctx, func(ctx context.Context) error {
		d, err := p.device.Status(ctx)
		if err == nil {
			doc = d
		}
		return err
	})
	if err != nil {
		return err
	}

	p.deviceState = doc.State
	p.lastStatus = *doc

	mapped, known := detector.MapDeviceState(doc.State)
	if !known {
		return errors.NewError(errors.ErrCodeMalformedResponse, "device reported unknown state").
			WithComponent("poller").
			WithDetail("device_state", doc.State)
	}

	// Error is sticky until an operator reset. Status polling continues so
	// recovery shows up in the device_state field.
	if p.state == types.StateError {
		return nil
	}

	switch mapped {
	case types.StateFrameReady:
		p.handleFrame(ctx)
	case types.StateError:
		p.enterError(errors.NewError(errors.ErrCodeDeviceFault, "device entered error state").
			WithComponent("poller").
			WithDetail("message", doc.Message))
	default:
		p.setState(mapped)
		// The device sitting at idle with a run label still out means the
		// measurement is over; the label is retired here, not at frame
		// delivery, because the local machine revisits Idle between frames.
		if mapped == types.StateIdle {
			p.endRun()
		}
	}
	return nil
}

// handleFrame runs the FrameReady path: fetch, decode into the recycled
// buffer, publish, return to Idle.
func (p *Poller) handleFrame(ctx context.Context) {
	p.setState(types.StateFrameReady)

	var raw []byte
	err := p.withRetry(ctx, func(ctx context.Context) error {
		data, err := p.device.Frame(ctx)
		if err == nil {
			raw = data
		}
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			p.enterError(err)
		}
		return
	}

	decodeStart := time.Now()
	header, payload, err := detector.ParseFrame(raw)
	if err != nil {
		p.decodeFailures++
		p.enterError(err)
		return
	}

	// The device may hold "ready" with the same frame still latched; a
	// repeat frame number is not a new frame.
	if p.haveFrame && header.FrameNumber == p.lastFrameNumber {
		p.duplicateFrames++
		p.setState(types.StateIdle)
		return
	}

	prevDesc, hadBuf := p.cache.Descriptor()
	buf, err := p.cache.Acquire(header.Descriptor)
	if err != nil {
		p.enterError(err)
		return
	}
	reused := hadBuf && prevDesc.Equal(header.Descriptor)
	copy(buf, payload)
	decodeDuration := time.Since(decodeStart)

	frame := &types.Frame{
		Descriptor:  header.Descriptor,
		Data:        buf,
		FrameNumber: header.FrameNumber,
		Timestamp:   header.Timestamp,
	}
	if sinkErr := p.sink.OnFrame(frame); sinkErr != nil {
		p.sinkErrors++
		p.logger.Warn("Frame publish failed", map[string]interface{}{
			"frame_number": header.FrameNumber,
			"error":        sinkErr.Error(),
		})
	}

	p.metrics.RecordFrame(decodeDuration, len(buf), reused)
	p.framesPublished++
	p.haveFrame = true
	p.lastFrameNumber = header.FrameNumber
	p.lastFrameDesc = header.Descriptor
	p.lastFrameAt = time.Now()

	if p.debug.HasSessions() {
		p.debug.RecordEvent("poller", "frame", "frame published", map[string]interface{}{
			"frame_number": header.FrameNumber,
			"geometry":     header.Descriptor.String(),
			"bytes":        len(buf),
			"reused":       reused,
		})
	}

	p.setState(types.StateIdle)
}

// refreshParams reloads all mirrored groups and publishes changed values.
func (p *Poller) refreshParams(ctx context.Context) {
	before := p.mirror.Snapshot()

	err := p.withRetry(ctx, p.mirror.Refresh)
	p.metrics.RecordParamSync("refresh", err)
	if err != nil {
		if ctx.Err() == nil {
			p.enterError(err)
		}
		return
	}

	p.paramsStale = true
	for name, value := range p.mirror.Snapshot() {
		if old, seen := before[name]; !seen || !old.Equal(value) {
			p.publishUpdate(name, value)
		}
	}
}

// readHealth reads hardware health and publishes it as health.* parameters.
func (p *Poller) readHealth(ctx context.Context) {
	var doc *detector.HealthDocument
	err := p.withRetry(ctx, func(ctx context.Context) error {
		d, err := p.device.HardwareHealth(ctx)
		if err == nil {
			doc = d
		}
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			p.enterError(err)
		}
		return
	}

	p.setLocal("health.temperature_c", types.FloatValue(doc.TemperatureC))
	p.setLocal("health.bias_voltage", types.FloatValue(doc.BiasVoltage))
	p.setLocal("health.humidity", types.FloatValue(doc.Humidity))
}

// withRetry runs fn under the bounded transport retry profile.
func (p *Poller) withRetry(ctx context.Context, fn func(context.Context) error) error {
	return p.retryer.DoWithContext(ctx, fn)
}

// setState advances the local state machine and announces the transition.
func (p *Poller) setState(to types.AcquisitionState) {
	if p.state == to {
		return
	}
	from := p.state
	p.state = to
	p.transitions[to.String()]++

	p.logger.Info("Acquisition state changed", map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
	})
	p.metrics.SetAcquisitionState(to.String())
	p.setLocal("driver.state", types.StringValue(to.String()))

	if p.debug.HasSessions() {
		p.debug.RecordEvent("poller", "transition", "state changed", map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		})
	}
}

// enterError records the fault and parks the machine in Error.
func (p *Poller) enterError(err error) {
	p.lastErr = err
	p.lastErrAt = time.Now()
	p.logger.Error("Acquisition faulted", map[string]interface{}{
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	})
	p.setState(types.StateError)
}

// setLocal stores a driver-owned parameter and publishes the update.
func (p *Poller) setLocal(name string, value types.ParamValue) {
	p.local[name] = value
	p.paramsStale = true
	p.publishUpdate(name, value)
}

// publishUpdate delivers a parameter update to the sinks.
func (p *Poller) publishUpdate(name string, value types.ParamValue) {
	if err := p.sink.OnParameterUpdate(name, value); err != nil {
		p.sinkErrors++
		p.logger.Warn("Parameter publish failed", map[string]interface{}{
			"param": name,
			"error": err.Error(),
		})
	}
}

// publish refreshes the externally readable snapshots.
func (p *Poller) publish() {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()

	p.snapState = p.state

	if p.paramsStale {
		merged := p.mirror.Snapshot()
		for k, v := range p.local {
			merged[k] = v
		}
		p.snapParams = merged
		p.paramsStale = false
	}

	transitions := make(map[string]uint64, len(p.transitions))
	for k, v := range p.transitions {
		transitions[k] = v
	}

	stats := Stats{
		State:            p.state.String(),
		DeviceState:      p.deviceState,
		RunID:            p.runID,
		PollCycles:       p.pollCycles,
		FramesPublished:  p.framesPublished,
		DuplicateFrames:  p.duplicateFrames,
		DecodeFailures:   p.decodeFailures,
		TransportRetries: p.retries,
		CommandsApplied:  p.commandsApplied,
		SinkErrors:       p.sinkErrors,
		Transitions:      transitions,
		LastFrameNumber:  p.lastFrameNumber,
		LastFrameAt:      p.lastFrameAt,
		LastCycleAt:      p.lastCycleAt,
		DeviceFrameCount: p.lastStatus.FrameCount,
		DeviceElapsedSec: p.lastStatus.ElapsedSec,
		DeviceMessage:    p.lastStatus.Message,
		Mirror:           p.mirror.Stats(),
		Cache:            p.cache.Stats(),
	}
	if p.lastErr != nil {
		stats.LastError = p.lastErr.Error()
		stats.LastErrorAt = p.lastErrAt
	}
	if p.haveFrame {
		stats.LastFrameGeometry = p.lastFrameDesc.String()
	}
	p.snapStats = stats
}

// shutdown runs after the loop exits: no further device requests, queued
// commands are rejected, and the terminal state is published.
func (p *Poller) shutdown() {
	p.rejectPending()
	p.setStateStopped()
	p.publish()
	p.logger.Info("Acquisition poller stopped", map[string]interface{}{
		"poll_cycles":      p.pollCycles,
		"frames_published": p.framesPublished,
	})
}

// setStateStopped marks the terminal state without touching the device.
func (p *Poller) setStateStopped() {
	p.state = types.StateStopped
	p.transitions[types.StateStopped.String()]++
	p.metrics.SetAcquisitionState(types.StateStopped.String())
	p.setLocal("driver.state", types.StringValue(types.StateStopped.String()))
}
