// Package health runs the driver's periodic self-checks: acquisition
// cycle age, device link failure ratio, archive queue saturation, and
// broker connectivity. The rolled-up status is served by the control API
// and the metrics listener.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/kgofron/ADTimePix3/pkg/errors"
	"github.com/kgofron/ADTimePix3/pkg/utils"
)

// Config tunes the self-check loop.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Snapshot is the roll-up served over HTTP.
type Snapshot struct {
	Status    Status             `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
	Uptime    string             `json:"uptime,omitempty"`
	Checks    map[string]*Result `json:"checks"`
}

type check struct {
	name        string
	description string
	priority    Priority
	fn          CheckFunc

	runs        int64
	failures    int64
	consecutive int
}

// Monitor executes registered checks on a fixed interval and keeps the
// latest results.
type Monitor struct {
	config Config
	logger *utils.StructuredLogger

	mu        sync.RWMutex
	checks    []*check
	results   map[string]*Result
	overall   Status
	started   bool
	startedAt time.Time
	stopCh    chan struct{}
	done      chan struct{}
}

// NewMonitor builds a monitor with no checks registered.
func NewMonitor(config Config, logger *utils.StructuredLogger) (*Monitor, error) {
	if logger == nil {
		var err error
		logger, err = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		if err != nil {
			return nil, err
		}
	}
	return &Monitor{
		config:  config.withDefaults(),
		logger:  logger.WithComponent("health"),
		results: make(map[string]*Result),
		overall: StatusUnknown,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Register adds a named check. Names must be unique.
func (m *Monitor) Register(name, description string, priority Priority, fn CheckFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.checks {
		if existing.name == name {
			return errors.NewError(errors.ErrCodeInvalidConfig, "health check already registered").
				WithComponent("health").
				WithDetail("check", name)
		}
	}
	m.checks = append(m.checks, &check{
		name:        name,
		description: description,
		priority:    priority,
		fn:          fn,
	})
	return nil
}

// Start launches the check loop. The first pass runs immediately so the
// API does not serve "unknown" for a full interval after startup.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.NewError(errors.ErrCodeAlreadyStarted, "health monitor already running").
			WithComponent("health")
	}
	m.started = true
	m.startedAt = time.Now()
	m.mu.Unlock()

	go m.loop()
	return nil
}

// Stop halts the loop and waits for it to exit. Stopping a monitor that
// never started is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.done
}

// Status returns the current rolled-up verdict.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overall
}

// Snapshot returns the latest results without rerunning any check.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checks := make(map[string]*Result, len(m.results))
	for name, result := range m.results {
		checks[name] = result
	}
	snap := Snapshot{
		Status:    m.overall,
		Timestamp: time.Now(),
		Checks:    checks,
	}
	if !m.startedAt.IsZero() {
		snap.Uptime = time.Since(m.startedAt).Round(time.Second).String()
	}
	return snap
}

// RunChecks executes every registered check once and stores the results.
// The control API uses it to answer health requests with fresh data.
func (m *Monitor) RunChecks(ctx context.Context) Snapshot {
	m.mu.RLock()
	checks := make([]*check, len(m.checks))
	copy(checks, m.checks)
	timeout := m.config.Timeout
	m.mu.RUnlock()

	resultsCh := make(chan *Result, len(checks))
	for _, c := range checks {
		go func(c *check) {
			resultsCh <- m.execute(ctx, c, timeout)
		}(c)
	}

	results := make(map[string]*Result, len(checks))
	for range checks {
		r := <-resultsCh
		results[r.Check] = r
	}

	m.mu.Lock()
	for name, result := range results {
		m.results[name] = result
	}
	previous := m.overall
	m.overall = rollUp(checks, m.results)
	current := m.overall
	m.mu.Unlock()

	if current != previous {
		fields := map[string]interface{}{
			"from": string(previous),
			"to":   string(current),
		}
		if failing := failingChecks(results); len(failing) > 0 {
			fields["failing"] = failing
		}
		if current == StatusHealthy {
			m.logger.Info("Driver health recovered", fields)
		} else {
			m.logger.Warn("Driver health changed", fields)
		}
	}

	return m.Snapshot()
}

func (m *Monitor) execute(ctx context.Context, c *check, timeout time.Duration) *Result {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := c.fn(checkCtx)

	result := &Result{
		Check:     c.name,
		Priority:  c.priority,
		Duration:  time.Since(start),
		Timestamp: start,
	}

	m.mu.Lock()
	c.runs++
	if err != nil {
		c.failures++
		c.consecutive++
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Consecutive = c.consecutive
	} else {
		c.consecutive = 0
		result.Status = StatusHealthy
	}
	m.mu.Unlock()

	return result
}

func (m *Monitor) loop() {
	defer close(m.done)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.runOnce()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce()
		}
	}
}

func (m *Monitor) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*m.config.Timeout)
	defer cancel()
	m.RunChecks(ctx)
}

// rollUp folds per-check results into one verdict: any failing critical
// check is unhealthy, any other failure is degraded.
func rollUp(checks []*check, results map[string]*Result) Status {
	if len(results) == 0 {
		return StatusUnknown
	}
	overall := StatusHealthy
	for _, c := range checks {
		result, ok := results[c.name]
		if !ok || result.Status != StatusUnhealthy {
			continue
		}
		if c.priority == PriorityCritical {
			return StatusUnhealthy
		}
		overall = StatusDegraded
	}
	return overall
}

func failingChecks(results map[string]*Result) []string {
	var failing []string
	for name, result := range results {
		if result.Status == StatusUnhealthy {
			failing = append(failing, name)
		}
	}
	return failing
}
