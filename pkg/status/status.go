// Package status keeps an operator-facing record of acquisition runs: the
// run in progress and a bounded history of finished ones. It observes the
// frame stream as a sink, so it sees exactly what downstream consumers saw.
package status

import (
	"sync"
	"time"

	"github.com/kgofron/ADTimePix3/pkg/types"
)

// RunState classifies how a run ended, or that it has not ended yet.
type RunState int

const (
	// RunActive is a run that is still producing frames.
	RunActive RunState = iota

	// RunCompleted is a run closed out cleanly, operator stops included.
	RunCompleted

	// RunAborted is a run cut short by a superseding start or by driver
	// shutdown.
	RunAborted

	// RunFailed is a run ended by a latched device fault.
	RunFailed
)

// String returns the string representation of a run state.
func (s RunState) String() string {
	switch s {
	case RunActive:
		return "active"
	case RunCompleted:
		return "completed"
	case RunAborted:
		return "aborted"
	case RunFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form.
func (s RunState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Run is one acquisition run as observed on the frame stream.
type Run struct {
	ID          string     `json:"id"`
	State       RunState   `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Frames      uint64     `json:"frames"`
	Bytes       uint64     `json:"bytes"`
	LastFrameAt *time.Time `json:"last_frame_at,omitempty"`
	Geometry    string     `json:"geometry,omitempty"`
}

// Duration returns the run's length, using now for a run still active.
func (r Run) Duration() time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// Totals counts runs by outcome since the log was created.
type Totals struct {
	Started   uint64 `json:"started"`
	Completed uint64 `json:"completed"`
	Aborted   uint64 `json:"aborted"`
	Failed    uint64 `json:"failed"`
}

// DefaultMaxHistory bounds the finished-run history when no size is given.
const DefaultMaxHistory = 32

// RunLog tracks acquisition runs. It implements the frame sink interface
// and follows the run label the acquisition loop publishes: a non-empty
// driver.run_id opens a run, an empty one closes it cleanly, and a fault
// or shutdown on driver.state closes it abnormally. Frames accumulate into
// whichever run is open. All methods are safe for concurrent use.
type RunLog struct {
	mu         sync.RWMutex
	current    *Run
	history    []Run
	maxHistory int
	totals     Totals
}

// NewRunLog creates a run log keeping at most maxHistory finished runs.
// Sizes at or below zero fall back to DefaultMaxHistory.
func NewRunLog(maxHistory int) *RunLog {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &RunLog{maxHistory: maxHistory}
}

// OnFrame attributes one frame to the open run. Frames seen outside any
// run are ignored; the archive keys those separately.
func (l *RunLog) OnFrame(frame *types.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current == nil {
		return nil
	}
	l.current.Frames++
	l.current.Bytes += uint64(len(frame.Data))
	t := frame.Timestamp
	l.current.LastFrameAt = &t
	l.current.Geometry = frame.Descriptor.String()
	return nil
}

// OnParameterUpdate watches the driver's run and state parameters. Other
// parameters pass through untouched.
func (l *RunLog) OnParameterUpdate(name string, value types.ParamValue) error {
	switch name {
	case "driver.run_id":
		if value.Text == "" {
			l.finish(RunCompleted)
		} else {
			l.begin(value.Text)
		}
	case "driver.state":
		switch value.Text {
		case types.StateError.String():
			l.finish(RunFailed)
		case types.StateStopped.String():
			l.finish(RunAborted)
		}
	}
	return nil
}

// Close ends any run still open as aborted. The log stays readable after
// Close so shutdown reporting can still consult it.
func (l *RunLog) Close() error {
	l.finish(RunAborted)
	return nil
}

func (l *RunLog) begin(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// A start arriving over an open run supersedes it. The device has
	// already moved on; the old run did not end cleanly.
	l.retire(RunAborted)
	l.current = &Run{
		ID:        id,
		State:     RunActive,
		StartedAt: time.Now(),
	}
	l.totals.Started++
}

func (l *RunLog) finish(state RunState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retire(state)
}

// retire moves the open run into history. Callers hold the lock.
func (l *RunLog) retire(state RunState) {
	if l.current == nil {
		return
	}
	now := time.Now()
	l.current.State = state
	l.current.EndedAt = &now

	switch state {
	case RunCompleted:
		l.totals.Completed++
	case RunFailed:
		l.totals.Failed++
	default:
		l.totals.Aborted++
	}

	l.history = append(l.history, *l.current)
	if len(l.history) > l.maxHistory {
		l.history = l.history[len(l.history)-l.maxHistory:]
	}
	l.current = nil
}

// Current returns a copy of the open run, if any.
func (l *RunLog) Current() (Run, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.current == nil {
		return Run{}, false
	}
	return *l.current, true
}

// Recent returns up to limit finished runs, most recent first. A limit at
// or below zero returns the whole retained history.
func (l *RunLog) Recent(limit int) []Run {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Run, 0, n)
	for i := len(l.history) - 1; i >= len(l.history)-n; i-- {
		out = append(out, l.history[i])
	}
	return out
}

// TotalsSnapshot returns the run outcome counters.
func (l *RunLog) TotalsSnapshot() Totals {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totals
}
