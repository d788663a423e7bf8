package health

import (
	"context"
	"fmt"
	"time"
)

// Status is the rolled-up verdict of the self-check suite.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Priority decides how a failing check affects the overall status. A
// critical failure marks the driver unhealthy; a degrading failure only
// marks it degraded.
type Priority string

const (
	PriorityCritical  Priority = "critical"
	PriorityDegrading Priority = "degrading"
)

// CheckFunc probes one concern. A nil return means the check passed.
type CheckFunc func(ctx context.Context) error

// Result is the outcome of one check execution.
type Result struct {
	Check       string        `json:"check"`
	Status      Status        `json:"status"`
	Priority    Priority      `json:"priority"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
	Error       string        `json:"error,omitempty"`
	Consecutive int           `json:"consecutive_failures,omitempty"`
}

// CycleAgeCheck fails when the acquisition loop has not completed a cycle
// within maxAge. lastCycle returning the zero time means the loop has not
// started yet, which also fails the check.
func CycleAgeCheck(lastCycle func() time.Time, maxAge time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		last := lastCycle()
		if last.IsZero() {
			return fmt.Errorf("acquisition loop has not completed a cycle")
		}
		if age := time.Since(last); age > maxAge {
			return fmt.Errorf("last cycle %s ago, limit %s", age.Round(time.Millisecond), maxAge)
		}
		return nil
	}
}

// FailureRatioCheck fails when the failure fraction reported by sample
// exceeds limit. Fewer than minSamples observations pass, so a single
// early failure cannot flap the status.
func FailureRatioCheck(sample func() (failures, total uint64), limit float64, minSamples uint64) CheckFunc {
	return func(ctx context.Context) error {
		failures, total := sample()
		if total < minSamples {
			return nil
		}
		ratio := float64(failures) / float64(total)
		if ratio > limit {
			return fmt.Errorf("%d of %d requests failed (%.0f%%, limit %.0f%%)",
				failures, total, ratio*100, limit*100)
		}
		return nil
	}
}

// QueueSaturationCheck fails when the queue occupancy fraction exceeds
// limit. A zero capacity passes; the queue is unbounded or disabled.
func QueueSaturationCheck(depth func() (used, capacity int), limit float64) CheckFunc {
	return func(ctx context.Context) error {
		used, capacity := depth()
		if capacity <= 0 {
			return nil
		}
		fill := float64(used) / float64(capacity)
		if fill > limit {
			return fmt.Errorf("queue %d/%d full (%.0f%%, limit %.0f%%)",
				used, capacity, fill*100, limit*100)
		}
		return nil
	}
}

// ConnectivityCheck fails while connected reports false.
func ConnectivityCheck(target string, connected func() bool) CheckFunc {
	return func(ctx context.Context) error {
		if !connected() {
			return fmt.Errorf("not connected to %s", target)
		}
		return nil
	}
}

// ProbeCheck wraps a component's own health probe, for backends that can
// be asked directly (the archive bucket, for one).
func ProbeCheck(probe func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		return probe(ctx)
	}
}
