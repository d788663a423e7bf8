// Package retry provides bounded retry logic for device transport operations.
//
// The acquisition path retries transient transport faults a small fixed number
// of times with no added delay: the transport's request-spacing floor is the
// only pacing between attempts. Background archival uses a separate profile
// with modest exponential backoff.
package retry

import (
	"context"
	stderr "errors"
	"math"
	"math/rand"
	"time"

	"github.com/kgofron/ADTimePix3/pkg/errors"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry. Zero means retries
	// are paced only by the caller (the transport spacing floor).
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier grows the delay after each retry.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter randomizes the delay to avoid lockstep retries.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists error codes that trigger a retry in addition to
	// errors already flagged retryable.
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// TransportConfig returns the acquisition-path profile: a small bounded
// attempt count, zero added delay, transient transport codes only.
func TransportConfig(maxAttempts int) Config {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return Config{
		MaxAttempts: maxAttempts,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeTimeout,
			errors.ErrCodeConnectionRefused,
		},
	}
}

// UploadConfig returns the archival profile: more attempts with capped
// exponential backoff, since uploads run off the acquisition path.
func UploadConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeArchiveFailed,
			errors.ErrCodeTimeout,
			errors.ErrCodeConnectionRefused,
		},
	}
}

// Retryer executes operations under a retry policy.
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 1.0
	}
	return &Retryer{config: config}
}

// Do executes fn with retry logic.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn with retry logic and context support. On
// exhaustion it returns a RETRY_EXHAUSTED error wrapping the last failure.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return errors.NewError(errors.ErrCodeOperationCanceled, "retry canceled").
				WithCause(ctx.Err()).
				WithDetail("attempt", attempt)
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !r.shouldRetry(err, attempt) {
			return err
		}

		if attempt < r.config.MaxAttempts {
			delay := r.calculateDelay(attempt)

			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt, err, delay)
			}

			if delay > 0 {
				select {
				case <-ctx.Done():
					return errors.NewError(errors.ErrCodeOperationCanceled, "retry canceled during delay").
						WithCause(ctx.Err()).
						WithDetail("attempt", attempt)
				case <-time.After(delay):
				}
			}
		}
	}

	return errors.NewError(errors.ErrCodeRetryExhausted, "retry attempts exhausted").
		WithCause(lastErr).
		WithDetail("attempts", r.config.MaxAttempts)
}

// shouldRetry determines whether err warrants another attempt.
func (r *Retryer) shouldRetry(err error, attempt int) bool {
	if attempt >= r.config.MaxAttempts {
		return false
	}

	var driverErr *errors.DriverError
	if stderr.As(err, &driverErr) {
		if driverErr.Retryable {
			return true
		}
		for _, code := range r.config.RetryableErrors {
			if driverErr.Code == code {
				return true
			}
		}
	}

	return false
}

// calculateDelay computes the wait before the next attempt.
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	if r.config.InitialDelay <= 0 {
		return 0
	}

	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if r.config.MaxDelay > 0 && delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		// ±20% spread
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}

	return time.Duration(delay)
}

// WithMaxAttempts returns a new Retryer with a modified attempt budget.
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback.
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}

// Stats tracks retry accounting across operations.
type Stats struct {
	Operations      int           `json:"operations"`
	RetriedOps      int           `json:"retried_ops"`
	FailedOps       int           `json:"failed_ops"`
	TotalRetries    int           `json:"total_retries"`
	TotalDelay      time.Duration `json:"total_delay"`
	MaxAttemptsUsed int           `json:"max_attempts_used"`
}

// StatsCollector accumulates retry statistics. It is not goroutine-safe;
// each owning task keeps its own collector.
type StatsCollector struct {
	stats Stats
}

// NewStatsCollector creates a new stats collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// RecordOperation records one retried operation outcome.
func (sc *StatsCollector) RecordOperation(attempts int, success bool, delay time.Duration) {
	sc.stats.Operations++
	if attempts > 1 {
		sc.stats.RetriedOps++
		sc.stats.TotalRetries += attempts - 1
	}
	if !success {
		sc.stats.FailedOps++
	}
	sc.stats.TotalDelay += delay
	if attempts > sc.stats.MaxAttemptsUsed {
		sc.stats.MaxAttemptsUsed = attempts
	}
}

// GetStats returns current statistics.
func (sc *StatsCollector) GetStats() Stats {
	return sc.stats
}

// Reset clears statistics.
func (sc *StatsCollector) Reset() {
	sc.stats = Stats{}
}
