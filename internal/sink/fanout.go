package sink

import (
	"strings"

	"github.com/kgofron/ADTimePix3/pkg/errors"
	"github.com/kgofron/ADTimePix3/pkg/types"
)

// Fanout relays every call to a fixed list of sinks in order. A failing
// sink does not stop delivery to the ones after it; failures are collected
// into a single SINK_FAILED error.
type Fanout struct {
	sinks []types.Sink
}

// NewFanout builds a fanout over the given sinks. Delivery order follows
// argument order.
func NewFanout(sinks ...types.Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// OnFrame delivers the frame to every sink.
func (f *Fanout) OnFrame(frame *types.Frame) error {
	var failures []string
	for _, s := range f.sinks {
		if err := s.OnFrame(frame); err != nil {
			failures = append(failures, err.Error())
		}
	}
	return f.collect("frame delivery failed", failures)
}

// OnParameterUpdate delivers the update to every sink.
func (f *Fanout) OnParameterUpdate(name string, value types.ParamValue) error {
	var failures []string
	for _, s := range f.sinks {
		if err := s.OnParameterUpdate(name, value); err != nil {
			failures = append(failures, err.Error())
		}
	}
	return f.collect("parameter delivery failed", failures)
}

// Close closes every sink, continuing past failures.
func (f *Fanout) Close() error {
	var failures []string
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			failures = append(failures, err.Error())
		}
	}
	return f.collect("sink close failed", failures)
}

func (f *Fanout) collect(message string, failures []string) error {
	if len(failures) == 0 {
		return nil
	}
	return errors.NewError(errors.ErrCodeSinkFailed, message).
		WithComponent("sink").
		WithDetail("failed", len(failures)).
		WithDetail("errors", strings.Join(failures, "; "))
}
