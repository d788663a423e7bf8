// Package sink delivers acquisition output to its consumers. Every sink
// implements types.Sink; the poller talks to a single Fanout that relays
// each frame and parameter update to the configured destinations in order.
//
// Sinks absorb their own failures: a broker outage or a full archive queue
// is counted and logged, never surfaced back into the acquisition loop.
package sink
