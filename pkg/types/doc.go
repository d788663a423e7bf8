/*
Package types provides the core data structures and contracts shared across
the detector driver.

# Architecture Overview

The driver bridges a network-attached photon-counting detector, spoken to
over an HTTP/JSON control plane, and local frame consumers:

	┌─────────────────────────────────────────────┐
	│           Operator Surfaces                 │
	│      (cmd/tpx3d, pkg/api, metrics)          │
	└─────────────────────────────────────────────┘
	                      │ commands
	┌─────────────────────────────────────────────┐
	│          Acquisition Poller                 │
	│          (internal/poller)                  │
	└─────────────────────────────────────────────┘
	      │           │            │          │
	┌─────┴────┐ ┌────┴─────┐ ┌────┴─────┐ ┌──┴───────┐
	│ Detector │ │  Config  │ │  Frame   │ │  Sinks   │
	│  Client  │ │  Mirror  │ │  Cache   │ │ (fanout) │
	└─────┬────┘ └──────────┘ └──────────┘ └──────────┘
	┌─────┴────────────────────────────────────────┐
	│        Throttled Transport (one session)     │
	└──────────────────────────────────────────────┘

# Core Types

FrameDescriptor:
Geometry and element type of one frame (rank, extents, data type, layout).
Descriptors compare field by field; the frame cache reallocates storage only
when a descriptor changes.

Frame:
One decoded image buffer plus descriptor, frame number, and device timestamp.
Frame storage is owned by the cache; consumers receive it for the duration of
one Sink call and must Clone before retaining.

ParamValue:
A typed parameter value (float, int, bool, or string) mirrored from the
device's JSON configuration groups.

AcquisitionState:
The poller's measurement state machine: Idle, Arming, Acquiring, FrameReady,
Error, and the terminal Stopped.

# The Sink Contract

Sink implementations receive frames and parameter updates on the poller's
task only. The buffer handed to OnFrame is valid exactly until the call
returns. Implementations forwarding pixels to other goroutines (archival,
network publication) copy first and account for their own failures; sink
errors are counted and logged by the poller but never halt acquisition.
*/
package types
