package types

// Sink receives completed frames and mirrored parameter updates from the
// acquisition poller. Both methods are invoked only from the poller's task,
// never concurrently for the same frame.
//
// OnFrame implementations must not retain frame.Data beyond the call; the
// underlying storage is reused for the next frame. Implementations that
// need the pixels afterwards must Clone the frame before returning.
type Sink interface {
	OnFrame(frame *Frame) error
	OnParameterUpdate(name string, value ParamValue) error
	Close() error
}

// SinkStats is the common publish-accounting snapshot shape reported by
// sink implementations.
type SinkStats struct {
	FramesPublished  uint64 `json:"frames_published"`
	ParamsPublished  uint64 `json:"params_published"`
	PublishErrors    uint64 `json:"publish_errors"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}
