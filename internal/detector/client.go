package detector

import (
	"context"

	"github.com/kgofron/ADTimePix3/internal/transport"
	"github.com/kgofron/ADTimePix3/pkg/types"
)

// Device state strings as reported by the detector's status endpoint.
const (
	DeviceStateIdle      = "idle"
	DeviceStateArming    = "arming"
	DeviceStateMeasuring = "measuring"
	DeviceStateReady     = "ready"
	DeviceStateError     = "error"
)

// StatusDocument is the detector's acquisition status.
type StatusDocument struct {
	State      string  `json:"state"`
	FrameCount uint64  `json:"frameCount"`
	ElapsedSec float64 `json:"elapsedSec"`
	Message    string  `json:"message"`
}

// InfoDocument identifies the detector.
type InfoDocument struct {
	Model      string `json:"model"`
	Serial     string `json:"serial"`
	Firmware   string `json:"firmware"`
	APIVersion string `json:"apiVersion"`
}

// HealthDocument carries the detector's hardware readings.
type HealthDocument struct {
	TemperatureC float64 `json:"temperatureC"`
	BiasVoltage  float64 `json:"biasVoltage"`
	Humidity     float64 `json:"humidity"`
}

// MapDeviceState translates a device state string into the driver's
// acquisition state. ok is false for strings outside the device vocabulary.
func MapDeviceState(state string) (mapped types.AcquisitionState, ok bool) {
	switch state {
	case DeviceStateIdle:
		return types.StateIdle, true
	case DeviceStateArming:
		return types.StateArming, true
	case DeviceStateMeasuring:
		return types.StateAcquiring, true
	case DeviceStateReady:
		return types.StateFrameReady, true
	case DeviceStateError:
		return types.StateError, true
	default:
		return types.StateError, false
	}
}

// Client is the typed view of the detector's HTTP surface. All calls flow
// through the shared throttled session; the client adds no state of its own.
type Client struct {
	session *transport.Session
}

// NewClient wraps a transport session.
func NewClient(session *transport.Session) *Client {
	return &Client{session: session}
}

// Status reads the acquisition status.
func (c *Client) Status(ctx context.Context) (*StatusDocument, error) {
	var doc StatusDocument
	if err := c.session.GetJSON(ctx, "/api/v1/status", &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Info reads the device identity.
func (c *Client) Info(ctx context.Context) (*InfoDocument, error) {
	var doc InfoDocument
	if err := c.session.GetJSON(ctx, "/api/v1/info", &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// HardwareHealth reads the detector's hardware monitor.
func (c *Client) HardwareHealth(ctx context.Context) (*HealthDocument, error) {
	var doc HealthDocument
	if err := c.session.GetJSON(ctx, "/api/v1/health", &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ReadGroup reads one parameter group into the caller's map. The map is not
// cleared first; the mirror owns and recycles it.
func (c *Client) ReadGroup(ctx context.Context, group string, into map[string]interface{}) error {
	return c.session.GetJSON(ctx, "/api/v1/config/"+group, &into)
}

// WriteGroup writes a pre-encoded JSON document to one parameter group.
func (c *Client) WriteGroup(ctx context.Context, group string, body []byte) error {
	return c.session.Put(ctx, "/api/v1/config/"+group, body)
}

// Frame fetches the pending frame as raw bytes. The returned slice aliases
// the session's read buffer; decode or copy before the next request.
func (c *Client) Frame(ctx context.Context) ([]byte, error) {
	return c.session.GetRaw(ctx, "/api/v1/frame")
}

// StartMeasurement arms the detector.
func (c *Client) StartMeasurement(ctx context.Context) error {
	return c.session.Put(ctx, "/api/v1/measurement/start", nil)
}

// StopMeasurement stops the current measurement.
func (c *Client) StopMeasurement(ctx context.Context) error {
	return c.session.Put(ctx, "/api/v1/measurement/stop", nil)
}

// ResetMeasurement clears a device-side fault.
func (c *Client) ResetMeasurement(ctx context.Context) error {
	return c.session.Put(ctx, "/api/v1/measurement/reset", nil)
}
