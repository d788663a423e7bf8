// Package errors provides the structured error system for the detector driver,
// with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode identifies a class of driver failure.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Transport errors (device HTTP channel)
	ErrCodeConnectionRefused ErrorCode = "CONNECTION_REFUSED"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"

	// Decode errors (frame payload layer)
	ErrCodeGeometryMismatch ErrorCode = "GEOMETRY_MISMATCH"

	// Device-reported fault state
	ErrCodeDeviceFault ErrorCode = "DEVICE_FAULT"

	// Command errors (returned synchronously to the issuer)
	ErrCodeParamNotFound ErrorCode = "PARAM_NOT_FOUND"
	ErrCodeBusy          ErrorCode = "BUSY"

	// Lifecycle/state errors
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotStarted         ErrorCode = "NOT_STARTED"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Sink and archive errors
	ErrCodeSinkFailed    ErrorCode = "SINK_FAILED"
	ErrCodeArchiveFailed ErrorCode = "ARCHIVE_FAILED"
	ErrCodeCatalogFailed ErrorCode = "CATALOG_FAILED"
	ErrCodeQueueFull     ErrorCode = "QUEUE_FULL"

	// Operation errors
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Internal errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryTransport     ErrorCategory = "transport"
	CategoryDecode        ErrorCategory = "decode"
	CategoryCommand       ErrorCategory = "command"
	CategoryState         ErrorCategory = "state"
	CategoryArchive       ErrorCategory = "archive"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

var codeCategories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:    CategoryConfiguration,
	ErrCodeMissingConfig:    CategoryConfiguration,
	ErrCodeConfigValidation: CategoryConfiguration,
	ErrCodeConfigLoad:       CategoryConfiguration,

	ErrCodeConnectionRefused: CategoryTransport,
	ErrCodeTimeout:           CategoryTransport,
	ErrCodeMalformedResponse: CategoryTransport,

	ErrCodeGeometryMismatch: CategoryDecode,

	ErrCodeDeviceFault: CategoryState,

	ErrCodeParamNotFound: CategoryCommand,
	ErrCodeBusy:          CategoryCommand,

	ErrCodeAlreadyStarted:     CategoryState,
	ErrCodeNotStarted:         CategoryState,
	ErrCodeShutdownInProgress: CategoryState,

	ErrCodeSinkFailed:    CategoryArchive,
	ErrCodeArchiveFailed: CategoryArchive,
	ErrCodeCatalogFailed: CategoryArchive,
	ErrCodeQueueFull:     CategoryArchive,

	ErrCodeRetryExhausted:    CategoryOperation,
	ErrCodeOperationCanceled: CategoryOperation,
	ErrCodeValidationFailed:  CategoryOperation,
}

// DriverError represents a structured error with context and metadata.
type DriverError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Error handling hints
	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`

	// Debug information
	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *DriverError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *DriverError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *DriverError) Is(target error) bool {
	if driverErr, ok := target.(*DriverError); ok {
		return e.Code == driverErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *DriverError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}

	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}

	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}

	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("DriverError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *DriverError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new driver error with default values.
func NewError(code ErrorCode, message string) *DriverError {
	return &DriverError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// GetCategory determines the category for an error code.
func GetCategory(code ErrorCode) ErrorCategory {
	if category, ok := codeCategories[code]; ok {
		return category
	}
	return CategoryInternal
}

// IsRetryableByDefault reports whether an error code is retryable by default.
// Only transport-transient faults are; decode and command errors never are.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionRefused: true,
		ErrCodeTimeout:           true,
		ErrCodeArchiveFailed:     true,
	}
	return retryableCodes[code]
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code,
// used by the control API when reporting command results.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:      400,
		ErrCodeConfigValidation:   400,
		ErrCodeValidationFailed:   400,
		ErrCodeParamNotFound:      404,
		ErrCodeBusy:               409,
		ErrCodeAlreadyStarted:     409,
		ErrCodeQueueFull:          429,
		ErrCodeInternalError:      500,
		ErrCodeConnectionRefused:  502,
		ErrCodeMalformedResponse:  502,
		ErrCodeGeometryMismatch:   502,
		ErrCodeDeviceFault:        502,
		ErrCodeShutdownInProgress: 503,
		ErrCodeNotStarted:         503,
		ErrCodeTimeout:            504,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:]) // +2 to skip this function and the caller
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") { // Skip frames from this file
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *DriverError) WithContext(key, value string) *DriverError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *DriverError) WithDetail(key string, value interface{}) *DriverError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *DriverError) WithComponent(component string) *DriverError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *DriverError) WithOperation(operation string) *DriverError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *DriverError) WithCause(cause error) *DriverError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *DriverError) WithStack() *DriverError {
	e.Stack = CaptureStack(2)
	return e
}

// CodeOf extracts the driver error code from err, unwrapping as needed.
// Returns ErrCodeInternalError for non-driver errors and "" for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var driverErr *DriverError
	if stderrors.As(err, &driverErr) {
		return driverErr.Code
	}
	return ErrCodeInternalError
}

// IsCode reports whether err carries the given driver error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether err is worth retrying. Non-driver errors are
// treated as non-retryable so unknown faults surface instead of looping.
func IsRetryable(err error) bool {
	var driverErr *DriverError
	if stderrors.As(err, &driverErr) {
		return driverErr.Retryable
	}
	return false
}

// GetRecommendation returns an operator-facing recommendation for fixing the error.
func (e *DriverError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeConnectionRefused: "Verify the detector is powered on and its control server is listening " +
			"on the configured base URL. Check network routing and firewall rules.",
		ErrCodeTimeout: "The detector did not answer within the request timeout. " +
			"Check link health and consider raising device.request_timeout.",
		ErrCodeMalformedResponse: "The detector returned a response the driver could not parse. " +
			"Confirm the device firmware matches the API version this driver targets.",
		ErrCodeGeometryMismatch: "The declared frame geometry disagrees with the payload size. " +
			"Re-arm the detector; if it persists, check readout-mode settings on the device.",
		ErrCodeDeviceFault: "The detector reported an error state. Inspect the device message, " +
			"clear the hardware fault, then issue a reset.",
		ErrCodeParamNotFound: "Unknown parameter name. Run a mirror refresh or check the " +
			"group.field spelling against the device configuration groups.",
		ErrCodeBusy: "The driver is not in a state that accepts this command. " +
			"Stop or reset the current acquisition first.",
		ErrCodeInvalidConfig: "Configuration validation failed. " +
			"Check the configuration file syntax and required parameters.",
		ErrCodeArchiveFailed: "Frame archival failed. Verify bucket name, credentials, and " +
			"endpoint reachability for the archive store.",
		ErrCodeQueueFull: "The archive queue is saturated and frames are being dropped. " +
			"Increase archive.queue_size or archive.workers, or slow the acquisition rate.",
		ErrCodeRetryExhausted: "Transient transport errors persisted past the retry budget. " +
			"The poller is in Error state; issue a reset once the device is reachable again.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}

	return "Please check the error message for details and consult the documentation."
}

// UserFacingMessage returns a simplified message suitable for operator consoles.
func (e *DriverError) UserFacingMessage() string {
	messages := map[ErrorCode]string{
		ErrCodeConnectionRefused:  "Cannot connect to the detector",
		ErrCodeTimeout:            "Detector request timed out",
		ErrCodeMalformedResponse:  "Detector sent an unreadable response",
		ErrCodeGeometryMismatch:   "Frame geometry mismatch",
		ErrCodeDeviceFault:        "Detector reported a hardware fault",
		ErrCodeParamNotFound:      "Unknown parameter",
		ErrCodeBusy:               "Driver busy - command rejected",
		ErrCodeInvalidConfig:      "Invalid configuration",
		ErrCodeArchiveFailed:      "Frame archival failed",
		ErrCodeQueueFull:          "Archive queue full - frames dropped",
		ErrCodeRetryExhausted:     "Detector unreachable - acquisition halted",
		ErrCodeShutdownInProgress: "Driver is shutting down",
	}

	if msg, exists := messages[e.Code]; exists {
		return msg
	}

	return e.Message
}
