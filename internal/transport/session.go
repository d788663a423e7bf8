package transport

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kgofron/ADTimePix3/pkg/errors"
)

// Config holds the transport settings for one detector session.
type Config struct {
	BaseURL        string
	RequestSpacing time.Duration
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	UserAgent      string

	// Observe, when set, is called synchronously after every completed
	// request, inside the session lock. Keep it fast.
	Observe func(RequestInfo)
}

// RequestInfo describes one completed request for the observation hook.
type RequestInfo struct {
	Method       string
	Path         string
	Err          error
	Duration     time.Duration
	ThrottleWait time.Duration
	BytesRead    int
}

// NewDefaultConfig returns a config with the standard pacing and timeouts.
func NewDefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:8081",
		RequestSpacing: 10 * time.Millisecond,
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 5 * time.Second,
		UserAgent:      "tpx3d",
	}
}

// Stats captures transport counters since session creation.
type Stats struct {
	Requests            uint64        `json:"requests"`
	Failures            uint64        `json:"failures"`
	Timeouts            uint64        `json:"timeouts"`
	ConnectionErrors    uint64        `json:"connection_errors"`
	MalformedResponses  uint64        `json:"malformed_responses"`
	ThrottleWaitTotal   time.Duration `json:"throttle_wait_total"`
	LastRequestDuration time.Duration `json:"last_request_duration"`
	LastCompletedAt     time.Time     `json:"last_completed_at"`
}

// Session is the single serialized HTTP session to the detector. All device
// traffic in the process goes through one Session; see the package
// documentation for the pacing contract.
type Session struct {
	mu        sync.Mutex
	client    *http.Client
	base      string
	spacing   time.Duration
	timeout   time.Duration
	userAgent string

	// lastComplete is the completion time of the most recent request,
	// successful or not. Zero until the first request.
	lastComplete time.Time

	// readBuf holds the most recent response body. Guarded by mu.
	readBuf bytes.Buffer

	observe func(RequestInfo)

	statsMu sync.RWMutex
	stats   Stats
}

// New creates a detector session. A nil config uses defaults.
func New(cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}

	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("invalid device base URL: %s", cfg.BaseURL)).
			WithComponent("transport")
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "tpx3d"
	}

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	// One keep-alive connection; the device cannot serve parallel requests.
	httpTransport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		MaxConnsPerHost:     1,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Session{
		client:    &http.Client{Transport: httpTransport},
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		spacing:   cfg.RequestSpacing,
		timeout:   requestTimeout,
		userAgent: userAgent,
		observe:   cfg.Observe,
	}, nil
}

// GetJSON performs a GET and decodes the JSON response into out.
func (s *Session) GetJSON(ctx context.Context, path string, out interface{}) error {
	data, err := s.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		s.bumpMalformed()
		return errors.NewError(errors.ErrCodeMalformedResponse, "failed to decode device response").
			WithComponent("transport").
			WithOperation("GET " + path).
			WithCause(err)
	}
	return nil
}

// GetRaw performs a GET and returns the raw response body. The returned
// slice aliases the session's read buffer and is valid only until the next
// request on this session.
func (s *Session) GetRaw(ctx context.Context, path string) ([]byte, error) {
	return s.do(ctx, http.MethodGet, path, nil, "")
}

// Put performs a PUT with a pre-encoded body. body may be nil for bodiless
// command endpoints.
func (s *Session) Put(ctx context.Context, path string, body []byte) error {
	_, err := s.do(ctx, http.MethodPut, path, body, "application/json")
	return err
}

// PutJSON encodes in as JSON and PUTs it.
func (s *Session) PutJSON(ctx context.Context, path string, in interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to encode request body").
			WithComponent("transport").
			WithOperation("PUT " + path).
			WithCause(err)
	}
	return s.Put(ctx, path, body)
}

// GetStats returns a snapshot of the transport counters.
func (s *Session) GetStats() Stats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// Close releases the idle connection. The session must not be used after
// Close.
func (s *Session) Close() {
	s.client.CloseIdleConnections()
}

// do performs one serialized, paced request.
func (s *Session) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waited, err := s.waitSpacing(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := s.roundTrip(ctx, method, path, body, contentType)

	// A failed request arms the spacing floor exactly like a successful one.
	completed := time.Now()
	s.lastComplete = completed
	duration := completed.Sub(start)
	s.record(duration, completed, err)

	if s.observe != nil {
		s.observe(RequestInfo{
			Method:       method,
			Path:         path,
			Err:          err,
			Duration:     duration,
			ThrottleWait: waited,
			BytesRead:    len(data),
		})
	}

	return data, err
}

// waitSpacing blocks until the spacing floor from the previous completion
// has elapsed, or the caller's context ends. It returns the time actually
// spent waiting.
func (s *Session) waitSpacing(ctx context.Context) (time.Duration, error) {
	if s.spacing <= 0 || s.lastComplete.IsZero() {
		return 0, nil
	}

	wait := s.spacing - time.Since(s.lastComplete)
	if wait <= 0 {
		return 0, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		s.statsMu.Lock()
		s.stats.ThrottleWaitTotal += wait
		s.statsMu.Unlock()
		return wait, nil
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, errors.NewError(errors.ErrCodeTimeout, "caller deadline expired while paced").
				WithComponent("transport").
				WithCause(ctx.Err())
		}
		return 0, errors.NewError(errors.ErrCodeOperationCanceled, "request canceled while paced").
			WithComponent("transport").
			WithCause(ctx.Err())
	}
}

func (s *Session) roundTrip(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, s.base+path, reader)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "failed to build request").
			WithComponent("transport").
			WithOperation(method + " " + path).
			WithCause(err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.classify(err, method, path)
	}
	defer resp.Body.Close()

	s.readBuf.Reset()
	if _, err := io.Copy(&s.readBuf, resp.Body); err != nil {
		return nil, s.classify(err, method, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, s.mapStatus(resp.StatusCode, method, path)
	}

	return s.readBuf.Bytes(), nil
}

// classify maps a network-level failure to a driver error code.
func (s *Session) classify(err error, method, path string) error {
	op := method + " " + path

	if stderrors.Is(err, context.Canceled) {
		return errors.NewError(errors.ErrCodeOperationCanceled, "request canceled").
			WithComponent("transport").
			WithOperation(op).
			WithCause(err)
	}

	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		return errors.NewError(errors.ErrCodeTimeout, "request deadline exceeded").
			WithComponent("transport").
			WithOperation(op).
			WithCause(err)
	}

	return errors.NewError(errors.ErrCodeConnectionRefused, "device connection failed").
		WithComponent("transport").
		WithOperation(op).
		WithCause(err)
}

// mapStatus maps a non-2xx device status to a driver error. The response
// body, if any, is attached as a detail for operator logs.
func (s *Session) mapStatus(status int, method, path string) error {
	op := method + " " + path

	var e *errors.DriverError
	switch {
	case status == http.StatusNotFound:
		e = errors.NewError(errors.ErrCodeParamNotFound, "device resource not found")
	case status == http.StatusConflict:
		e = errors.NewError(errors.ErrCodeBusy, "device rejected request in current state")
	default:
		e = errors.NewError(errors.ErrCodeMalformedResponse,
			fmt.Sprintf("unexpected device status %d", status))
	}

	e = e.WithComponent("transport").
		WithOperation(op).
		WithDetail("status", status)

	if snippet := s.bodySnippet(); snippet != "" {
		e = e.WithDetail("body", snippet)
	}
	return e
}

func (s *Session) bodySnippet() string {
	const max = 200
	b := s.readBuf.Bytes()
	if len(b) > max {
		b = b[:max]
	}
	return strings.TrimSpace(string(b))
}

func (s *Session) record(duration time.Duration, completed time.Time, err error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.stats.Requests++
	s.stats.LastRequestDuration = duration
	s.stats.LastCompletedAt = completed

	if err == nil {
		return
	}

	s.stats.Failures++
	switch errors.CodeOf(err) {
	case errors.ErrCodeTimeout:
		s.stats.Timeouts++
	case errors.ErrCodeConnectionRefused:
		s.stats.ConnectionErrors++
	case errors.ErrCodeMalformedResponse:
		s.stats.MalformedResponses++
	}
}

func (s *Session) bumpMalformed() {
	s.statsMu.Lock()
	s.stats.MalformedResponses++
	s.statsMu.Unlock()
}
