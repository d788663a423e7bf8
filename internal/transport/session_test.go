package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kgofron/ADTimePix3/pkg/errors"
)

func newTestSession(t *testing.T, serverURL string, spacing time.Duration) *Session {
	t.Helper()
	session, err := New(&Config{
		BaseURL:        serverURL,
		RequestSpacing: spacing,
		ConnectTimeout: time.Second,
		RequestTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return session
}

func TestNewInvalidBaseURL(t *testing.T) {
	tests := []string{"", "not a url", "ftp://device:21", "http://"}
	for _, base := range tests {
		_, err := New(&Config{BaseURL: base})
		if err == nil {
			t.Errorf("New(%q): expected error, got none", base)
			continue
		}
		if !errors.IsCode(err, errors.ErrCodeInvalidConfig) {
			t.Errorf("New(%q): expected INVALID_CONFIG, got %v", base, errors.CodeOf(err))
		}
	}
}

func TestSessionGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/status" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state":"idle","frameCount":3}`))
	}))
	defer server.Close()

	session := newTestSession(t, server.URL, 0)
	defer session.Close()

	var status struct {
		State      string `json:"state"`
		FrameCount int    `json:"frameCount"`
	}
	if err := session.GetJSON(context.Background(), "/api/v1/status", &status); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if status.State != "idle" {
		t.Errorf("Expected state idle, got %s", status.State)
	}
	if status.FrameCount != 3 {
		t.Errorf("Expected frameCount 3, got %d", status.FrameCount)
	}
}

func TestSessionSpacingFloor(t *testing.T) {
	const spacing = 40 * time.Millisecond

	var mu sync.Mutex
	var arrivals []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	session := newTestSession(t, server.URL, spacing)
	defer session.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := session.GetRaw(ctx, "/api/v1/status"); err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(arrivals) != 3 {
		t.Fatalf("Expected 3 requests, got %d", len(arrivals))
	}
	for i := 1; i < len(arrivals); i++ {
		gap := arrivals[i].Sub(arrivals[i-1])
		if gap < spacing {
			t.Errorf("Request gap %d was %v, want at least %v", i, gap, spacing)
		}
	}

	stats := session.GetStats()
	if stats.Requests != 3 {
		t.Errorf("Expected 3 requests in stats, got %d", stats.Requests)
	}
	if stats.ThrottleWaitTotal <= 0 {
		t.Error("Expected nonzero throttle wait after paced requests")
	}
}

func TestSessionSpacingHeldAcrossFailure(t *testing.T) {
	const spacing = 40 * time.Millisecond

	var mu sync.Mutex
	var arrivals []time.Time
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			http.Error(w, "internal device fault", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	session := newTestSession(t, server.URL, spacing)
	defer session.Close()

	ctx := context.Background()

	// The first request fails but must still arm the spacing floor.
	_, err := session.GetRaw(ctx, "/api/v1/status")
	if !errors.IsCode(err, errors.ErrCodeMalformedResponse) {
		t.Fatalf("Expected MALFORMED_RESPONSE from 500, got %v", err)
	}

	if _, err := session.GetRaw(ctx, "/api/v1/status"); err != nil {
		t.Fatalf("Second request failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(arrivals) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(arrivals))
	}
	if gap := arrivals[1].Sub(arrivals[0]); gap < spacing {
		t.Errorf("Gap after failed request was %v, want at least %v", gap, spacing)
	}
}

func TestSessionTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	session, err := New(&Config{
		BaseURL:        server.URL,
		RequestTimeout: 50 * time.Millisecond,
		ConnectTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	defer session.Close()

	_, err = session.GetRaw(context.Background(), "/api/v1/frame")
	if !errors.IsCode(err, errors.ErrCodeTimeout) {
		t.Fatalf("Expected TIMEOUT, got %v", err)
	}

	stats := session.GetStats()
	if stats.Timeouts != 1 {
		t.Errorf("Expected 1 timeout in stats, got %d", stats.Timeouts)
	}
	if stats.Failures != 1 {
		t.Errorf("Expected 1 failure in stats, got %d", stats.Failures)
	}
}

func TestSessionConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := server.URL
	server.Close()

	session := newTestSession(t, base, 0)
	defer session.Close()

	_, err := session.GetRaw(context.Background(), "/api/v1/status")
	if !errors.IsCode(err, errors.ErrCodeConnectionRefused) {
		t.Fatalf("Expected CONNECTION_REFUSED, got %v", err)
	}

	stats := session.GetStats()
	if stats.ConnectionErrors != 1 {
		t.Errorf("Expected 1 connection error in stats, got %d", stats.ConnectionErrors)
	}
}

func TestSessionStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode errors.ErrorCode
	}{
		{"not found", http.StatusNotFound, errors.ErrCodeParamNotFound},
		{"conflict", http.StatusConflict, errors.ErrCodeBusy},
		{"server error", http.StatusInternalServerError, errors.ErrCodeMalformedResponse},
		{"unavailable", http.StatusServiceUnavailable, errors.ErrCodeMalformedResponse},
		{"bad request", http.StatusBadRequest, errors.ErrCodeMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.name, tt.status)
			}))
			defer server.Close()

			session := newTestSession(t, server.URL, 0)
			defer session.Close()

			_, err := session.GetRaw(context.Background(), "/api/v1/config/detector")
			if !errors.IsCode(err, tt.wantCode) {
				t.Errorf("Status %d: expected %s, got %v", tt.status, tt.wantCode, err)
			}
		})
	}
}

func TestSessionMalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer server.Close()

	session := newTestSession(t, server.URL, 0)
	defer session.Close()

	var out map[string]interface{}
	err := session.GetJSON(context.Background(), "/api/v1/status", &out)
	if !errors.IsCode(err, errors.ErrCodeMalformedResponse) {
		t.Fatalf("Expected MALFORMED_RESPONSE, got %v", err)
	}
}

func TestSessionCanceledWhilePaced(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	session := newTestSession(t, server.URL, 500*time.Millisecond)
	defer session.Close()

	if _, err := session.GetRaw(context.Background(), "/api/v1/status"); err != nil {
		t.Fatalf("First request failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := session.GetRaw(ctx, "/api/v1/status")
	if !errors.IsCode(err, errors.ErrCodeOperationCanceled) {
		t.Fatalf("Expected OPERATION_CANCELED, got %v", err)
	}

	// The canceled request never reached the device.
	if got := requests.Load(); got != 1 {
		t.Errorf("Expected 1 request at the device, got %d", got)
	}
}

func TestSessionPutBody(t *testing.T) {
	var mu sync.Mutex
	var gotBody string
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("Expected PUT, got %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = string(body)
		gotContentType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	session := newTestSession(t, server.URL, 0)
	defer session.Close()

	payload := map[string]interface{}{"exposureSec": 0.5}
	if err := session.PutJSON(context.Background(), "/api/v1/config/acquisition", payload); err != nil {
		t.Fatalf("PutJSON failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotBody != `{"exposureSec":0.5}` {
		t.Errorf("Unexpected body: %s", gotBody)
	}
	if gotContentType != "application/json" {
		t.Errorf("Expected application/json content type, got %s", gotContentType)
	}
}

func TestSessionSerializesConcurrentCallers(t *testing.T) {
	var inFlight atomic.Int64
	var overlapped atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	session := newTestSession(t, server.URL, time.Millisecond)
	defer session.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := session.GetRaw(context.Background(), "/api/v1/status"); err != nil {
				t.Errorf("Concurrent request failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if overlapped.Load() {
		t.Error("Two requests were in flight at once")
	}
}

func TestSessionObserveHook(t *testing.T) {
	const spacing = 30 * time.Millisecond

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"state":"idle"}`))
	}))
	defer server.Close()

	var mu sync.Mutex
	var observed []RequestInfo
	session, err := New(&Config{
		BaseURL:        server.URL,
		RequestSpacing: spacing,
		ConnectTimeout: time.Second,
		RequestTimeout: 2 * time.Second,
		Observe: func(info RequestInfo) {
			mu.Lock()
			observed = append(observed, info)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	defer session.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := session.GetRaw(ctx, "/api/v1/status"); err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
	}
	if _, err := session.GetRaw(ctx, "/api/v1/frame"); err == nil {
		t.Fatal("Expected failure from 500 response")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 3 {
		t.Fatalf("Expected 3 observations, got %d", len(observed))
	}

	first := observed[0]
	if first.Method != http.MethodGet || first.Path != "/api/v1/status" {
		t.Errorf("Unexpected first observation: %+v", first)
	}
	if first.Err != nil {
		t.Errorf("First observation carries error: %v", first.Err)
	}
	if first.BytesRead == 0 {
		t.Error("First observation has no body bytes")
	}
	if first.ThrottleWait != 0 {
		t.Errorf("First request should not be paced, waited %v", first.ThrottleWait)
	}

	// Back-to-back requests hit the spacing floor.
	if observed[1].ThrottleWait <= 0 {
		t.Errorf("Second request should record a throttle wait, got %v", observed[1].ThrottleWait)
	}

	failed := observed[2]
	if failed.Err == nil {
		t.Error("Failed request observation missing error")
	}
	if !errors.IsCode(failed.Err, errors.ErrCodeMalformedResponse) {
		t.Errorf("Expected MALFORMED_RESPONSE, got %v", errors.CodeOf(failed.Err))
	}
	if failed.Path != "/api/v1/frame" {
		t.Errorf("Unexpected failed path: %s", failed.Path)
	}
}
