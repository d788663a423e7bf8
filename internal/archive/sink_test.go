package archive

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kgofron/ADTimePix3/internal/detector"
	"github.com/kgofron/ADTimePix3/pkg/errors"
	"github.com/kgofron/ADTimePix3/pkg/types"
	"github.com/kgofron/ADTimePix3/pkg/utils"
)

type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     int
	failures int   // fail this many puts with a retryable error
	putErr   error // permanent injected error
	gate     chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) Put(ctx context.Context, key string, body []byte) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failures > 0 {
		f.failures--
		return "", errors.NewError(errors.ErrCodeArchiveFailed, "injected upload failure")
	}
	if f.putErr != nil {
		return "", f.putErr
	}
	stored := "archive/" + key
	f.objects[stored] = append([]byte(nil), body...)
	return stored, nil
}

func (f *fakeStore) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[key]
	return body, ok
}

func (f *fakeStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func archiveTestLogger(t *testing.T) *utils.StructuredLogger {
	t.Helper()
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  utils.ERROR,
		Output: io.Discard,
		Format: utils.FormatText,
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func archiveTestFrame(frameNumber uint64) *types.Frame {
	desc := types.FrameDescriptor{
		Rank:     2,
		Dims:     [3]int{8, 8},
		DataType: types.DataTypeUInt16,
		Layout:   types.LayoutMono,
	}
	data := make([]byte, desc.ByteSize())
	for i := range data {
		data[i] = byte(frameNumber + uint64(i))
	}
	return &types.Frame{
		Descriptor:  desc,
		Data:        data,
		FrameNumber: frameNumber,
		Timestamp:   time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func waitForArchive(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSinkUploadsAndCatalogs(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	catalog := newTestCatalog(t)
	sink, err := NewSink(Config{Workers: 1}, store, catalog, archiveTestLogger(t), nil)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}

	if err := sink.OnParameterUpdate("driver.run_id", types.StringValue("run-1")); err != nil {
		t.Fatalf("OnParameterUpdate: %v", err)
	}
	frame := archiveTestFrame(3)
	if err := sink.OnFrame(frame); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}

	waitForArchive(t, 2*time.Second, "upload", func() bool {
		return sink.Stats().Uploaded == 1
	})

	body, ok := store.object("archive/frames/run-1/0000000003.pcf")
	if !ok {
		t.Fatalf("object not stored, have %v", len(store.objects))
	}
	if want := detector.EncodeFrame(frame); !bytes.Equal(body, want) {
		t.Errorf("stored body differs from encoded frame (%d vs %d bytes)", len(body), len(want))
	}

	recs, err := catalog.FramesForRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("FramesForRun: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("catalog rows = %d, want 1", len(recs))
	}
	if recs[0].ObjectKey != "archive/frames/run-1/0000000003.pcf" {
		t.Errorf("catalog key = %q", recs[0].ObjectKey)
	}
	if recs[0].ByteSize != int64(len(body)) {
		t.Errorf("catalog byte_size = %d, want %d", recs[0].ByteSize, len(body))
	}

	stats := sink.Stats()
	if stats.BytesUploaded != uint64(len(body)) {
		t.Errorf("bytes uploaded = %d, want %d", stats.BytesUploaded, len(body))
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSinkFilesUnlabeledFramesUnderAdhoc(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	sink, err := NewSink(Config{Workers: 1}, store, nil, archiveTestLogger(t), nil)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	defer sink.Close()

	if err := sink.OnFrame(archiveTestFrame(1)); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	waitForArchive(t, 2*time.Second, "upload", func() bool {
		return sink.Stats().Uploaded == 1
	})

	if _, ok := store.object("archive/frames/adhoc/0000000001.pcf"); !ok {
		t.Error("frame without a run not filed under adhoc")
	}
}

func TestSinkRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.failures = 1
	sink, err := NewSink(Config{Workers: 1}, store, nil, archiveTestLogger(t), nil)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	defer sink.Close()

	if err := sink.OnFrame(archiveTestFrame(5)); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	waitForArchive(t, 5*time.Second, "retried upload", func() bool {
		return sink.Stats().Uploaded == 1
	})

	if got := store.putCount(); got != 2 {
		t.Errorf("puts = %d, want 2 (one failure, one retry)", got)
	}
	if stats := sink.Stats(); stats.UploadFailures != 0 {
		t.Errorf("upload failures = %d, retried upload should not count", stats.UploadFailures)
	}
}

func TestSinkCountsPermanentFailures(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	// Non-retryable code, so the worker gives up on the first attempt.
	store.putErr = errors.NewError(errors.ErrCodeInvalidConfig, "bucket misconfigured")
	sink, err := NewSink(Config{Workers: 1}, store, nil, archiveTestLogger(t), nil)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	defer sink.Close()

	if err := sink.OnFrame(archiveTestFrame(9)); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	waitForArchive(t, 2*time.Second, "failed upload", func() bool {
		return sink.Stats().UploadFailures == 1
	})

	if got := store.putCount(); got != 1 {
		t.Errorf("puts = %d, want 1", got)
	}
	if stats := sink.Stats(); stats.Uploaded != 0 {
		t.Errorf("uploaded = %d, want 0", stats.Uploaded)
	}
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.gate = make(chan struct{})
	sink, err := NewSink(Config{QueueSize: 1, Workers: 1}, store, nil, archiveTestLogger(t), nil)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}

	// First frame occupies the worker (blocked in Put), second fills the
	// queue, third must be dropped.
	if err := sink.OnFrame(archiveTestFrame(1)); err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	waitForArchive(t, 2*time.Second, "worker pickup", func() bool {
		return sink.Stats().QueueDepth == 0
	})
	if err := sink.OnFrame(archiveTestFrame(2)); err != nil {
		t.Fatalf("frame 2: %v", err)
	}

	err = sink.OnFrame(archiveTestFrame(3))
	if !errors.IsCode(err, errors.ErrCodeQueueFull) {
		t.Fatalf("overflow error = %v, want QUEUE_FULL", err)
	}
	if stats := sink.Stats(); stats.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", stats.Dropped)
	}

	close(store.gate)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if stats := sink.Stats(); stats.Uploaded != 2 {
		t.Errorf("uploaded = %d, want both queued frames drained on close", stats.Uploaded)
	}
}

func TestSinkCountsCatalogFailures(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	catalog, err := NewCatalog(":memory:")
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	catalog.Close()

	sink, err := NewSink(Config{Workers: 1}, store, catalog, archiveTestLogger(t), nil)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	defer sink.Close()

	if err := sink.OnFrame(archiveTestFrame(4)); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	waitForArchive(t, 2*time.Second, "catalog failure", func() bool {
		return sink.Stats().CatalogFailures == 1
	})

	// The upload itself still counts as delivered.
	if stats := sink.Stats(); stats.Uploaded != 1 {
		t.Errorf("uploaded = %d, want 1", stats.Uploaded)
	}
}

func TestSinkClosedRejectsFrames(t *testing.T) {
	t.Parallel()
	sink, err := NewSink(Config{Workers: 1}, newFakeStore(), nil, archiveTestLogger(t), nil)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	err = sink.OnFrame(archiveTestFrame(1))
	if !errors.IsCode(err, errors.ErrCodeShutdownInProgress) {
		t.Fatalf("OnFrame after close = %v, want SHUTDOWN_IN_PROGRESS", err)
	}
}

func TestSinkRequiresStore(t *testing.T) {
	t.Parallel()
	_, err := NewSink(Config{}, nil, nil, archiveTestLogger(t), nil)
	if !errors.IsCode(err, errors.ErrCodeInvalidConfig) {
		t.Fatalf("err = %v, want INVALID_CONFIG", err)
	}
}
