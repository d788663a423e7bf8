// Package archive persists acquired frames to an S3-compatible bucket and
// indexes every upload in a local SQLite catalog. Uploads run on a bounded
// queue behind the acquisition loop; when the queue is full the newest
// frame is dropped and counted rather than stalling acquisition.
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kgofron/ADTimePix3/internal/detector"
	"github.com/kgofron/ADTimePix3/internal/metrics"
	"github.com/kgofron/ADTimePix3/pkg/errors"
	"github.com/kgofron/ADTimePix3/pkg/retry"
	"github.com/kgofron/ADTimePix3/pkg/types"
	"github.com/kgofron/ADTimePix3/pkg/utils"
)

// ObjectStore is the upload target. *S3Store is the production
// implementation; tests substitute a fake.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
}

// Config tunes the archive sink's queue and worker pool.
type Config struct {
	QueueSize    int
	Workers      int
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// Stats is a snapshot of archive accounting.
type Stats struct {
	Enqueued        uint64    `json:"enqueued"`
	Uploaded        uint64    `json:"uploaded"`
	UploadFailures  uint64    `json:"upload_failures"`
	Dropped         uint64    `json:"dropped"`
	CatalogFailures uint64    `json:"catalog_failures"`
	BytesUploaded   uint64    `json:"bytes_uploaded"`
	QueueDepth      int       `json:"queue_depth"`
	QueueCapacity   int       `json:"queue_capacity"`
	LastUploadAt    time.Time `json:"last_upload_at,omitempty"`
}

type item struct {
	frame *types.Frame
	runID string
}

// Sink uploads frames asynchronously. It learns the active run from the
// driver.run_id parameter update and keys objects by run and frame number.
type Sink struct {
	config  Config
	store   ObjectStore
	catalog *Catalog
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
	retryer *retry.Retryer

	queue  chan item
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	runID   string
	stopped bool
	stats   Stats
}

// NewSink starts the upload workers. The catalog and collector are
// optional; a nil catalog skips indexing.
func NewSink(config Config, store ObjectStore, catalog *Catalog, logger *utils.StructuredLogger, collector *metrics.Collector) (*Sink, error) {
	if store == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "archive sink requires an object store").
			WithComponent("archive")
	}
	if logger == nil {
		var err error
		logger, err = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		if err != nil {
			return nil, err
		}
	}

	config = config.withDefaults()
	s := &Sink{
		config:  config,
		store:   store,
		catalog: catalog,
		logger:  logger.WithComponent("archive"),
		metrics: collector,
		queue:   make(chan item, config.QueueSize),
	}

	retryCfg := retry.UploadConfig()
	retryCfg.OnRetry = func(attempt int, err error, _ time.Duration) {
		s.logger.Debug("Retrying frame upload", map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
		})
	}
	s.retryer = retry.New(retryCfg)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for i := 0; i < config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	return s, nil
}

// OnFrame clones the frame and enqueues it for upload. A full queue drops
// the frame and reports QUEUE_FULL; acquisition never waits on the bucket.
func (s *Sink) OnFrame(frame *types.Frame) error {
	it := item{frame: frame.Clone()}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.NewError(errors.ErrCodeShutdownInProgress, "archive sink is closed").
			WithComponent("archive")
	}
	it.runID = s.runID

	select {
	case s.queue <- it:
		s.stats.Enqueued++
		depth := len(s.queue)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.SetArchiveQueueDepth(depth)
		}
		return nil
	default:
		s.stats.Dropped++
		s.mu.Unlock()
		err := errors.NewError(errors.ErrCodeQueueFull, "archive queue full, frame dropped").
			WithComponent("archive").
			WithDetail("frame_number", frame.FrameNumber).
			WithDetail("queue_size", s.config.QueueSize)
		if s.metrics != nil {
			s.metrics.RecordSinkPublish("archive", err)
		}
		s.logger.Warn("Archive queue full, dropping frame", map[string]interface{}{
			"frame_number": frame.FrameNumber,
			"queue_size":   s.config.QueueSize,
		})
		return err
	}
}

// OnParameterUpdate tracks the active run identifier. All other
// parameters are ignored.
func (s *Sink) OnParameterUpdate(name string, value types.ParamValue) error {
	if name != "driver.run_id" {
		return nil
	}
	s.mu.Lock()
	s.runID = value.Text
	s.mu.Unlock()
	return nil
}

// Close drains the queue and stops the workers. Uploads still in flight
// after the drain timeout are aborted.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.config.DrainTimeout):
		s.logger.Warn("Archive drain timed out, aborting in-flight uploads", map[string]interface{}{
			"timeout": s.config.DrainTimeout.String(),
		})
		s.cancel()
		<-done
	}
	s.cancel()

	var closeErr error
	if s.catalog != nil {
		closeErr = s.catalog.Close()
	}

	stats := s.Stats()
	s.logger.Info("Archive sink closed", map[string]interface{}{
		"uploaded":        stats.Uploaded,
		"upload_failures": stats.UploadFailures,
		"dropped":         stats.Dropped,
		"bytes_uploaded":  utils.FormatBytes(int64(stats.BytesUploaded)),
	})
	return closeErr
}

// Stats returns a snapshot of archive accounting.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.QueueDepth = len(s.queue)
	stats.QueueCapacity = cap(s.queue)
	return stats
}

func (s *Sink) worker(ctx context.Context) {
	defer s.wg.Done()
	for it := range s.queue {
		s.upload(ctx, it)
		if s.metrics != nil {
			s.metrics.SetArchiveQueueDepth(len(s.queue))
		}
	}
}

func (s *Sink) upload(ctx context.Context, it item) {
	key := frameKey(it.runID, it.frame.FrameNumber)
	body := detector.EncodeFrame(it.frame)

	var objectKey string
	err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var putErr error
		objectKey, putErr = s.store.Put(ctx, key, body)
		return putErr
	})

	s.mu.Lock()
	if err != nil {
		s.stats.UploadFailures++
	} else {
		s.stats.Uploaded++
		s.stats.BytesUploaded += uint64(len(body))
		s.stats.LastUploadAt = time.Now()
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordArchiveUpload(int64(len(body)), err)
		s.metrics.RecordSinkPublish("archive", err)
	}

	if err != nil {
		s.logger.Warn("Frame upload failed", map[string]interface{}{
			"frame_number": it.frame.FrameNumber,
			"key":          key,
			"error":        err.Error(),
		})
		return
	}

	s.logger.Debug("Frame archived", map[string]interface{}{
		"frame_number": it.frame.FrameNumber,
		"key":          objectKey,
		"size":         utils.FormatBytes(int64(len(body))),
	})

	if s.catalog == nil {
		return
	}
	rec := Record{
		RunID:       runLabel(it.runID),
		FrameNumber: it.frame.FrameNumber,
		ObjectKey:   objectKey,
		ByteSize:    int64(len(body)),
		Geometry:    it.frame.Descriptor.String(),
		FrameTime:   it.frame.Timestamp,
	}
	if err := s.catalog.Insert(ctx, rec); err != nil {
		// The object is already in the bucket; a catalog miss is an
		// indexing gap, not an upload failure.
		s.mu.Lock()
		s.stats.CatalogFailures++
		s.mu.Unlock()
		s.logger.Warn("Cannot index archived frame", map[string]interface{}{
			"key":   objectKey,
			"error": err.Error(),
		})
	}
}

// frameKey builds the object key for one frame. Frames seen before the
// first run starts (device armed outside the driver) file under "adhoc".
func frameKey(runID string, frameNumber uint64) string {
	return fmt.Sprintf("frames/%s/%010d.pcf", runLabel(runID), frameNumber)
}

func runLabel(runID string) string {
	if runID == "" {
		return "adhoc"
	}
	return runID
}
