package framecache

import (
	"time"

	"github.com/kgofron/ADTimePix3/pkg/errors"
	"github.com/kgofron/ADTimePix3/pkg/types"
)

// Cache recycles one frame buffer across an acquisition run. Detectors
// deliver long sequences of identically-shaped frames; allocating per frame
// would churn the heap for no reason, so the cache keeps a single buffer
// and hands it back as long as the geometry holds.
//
// Acquire compares the requested descriptor field by field with the one the
// buffer was allocated for. On a match the existing storage is returned
// with no allocation; on any difference (first use included) the previous
// buffer is dropped and a fresh one sized for the new geometry is
// allocated. The returned storage is writable until the next Acquire.
//
// The cache has no internal locking; it is owned by the poller task.
type Cache struct {
	descriptor types.FrameDescriptor
	storage    []byte
	held       bool

	allocations uint64
	reuses      uint64
	lastChange  time.Time
}

// Stats describes cache behavior since creation.
type Stats struct {
	Allocations  uint64    `json:"allocations"`
	Reuses       uint64    `json:"reuses"`
	BytesHeld    int       `json:"bytes_held"`
	Geometry     string    `json:"geometry"`
	LastChangeAt time.Time `json:"last_change_at"`
}

// New creates an empty cache. No storage is held until the first Acquire.
func New() *Cache {
	return &Cache{}
}

// Acquire returns storage for the given geometry, reusing the current
// buffer when the descriptor matches the previous call exactly.
func (c *Cache) Acquire(desc types.FrameDescriptor) ([]byte, error) {
	if err := desc.Validate(); err != nil {
		return nil, errors.NewError(errors.ErrCodeValidationFailed, "unusable frame geometry").
			WithComponent("framecache").
			WithOperation("acquire").
			WithCause(err)
	}

	if c.held && c.descriptor.Equal(desc) {
		c.reuses++
		return c.storage, nil
	}

	// Geometry changed or first frame: drop the old buffer and start over.
	c.storage = make([]byte, desc.ByteSize())
	c.descriptor = desc
	c.held = true
	c.allocations++
	c.lastChange = time.Now()
	return c.storage, nil
}

// Descriptor returns the geometry of the held buffer. ok is false before
// the first Acquire or after Release.
func (c *Cache) Descriptor() (desc types.FrameDescriptor, ok bool) {
	return c.descriptor, c.held
}

// Release drops the held storage. The next Acquire allocates fresh.
func (c *Cache) Release() {
	c.storage = nil
	c.descriptor = types.FrameDescriptor{}
	c.held = false
	c.lastChange = time.Now()
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	geometry := ""
	if c.held {
		geometry = c.descriptor.String()
	}
	return Stats{
		Allocations:  c.allocations,
		Reuses:       c.reuses,
		BytesHeld:    len(c.storage),
		Geometry:     geometry,
		LastChangeAt: c.lastChange,
	}
}
