package params

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kgofron/ADTimePix3/pkg/errors"
	"github.com/kgofron/ADTimePix3/pkg/types"
)

// GroupClient is the slice of the device client the mirror needs.
type GroupClient interface {
	ReadGroup(ctx context.Context, group string, into map[string]interface{}) error
	WriteGroup(ctx context.Context, group string, body []byte) error
}

// Entry is one mirrored parameter.
type Entry struct {
	Group    string
	Field    string
	Value    types.ParamValue
	Dirty    bool
	SyncedAt time.Time
}

// Stats summarizes mirror activity. Computed on demand; valid only on the
// owning task.
type Stats struct {
	TrackedParams  int       `json:"tracked_params"`
	DirtyParams    int       `json:"dirty_params"`
	Refreshes      uint64    `json:"refreshes"`
	Commits        uint64    `json:"commits"`
	CommitFailures uint64    `json:"commit_failures"`
	SkippedFields  uint64    `json:"skipped_fields"`
	LastRefreshAt  time.Time `json:"last_refresh_at"`
}

// Mirror is the local copy of the detector's parameter groups. Parameters
// are keyed "group.field". Writes are optimistic: Commit stores the
// attempted value locally before the device confirms, and a failed commit
// leaves the attempted value visible and the entry dirty until the next
// Refresh overwrites it with device truth.
//
// The mirror has no internal locking. It is owned by the poller task;
// nothing else may touch it.
type Mirror struct {
	client  GroupClient
	groups  []string
	entries map[string]*Entry

	// scratch map and encode buffer are recycled across refreshes and
	// commits so steady-state polling does not allocate.
	scratch map[string]interface{}
	encBuf  bytes.Buffer

	refreshes      uint64
	commits        uint64
	commitFailures uint64
	skippedFields  uint64
	lastRefreshAt  time.Time
}

// New creates a mirror over the named parameter groups.
func New(client GroupClient, groups []string) *Mirror {
	return &Mirror{
		client:  client,
		groups:  append([]string(nil), groups...),
		entries: make(map[string]*Entry),
		scratch: make(map[string]interface{}),
	}
}

// Refresh reads every tracked group from the device and overwrites the
// local entries. Dirty flags are cleared: the device is the source of truth
// after a refresh, even for writes it never saw. One HTTP request per group.
func (m *Mirror) Refresh(ctx context.Context) error {
	now := time.Now()

	for _, group := range m.groups {
		m.clearScratch()
		if err := m.client.ReadGroup(ctx, group, m.scratch); err != nil {
			return err
		}

		for field, raw := range m.scratch {
			value, err := types.ParamValueFromJSON(raw)
			if err != nil {
				// Nested documents and nulls are not parameters.
				m.skippedFields++
				continue
			}

			key := group + "." + field
			entry, ok := m.entries[key]
			if !ok {
				entry = &Entry{Group: group, Field: field}
				m.entries[key] = entry
			}
			entry.Value = value
			entry.Dirty = false
			entry.SyncedAt = now
		}
	}

	m.refreshes++
	m.lastRefreshAt = now
	return nil
}

// Commit writes one parameter to the device. The attempted value is stored
// locally first, so Get observes it regardless of the device round trip;
// on failure the entry stays dirty and the error is returned to the issuer.
func (m *Mirror) Commit(ctx context.Context, name string, value types.ParamValue) error {
	entry, ok := m.entries[name]
	if !ok {
		return errors.NewError(errors.ErrCodeParamNotFound,
			fmt.Sprintf("unknown parameter: %s", name)).
			WithComponent("mirror").
			WithOperation("commit")
	}

	entry.Value = value
	entry.Dirty = true

	if err := m.writeGroup(ctx, entry.Group); err != nil {
		m.commitFailures++
		return err
	}

	// The whole group document was accepted; everything in it is synced.
	now := time.Now()
	for _, e := range m.entries {
		if e.Group == entry.Group {
			e.Dirty = false
			e.SyncedAt = now
		}
	}
	m.commits++
	return nil
}

// writeGroup encodes the group's current local values into the recycled
// buffer and PUTs them as one document.
func (m *Mirror) writeGroup(ctx context.Context, group string) error {
	m.clearScratch()
	for _, entry := range m.entries {
		if entry.Group == group {
			m.scratch[entry.Field] = entry.Value.Interface()
		}
	}

	m.encBuf.Reset()
	if err := json.NewEncoder(&m.encBuf).Encode(m.scratch); err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to encode parameter group").
			WithComponent("mirror").
			WithOperation("commit " + group).
			WithCause(err)
	}

	return m.client.WriteGroup(ctx, group, m.encBuf.Bytes())
}

// Get returns the current local value, which may be an unconfirmed write.
func (m *Mirror) Get(name string) (types.ParamValue, error) {
	entry, ok := m.entries[name]
	if !ok {
		return types.ParamValue{}, errors.NewError(errors.ErrCodeParamNotFound,
			fmt.Sprintf("unknown parameter: %s", name)).
			WithComponent("mirror").
			WithOperation("get")
	}
	return entry.Value, nil
}

// Has reports whether the mirror tracks the named parameter.
func (m *Mirror) Has(name string) bool {
	_, ok := m.entries[name]
	return ok
}

// Snapshot returns a copy of all entries keyed by parameter name.
func (m *Mirror) Snapshot() map[string]types.ParamValue {
	out := make(map[string]types.ParamValue, len(m.entries))
	for key, entry := range m.entries {
		out[key] = entry.Value
	}
	return out
}

// Dirty returns the names of parameters with unconfirmed writes, sorted.
func (m *Mirror) Dirty() []string {
	var names []string
	for key, entry := range m.entries {
		if entry.Dirty {
			names = append(names, key)
		}
	}
	sort.Strings(names)
	return names
}

// Groups returns the tracked group names.
func (m *Mirror) Groups() []string {
	return append([]string(nil), m.groups...)
}

// Stats returns the mirror counters.
func (m *Mirror) Stats() Stats {
	return Stats{
		TrackedParams:  len(m.entries),
		DirtyParams:    len(m.Dirty()),
		Refreshes:      m.refreshes,
		Commits:        m.commits,
		CommitFailures: m.commitFailures,
		SkippedFields:  m.skippedFields,
		LastRefreshAt:  m.lastRefreshAt,
	}
}

func (m *Mirror) clearScratch() {
	for k := range m.scratch {
		delete(m.scratch, k)
	}
}

// SplitKey splits a "group.field" parameter name.
func SplitKey(name string) (group, field string, ok bool) {
	i := strings.IndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}
