package utils

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
)

// DebugSession captures a bounded trace of driver events (state
// transitions, device requests, decode timings) for one diagnostic window.
// Sessions are started and drained through the control API.
type DebugSession struct {
	mu         sync.RWMutex
	id         string
	startTime  time.Time
	endTime    time.Time
	events     []DebugEvent
	dropped    uint64
	enabled    bool
	maxEvents  int
	components map[string]bool
}

// DebugEvent is a single recorded driver event.
type DebugEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Duration  time.Duration          `json:"duration,omitempty"`
	Goroutine int                    `json:"goroutine"`
}

// DebugManager owns the active capture sessions. One manager serves the
// whole process; components publish events through it without knowing
// whether anything is listening.
type DebugManager struct {
	mu       sync.RWMutex
	sessions map[string]*DebugSession
}

var (
	globalDebugManager *DebugManager
	debugManagerOnce   sync.Once
)

// GetDebugManager returns the process-wide debug manager.
func GetDebugManager() *DebugManager {
	debugManagerOnce.Do(func() {
		globalDebugManager = &DebugManager{
			sessions: make(map[string]*DebugSession),
		}
	})
	return globalDebugManager
}

// HasSessions reports whether any session is recording. Hot paths check
// this before building event fields.
func (dm *DebugManager) HasSessions() bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.sessions) > 0
}

// StartSession opens a capture session. components limits recording to the
// named driver components ("poller", "transport", "mirror", "archive");
// empty means record everything.
func (dm *DebugManager) StartSession(id string, components []string, maxEvents int) *DebugSession {
	if maxEvents <= 0 {
		maxEvents = 10000
	}

	session := &DebugSession{
		id:         id,
		startTime:  time.Now(),
		events:     make([]DebugEvent, 0, 100),
		enabled:    true,
		maxEvents:  maxEvents,
		components: make(map[string]bool, len(components)),
	}
	for _, comp := range components {
		session.components[comp] = true
	}

	dm.mu.Lock()
	dm.sessions[id] = session
	dm.mu.Unlock()

	return session
}

// StopSession closes a session and returns it for draining, or nil when
// no session has that id. A stopped session keeps its events but ignores
// any that arrive late.
func (dm *DebugManager) StopSession(id string) *DebugSession {
	dm.mu.Lock()
	session, ok := dm.sessions[id]
	if ok {
		delete(dm.sessions, id)
	}
	dm.mu.Unlock()

	if !ok {
		return nil
	}

	session.mu.Lock()
	session.enabled = false
	session.endTime = time.Now()
	session.mu.Unlock()

	return session
}

// GetSession returns the session with the given id, or nil.
func (dm *DebugManager) GetSession(id string) *DebugSession {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.sessions[id]
}

// ListSessions returns the ids of all active sessions.
func (dm *DebugManager) ListSessions() []string {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	ids := make([]string, 0, len(dm.sessions))
	for id := range dm.sessions {
		ids = append(ids, id)
	}
	return ids
}

// RecordEvent publishes an event to every active session that accepts the
// component.
func (dm *DebugManager) RecordEvent(component, operation, message string, fields map[string]interface{}) {
	dm.fanOut(DebugEvent{
		Timestamp: time.Now(),
		Component: component,
		Operation: operation,
		Message:   message,
		Fields:    fields,
	})
}

// RecordTimed publishes an event carrying an operation duration, such as a
// completed device request.
func (dm *DebugManager) RecordTimed(component, operation, message string, fields map[string]interface{}, d time.Duration) {
	dm.fanOut(DebugEvent{
		Timestamp: time.Now(),
		Component: component,
		Operation: operation,
		Message:   message,
		Fields:    fields,
		Duration:  d,
	})
}

func (dm *DebugManager) fanOut(ev DebugEvent) {
	dm.mu.RLock()
	sessions := make([]*DebugSession, 0, len(dm.sessions))
	for _, session := range dm.sessions {
		sessions = append(sessions, session)
	}
	dm.mu.RUnlock()

	if len(sessions) == 0 {
		return
	}

	ev.Goroutine = goroutineID()
	for _, session := range sessions {
		session.append(ev)
	}
}

// append applies the session's component filter and event cap. Events
// beyond the cap are counted, not stored, so a drained session shows how
// much it missed.
func (ds *DebugSession) append(ev DebugEvent) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.enabled {
		return
	}
	if len(ds.components) > 0 && !ds.components[ev.Component] {
		return
	}
	if len(ds.events) >= ds.maxEvents {
		ds.dropped++
		return
	}
	ds.events = append(ds.events, ev)
}

// GetEvents returns a copy of the recorded events.
func (ds *DebugSession) GetEvents() []DebugEvent {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	events := make([]DebugEvent, len(ds.events))
	copy(events, ds.events)
	return events
}

// GetEventsByComponent returns the recorded events for one component.
func (ds *DebugSession) GetEventsByComponent(component string) []DebugEvent {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	var events []DebugEvent
	for _, ev := range ds.events {
		if ev.Component == component {
			events = append(events, ev)
		}
	}
	return events
}

// GetStats summarizes the session for the control API.
func (ds *DebugSession) GetStats() map[string]interface{} {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	stats := map[string]interface{}{
		"id":          ds.id,
		"start_time":  ds.startTime,
		"event_count": len(ds.events),
		"dropped":     ds.dropped,
		"enabled":     ds.enabled,
		"max_events":  ds.maxEvents,
		"components":  len(ds.components),
	}

	if ds.endTime.IsZero() {
		stats["duration"] = time.Since(ds.startTime)
	} else {
		stats["end_time"] = ds.endTime
		stats["duration"] = ds.endTime.Sub(ds.startTime)
	}

	byComponent := make(map[string]int)
	for _, ev := range ds.events {
		byComponent[ev.Component]++
	}
	stats["events_by_component"] = byComponent

	return stats
}

// goroutineID parses the current goroutine id from the stack header.
func goroutineID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))[0]

	var id int
	_, _ = fmt.Sscanf(field, "%d", &id)
	return id
}
