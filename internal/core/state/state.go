// Package state holds the bridge's view of the remote system: the raw
// homescreen snapshot, the reconciled canonical state derived from it, and
// the event bus the other components communicate over.
package state

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// SystemState is the canonical armed/disarmed state of the whole account.
type SystemState string

const (
	SystemArmedAway SystemState = "armed_away"
	SystemDisarmed  SystemState = "disarmed"
)

// CameraState is the canonical per-camera state.
type CameraState struct {
	Online      bool     `json:"online"`
	Temperature *float64 `json:"temperature,omitempty"`
	Thumbnail   string   `json:"thumbnail,omitempty"`
}

// CanonicalState is the single reconciled view of the system, derived purely
// from the latest raw snapshot and recomputed every poll cycle.
type CanonicalState struct {
	System  SystemState            `json:"system"`
	Cameras map[string]CameraState `json:"cameras"`
}

// Clone returns a copy that shares nothing with the receiver.
func (s CanonicalState) Clone() CanonicalState {
	cp := CanonicalState{System: s.System, Cameras: make(map[string]CameraState, len(s.Cameras))}
	for k, v := range s.Cameras {
		cp.Cameras[k] = v
	}
	return cp
}

// Update is the payload of an EventStateChanged event.
type Update struct {
	State CanonicalState
	Diff  Diff
	// Full forces subscribers to republish everything, set after the first
	// poll of a session or a reconnect.
	Full bool
	// Seq is the snapshot sequence number the state was derived from.
	Seq uint64
}

// SnapshotResult is the payload of an EventSnapshotDone event.
type SnapshotResult struct {
	Camera string
	Image  string
}

// EventType identifies event categories.
type EventType string

const (
	// EventAuthState carries the auth machine state as a string, so the
	// dashboard can render e.g. a "waiting for code" prompt.
	EventAuthState EventType = "auth_state"
	// EventStateChanged carries an Update.
	EventStateChanged EventType = "state_changed"
	// EventSnapshotDone carries a SnapshotResult.
	EventSnapshotDone EventType = "snapshot_done"
	// EventDegraded signals rate limiting or similar degraded service.
	EventDegraded EventType = "degraded"
	// EventWarning signals a failed command; non-fatal.
	EventWarning EventType = "warning"
	// EventDebug carries offending raw payloads for the debug view.
	EventDebug EventType = "debug"
)

// Event represents a state change event.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers. Slow subscribers drop events
// rather than block the publisher.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		// drain anything buffered so publishers never saw us as full
		for {
			select {
			case <-ch:
			default:
				return
			}
		}
	}
	return ch, unsub
}

// --- name cleaning ---

var nameCleaner = regexp.MustCompile(`[^a-z0-9_-]`)

// CleanName turns a camera display name into a stable identifier usable in
// topics and filenames: lowercase, spaces to underscores, everything else
// outside [a-z0-9_-] stripped.
func CleanName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "_")
	return nameCleaner.ReplaceAllString(s, "")
}
