// Package telemetry carries the structured events emitted by the
// coordinator, router, and health monitor, and the pipeline that streams
// them to external sinks (journal -> Kafka + S3).
package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names one kind of coordinator/router event.
type Type string

const (
	AllocationGranted Type = "allocation_granted"
	AllocationDenied  Type = "allocation_denied"
	ResourceSpawned   Type = "resource_spawned"
	ResourceReleased  Type = "resource_released"
	ResourceReclaimed Type = "resource_reclaimed"
	ResourceUnhealthy Type = "resource_unhealthy"
	TierFallback      Type = "tier_fallback"
	CircuitOpened     Type = "circuit_opened"
	RouteFailed       Type = "route_failed"
)

// Event is one structured telemetry record.
type Event struct {
	ID          uuid.UUID `json:"id"`
	Type        Type      `json:"type"`
	ResourceKey string    `json:"resourceKey,omitempty"`
	RequesterID string    `json:"requesterId,omitempty"`
	TierID      string    `json:"tierId,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	TS          time.Time `json:"ts"`
}

// New stamps an event with a fresh id and timestamp.
func New(t Type) Event {
	return Event{ID: uuid.New(), Type: t, TS: time.Now().UTC()}
}

// Sink consumes events. Emit must not block the caller for long: the
// coordinator emits from its serializing loop.
type Sink interface {
	Emit(ev Event)
}

// MultiSink fans out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Emit(ev Event) {
	log.Printf("[telemetry] %s resource=%s requester=%s tier=%s detail=%q",
		ev.Type, ev.ResourceKey, ev.RequesterID, ev.TierID, ev.Detail)
}

// MemorySink keeps the most recent events in a bounded ring. It backs the
// /events endpoint and the tests.
type MemorySink struct {
	mu     sync.Mutex
	cap    int
	events []Event
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemorySink{cap: capacity}
}

func (m *MemorySink) Emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if len(m.events) > m.cap {
		m.events = m.events[len(m.events)-m.cap:]
	}
}

// Recent returns a copy of the buffered events, oldest first.
func (m *MemorySink) Recent() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// ByType filters Recent by event type.
func (m *MemorySink) ByType(t Type) []Event {
	var out []Event
	for _, ev := range m.Recent() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
