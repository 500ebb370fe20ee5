// Package events publishes fabric lifecycle events (task transitions,
// escrow legs, wallet moves) as CloudEvents 1.0 envelopes to in-process
// subscribers and to websocket clients.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Emitter is the interface producers depend on. The in-memory Bus and the
// no-op emitter both satisfy it.
type Emitter interface {
	Emit(eventType, subject string, data map[string]interface{})
}

// Event types produced by the core.
const (
	TypeTaskCreated    = "fabric.task.created"
	TypeTaskAccepted   = "fabric.task.accepted"
	TypeTaskCompleted  = "fabric.task.completed"
	TypeTaskCancelled  = "fabric.task.cancelled"
	TypeTaskExpired    = "fabric.task.expired"
	TypeEscrowLocked   = "fabric.escrow.locked"
	TypeEscrowReleased = "fabric.escrow.released"
	TypeEscrowRefunded = "fabric.escrow.refunded"
	TypeEscrowExpired  = "fabric.escrow.expired"
	TypeAlert          = "fabric.operator.alert"
)

// CloudEvent is the CloudEvents 1.0 envelope.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// Bus fans events out to subscribers. Delivery is best-effort: a slow
// subscriber drops events rather than blocking producers, because event
// consumers are observability surfaces, never the system of record.
type Bus struct {
	source string
	logger *log.Logger

	mu   sync.RWMutex
	subs map[int]chan *CloudEvent
	next int
}

// NewBus creates a bus; source identifies this process in envelopes.
func NewBus(source string) *Bus {
	if source == "" {
		source = "payfabric"
	}
	return &Bus{
		source: source,
		subs:   make(map[int]chan *CloudEvent),
		logger: log.New(log.Writer(), "[Events] ", log.LstdFlags),
	}
}

// Emit publishes one event.
func (b *Bus) Emit(eventType, subject string, data map[string]interface{}) {
	ev := &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      b.source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; drop rather than stall the fabric.
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe func.
func (b *Bus) Subscribe(buffer int) (<-chan *CloudEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *CloudEvent, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}
}

// Nop is an Emitter that discards everything. Handy in tests.
type Nop struct{}

func (Nop) Emit(string, string, map[string]interface{}) {}
