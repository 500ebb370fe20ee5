package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payfabric/backend/internal/events"
)

func TestDispatcherDeliversSignedEvents(t *testing.T) {
	type delivery struct {
		eventType string
		signature string
		attempt   string
		body      []byte
	}
	received := make(chan delivery, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- delivery{
			eventType: r.Header.Get("X-Fabric-Event-Type"),
			signature: r.Header.Get("X-Fabric-Signature"),
			attempt:   r.Header.Get("X-Fabric-Delivery-Attempt"),
			body:      body,
		}
	}))
	defer srv.Close()

	registry := NewRegistry()
	_, err := registry.Register(&Subscription{
		AgentID: "a1",
		URL:     srv.URL,
		Secret:  "s3cret",
		Events:  []string{events.TypeTaskCompleted},
	})
	require.NoError(t, err)

	bus := events.NewBus("test")
	d := NewDispatcher(registry, 2)
	d.Attach(bus)
	defer d.Shutdown()

	bus.Emit(events.TypeTaskCompleted, "task-1", map[string]interface{}{"task_id": "task-1"})

	select {
	case got := <-received:
		assert.Equal(t, events.TypeTaskCompleted, got.eventType)
		assert.Equal(t, "1", got.attempt)
		assert.Equal(t, "sha256="+SignPayload(got.body, "s3cret"), got.signature)

		var ev events.CloudEvent
		require.NoError(t, json.Unmarshal(got.body, &ev))
		assert.Equal(t, "1.0", ev.SpecVersion)
		assert.Equal(t, "task-1", ev.Subject)
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestDispatcherSkipsUnwantedEventTypes(t *testing.T) {
	hits := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer srv.Close()

	registry := NewRegistry()
	_, err := registry.Register(&Subscription{
		AgentID: "a1",
		URL:     srv.URL,
		Events:  []string{events.TypeEscrowReleased},
	})
	require.NoError(t, err)

	bus := events.NewBus("test")
	d := NewDispatcher(registry, 1)
	d.Attach(bus)

	bus.Emit(events.TypeTaskCreated, "task-1", nil)
	d.Shutdown() // drains the queue before we assert

	select {
	case <-hits:
		t.Fatal("delivered an event type the subscription did not want")
	default:
	}
}
