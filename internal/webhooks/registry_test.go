package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/events"
)

func TestRegisterValidatesAndAssignsID(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register(&Subscription{AgentID: "a1"})
	assert.Equal(t, apierr.CodeValidation, apierr.CodeOf(err))

	_, err = r.Register(&Subscription{URL: "https://example.com/hook"})
	assert.Equal(t, apierr.CodeValidation, apierr.CodeOf(err))

	sub, err := r.Register(&Subscription{AgentID: "a1", URL: "https://example.com/hook"})
	require.NoError(t, err)
	assert.True(t, sub.Active)
	assert.Contains(t, sub.ID, "wh-")
	assert.False(t, sub.CreatedAt.IsZero())
}

func TestRemoveIsOwnerOnly(t *testing.T) {
	r := NewRegistry()
	sub, err := r.Register(&Subscription{AgentID: "a1", URL: "https://example.com/hook"})
	require.NoError(t, err)

	err = r.Remove(sub.ID, "a2")
	assert.Equal(t, apierr.CodeForbidden, apierr.CodeOf(err))

	require.NoError(t, r.Remove(sub.ID, "a1"))
	err = r.Remove(sub.ID, "a1")
	assert.Equal(t, apierr.CodeNotFound, apierr.CodeOf(err))
}

func TestListByAgent(t *testing.T) {
	r := NewRegistry()
	r.Register(&Subscription{AgentID: "a1", URL: "https://one.example.com"})
	r.Register(&Subscription{AgentID: "a1", URL: "https://two.example.com"})
	r.Register(&Subscription{AgentID: "a2", URL: "https://other.example.com"})

	assert.Len(t, r.ListByAgent("a1"), 2)
	assert.Len(t, r.ListByAgent("a2"), 1)
	assert.Empty(t, r.ListByAgent("a3"))
}

func TestSubscribersFilterByEventType(t *testing.T) {
	r := NewRegistry()
	r.Register(&Subscription{AgentID: "a1", URL: "https://all.example.com"})
	r.Register(&Subscription{
		AgentID: "a1",
		URL:     "https://tasks.example.com",
		Events:  []string{events.TypeTaskCompleted},
	})

	assert.Len(t, r.subscribers(events.TypeTaskCompleted), 2)
	assert.Len(t, r.subscribers(events.TypeEscrowLocked), 1)
}

func TestFlappingEndpointIsDeactivated(t *testing.T) {
	r := NewRegistry()
	sub, err := r.Register(&Subscription{AgentID: "a1", URL: "https://down.example.com"})
	require.NoError(t, err)

	for i := 0; i < maxConsecutiveFails-1; i++ {
		r.markFailed(sub.ID)
	}
	assert.Len(t, r.subscribers(events.TypeTaskCreated), 1)

	// A success resets the streak.
	r.markDelivered(sub.ID)
	for i := 0; i < maxConsecutiveFails; i++ {
		r.markFailed(sub.ID)
	}
	assert.Empty(t, r.subscribers(events.TypeTaskCreated))
}

func TestSignPayload(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, SignPayload(payload, "s3cret"))
}
