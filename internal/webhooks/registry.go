// Package webhooks lets agents subscribe HTTP endpoints to fabric events.
// Deliveries are signed with the subscription secret and pushed by a
// background worker pool fed from the event bus.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/payfabric/backend/internal/apierr"
)

// Subscription is one registered webhook. Events lists the CloudEvent
// types the subscriber wants; empty means everything.
type Subscription struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events,omitempty"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	FailCount int       `json:"fail_count"`
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// maxConsecutiveFails deactivates a subscription that keeps failing.
const maxConsecutiveFails = 10

// Registry stores subscriptions in memory.
type Registry struct {
	mu     sync.RWMutex
	hooks  map[string]*Subscription
	logger *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		hooks:  make(map[string]*Subscription),
		logger: log.New(log.Writer(), "[Webhooks] ", log.LstdFlags),
	}
}

// Register adds a subscription owned by an agent.
func (r *Registry) Register(sub *Subscription) (*Subscription, error) {
	if sub.URL == "" {
		return nil, apierr.New(apierr.CodeValidation, "webhook url is required")
	}
	if sub.AgentID == "" {
		return nil, apierr.New(apierr.CodeValidation, "agent_id is required")
	}
	if sub.ID == "" {
		sub.ID = "wh-" + uuid.NewString()
	}
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()

	r.mu.Lock()
	r.hooks[sub.ID] = sub
	r.mu.Unlock()

	r.logger.Printf("registered webhook %s for agent %s -> %s", sub.ID, sub.AgentID, sub.URL)
	return sub, nil
}

// Remove deletes a subscription. Only the owner may remove it.
func (r *Registry) Remove(id, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.hooks[id]
	if !ok {
		return apierr.Newf(apierr.CodeNotFound, "webhook %s not found", id)
	}
	if sub.AgentID != agentID {
		return apierr.New(apierr.CodeForbidden, "webhook belongs to another agent")
	}
	delete(r.hooks, id)
	return nil
}

// ListByAgent returns an agent's subscriptions.
func (r *Registry) ListByAgent(agentID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, sub := range r.hooks {
		if sub.AgentID == agentID {
			out = append(out, sub)
		}
	}
	return out
}

// subscribers returns the active subscriptions for one event type.
func (r *Registry) subscribers(eventType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, sub := range r.hooks {
		if sub.Active && sub.wants(eventType) {
			out = append(out, sub)
		}
	}
	return out
}

// markFailed bumps the failure count and deactivates a flapping endpoint.
func (r *Registry) markFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= maxConsecutiveFails {
		sub.Active = false
		r.logger.Printf("webhook %s deactivated after %d failures", id, sub.FailCount)
	}
}

func (r *Registry) markDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload computes the HMAC-SHA256 hex digest for a delivery.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
