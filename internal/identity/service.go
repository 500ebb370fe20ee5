// Package identity owns agent records and API-key authentication. An agent
// is a software principal: it registers once, receives a raw API key
// exactly once, and authenticates every later call by presenting that key.
package identity

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/payfabric/backend/internal/actor"
	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/store"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	StatusActive    AgentStatus = "active"
	StatusInactive  AgentStatus = "inactive"
	StatusSuspended AgentStatus = "suspended"
)

// Agent is the identity record. APIKeyHash is the only credential material
// ever persisted.
type Agent struct {
	AgentID         string      `json:"agent_id"`
	Name            string      `json:"name"`
	OwnerID         string      `json:"owner_id"`
	Description     string      `json:"description,omitempty"`
	Tags            []string    `json:"tags,omitempty"`
	APIKeyHash      string      `json:"api_key_hash"`
	ReputationScore float64     `json:"reputation_score"`
	Status          AgentStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Service manages agent records in the entity store. All mutations go
// through the agent's actor so concurrent updates serialize.
type Service struct {
	store  store.Store
	actors *actor.Runtime
	env    string // "live" or "test"
	logger *log.Logger
}

// NewService creates the identity service.
func NewService(s store.Store, actors *actor.Runtime, env string) *Service {
	return &Service{
		store:  s,
		actors: actors,
		env:    env,
		logger: log.New(log.Writer(), "[Identity] ", log.LstdFlags),
	}
}

// CreateAgent registers an agent and returns the record plus the raw API
// key. The raw key is not recoverable afterwards.
func (s *Service) CreateAgent(ctx context.Context, name, ownerID, description string, tags []string) (*Agent, string, error) {
	if name == "" {
		return nil, "", apierr.New(apierr.CodeValidation, "agent name is required")
	}
	if ownerID == "" {
		return nil, "", apierr.New(apierr.CodeValidation, "owner_id is required")
	}

	rawKey, keyHash, err := GenerateAPIKey(s.env)
	if err != nil {
		return nil, "", apierr.Wrap(apierr.CodeInternal, "key generation failed", err)
	}

	now := time.Now().UTC()
	agent := &Agent{
		AgentID:         uuid.NewString(),
		Name:            name,
		OwnerID:         ownerID,
		Description:     description,
		Tags:            tags,
		APIKeyHash:      keyHash,
		ReputationScore: 5.0,
		Status:          StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var saveErr error
	err = s.actors.Do(ctx, agent.AgentID, func() {
		if err := store.PutJSON(ctx, s.store, store.KindAgent, agent.AgentID, agent); err != nil {
			saveErr = err
			return
		}
		// Reverse index so key validation is a single lookup over the
		// digest table rather than a prefix-filtered scan.
		saveErr = s.store.Put(ctx, store.KindKey, keyHash, []byte(agent.AgentID))
	})
	if err != nil {
		return nil, "", apierr.Wrap(apierr.CodeInternal, "actor submit failed", err)
	}
	if saveErr != nil {
		return nil, "", apierr.Wrap(apierr.CodeInternal, "persist agent", saveErr)
	}

	s.logger.Printf("registered agent %s (%s)", agent.AgentID, agent.Name)
	return agent, rawKey, nil
}

// GetAgent fetches an agent by id.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	err := store.GetJSON(ctx, s.store, store.KindAgent, agentID, &agent)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.Newf(apierr.CodeNotFound, "agent %s not found", agentID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "load agent", err)
	}
	return &agent, nil
}

// ValidateAPIKey authenticates a raw key and returns the owning agent.
// Suspended and inactive agents fail closed.
func (s *Service) ValidateAPIKey(ctx context.Context, raw string) (*Agent, error) {
	if raw == "" || !LooksLikeAPIKey(raw) {
		return nil, apierr.New(apierr.CodeUnauthorized, "invalid credential")
	}

	agentIDRaw, err := s.store.Get(ctx, store.KindKey, HashAPIKey(raw))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.CodeUnauthorized, "invalid credential")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "key lookup", err)
	}

	agent, err := s.GetAgent(ctx, string(agentIDRaw))
	if err != nil {
		return nil, apierr.New(apierr.CodeUnauthorized, "invalid credential")
	}
	switch agent.Status {
	case StatusActive:
		return agent, nil
	case StatusSuspended:
		return nil, apierr.Newf(apierr.CodeForbidden, "agent %s is suspended", agent.AgentID)
	default:
		return nil, apierr.Newf(apierr.CodeForbidden, "agent %s is inactive", agent.AgentID)
	}
}

// UpdateReputation sets the reputation score, clamped to [0, 10].
func (s *Service) UpdateReputation(ctx context.Context, agentID string, score float64) (*Agent, error) {
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return s.mutate(ctx, agentID, func(a *Agent) error {
		a.ReputationScore = score
		return nil
	})
}

// AdjustReputation shifts the score by delta, clamped to [0, 10].
func (s *Service) AdjustReputation(ctx context.Context, agentID string, delta float64) (*Agent, error) {
	return s.mutate(ctx, agentID, func(a *Agent) error {
		a.ReputationScore += delta
		if a.ReputationScore < 0 {
			a.ReputationScore = 0
		}
		if a.ReputationScore > 10 {
			a.ReputationScore = 10
		}
		return nil
	})
}

// SetStatus transitions the agent lifecycle state.
func (s *Service) SetStatus(ctx context.Context, agentID string, status AgentStatus) (*Agent, error) {
	switch status {
	case StatusActive, StatusInactive, StatusSuspended:
	default:
		return nil, apierr.Newf(apierr.CodeValidation, "invalid status %q", status)
	}
	return s.mutate(ctx, agentID, func(a *Agent) error {
		a.Status = status
		return nil
	})
}

// Rename updates the display name.
func (s *Service) Rename(ctx context.Context, agentID, name string) (*Agent, error) {
	if name == "" {
		return nil, apierr.New(apierr.CodeValidation, "agent name is required")
	}
	return s.mutate(ctx, agentID, func(a *Agent) error {
		a.Name = name
		return nil
	})
}

// mutate performs a read-modify-write under the agent's actor.
func (s *Service) mutate(ctx context.Context, agentID string, fn func(*Agent) error) (*Agent, error) {
	var (
		out   *Agent
		opErr error
	)
	err := s.actors.Do(ctx, agentID, func() {
		var agent Agent
		if err := store.GetJSON(ctx, s.store, store.KindAgent, agentID, &agent); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				opErr = apierr.Newf(apierr.CodeNotFound, "agent %s not found", agentID)
			} else {
				opErr = apierr.Wrap(apierr.CodeInternal, "load agent", err)
			}
			return
		}
		if err := fn(&agent); err != nil {
			opErr = err
			return
		}
		agent.UpdatedAt = time.Now().UTC()
		if err := store.PutJSON(ctx, s.store, store.KindAgent, agentID, &agent); err != nil {
			opErr = apierr.Wrap(apierr.CodeInternal, "persist agent", err)
			return
		}
		out = &agent
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "actor submit failed", err)
	}
	if opErr != nil {
		return nil, opErr
	}
	return out, nil
}

// RequireActive loads an agent and verifies it can take part in a task.
func (s *Service) RequireActive(ctx context.Context, agentID string) (*Agent, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != StatusActive {
		return nil, apierr.Newf(apierr.CodeForbidden, "agent %s is %s", agentID, agent.Status)
	}
	return agent, nil
}
