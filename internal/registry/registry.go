// Package registry is the authoritative record of tool manifests. The
// orchestrator only reads here: it resolves a tool name into pricing, the
// asset, and the input schema. Registration and listing are the provider
// surface; the orchestrator never writes.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/store"
)

// PricingModel determines how a tool charges.
type PricingModel string

const (
	PricePerCall      PricingModel = "per-call"
	PricePerToken     PricingModel = "per-token"
	PriceSubscription PricingModel = "subscription"
)

// Pricing is the manifest's price declaration. For per-token tools, Amount
// is the base price and TokenMultiplier scales the oracle's unit price.
type Pricing struct {
	Model           PricingModel    `json:"model"`
	Amount          decimal.Decimal `json:"amount"`
	TokenMultiplier decimal.Decimal `json:"token_multiplier,omitempty"`
	Asset           string          `json:"asset"`
}

// Endpoint describes where and how the provider is invoked. The fabric
// itself rarely calls it (providers authenticate and report completion)
// but the manifest keeps it authoritative.
type Endpoint struct {
	URL    string `json:"url"`
	Method string `json:"method"`
	Auth   string `json:"auth,omitempty"` // "none", "api-key", "bearer"
}

// ToolStatus marks a manifest live or tombstoned.
type ToolStatus string

const (
	ToolActive  ToolStatus = "active"
	ToolDeleted ToolStatus = "deleted"
)

// Manifest is one registered tool.
type Manifest struct {
	Name          string          `json:"name"`
	AuthorAgentID string          `json:"author_agent_id"`
	Description   string          `json:"description,omitempty"`
	Endpoint      Endpoint        `json:"endpoint"`
	Pricing       Pricing         `json:"pricing"`
	InputSchema   json.RawMessage `json:"input_schema,omitempty"`
	Status        ToolStatus      `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Registry stores manifests in the entity store keyed by tool name.
type Registry struct {
	store  store.Store
	logger *log.Logger
}

// New creates the registry.
func New(s store.Store) *Registry {
	return &Registry{
		store:  s,
		logger: log.New(log.Writer(), "[Registry] ", log.LstdFlags),
	}
}

// Register creates or replaces a manifest. Only the author may replace an
// existing manifest.
func (r *Registry) Register(ctx context.Context, m *Manifest) (*Manifest, error) {
	if m.Name == "" {
		return nil, apierr.New(apierr.CodeValidation, "tool name is required")
	}
	if m.AuthorAgentID == "" {
		return nil, apierr.New(apierr.CodeValidation, "author_agent_id is required")
	}
	if m.Pricing.Asset == "" {
		return nil, apierr.New(apierr.CodeValidation, "pricing.asset is required")
	}
	switch m.Pricing.Model {
	case PricePerCall, PricePerToken, PriceSubscription:
	default:
		return nil, apierr.Newf(apierr.CodeValidation, "invalid pricing model %q", m.Pricing.Model)
	}
	if m.Pricing.Amount.IsNegative() {
		return nil, apierr.New(apierr.CodeValidation, "pricing.amount must be non-negative")
	}

	existing, err := r.lookup(ctx, m.Name)
	if err != nil && apierr.CodeOf(err) != apierr.CodeNotFound {
		return nil, err
	}
	if existing != nil && existing.AuthorAgentID != m.AuthorAgentID {
		return nil, apierr.Newf(apierr.CodeForbidden, "tool %s belongs to another agent", m.Name)
	}

	now := time.Now().UTC()
	if existing != nil {
		m.CreatedAt = existing.CreatedAt
	} else {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Status = ToolActive

	if err := store.PutJSON(ctx, r.store, store.KindTool, m.Name, m); err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "persist manifest", err)
	}
	r.logger.Printf("registered tool %s (author=%s, model=%s)", m.Name, m.AuthorAgentID, m.Pricing.Model)
	return m, nil
}

// GetTool returns the active manifest for a name. Deleted tools surface as
// NOT_FOUND, same as never-registered ones.
func (r *Registry) GetTool(ctx context.Context, name string) (*Manifest, error) {
	m, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if m.Status != ToolActive {
		return nil, apierr.Newf(apierr.CodeNotFound, "tool %s not found", name)
	}
	return m, nil
}

// Delete tombstones a manifest. Only the author may delete.
func (r *Registry) Delete(ctx context.Context, name, actorAgentID string) error {
	m, err := r.lookup(ctx, name)
	if err != nil {
		return err
	}
	if m.AuthorAgentID != actorAgentID {
		return apierr.Newf(apierr.CodeForbidden, "tool %s belongs to another agent", name)
	}
	m.Status = ToolDeleted
	m.UpdatedAt = time.Now().UTC()
	if err := store.PutJSON(ctx, r.store, store.KindTool, name, m); err != nil {
		return apierr.Wrap(apierr.CodeInternal, "persist manifest", err)
	}
	return nil
}

// List returns all active manifests.
func (r *Registry) List(ctx context.Context) ([]*Manifest, error) {
	ids, err := r.store.List(ctx, store.KindTool)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "list tools", err)
	}
	out := make([]*Manifest, 0, len(ids))
	for _, id := range ids {
		m, err := r.lookup(ctx, id)
		if err != nil {
			continue
		}
		if m.Status == ToolActive {
			out = append(out, m)
		}
	}
	return out, nil
}

// ValidateInput checks params against the manifest's input schema. Only
// the required-properties slice of JSON Schema is enforced; full schema
// validation belongs to the provider.
func (m *Manifest) ValidateInput(params json.RawMessage) error {
	if len(m.InputSchema) == 0 || len(params) == 0 {
		return nil
	}
	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(m.InputSchema, &schema); err != nil {
		return nil // malformed schema never blocks a task
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(params, &obj); err != nil {
		return apierr.New(apierr.CodeValidation, "parameters must be a JSON object")
	}
	for _, field := range schema.Required {
		if _, ok := obj[field]; !ok {
			return apierr.Newf(apierr.CodeValidation, "missing required parameter %q", field)
		}
	}
	return nil
}

func (r *Registry) lookup(ctx context.Context, name string) (*Manifest, error) {
	var m Manifest
	err := store.GetJSON(ctx, r.store, store.KindTool, name, &m)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.Newf(apierr.CodeNotFound, "tool %s not found", name)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "load manifest", err)
	}
	return &m, nil
}
