package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/store"
)

func validManifest(author string) *Manifest {
	return &Manifest{
		Name:          "summarize",
		AuthorAgentID: author,
		Endpoint:      Endpoint{URL: "https://provider.example/run", Method: "POST"},
		Pricing:       Pricing{Model: PricePerCall, Amount: decimal.NewFromInt(1), Asset: "USDC"},
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg := New(store.NewMemoryStore())
	ctx := context.Background()

	m, err := reg.Register(ctx, validManifest("agent-1"))
	require.NoError(t, err)
	assert.Equal(t, ToolActive, m.Status)

	got, err := reg.GetTool(ctx, "summarize")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AuthorAgentID)
}

func TestRegisterValidation(t *testing.T) {
	reg := New(store.NewMemoryStore())
	ctx := context.Background()

	m := validManifest("agent-1")
	m.Name = ""
	_, err := reg.Register(ctx, m)
	assert.Equal(t, apierr.CodeValidation, apierr.CodeOf(err))

	m = validManifest("agent-1")
	m.Pricing.Model = "freemium"
	_, err = reg.Register(ctx, m)
	assert.Equal(t, apierr.CodeValidation, apierr.CodeOf(err))

	m = validManifest("agent-1")
	m.Pricing.Amount = decimal.NewFromInt(-1)
	_, err = reg.Register(ctx, m)
	assert.Equal(t, apierr.CodeValidation, apierr.CodeOf(err))
}

func TestOnlyAuthorMayReplaceOrDelete(t *testing.T) {
	reg := New(store.NewMemoryStore())
	ctx := context.Background()
	_, err := reg.Register(ctx, validManifest("agent-1"))
	require.NoError(t, err)

	_, err = reg.Register(ctx, validManifest("agent-2"))
	assert.Equal(t, apierr.CodeForbidden, apierr.CodeOf(err))

	err = reg.Delete(ctx, "summarize", "agent-2")
	assert.Equal(t, apierr.CodeForbidden, apierr.CodeOf(err))

	require.NoError(t, reg.Delete(ctx, "summarize", "agent-1"))
	_, err = reg.GetTool(ctx, "summarize")
	assert.Equal(t, apierr.CodeNotFound, apierr.CodeOf(err))
}

func TestListSkipsTombstones(t *testing.T) {
	reg := New(store.NewMemoryStore())
	ctx := context.Background()

	a := validManifest("agent-1")
	b := validManifest("agent-1")
	b.Name = "translate"
	_, err := reg.Register(ctx, a)
	require.NoError(t, err)
	_, err = reg.Register(ctx, b)
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, "translate", "agent-1"))

	tools, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "summarize", tools[0].Name)
}

func TestValidateInputRequiredFields(t *testing.T) {
	m := validManifest("agent-1")
	m.InputSchema = json.RawMessage(`{"type":"object","required":["text","language"]}`)

	err := m.ValidateInput(json.RawMessage(`{"text":"hi"}`))
	assert.Equal(t, apierr.CodeValidation, apierr.CodeOf(err))

	assert.NoError(t, m.ValidateInput(json.RawMessage(`{"text":"hi","language":"en"}`)))

	// No schema or no params means no enforcement.
	assert.NoError(t, m.ValidateInput(nil))
	m.InputSchema = nil
	assert.NoError(t, m.ValidateInput(json.RawMessage(`{}`)))
}
