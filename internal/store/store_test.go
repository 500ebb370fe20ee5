package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, KindAgent, "a1", []byte(`{"x":1}`)))
	got, err := s.Get(ctx, KindAgent, "a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(got))

	// Kinds namespace keys.
	_, err = s.Get(ctx, KindWallet, "a1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, KindAgent, "a1"))
	_, err = s.Get(ctx, KindAgent, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, KindTask, "t1", []byte("abc")))

	got, err := s.Get(ctx, KindTask, "t1")
	require.NoError(t, err)
	got[0] = 'z'

	again, err := s.Get(ctx, KindTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestMemoryStoreList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, KindTool, "alpha", []byte("1")))
	require.NoError(t, s.Put(ctx, KindTool, "beta", []byte("2")))
	require.NoError(t, s.Put(ctx, KindTask, "gamma", []byte("3")))

	ids, err := s.List(ctx, KindTool)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, ids)
}

func TestGetJSONPutJSON(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	type doc struct {
		Name string `json:"name"`
	}

	require.NoError(t, PutJSON(ctx, s, KindAgent, "a1", doc{Name: "alpha"}))
	var out doc
	require.NoError(t, GetJSON(ctx, s, KindAgent, "a1", &out))
	assert.Equal(t, "alpha", out.Name)
}
