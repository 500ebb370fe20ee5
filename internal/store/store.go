// Package store provides the two kinds of persistence the fabric needs:
// a per-entity JSON document store keyed "{kind}:{id}", and an append-only
// transaction log ordered by (ts, seq). The entity store is the current
// state; the log is the write-ahead record that can re-derive it.
//
// Neither implementation locks across keys. Per-key atomicity of
// read-modify-write cycles is enforced by the actor runtime, which is the
// only writer for any given entity id.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// Kind prefixes namespace the entity store.
const (
	KindAgent  = "agent"
	KindWallet = "wallet"
	KindEscrow = "escrow"
	KindTask   = "task"
	KindTool   = "tool"
	KindBucket = "bucket"
	KindKey    = "apikey" // api_key_hash -> agent_id
)

// Store is the entity store. Values are opaque JSON documents.
type Store interface {
	Get(ctx context.Context, kind, id string) ([]byte, error)
	Put(ctx context.Context, kind, id string, value []byte) error
	Delete(ctx context.Context, kind, id string) error
	// List returns every id under a kind. Used by full-table scans such as
	// API key lookup and startup replay; not a query interface.
	List(ctx context.Context, kind string) ([]string, error)
}

// GetJSON loads and unmarshals a document into v.
func GetJSON(ctx context.Context, s Store, kind, id string, v interface{}) error {
	raw, err := s.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// PutJSON marshals v and stores it.
func PutJSON(ctx context.Context, s Store, kind, id string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, kind, id, raw)
}

// MemoryStore is the default single-process store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func key(kind, id string) string { return kind + ":" + id }

func (m *MemoryStore) Get(_ context.Context, kind, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.data[key(kind, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return cp, nil
}

func (m *MemoryStore) Put(_ context.Context, kind, id string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	m.data[key(kind, id)] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, kind, id string) error {
	m.mu.Lock()
	delete(m.data, key(kind, id))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context, kind string) ([]string, error) {
	prefix := kind + ":"
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for k := range m.data {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			ids = append(ids, k[len(prefix):])
		}
	}
	return ids, nil
}
