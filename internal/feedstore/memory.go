package feedstore

import (
	"context"
	"sync"

	"bitriver-submerger/internal/models"
)

// MemoryStore is an in-process Store, useful for tests and single-replica
// deployments where losing dedup state on restart is acceptable.
type MemoryStore struct {
	mu   sync.RWMutex
	seen map[string]models.FeedItemRecord
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]models.FeedItemRecord)}
}

func (m *MemoryStore) Exists(_ context.Context, itemID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[itemID]
	return ok, nil
}

func (m *MemoryStore) Insert(_ context.Context, record models.FeedItemRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[record.ItemID]; ok {
		return nil
	}
	m.seen[record.ItemID] = record
	return nil
}

func (m *MemoryStore) Close(context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
