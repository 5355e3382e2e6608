package repository

import (
	"context"
	"sync"
	"time"

	"github.com/fjod/tienda-cart/internal/cart"
)

// MemoryRepository keeps carts for the lifetime of the process.
type MemoryRepository struct {
	mu    sync.RWMutex
	carts map[string]*CartRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{carts: make(map[string]*CartRecord)}
}

func (m *MemoryRepository) GetCart(_ context.Context, sessionID string) (*CartRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.carts[sessionID]
	if !ok {
		return nil, ErrCartNotFound
	}
	out := *rec
	out.Items = cart.NewStoreFrom(rec.Items, 0).View().Items()
	return &out, nil
}

func (m *MemoryRepository) SaveCart(_ context.Context, sessionID string, view cart.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, ok := m.carts[sessionID]
	if ok && rec.Version >= int64(view.Version()) {
		return ErrStaleVersion
	}
	if !ok {
		rec = &CartRecord{SessionID: sessionID, CreatedAt: now}
		m.carts[sessionID] = rec
	}
	rec.Items = view.Items()
	rec.Version = int64(view.Version())
	rec.UpdatedAt = now
	return nil
}

func (m *MemoryRepository) DeleteCart(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.carts[sessionID]; !ok {
		return ErrCartNotFound
	}
	delete(m.carts, sessionID)
	return nil
}
