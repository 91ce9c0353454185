package orchestrator

import (
	"context"
	"sync"
	"time"
)

// CooldownStore holds per-symbol cooldown deadlines. A zero time means no
// cooldown is set.
type CooldownStore interface {
	SetCooldown(ctx context.Context, symbol string, until time.Time) error
	CooldownUntil(ctx context.Context, symbol string) (time.Time, error)
}

// MemoryCooldownStore keeps deadlines in process.
type MemoryCooldownStore struct {
	mu        sync.RWMutex
	deadlines map[string]time.Time
}

// NewMemoryCooldownStore creates an empty in-process store.
func NewMemoryCooldownStore() *MemoryCooldownStore {
	return &MemoryCooldownStore{deadlines: make(map[string]time.Time)}
}

func (m *MemoryCooldownStore) SetCooldown(_ context.Context, symbol string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until.After(m.deadlines[symbol]) {
		m.deadlines[symbol] = until
	}
	return nil
}

func (m *MemoryCooldownStore) CooldownUntil(_ context.Context, symbol string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deadlines[symbol], nil
}
