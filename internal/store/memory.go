package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"trading_core/internal/core"
	apperrors "trading_core/pkg/errors"
)

// MemoryStore implements all three persistence interfaces in memory. Used by
// tests and backtests where durability is not needed.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*core.Order
	states    map[string]*core.StrategyState
	snapshots []*core.AccountSnapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*core.Order),
		states: make(map[string]*core.StrategyState),
	}
}

func (s *MemoryStore) SaveOrder(ctx context.Context, o *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) ListOrders(ctx context.Context, filter core.OrderFilter) ([]*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Order
	for _, o := range s.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.StrategyID != "" && o.StrategyID != filter.StrategyID {
			continue
		}
		if filter.Symbol != "" && o.Symbol != filter.Symbol {
			continue
		}
		if filter.Exchange != "" && o.Exchange != filter.Exchange {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdateTime.Before(out[j].UpdateTime)
	})
	return out, nil
}

func (s *MemoryStore) DeleteOrder(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, id)
	return nil
}

func (s *MemoryStore) SaveState(ctx context.Context, state *core.StrategyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.StrategyID] = state.Clone()
	return nil
}

func (s *MemoryStore) LoadState(ctx context.Context, strategyID string) (*core.StrategyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[strategyID]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

func (s *MemoryStore) DeleteState(ctx context.Context, strategyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, strategyID)
	return nil
}

func (s *MemoryStore) AppendSnapshot(ctx context.Context, snap *core.AccountSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snapshots = append(s.snapshots, &cp)
	return nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, exchange string, since time.Time, limit int) ([]*core.AccountSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.AccountSnapshot
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		snap := s.snapshots[i]
		if snap.Exchange != exchange || snap.Timestamp.Before(since) {
			continue
		}
		cp := *snap
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
