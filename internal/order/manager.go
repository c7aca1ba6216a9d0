// Package order tracks the order set and reconciles it with exchange state.
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trading_core/internal/bus"
	"trading_core/internal/core"
	apperrors "trading_core/pkg/errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrTerminalOrder rejects updates to orders in a terminal status.
	ErrTerminalOrder = errors.New("order is in a terminal status")
	// ErrStaleUpdate rejects updates whose UpdateTime precedes the stored one.
	ErrStaleUpdate = errors.New("update time precedes stored order")
)

// Patch is a partial order update. Nil fields are left untouched.
type Patch struct {
	Status      *core.OrderStatus
	ExecutedQty *decimal.Decimal
	CumQuoteQty *decimal.Decimal
	AvgPrice    *decimal.Decimal
	UpdateTime  time.Time
	Fills       []core.Fill
}

// Stats aggregates the tracked order set.
type Stats struct {
	Total    int
	ByStatus map[core.OrderStatus]int
}

// Manager is the in-memory order set with id, symbol, and status indexes.
// All mutations run under a single writer lock; status events go out through
// the bus duplicate gate. When a store is configured, writes go through to it.
type Manager struct {
	mu       sync.RWMutex
	byID     map[string]*core.Order
	bySymbol map[string]map[string]struct{}
	byStatus map[core.OrderStatus]map[string]struct{}

	eventBus *bus.Bus
	store    core.OrderStore // optional
	logger   core.ILogger
}

// NewManager creates an order manager. store may be nil for purely in-memory
// operation (tests, backtests).
func NewManager(eventBus *bus.Bus, store core.OrderStore, logger core.ILogger) *Manager {
	return &Manager{
		byID:     make(map[string]*core.Order),
		bySymbol: make(map[string]map[string]struct{}),
		byStatus: make(map[core.OrderStatus]map[string]struct{}),
		eventBus: eventBus,
		store:    store,
		logger:   logger.WithField("component", "order_manager"),
	}
}

// AddOrder inserts an order and updates all indexes atomically. An
// order_created event is emitted when the status is NEW.
func (m *Manager) AddOrder(ctx context.Context, o *core.Order) error {
	if o.ID == "" {
		return &apperrors.InvariantViolation{Message: "order without id"}
	}
	if o.ExecutedQty.GreaterThan(o.Quantity) {
		return &apperrors.InvariantViolation{
			Message: fmt.Sprintf("order %s: executed %s exceeds quantity %s", o.ID, o.ExecutedQty, o.Quantity),
		}
	}

	cp := o.Clone()

	m.mu.Lock()
	if _, exists := m.byID[cp.ID]; exists {
		m.mu.Unlock()
		return apperrors.ErrDuplicateOrder
	}
	m.byID[cp.ID] = cp
	m.indexAdd(cp)
	m.mu.Unlock()

	if err := m.persist(ctx, cp); err != nil {
		m.logger.Warn("Order persistence failed", "order_id", cp.ID, "error", err)
	}

	if cp.Status == core.OrderStatusNew {
		m.eventBus.PublishOrderEvent(cp)
	}
	return nil
}

// UpdateOrder applies a patch under the transition invariants: terminal
// statuses absorb, UpdateTime never goes backwards, ExecutedQty never exceeds
// Quantity, and FILLED implies fully executed. On a status change the id
// moves between status indexes atomically and the matching event is emitted
// through the duplicate gate.
func (m *Manager) UpdateOrder(ctx context.Context, id string, patch Patch) (*core.Order, error) {
	m.mu.Lock()
	o, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.ErrOrderNotFound
	}

	if o.Status.IsTerminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("order %s (%s): %w", id, o.Status, ErrTerminalOrder)
	}
	if !patch.UpdateTime.IsZero() && patch.UpdateTime.Before(o.UpdateTime) {
		m.mu.Unlock()
		return nil, fmt.Errorf("order %s: %w", id, ErrStaleUpdate)
	}

	newExecuted := o.ExecutedQty
	if patch.ExecutedQty != nil {
		newExecuted = *patch.ExecutedQty
	}
	if newExecuted.GreaterThan(o.Quantity) {
		m.mu.Unlock()
		return nil, &apperrors.InvariantViolation{
			Message: fmt.Sprintf("order %s: executed %s exceeds quantity %s", id, newExecuted, o.Quantity),
		}
	}
	if patch.Status != nil && *patch.Status == core.OrderStatusFilled && !newExecuted.Equal(o.Quantity) {
		m.mu.Unlock()
		return nil, &apperrors.InvariantViolation{
			Message: fmt.Sprintf("order %s: FILLED with executed %s of %s", id, newExecuted, o.Quantity),
		}
	}

	statusChanged := false
	if patch.Status != nil && *patch.Status != o.Status {
		m.statusIndexMove(o, *patch.Status)
		o.Status = *patch.Status
		statusChanged = true
	}
	o.ExecutedQty = newExecuted
	if patch.CumQuoteQty != nil {
		o.CumQuoteQty = *patch.CumQuoteQty
	}
	if patch.AvgPrice != nil {
		o.AvgPrice = *patch.AvgPrice
	}
	if !patch.UpdateTime.IsZero() {
		o.UpdateTime = patch.UpdateTime
	}
	if len(patch.Fills) > 0 {
		o.Fills = append(o.Fills, patch.Fills...)
	}

	cp := o.Clone()
	m.mu.Unlock()

	if err := m.persist(ctx, cp); err != nil {
		m.logger.Warn("Order persistence failed", "order_id", cp.ID, "error", err)
	}

	if statusChanged {
		m.eventBus.PublishOrderEvent(cp)
	}
	return cp, nil
}

// RemoveOrder purges an order from the set and the duplicate gate.
func (m *Manager) RemoveOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.byID[id]
	if ok {
		m.indexRemove(o)
		delete(m.byID, id)
	}
	m.mu.Unlock()

	if !ok {
		return apperrors.ErrOrderNotFound
	}

	m.eventBus.ForgetOrder(id)
	if m.store != nil {
		if err := m.store.DeleteOrder(ctx, id); err != nil {
			m.logger.Warn("Order delete failed in store", "order_id", id, "error", err)
		}
	}
	return nil
}

// GetOrder returns a copy of the order with the given id.
func (m *Manager) GetOrder(id string) (*core.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// GetByClientOrderID scans for an order by its client id.
func (m *Manager) GetByClientOrderID(clientOrderID string) (*core.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.byID {
		if o.ClientOrderID == clientOrderID {
			return o.Clone(), true
		}
	}
	return nil, false
}

// GetOrdersBySymbol returns copies of all orders for a symbol.
func (m *Manager) GetOrdersBySymbol(symbol string) []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Order, 0, len(m.bySymbol[symbol]))
	for id := range m.bySymbol[symbol] {
		out = append(out, m.byID[id].Clone())
	}
	return out
}

// GetOrdersByStatus returns copies of all orders with the given status.
func (m *Manager) GetOrdersByStatus(status core.OrderStatus) []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Order, 0, len(m.byStatus[status]))
	for id := range m.byStatus[status] {
		out = append(out, m.byID[id].Clone())
	}
	return out
}

// GetOpenOrders returns all NEW and PARTIALLY_FILLED orders.
func (m *Manager) GetOpenOrders() []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Order, 0)
	for _, status := range []core.OrderStatus{core.OrderStatusNew, core.OrderStatusPartiallyFilled} {
		for id := range m.byStatus[status] {
			out = append(out, m.byID[id].Clone())
		}
	}
	return out
}

// GetOrdersByStrategy returns copies of all orders tagged with a strategy id.
func (m *Manager) GetOrdersByStrategy(strategyID string) []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Order, 0)
	for _, o := range m.byID {
		if o.StrategyID == strategyID {
			out = append(out, o.Clone())
		}
	}
	return out
}

// OpenQuantity sums the unexecuted remainder of open orders for a symbol and
// side.
func (m *Manager) OpenQuantity(symbol string, side core.OrderSide) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for id := range m.bySymbol[symbol] {
		o := m.byID[id]
		if o.Side != side || !o.Status.IsOpen() {
			continue
		}
		total = total.Add(o.Quantity.Sub(o.ExecutedQty))
	}
	return total
}

// VWAP returns the volume-weighted average fill price across executed orders
// for a symbol and side, and false when nothing has executed.
func (m *Manager) VWAP(symbol string, side core.OrderSide) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	qty := decimal.Zero
	notional := decimal.Zero
	for id := range m.bySymbol[symbol] {
		o := m.byID[id]
		if o.Side != side || o.ExecutedQty.IsZero() {
			continue
		}
		qty = qty.Add(o.ExecutedQty)
		if !o.CumQuoteQty.IsZero() {
			notional = notional.Add(o.CumQuoteQty)
		} else {
			notional = notional.Add(o.ExecutedQty.Mul(o.AvgPrice))
		}
	}
	if qty.IsZero() {
		return decimal.Zero, false
	}
	return notional.Div(qty), true
}

// NetExecuted returns Σ executed BUY − Σ executed SELL for a symbol.
func (m *Manager) NetExecuted(symbol string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for id := range m.bySymbol[symbol] {
		total = total.Add(m.byID[id].SignedExecutedQty())
	}
	return total
}

// Stats summarizes the order set.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Total: len(m.byID), ByStatus: make(map[core.OrderStatus]int)}
	for status, ids := range m.byStatus {
		if len(ids) > 0 {
			s.ByStatus[status] = len(ids)
		}
	}
	return s
}

// CancelAllOrders transitions every open order (optionally restricted to one
// symbol) to CANCELED. Returns the ids that were cancelled.
func (m *Manager) CancelAllOrders(ctx context.Context, symbol string) []string {
	open := m.GetOpenOrders()
	cancelled := make([]string, 0, len(open))
	now := time.Now()
	status := core.OrderStatusCanceled
	for _, o := range open {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		ts := now
		if ts.Before(o.UpdateTime) {
			ts = o.UpdateTime
		}
		if _, err := m.UpdateOrder(ctx, o.ID, Patch{Status: &status, UpdateTime: ts}); err != nil {
			m.logger.Warn("Cancel-all transition failed", "order_id", o.ID, "error", err)
			continue
		}
		cancelled = append(cancelled, o.ID)
	}
	return cancelled
}

// RestoreOrder loads a persisted order into the indexes without emitting
// events; used during recovery.
func (m *Manager) RestoreOrder(o *core.Order) {
	cp := o.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, exists := m.byID[cp.ID]; exists {
		m.indexRemove(old)
	}
	m.byID[cp.ID] = cp
	m.indexAdd(cp)
}

func (m *Manager) persist(ctx context.Context, o *core.Order) error {
	if m.store == nil {
		return nil
	}
	return m.store.SaveOrder(ctx, o)
}

// indexAdd and indexRemove must run under the writer lock.

func (m *Manager) indexAdd(o *core.Order) {
	if m.bySymbol[o.Symbol] == nil {
		m.bySymbol[o.Symbol] = make(map[string]struct{})
	}
	m.bySymbol[o.Symbol][o.ID] = struct{}{}
	if m.byStatus[o.Status] == nil {
		m.byStatus[o.Status] = make(map[string]struct{})
	}
	m.byStatus[o.Status][o.ID] = struct{}{}
}

func (m *Manager) indexRemove(o *core.Order) {
	delete(m.bySymbol[o.Symbol], o.ID)
	delete(m.byStatus[o.Status], o.ID)
}

func (m *Manager) statusIndexMove(o *core.Order, to core.OrderStatus) {
	delete(m.byStatus[o.Status], o.ID)
	if m.byStatus[to] == nil {
		m.byStatus[to] = make(map[string]struct{})
	}
	m.byStatus[to][o.ID] = struct{}{}
}
