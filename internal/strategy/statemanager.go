// Package strategy hosts the strategy runtime, the state manager, and the
// bundled strategies.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trading_core/internal/core"
	"trading_core/internal/order"
	apperrors "trading_core/pkg/errors"

	"github.com/shopspring/decimal"
)

const (
	defaultCacheTTL         = 5 * time.Minute
	defaultAutosaveInterval = 30 * time.Second
	defaultMaxRecoveryTime  = 60 * time.Second
	openOrderWarnThreshold  = 10
)

// SnapshotProvider produces the current snapshot of one strategy. The
// runtime registers each strategy's SaveState here so the autosave loop can
// reach it.
type SnapshotProvider func() (*core.StrategyState, error)

// StateManagerOptions tunes the state manager. Zero values select defaults.
type StateManagerOptions struct {
	CacheTTL         time.Duration
	AutosaveInterval time.Duration
	MaxRecoveryTime  time.Duration
}

type cacheEntry struct {
	state   *core.StrategyState
	savedAt time.Time
}

// StateManager persists and restores strategy snapshots. It keeps a
// write-through cache in front of the durable store and reconciles local
// order history with exchange truth during startup recovery.
type StateManager struct {
	opts       StateManagerOptions
	store      core.StrategyStateStore
	orderStore core.OrderStore // optional
	orders     *order.Manager
	connectors map[string]core.ExchangeConnector
	logger     core.ILogger

	mu        sync.Mutex
	cache     map[string]cacheEntry
	providers map[string]SnapshotProvider
	// Per-strategy recovery locks. A second recovery for the same id is
	// rejected, never queued.
	recovering map[string]bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
}

// NewStateManager creates a state manager over the given stores. orderStore
// may be nil for purely in-memory operation; recovery then reconciles only
// the orders the manager already tracks.
func NewStateManager(opts StateManagerOptions, store core.StrategyStateStore, orderStore core.OrderStore, orders *order.Manager, connectors map[string]core.ExchangeConnector, logger core.ILogger) *StateManager {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.AutosaveInterval <= 0 {
		opts.AutosaveInterval = defaultAutosaveInterval
	}
	if opts.MaxRecoveryTime <= 0 {
		opts.MaxRecoveryTime = defaultMaxRecoveryTime
	}
	return &StateManager{
		opts:       opts,
		store:      store,
		orderStore: orderStore,
		orders:     orders,
		connectors: connectors,
		logger:     logger.WithField("component", "state_manager"),
		cache:      make(map[string]cacheEntry),
		providers:  make(map[string]SnapshotProvider),
		recovering: make(map[string]bool),
	}
}

// Register adds a strategy to the autosave loop.
func (sm *StateManager) Register(strategyID string, provider SnapshotProvider) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.providers[strategyID] = provider
}

// Unregister removes a strategy from the autosave loop and drops its cache
// entry.
func (sm *StateManager) Unregister(strategyID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.providers, strategyID)
	delete(sm.cache, strategyID)
}

// SaveState writes a snapshot through the cache to the durable store.
// Snapshots are immutable once taken, so the cached copy is a clone.
func (sm *StateManager) SaveState(ctx context.Context, state *core.StrategyState) error {
	if state == nil || state.StrategyID == "" {
		return &apperrors.StateError{Message: "snapshot without strategy id"}
	}
	cp := state.Clone()
	if cp.LastUpdateTime.IsZero() {
		cp.LastUpdateTime = time.Now()
	}

	if err := sm.store.SaveState(ctx, cp); err != nil {
		return &apperrors.StateError{StrategyID: cp.StrategyID, Message: "save failed", Err: err}
	}

	sm.mu.Lock()
	sm.cache[cp.StrategyID] = cacheEntry{state: cp, savedAt: time.Now()}
	sm.mu.Unlock()
	return nil
}

// GetState returns the snapshot for a strategy, serving from cache while the
// entry is younger than the TTL. A nil snapshot with nil error means the
// strategy has never been saved.
func (sm *StateManager) GetState(ctx context.Context, strategyID string) (*core.StrategyState, error) {
	sm.mu.Lock()
	entry, ok := sm.cache[strategyID]
	sm.mu.Unlock()

	if ok && time.Since(entry.savedAt) < sm.opts.CacheTTL {
		return entry.state.Clone(), nil
	}

	state, err := sm.store.LoadState(ctx, strategyID)
	if err != nil {
		return nil, &apperrors.StateError{StrategyID: strategyID, Message: "load failed", Err: err}
	}
	if state != nil {
		sm.mu.Lock()
		sm.cache[strategyID] = cacheEntry{state: state.Clone(), savedAt: time.Now()}
		sm.mu.Unlock()
	}
	return state, nil
}

// DeleteState removes a strategy's snapshot from cache and store.
func (sm *StateManager) DeleteState(ctx context.Context, strategyID string) error {
	sm.mu.Lock()
	delete(sm.cache, strategyID)
	sm.mu.Unlock()
	return sm.store.DeleteState(ctx, strategyID)
}

// StartAutosave launches the periodic snapshot loop.
func (sm *StateManager) StartAutosave(ctx context.Context) {
	sm.mu.Lock()
	if sm.running {
		sm.mu.Unlock()
		return
	}
	sm.running = true
	sm.stopCh = make(chan struct{})
	sm.stoppedCh = make(chan struct{})
	sm.mu.Unlock()

	go sm.autosaveLoop(ctx)
	sm.logger.Info("Autosave started", "interval", sm.opts.AutosaveInterval.String())
}

// StopAutosave halts the loop and performs one final save pass bounded by
// the given timeout.
func (sm *StateManager) StopAutosave(finalTimeout time.Duration) {
	sm.mu.Lock()
	if !sm.running {
		sm.mu.Unlock()
		return
	}
	sm.running = false
	close(sm.stopCh)
	stopped := sm.stoppedCh
	sm.mu.Unlock()

	<-stopped

	ctx, cancel := context.WithTimeout(context.Background(), finalTimeout)
	defer cancel()
	sm.SaveAll(ctx)
	sm.logger.Info("Autosave stopped")
}

// SaveAll snapshots every registered strategy once.
func (sm *StateManager) SaveAll(ctx context.Context) {
	sm.mu.Lock()
	providers := make(map[string]SnapshotProvider, len(sm.providers))
	for id, p := range sm.providers {
		providers[id] = p
	}
	sm.mu.Unlock()

	for id, provider := range providers {
		state, err := provider()
		if err != nil {
			sm.logger.Warn("Snapshot failed", "strategy_id", id, "error", err)
			continue
		}
		if state == nil {
			continue
		}
		state.StrategyID = id
		if err := sm.SaveState(ctx, state); err != nil {
			sm.logger.Warn("Autosave failed", "strategy_id", id, "error", err)
		}
	}
}

func (sm *StateManager) autosaveLoop(ctx context.Context) {
	defer close(sm.stoppedCh)

	ticker := time.NewTicker(sm.opts.AutosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sm.stopCh:
			return
		case <-ticker.C:
			sm.SaveAll(ctx)
		}
	}
}

// RecoverStrategyState rebuilds a strategy's resumable context after a
// restart: load the last snapshot, reconcile non-terminal local orders with
// the exchange, and recompute the position from the reconciled order trail.
// Per-order reconciliation failures are recorded as warnings and never abort
// recovery. A second concurrent call for the same id is rejected.
func (sm *StateManager) RecoverStrategyState(ctx context.Context, cfg core.StrategyConfig) (*core.StrategyRecoveryResult, error) {
	sm.mu.Lock()
	if sm.recovering[cfg.ID] {
		sm.mu.Unlock()
		return nil, fmt.Errorf("strategy %s: %w", cfg.ID, apperrors.ErrRecoveryInProgress)
	}
	sm.recovering[cfg.ID] = true
	sm.mu.Unlock()

	defer func() {
		sm.mu.Lock()
		delete(sm.recovering, cfg.ID)
		sm.mu.Unlock()
	}()

	started := time.Now()
	deadline := started.Add(sm.opts.MaxRecoveryTime)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result := &core.StrategyRecoveryResult{StrategyID: cfg.ID}

	state, err := sm.GetState(ctx, cfg.ID)
	switch {
	case err != nil:
		result.Issues = append(result.Issues, core.RecoveryIssue{
			Severity: core.IssueWarning,
			Message:  fmt.Sprintf("snapshot load failed: %v", err),
		})
	case state == nil:
		result.Issues = append(result.Issues, core.RecoveryIssue{
			Severity: core.IssueWarning,
			Message:  "no snapshot found, starting from empty state",
		})
	default:
		result.State = state
		result.Issues = append(result.Issues, core.RecoveryIssue{
			Severity: core.IssueInfo,
			Message:  fmt.Sprintf("recovered snapshot from %s", state.LastUpdateTime.Format(time.RFC3339)),
		})
	}

	// After a restart the in-memory order set is empty; reload the persisted
	// trail so reconciliation and the position replay see it.
	if sm.orderStore != nil {
		persisted, perr := sm.orderStore.ListOrders(ctx, core.OrderFilter{StrategyID: cfg.ID})
		if perr != nil {
			result.Issues = append(result.Issues, core.RecoveryIssue{
				Severity: core.IssueWarning,
				Message:  fmt.Sprintf("persisted order load failed: %v", perr),
			})
		} else {
			for _, o := range persisted {
				if _, ok := sm.orders.GetOrder(o.ID); !ok {
					sm.orders.RestoreOrder(o)
				}
			}
		}
	}

	localOrders := sm.orders.GetOrdersByStrategy(cfg.ID)
	reconciled := make([]*core.Order, 0, len(localOrders))
	for _, o := range localOrders {
		if o.Status.IsTerminal() {
			reconciled = append(reconciled, o)
			continue
		}
		remote, rerr := sm.fetchRemote(ctx, o)
		if rerr != nil {
			result.Issues = append(result.Issues, core.RecoveryIssue{
				Severity: core.IssueWarning,
				Message:  fmt.Sprintf("exchange lookup failed: %v", rerr),
				OrderID:  o.ID,
			})
			reconciled = append(reconciled, o)
			continue
		}
		// Exchange truth overwrites the local copy.
		sm.orders.RestoreOrder(remote)
		reconciled = append(reconciled, remote)
		if remote.Status.IsOpen() {
			result.OpenOrders = append(result.OpenOrders, remote)
		}
	}

	result.TotalPosition, result.AveragePrice = RecomputePosition(reconciled)

	if cfg.LongOnly && result.TotalPosition.IsNegative() {
		result.Issues = append(result.Issues, core.RecoveryIssue{
			Severity: core.IssueWarning,
			Message:  fmt.Sprintf("long-only strategy recovered negative position %s", result.TotalPosition),
		})
	}
	if len(result.OpenOrders) > openOrderWarnThreshold {
		result.Issues = append(result.Issues, core.RecoveryIssue{
			Severity: core.IssueWarning,
			Message:  fmt.Sprintf("%d open orders recovered", len(result.OpenOrders)),
		})
	}

	result.RecoveryTime = time.Since(started)
	if result.RecoveryTime > sm.opts.MaxRecoveryTime {
		result.Issues = append(result.Issues, core.RecoveryIssue{
			Severity: core.IssueError,
			Message:  fmt.Sprintf("recovery exceeded budget of %s", sm.opts.MaxRecoveryTime),
		})
	}

	sm.logger.Info("Strategy recovered",
		"strategy_id", cfg.ID,
		"position", result.TotalPosition.String(),
		"avg_price", result.AveragePrice.String(),
		"open_orders", len(result.OpenOrders),
		"issues", len(result.Issues),
		"elapsed", result.RecoveryTime.String())

	return result, nil
}

func (sm *StateManager) fetchRemote(ctx context.Context, o *core.Order) (*core.Order, error) {
	conn, ok := sm.connectors[o.Exchange]
	if !ok {
		return nil, fmt.Errorf("no connector for exchange %q", o.Exchange)
	}
	if !conn.IsConnected() {
		return nil, apperrors.ErrNotConnected
	}
	return conn.GetOrder(ctx, o.Symbol, o.ID, o.ClientOrderID)
}

// RecomputePosition replays an order trail in UpdateTime order and returns
// the net position with its running weighted-average entry price. Buys add
// signed quantity, sells subtract; increasing exposure reweights the average,
// reducing it leaves the average untouched, and crossing through zero
// restarts the average at the crossing order's fill price.
func RecomputePosition(orders []*core.Order) (decimal.Decimal, decimal.Decimal) {
	trail := make([]*core.Order, 0, len(orders))
	for _, o := range orders {
		if !o.ExecutedQty.IsZero() {
			trail = append(trail, o)
		}
	}
	sort.Slice(trail, func(i, j int) bool {
		return trail[i].UpdateTime.Before(trail[j].UpdateTime)
	})

	position := decimal.Zero
	avgPrice := decimal.Zero

	for _, o := range trail {
		qty := o.SignedExecutedQty()
		price := o.AvgPrice
		if price.IsZero() && !o.ExecutedQty.IsZero() && !o.CumQuoteQty.IsZero() {
			price = o.CumQuoteQty.Div(o.ExecutedQty)
		}

		next := position.Add(qty)
		switch {
		case position.IsZero():
			avgPrice = price
		case position.Sign() == qty.Sign():
			// Adding exposure on the same side.
			notional := position.Abs().Mul(avgPrice).Add(qty.Abs().Mul(price))
			avgPrice = notional.Div(next.Abs())
		case next.IsZero():
			avgPrice = decimal.Zero
		case next.Sign() != position.Sign():
			// Crossed through zero; the remainder opens at this price.
			avgPrice = price
		}
		position = next
	}

	if position.IsZero() {
		avgPrice = decimal.Zero
	}
	return position, avgPrice
}
