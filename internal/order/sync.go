package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trading_core/internal/core"
	"trading_core/pkg/concurrency"
	apperrors "trading_core/pkg/errors"
	"trading_core/pkg/telemetry"
)

const (
	defaultSyncInterval     = 5 * time.Second
	minSyncInterval         = 1 * time.Second
	defaultSyncBatchSize    = 5
	defaultSyncErrorRecords = 10
)

// SyncOptions tunes the reconciliation loop. Zero values select defaults.
type SyncOptions struct {
	// Interval between passes. Below one second it is clamped to one second;
	// zero selects the five second default.
	Interval time.Duration
	// BatchSize caps concurrent per-exchange order lookups.
	BatchSize int
	// MaxErrorRecords bounds the retained failure ring.
	MaxErrorRecords int
}

// SyncError is one recorded reconciliation failure.
type SyncError struct {
	OrderID   string
	Exchange  string
	Err       string
	Timestamp time.Time
}

// SyncStats are the cumulative reconciliation counters.
type SyncStats struct {
	Passes        int64
	OrdersChecked int64
	OrdersUpdated int64
	Errors        int64
}

// SyncService reconciles open orders against the exchanges on a fixed
// cadence. It is the safety net behind the order update stream: any status
// change the stream missed is picked up here, and the bus duplicate gate
// keeps the two paths from double-announcing.
type SyncService struct {
	manager    *Manager
	connectors map[string]core.ExchangeConnector
	pool       *concurrency.WorkerPool
	logger     core.ILogger

	opts SyncOptions

	mu          sync.Mutex
	stats       SyncStats
	errRing     *core.RingBuffer[SyncError]
	lastPass    time.Time
	running     bool
	stopCh      chan struct{}
	stoppedCh   chan struct{}
	onInvariant func(error)
}

// NewSyncService creates the reconciliation loop.
func NewSyncService(manager *Manager, connectors map[string]core.ExchangeConnector, opts SyncOptions, logger core.ILogger) *SyncService {
	if opts.Interval <= 0 {
		opts.Interval = defaultSyncInterval
	}
	if opts.Interval < minSyncInterval {
		opts.Interval = minSyncInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSyncBatchSize
	}
	if opts.MaxErrorRecords <= 0 {
		opts.MaxErrorRecords = defaultSyncErrorRecords
	}
	return &SyncService{
		manager:    manager,
		connectors: connectors,
		opts:       opts,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "order-sync",
			MaxWorkers: opts.BatchSize,
		}, logger),
		logger:  logger.WithField("component", "order_sync"),
		errRing: core.NewRingBuffer[SyncError](opts.MaxErrorRecords),
	}
}

// SetInvariantHandler installs the callback invoked when a reconciliation
// update breaks an order invariant. Must be set before Start.
func (s *SyncService) SetInvariantHandler(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvariant = fn
}

// Start launches the loop. It is a no-op when already running.
func (s *SyncService) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	s.logger.Info("Order sync started", "interval", s.opts.Interval.String())
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *SyncService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	stopped := s.stoppedCh
	s.mu.Unlock()

	<-stopped
	s.pool.Stop()
	s.logger.Info("Order sync stopped")
}

// Stats returns a copy of the counters.
func (s *SyncService) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RecentErrors returns the last recorded failures, oldest first.
func (s *SyncService) RecentErrors() []SyncError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errRing.Items()
}

// SyncNow runs a single reconciliation pass synchronously; used at startup
// recovery and by tests.
func (s *SyncService) SyncNow(ctx context.Context) {
	s.runPass(ctx)
}

func (s *SyncService) loop(ctx context.Context) {
	defer close(s.stoppedCh)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

// runPass checks every open order against its exchange, batched through the
// worker pool so at most BatchSize lookups are in flight.
func (s *SyncService) runPass(ctx context.Context) {
	open := s.manager.GetOpenOrders()

	s.mu.Lock()
	s.stats.Passes++
	s.stats.OrdersChecked += int64(len(open))
	s.lastPass = time.Now()
	s.mu.Unlock()

	if m := telemetry.GetGlobalMetrics(); m.Ready() {
		m.SyncPassesTotal.Add(ctx, 1)
	}

	if len(open) == 0 {
		return
	}

	group := s.pool.Group()
	for _, o := range open {
		o := o
		group.Submit(func() {
			s.syncOrder(ctx, o)
		})
	}
	group.Wait()
}

func (s *SyncService) syncOrder(ctx context.Context, local *core.Order) {
	conn, ok := s.connectors[local.Exchange]
	if !ok {
		s.recordError(local, fmt.Errorf("no connector for exchange %q", local.Exchange))
		return
	}
	// A disconnected venue would only produce noise; the next pass catches up.
	if !conn.IsConnected() {
		return
	}

	remote, err := conn.GetOrder(ctx, local.Symbol, local.ID, local.ClientOrderID)
	if err != nil {
		s.recordError(local, err)
		return
	}
	if remote == nil {
		s.recordError(local, apperrors.ErrOrderNotFound)
		return
	}

	if remote.Status == local.Status &&
		remote.ExecutedQty.Equal(local.ExecutedQty) &&
		remote.CumQuoteQty.Equal(local.CumQuoteQty) {
		return
	}

	patch := Patch{
		Status:      &remote.Status,
		ExecutedQty: &remote.ExecutedQty,
		CumQuoteQty: &remote.CumQuoteQty,
		AvgPrice:    &remote.AvgPrice,
		UpdateTime:  remote.UpdateTime,
	}
	if _, err := s.manager.UpdateOrder(ctx, local.ID, patch); err != nil {
		// A stream update can land between the fetch and the apply; stale
		// and terminal rejections are the invariants doing their job.
		if errors.Is(err, ErrStaleUpdate) || errors.Is(err, ErrTerminalOrder) {
			return
		}
		var iv *apperrors.InvariantViolation
		if errors.As(err, &iv) {
			s.mu.Lock()
			handler := s.onInvariant
			s.mu.Unlock()
			if handler != nil {
				handler(err)
			}
		}
		s.recordError(local, err)
		return
	}

	s.mu.Lock()
	s.stats.OrdersUpdated++
	s.mu.Unlock()
	if m := telemetry.GetGlobalMetrics(); m.Ready() {
		m.SyncOrdersUpdated.Add(ctx, 1)
	}

	s.logger.Info("Order reconciled",
		"order_id", local.ID, "from", string(local.Status), "to", string(remote.Status))
}

func (s *SyncService) recordError(o *core.Order, err error) {
	s.mu.Lock()
	s.stats.Errors++
	s.errRing.Push(SyncError{
		OrderID:   o.ID,
		Exchange:  o.Exchange,
		Err:       err.Error(),
		Timestamp: time.Now(),
	})
	s.mu.Unlock()

	s.logger.Warn("Order sync failed", "order_id", o.ID, "exchange", o.Exchange, "error", err)
}
