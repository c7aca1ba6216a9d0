// Package account implements the periodic balance and position snapshot
// service.
package account

import (
	"context"
	"sync"
	"time"

	"trading_core/internal/bus"
	"trading_core/internal/core"
	"trading_core/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const defaultPollInterval = 30 * time.Second

// Poller fetches balances and positions for every exchange on a fixed
// cadence, publishes the update pair, and appends a snapshot for analytics.
// A failed cycle is skipped, never queued, so a venue outage cannot pile up
// work behind itself.
type Poller struct {
	interval   time.Duration
	connectors map[string]core.ExchangeConnector
	eventBus   *bus.Bus
	store      core.SnapshotStore // optional
	logger     core.ILogger

	mu        sync.Mutex
	last      map[string]*core.AccountSnapshot
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewPoller creates the account polling service. store may be nil.
func NewPoller(interval time.Duration, connectors map[string]core.ExchangeConnector, eventBus *bus.Bus, store core.SnapshotStore, logger core.ILogger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{
		interval:   interval,
		connectors: connectors,
		eventBus:   eventBus,
		store:      store,
		logger:     logger.WithField("component", "account_poller"),
		last:       make(map[string]*core.AccountSnapshot),
	}
}

// Start launches the polling loop and takes one immediate snapshot pass.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stoppedCh = make(chan struct{})
	p.mu.Unlock()

	go p.loop(ctx)
	p.logger.Info("Account polling started", "interval", p.interval.String())
}

// Stop halts the loop and waits for an in-flight pass.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	stopped := p.stoppedCh
	p.mu.Unlock()

	<-stopped
	p.logger.Info("Account polling stopped")
}

// LastSnapshot returns the most recent snapshot captured for an exchange.
func (p *Poller) LastSnapshot(exchange string) (*core.AccountSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.last[exchange]
	return snap, ok
}

// PollOnce runs a single snapshot pass over all exchanges.
func (p *Poller) PollOnce(ctx context.Context) {
	for name, conn := range p.connectors {
		if !conn.IsConnected() {
			continue
		}
		if err := p.pollExchange(ctx, name, conn); err != nil {
			p.logger.Warn("Account poll failed", "exchange", name, "error", err)
		}
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.stoppedCh)

	p.PollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

func (p *Poller) pollExchange(ctx context.Context, name string, conn core.ExchangeConnector) error {
	balances, err := conn.GetBalances(ctx)
	if err != nil {
		return err
	}
	positions, err := conn.GetPositions(ctx)
	if err != nil {
		return err
	}

	snap := BuildSnapshot(name, balances, positions, time.Now())

	p.mu.Lock()
	p.last[name] = snap
	p.mu.Unlock()

	p.eventBus.Publish(bus.EventBalanceUpdate, bus.BalancePayload{
		Exchange: name,
		Balances: balances,
	})
	p.eventBus.Publish(bus.EventPositionUpdate, bus.PositionPayload{
		Exchange:  name,
		Positions: snap.Positions,
	})

	if m := telemetry.GetGlobalMetrics(); m.Ready() {
		equity, _ := snap.TotalPositionValue.Float64()
		m.SetAccountEquity(name, equity)
	}

	if p.store != nil {
		if err := p.store.AppendSnapshot(ctx, snap); err != nil {
			p.logger.Warn("Snapshot persistence failed", "exchange", name, "error", err)
		}
	}
	return nil
}

// BuildSnapshot composes an AccountSnapshot and derives the aggregates:
// total position value as the sum of |quantity| times mark price, and
// unrealized PnL from the venue-reported field or, when the venue omits it,
// from (markPrice - avgPrice) times signed quantity.
func BuildSnapshot(exchange string, balances []core.Balance, positions []core.Position, ts time.Time) *core.AccountSnapshot {
	totalValue := decimal.Zero
	totalPnL := decimal.Zero

	derived := make([]core.Position, len(positions))
	for i, pos := range positions {
		totalValue = totalValue.Add(pos.Quantity.Abs().Mul(pos.MarkPrice))
		if pos.UnrealizedPnL.IsZero() && !pos.MarkPrice.IsZero() && !pos.AvgPrice.IsZero() {
			pos.UnrealizedPnL = pos.MarkPrice.Sub(pos.AvgPrice).Mul(pos.SignedQuantity())
		}
		totalPnL = totalPnL.Add(pos.UnrealizedPnL)
		derived[i] = pos
	}

	return &core.AccountSnapshot{
		Exchange:           exchange,
		Balances:           balances,
		Positions:          derived,
		TotalPositionValue: totalValue,
		UnrealizedPnL:      totalPnL,
		Timestamp:          ts,
	}
}
