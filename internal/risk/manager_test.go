package risk

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trading_core/internal/bus"
	"trading_core/internal/core"
	"trading_core/internal/order"
	"trading_core/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type riskFixture struct {
	manager *Manager
	orders  *order.Manager
	bus     *bus.Bus

	mu     sync.Mutex
	events []bus.RiskPayload
	stops  atomic.Int64
}

func newRiskFixture(t *testing.T, limits core.RiskLimits) *riskFixture {
	t.Helper()
	b := bus.New(bus.DefaultOptions(), logging.NewNop())
	t.Cleanup(b.Close)

	orders := order.NewManager(b, nil, logging.NewNop())
	fx := &riskFixture{orders: orders, bus: b}
	fx.manager = NewManager(limits, orders, b, logging.NewNop())
	fx.manager.SetEmergencyStop(func(reason string) { fx.stops.Add(1) })

	b.Subscribe("risk_sink", bus.HandlerFunc(func(evt bus.Event) {
		payload := evt.Payload.(bus.RiskPayload)
		fx.mu.Lock()
		fx.events = append(fx.events, payload)
		fx.mu.Unlock()
	}), bus.EventRiskLimitExceeded)
	return fx
}

func (fx *riskFixture) waitForEvents(t *testing.T, n int) []bus.RiskPayload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fx.mu.Lock()
		got := len(fx.events)
		fx.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	fx.mu.Lock()
	defer fx.mu.Unlock()
	out := make([]bus.RiskPayload, len(fx.events))
	copy(out, fx.events)
	return out
}

func buyRequest(symbol string, qty string) *core.OrderRequest {
	return &core.OrderRequest{
		Symbol:   symbol,
		Exchange: "mock",
		Side:     core.OrderSideBuy,
		Type:     core.OrderTypeLimit,
		Quantity: decimal.RequireFromString(qty),
		Price:    decimal.NewFromInt(100),
	}
}

func TestManager_OrderWithinLimitsPasses(t *testing.T) {
	fx := newRiskFixture(t, core.RiskLimits{MaxPositionSize: decimal.NewFromInt(5)})
	assert.NoError(t, fx.manager.CheckOrder(buyRequest("BTC/USDT", "3")))
}

func TestManager_PositionSizeBreachRejectsOrder(t *testing.T) {
	fx := newRiskFixture(t, core.RiskLimits{MaxPositionSize: decimal.NewFromInt(5)})

	err := fx.manager.CheckOrder(buyRequest("BTC/USDT", "6"))
	require.Error(t, err)

	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "max_position_size", v.Limit)
	assert.Equal(t, bus.RiskSeverityWarning, v.Severity)

	events := fx.waitForEvents(t, 1)
	require.Len(t, events, 1)
	assert.Equal(t, bus.RiskSeverityWarning, events[0].Severity)
	assert.Equal(t, int64(0), fx.stops.Load(), "a warning never escalates to emergency stop")
}

func TestManager_ProjectionIncludesExecutedTrail(t *testing.T) {
	fx := newRiskFixture(t, core.RiskLimits{MaxPositionSize: decimal.NewFromInt(5)})
	ctx := context.Background()

	filled := &core.Order{
		ID:          "1",
		Symbol:      "BTC/USDT",
		Exchange:    "mock",
		Side:        core.OrderSideBuy,
		Type:        core.OrderTypeLimit,
		Quantity:    decimal.NewFromInt(4),
		Price:       decimal.NewFromInt(100),
		Status:      core.OrderStatusFilled,
		ExecutedQty: decimal.NewFromInt(4),
		Timestamp:   time.Now(),
		UpdateTime:  time.Now(),
	}
	require.NoError(t, fx.orders.AddOrder(ctx, filled))

	// 4 held + 2 requested breaches the limit of 5.
	assert.Error(t, fx.manager.CheckOrder(buyRequest("BTC/USDT", "2")))
	assert.NoError(t, fx.manager.CheckOrder(buyRequest("BTC/USDT", "1")))
}

func TestManager_VenuePositionsOverrideTrail(t *testing.T) {
	fx := newRiskFixture(t, core.RiskLimits{MaxPositionSize: decimal.NewFromInt(5)})

	fx.manager.onPositions([]core.Position{
		{Symbol: "BTC/USDT", Side: core.PositionSideLong, Quantity: decimal.NewFromInt(5)},
	})

	assert.Error(t, fx.manager.CheckOrder(buyRequest("BTC/USDT", "1")))
}

func TestManager_MaxOpenPositionsOnlyBlocksNewSymbols(t *testing.T) {
	fx := newRiskFixture(t, core.RiskLimits{MaxOpenPositions: 1})

	fx.manager.onPositions([]core.Position{
		{Symbol: "ETH/USDT", Side: core.PositionSideLong, Quantity: decimal.NewFromInt(1)},
	})

	err := fx.manager.CheckOrder(buyRequest("BTC/USDT", "1"))
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "max_open_positions", v.Limit)

	// Growing an already-open position is not a new position.
	assert.NoError(t, fx.manager.CheckOrder(buyRequest("ETH/USDT", "1")))
}

func TestManager_LeverageBreachWarns(t *testing.T) {
	fx := newRiskFixture(t, core.RiskLimits{MaxLeverage: 10})

	fx.manager.onPositions([]core.Position{
		{Symbol: "BTC/USDT", Side: core.PositionSideLong, Quantity: decimal.NewFromInt(1), Leverage: 20},
	})

	events := fx.waitForEvents(t, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "max_leverage", events[0].Type)
	assert.Equal(t, bus.RiskSeverityWarning, events[0].Severity)
	assert.Equal(t, int64(0), fx.stops.Load())
}

func TestManager_DailyLossTripsEmergencyStopOnce(t *testing.T) {
	fx := newRiskFixture(t, core.RiskLimits{MaxDailyLoss: decimal.NewFromInt(100)})

	fx.manager.onBalances([]core.Balance{{Asset: "USDT", Free: decimal.NewFromInt(1000)}})
	assert.Equal(t, int64(0), fx.stops.Load())

	fx.manager.onBalances([]core.Balance{{Asset: "USDT", Free: decimal.NewFromInt(850)}})
	assert.Equal(t, int64(1), fx.stops.Load())

	events := fx.waitForEvents(t, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "max_daily_loss", events[0].Type)
	assert.Equal(t, bus.RiskSeverityCritical, events[0].Severity)

	// The latch holds: further drops never re-fire the stop.
	fx.manager.onBalances([]core.Balance{{Asset: "USDT", Free: decimal.NewFromInt(500)}})
	assert.Equal(t, int64(1), fx.stops.Load())
}

func TestManager_DrawdownTripsEmergencyStop(t *testing.T) {
	fx := newRiskFixture(t, core.RiskLimits{MaxDrawdown: decimal.RequireFromString("0.1")})

	fx.manager.onBalances([]core.Balance{{Asset: "USDT", Free: decimal.NewFromInt(1000)}})
	// 5% down from peak: inside the limit.
	fx.manager.onBalances([]core.Balance{{Asset: "USDT", Free: decimal.NewFromInt(950)}})
	assert.Equal(t, int64(0), fx.stops.Load())

	// 15% down from the running peak of 1000.
	fx.manager.onBalances([]core.Balance{{Asset: "USDT", Free: decimal.NewFromInt(850)}})
	assert.Equal(t, int64(1), fx.stops.Load())

	events := fx.waitForEvents(t, 1)
	last := events[len(events)-1]
	assert.Equal(t, "max_drawdown", last.Type)
	assert.Equal(t, bus.RiskSeverityCritical, last.Severity)
}

func TestManager_BalanceEventsArriveOverTheBus(t *testing.T) {
	fx := newRiskFixture(t, core.RiskLimits{MaxDailyLoss: decimal.NewFromInt(100)})

	fx.bus.Publish(bus.EventBalanceUpdate, bus.BalancePayload{
		Exchange: "mock",
		Balances: []core.Balance{{Asset: "USDT", Free: decimal.NewFromInt(1000)}},
	})
	fx.bus.Publish(bus.EventBalanceUpdate, bus.BalancePayload{
		Exchange: "mock",
		Balances: []core.Balance{{Asset: "USDT", Free: decimal.NewFromInt(800)}},
	})

	deadline := time.Now().Add(2 * time.Second)
	for fx.stops.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int64(1), fx.stops.Load())
}
