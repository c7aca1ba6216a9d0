package order

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"trading_core/internal/bus"
	"trading_core/internal/core"
	apperrors "trading_core/pkg/errors"
	"trading_core/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.DefaultOptions(), logging.NewNop())
	t.Cleanup(b.Close)
	return NewManager(b, nil, logging.NewNop()), b
}

func limitOrder(id string, side core.OrderSide, qty, price int64) *core.Order {
	now := time.Now()
	return &core.Order{
		ID:         id,
		Symbol:     "BTC/USDT",
		Exchange:   "mock",
		Side:       side,
		Type:       core.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(qty),
		Price:      decimal.NewFromInt(price),
		Status:     core.OrderStatusNew,
		Timestamp:  now,
		UpdateTime: now,
	}
}

func d(v string) decimal.Decimal {
	out, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return out
}

func TestManager_AddOrderRejectsDuplicates(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddOrder(ctx, limitOrder("1", core.OrderSideBuy, 1, 100)))
	err := m.AddOrder(ctx, limitOrder("1", core.OrderSideBuy, 1, 100))
	assert.ErrorIs(t, err, apperrors.ErrDuplicateOrder)
}

func TestManager_AddOrderRejectsOverExecution(t *testing.T) {
	m, _ := newTestManager(t)
	o := limitOrder("1", core.OrderSideBuy, 1, 100)
	o.ExecutedQty = decimal.NewFromInt(2)

	var iv *apperrors.InvariantViolation
	err := m.AddOrder(context.Background(), o)
	require.ErrorAs(t, err, &iv)
}

func TestManager_TerminalStatusAbsorbs(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddOrder(ctx, limitOrder("1", core.OrderSideBuy, 2, 100)))

	filled := core.OrderStatusFilled
	qty := decimal.NewFromInt(2)
	_, err := m.UpdateOrder(ctx, "1", Patch{
		Status:      &filled,
		ExecutedQty: &qty,
		UpdateTime:  time.Now(),
	})
	require.NoError(t, err)

	// A late cancellation must not dislodge the fill.
	cancelled := core.OrderStatusCanceled
	_, err = m.UpdateOrder(ctx, "1", Patch{Status: &cancelled, UpdateTime: time.Now()})
	assert.ErrorIs(t, err, ErrTerminalOrder)

	got, ok := m.GetOrder("1")
	require.True(t, ok)
	assert.Equal(t, core.OrderStatusFilled, got.Status)
}

func TestManager_StaleUpdateRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	o := limitOrder("1", core.OrderSideBuy, 2, 100)
	require.NoError(t, m.AddOrder(ctx, o))

	part := core.OrderStatusPartiallyFilled
	qty := decimal.NewFromInt(1)
	_, err := m.UpdateOrder(ctx, "1", Patch{
		Status:      &part,
		ExecutedQty: &qty,
		UpdateTime:  o.UpdateTime.Add(time.Second),
	})
	require.NoError(t, err)

	// An update stamped before the current one is a reordered delivery.
	_, err = m.UpdateOrder(ctx, "1", Patch{
		ExecutedQty: &qty,
		UpdateTime:  o.UpdateTime.Add(-time.Second),
	})
	assert.ErrorIs(t, err, ErrStaleUpdate)
}

func TestManager_FilledRequiresFullExecution(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddOrder(ctx, limitOrder("1", core.OrderSideBuy, 2, 100)))

	filled := core.OrderStatusFilled
	half := decimal.NewFromInt(1)
	var iv *apperrors.InvariantViolation
	_, err := m.UpdateOrder(ctx, "1", Patch{
		Status:      &filled,
		ExecutedQty: &half,
		UpdateTime:  time.Now(),
	})
	require.ErrorAs(t, err, &iv)

	over := decimal.NewFromInt(3)
	_, err = m.UpdateOrder(ctx, "1", Patch{ExecutedQty: &over, UpdateTime: time.Now()})
	require.ErrorAs(t, err, &iv)
}

func TestManager_StatusIndexFollowsTransitions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddOrder(ctx, limitOrder("1", core.OrderSideBuy, 1, 100)))
	require.NoError(t, m.AddOrder(ctx, limitOrder("2", core.OrderSideSell, 1, 110)))

	assert.Len(t, m.GetOpenOrders(), 2)
	assert.Len(t, m.GetOrdersByStatus(core.OrderStatusNew), 2)

	filled := core.OrderStatusFilled
	one := decimal.NewFromInt(1)
	_, err := m.UpdateOrder(ctx, "1", Patch{Status: &filled, ExecutedQty: &one, UpdateTime: time.Now()})
	require.NoError(t, err)

	assert.Len(t, m.GetOpenOrders(), 1)
	assert.Len(t, m.GetOrdersByStatus(core.OrderStatusNew), 1)
	assert.Len(t, m.GetOrdersByStatus(core.OrderStatusFilled), 1)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[core.OrderStatusFilled])
}

func TestManager_StatusEventEmittedOncePerTransition(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	var fills atomic.Int64
	b.Subscribe("counter", bus.HandlerFunc(func(evt bus.Event) {
		if evt.Kind == bus.EventOrderFilled {
			fills.Add(1)
		}
	}), bus.EventOrderFilled)

	require.NoError(t, m.AddOrder(ctx, limitOrder("1", core.OrderSideBuy, 1, 100)))

	filled := core.OrderStatusFilled
	one := decimal.NewFromInt(1)
	_, err := m.UpdateOrder(ctx, "1", Patch{Status: &filled, ExecutedQty: &one, UpdateTime: time.Now()})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for fills.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int64(1), fills.Load())
}

func TestManager_VWAPAndOpenQuantity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// 1 @ 100 fully filled.
	a := limitOrder("1", core.OrderSideBuy, 1, 100)
	a.Status = core.OrderStatusFilled
	a.ExecutedQty = decimal.NewFromInt(1)
	a.CumQuoteQty = decimal.NewFromInt(100)
	require.NoError(t, m.AddOrder(ctx, a))

	// 2 @ 110, half filled via AvgPrice.
	bo := limitOrder("2", core.OrderSideBuy, 2, 110)
	bo.Status = core.OrderStatusPartiallyFilled
	bo.ExecutedQty = decimal.NewFromInt(1)
	bo.AvgPrice = decimal.NewFromInt(110)
	require.NoError(t, m.AddOrder(ctx, bo))

	vwap, ok := m.VWAP("BTC/USDT", core.OrderSideBuy)
	require.True(t, ok)
	assert.True(t, vwap.Equal(d("105")), "got %s", vwap)

	open := m.OpenQuantity("BTC/USDT", core.OrderSideBuy)
	assert.True(t, open.Equal(decimal.NewFromInt(1)), "got %s", open)

	_, ok = m.VWAP("BTC/USDT", core.OrderSideSell)
	assert.False(t, ok)
}

func TestManager_NetExecutedMatchesSignedFills(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	buys := []int64{3, 2}
	sells := []int64{1}
	id := 0
	for _, q := range buys {
		id++
		o := limitOrder(string(rune('a'+id)), core.OrderSideBuy, q, 100)
		o.Status = core.OrderStatusFilled
		o.ExecutedQty = decimal.NewFromInt(q)
		require.NoError(t, m.AddOrder(ctx, o))
	}
	for _, q := range sells {
		id++
		o := limitOrder(string(rune('a'+id)), core.OrderSideSell, q, 100)
		o.Status = core.OrderStatusFilled
		o.ExecutedQty = decimal.NewFromInt(q)
		require.NoError(t, m.AddOrder(ctx, o))
	}

	net := m.NetExecuted("BTC/USDT")
	assert.True(t, net.Equal(decimal.NewFromInt(4)), "got %s", net)
}

func TestManager_CancelAllOrders(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddOrder(ctx, limitOrder("1", core.OrderSideBuy, 1, 100)))
	require.NoError(t, m.AddOrder(ctx, limitOrder("2", core.OrderSideSell, 1, 110)))

	done := limitOrder("3", core.OrderSideBuy, 1, 100)
	done.Status = core.OrderStatusFilled
	done.ExecutedQty = decimal.NewFromInt(1)
	require.NoError(t, m.AddOrder(ctx, done))

	other := limitOrder("4", core.OrderSideBuy, 1, 50)
	other.Symbol = "ETH/USDT"
	require.NoError(t, m.AddOrder(ctx, other))

	cancelled := m.CancelAllOrders(ctx, "BTC/USDT")
	assert.ElementsMatch(t, []string{"1", "2"}, cancelled)

	got, _ := m.GetOrder("3")
	assert.Equal(t, core.OrderStatusFilled, got.Status)
	got, _ = m.GetOrder("4")
	assert.Equal(t, core.OrderStatusNew, got.Status)

	// Empty symbol sweeps every venue.
	cancelled = m.CancelAllOrders(ctx, "")
	assert.Equal(t, []string{"4"}, cancelled)
}

func TestManager_RemoveOrderClearsGate(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddOrder(ctx, limitOrder("1", core.OrderSideBuy, 1, 100)))

	_, ok := b.LastKnownStatus("1")
	assert.True(t, ok)

	require.NoError(t, m.RemoveOrder(ctx, "1"))
	_, ok = b.LastKnownStatus("1")
	assert.False(t, ok)

	assert.ErrorIs(t, m.RemoveOrder(ctx, "1"), apperrors.ErrOrderNotFound)
}
