package store

import (
	"context"
	"testing"
	"time"

	"trading_core/internal/core"
	apperrors "trading_core/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_OrderIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	o := sampleOrder("1", "s1", core.OrderStatusNew)
	require.NoError(t, s.SaveOrder(ctx, o))

	// Mutating the caller's copy must not reach the stored one.
	o.Status = core.OrderStatusFilled
	got, err := s.GetOrder(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusNew, got.Status)

	got.Status = core.OrderStatusCanceled
	again, err := s.GetOrder(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusNew, again.Status)
}

func TestMemoryStore_MissingOrder(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetOrder(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestMemoryStore_ListOrdersSortedByUpdateTime(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	newer := sampleOrder("newer", "s1", core.OrderStatusNew)
	newer.UpdateTime = time.Now().Add(time.Minute)
	require.NoError(t, s.SaveOrder(ctx, newer))
	require.NoError(t, s.SaveOrder(ctx, sampleOrder("older", "s1", core.OrderStatusNew)))

	orders, err := s.ListOrders(ctx, core.OrderFilter{StrategyID: "s1"})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "older", orders[0].ID)
	assert.Equal(t, "newer", orders[1].ID)
}

func TestMemoryStore_StateCloneOnLoad(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	state := &core.StrategyState{
		StrategyID:    "s1",
		InternalState: map[string]string{"phase": "armed"},
	}
	require.NoError(t, s.SaveState(ctx, state))

	got, err := s.LoadState(ctx, "s1")
	require.NoError(t, err)
	got.InternalState["phase"] = "mutated"

	again, err := s.LoadState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "armed", again.InternalState["phase"])

	missing, err := s.LoadState(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStore_SnapshotsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendSnapshot(ctx, &core.AccountSnapshot{
			Exchange:           "mock",
			TotalPositionValue: decimal.NewFromInt(int64(i)),
			Timestamp:          base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.ListSnapshots(ctx, "mock", time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].TotalPositionValue.Equal(decimal.NewFromInt(2)))
	assert.True(t, got[1].TotalPositionValue.Equal(decimal.NewFromInt(1)))

	since, err := s.ListSnapshots(ctx, "mock", base.Add(2*time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, since, 1)
}
