package subscription

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"trading_core/internal/bus"
	"trading_core/internal/core"
	"trading_core/internal/exchange/mock"
	"trading_core/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T, opts Options) (*Manager, *mock.Exchange, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.DefaultOptions(), logging.NewNop())
	t.Cleanup(b.Close)
	ex := mock.NewExchange("mock")
	require.NoError(t, ex.Connect(t.Context()))
	m := NewManager(opts, map[string]core.ExchangeConnector{"mock": ex}, b, logging.NewNop())
	t.Cleanup(m.Close)
	return m, ex, b
}

func tickerReq() []core.DataRequirement {
	return []core.DataRequirement{{DataType: core.DataTypeTicker}}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}

func TestManager_SharedFeedRefcounting(t *testing.T) {
	m, _, _ := newFixture(t, Options{})
	key := Key("mock", "BTC/USDT", core.DataRequirement{DataType: core.DataTypeTicker})

	// Two strategies asking for the same key share one upstream feed.
	require.NoError(t, m.Subscribe("s1", "mock", "BTC/USDT", tickerReq()))
	require.NoError(t, m.Subscribe("s2", "mock", "BTC/USDT", tickerReq()))

	assert.Equal(t, 1, m.ActiveFeeds())
	assert.Equal(t, 2, m.Refs(key))

	m.Unsubscribe("s1")
	assert.Equal(t, 1, m.ActiveFeeds())
	assert.Equal(t, 1, m.Refs(key))

	m.Unsubscribe("s2")
	assert.Equal(t, 0, m.ActiveFeeds())
	assert.Equal(t, 0, m.Refs(key))
}

func TestManager_DistinctKeysGetDistinctFeeds(t *testing.T) {
	m, _, _ := newFixture(t, Options{})

	reqs := []core.DataRequirement{
		{DataType: core.DataTypeTicker},
		{DataType: core.DataTypeKlines, Interval: "1m"},
		{DataType: core.DataTypeKlines, Interval: "5m"},
	}
	require.NoError(t, m.Subscribe("s1", "mock", "BTC/USDT", reqs))
	assert.Equal(t, 3, m.ActiveFeeds())

	m.Unsubscribe("s1")
	assert.Equal(t, 0, m.ActiveFeeds())
}

func TestManager_UnknownExchangeRejected(t *testing.T) {
	m, _, _ := newFixture(t, Options{})
	err := m.Subscribe("s1", "nope", "BTC/USDT", tickerReq())
	assert.Error(t, err)
}

func TestManager_WebsocketMethodRequiresStreaming(t *testing.T) {
	m, ex, _ := newFixture(t, Options{})
	ex.SetStreaming(core.DataTypeTicker, false)

	err := m.Subscribe("s1", "mock", "BTC/USDT", []core.DataRequirement{
		{DataType: core.DataTypeTicker, Method: "websocket"},
	})
	assert.Error(t, err)
	assert.Equal(t, 0, m.ActiveFeeds())
}

func TestManager_PartialSubscribeRollsBack(t *testing.T) {
	m, ex, _ := newFixture(t, Options{})
	ex.SetStreaming(core.DataTypeTrades, false)

	err := m.Subscribe("s1", "mock", "BTC/USDT", []core.DataRequirement{
		{DataType: core.DataTypeTicker},
		{DataType: core.DataTypeTrades, Method: "websocket"},
	})
	require.Error(t, err)
	// The ticker feed acquired before the failure must be released.
	assert.Equal(t, 0, m.ActiveFeeds())
}

func TestManager_StreamUpdatesReachTheBus(t *testing.T) {
	m, ex, b := newFixture(t, Options{})

	var got atomic.Int64
	b.Subscribe("sink", bus.HandlerFunc(func(evt bus.Event) {
		payload := evt.Payload.(bus.MarketDataPayload)
		if payload.Symbol == "BTC/USDT" && payload.Update.Ticker != nil {
			got.Add(1)
		}
	}), bus.EventTickerUpdate)

	require.NoError(t, m.Subscribe("s1", "mock", "BTC/USDT", tickerReq()))

	key := Key("mock", "BTC/USDT", core.DataRequirement{DataType: core.DataTypeTicker})
	ex.PushMarketUpdate(core.MarketUpdate{
		Key:       key,
		Ticker:    &core.Ticker{Symbol: "BTC/USDT", Exchange: "mock", LastPrice: decimal.NewFromInt(100)},
		Timestamp: time.Now(),
	})

	waitFor(t, func() bool { return got.Load() == 1 }, "ticker forwarded")
}

func TestManager_DuplicateUpdatesDropped(t *testing.T) {
	m, ex, b := newFixture(t, Options{})

	var got atomic.Int64
	b.Subscribe("sink", bus.HandlerFunc(func(evt bus.Event) {
		got.Add(1)
	}), bus.EventTradeUpdate)

	require.NoError(t, m.Subscribe("s1", "mock", "BTC/USDT", []core.DataRequirement{
		{DataType: core.DataTypeTrades},
	}))

	key := Key("mock", "BTC/USDT", core.DataRequirement{DataType: core.DataTypeTrades})
	ts := time.Now()
	update := core.MarketUpdate{
		Key:       key,
		Trade:     &core.Trade{Symbol: "BTC/USDT", Price: decimal.NewFromInt(100)},
		Sequence:  7,
		Timestamp: ts,
	}

	// Same (timestamp, sequence) delivered twice, e.g. around a reconnect.
	ex.PushMarketUpdate(update)
	ex.PushMarketUpdate(update)

	next := update
	next.Sequence = 8
	ex.PushMarketUpdate(next)

	waitFor(t, func() bool { return got.Load() == 2 }, "duplicate suppressed")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(2), got.Load())
}

func TestManager_RESTFallbackPolls(t *testing.T) {
	m, ex, b := newFixture(t, Options{
		PollIntervals: map[core.MarketDataType]time.Duration{
			core.DataTypeTicker: 10 * time.Millisecond,
		},
	})
	ex.SetStreaming(core.DataTypeTicker, false)
	ex.SetTicker(&core.Ticker{
		Symbol:    "BTC/USDT",
		Exchange:  "mock",
		LastPrice: decimal.NewFromInt(100),
		Timestamp: time.Now(),
	})

	var got atomic.Int64
	b.Subscribe("sink", bus.HandlerFunc(func(evt bus.Event) {
		got.Add(1)
	}), bus.EventTickerUpdate)

	require.NoError(t, m.Subscribe("s1", "mock", "BTC/USDT", tickerReq()))

	waitFor(t, func() bool { return ex.FetchCalls() >= 2 }, "poll loop running")
	// Identical snapshots are deduplicated; at least the first goes out.
	waitFor(t, func() bool { return got.Load() >= 1 }, "polled ticker forwarded")
}

func TestManager_ExchangeErrorAfterConsecutiveFailures(t *testing.T) {
	m, ex, b := newFixture(t, Options{
		PollIntervals: map[core.MarketDataType]time.Duration{
			core.DataTypeTicker: time.Millisecond,
		},
		FailureThreshold: 3,
	})
	ex.SetStreaming(core.DataTypeTicker, false)
	// No seeded ticker: every fetch fails with an invalid symbol.

	var errEvents atomic.Int64
	b.Subscribe("sink", bus.HandlerFunc(func(evt bus.Event) {
		errEvents.Add(1)
	}), bus.EventExchangeError)

	require.NoError(t, m.Subscribe("s1", "mock", "BTC/USDT", tickerReq()))

	waitFor(t, func() bool { return errEvents.Load() == 1 }, "exchange_error published at threshold")
}

func TestManager_PersistentOutageReannounced(t *testing.T) {
	m, _, b := newFixture(t, Options{FailureThreshold: 5})

	var errEvents atomic.Int64
	b.Subscribe("sink", bus.HandlerFunc(func(evt bus.Event) {
		errEvents.Add(1)
	}), bus.EventExchangeError)

	// A streak running past the threshold announces again at every multiple,
	// so an outage that never heals keeps showing up.
	f := &feed{key: core.MarketDataKey{Exchange: "mock", Symbol: "BTC/USDT", DataType: core.DataTypeTicker}}
	outage := errors.New("fetch failed")
	for failures := 1; failures <= 10; failures++ {
		m.noteFailure(f, failures, outage)
	}

	waitFor(t, func() bool { return errEvents.Load() == 2 }, "announced at 5 and 10")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(2), errEvents.Load())
}
