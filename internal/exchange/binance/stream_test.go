package binance

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trading_core/internal/core"
)

func TestStreamName(t *testing.T) {
	cases := []struct {
		name string
		key  core.MarketDataKey
		want string
	}{
		{"ticker", core.MarketDataKey{DataType: core.DataTypeTicker}, "btcusdt@ticker"},
		{"depth default levels", core.MarketDataKey{DataType: core.DataTypeOrderBook}, "btcusdt@depth20"},
		{"depth explicit levels", core.MarketDataKey{DataType: core.DataTypeOrderBook, Depth: 5}, "btcusdt@depth5"},
		{"trades", core.MarketDataKey{DataType: core.DataTypeTrades}, "btcusdt@trade"},
		{"klines", core.MarketDataKey{DataType: core.DataTypeKlines, Interval: "1m"}, "btcusdt@kline_1m"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := streamName("BTCUSDT", tc.key)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	_, err := streamName("BTCUSDT", core.MarketDataKey{DataType: core.DataTypeKlines})
	require.Error(t, err, "klines without an interval must be rejected")
}

func TestParseStreamEvent_Ticker(t *testing.T) {
	key := core.MarketDataKey{Exchange: name, Symbol: "BTC/USDT", DataType: core.DataTypeTicker}
	raw := []byte(`{"e":"24hrTicker","E":1700000000000,"c":"50000.5","b":"50000.1","a":"50000.9","h":"51000","l":"49000","v":"1234.5","q":"61725000","P":"2.15"}`)

	update, err := parseStreamEvent(key, raw)
	require.NoError(t, err)
	require.NotNil(t, update.Ticker)
	require.Equal(t, "BTC/USDT", update.Ticker.Symbol)
	require.True(t, update.Ticker.LastPrice.Equal(decimal.RequireFromString("50000.5")))
	require.True(t, update.Ticker.BidPrice.Equal(decimal.RequireFromString("50000.1")))
	require.True(t, update.Ticker.AskPrice.Equal(decimal.RequireFromString("50000.9")))
	require.Equal(t, int64(1700000000000), update.Timestamp.UnixMilli())
}

func TestParseStreamEvent_OrderBook(t *testing.T) {
	key := core.MarketDataKey{Exchange: name, Symbol: "BTC/USDT", DataType: core.DataTypeOrderBook}
	raw := []byte(`{"lastUpdateId":42,"bids":[["50000.1","0.5"],["49999.9","1.0"]],"asks":[["50000.9","0.25"]]}`)

	update, err := parseStreamEvent(key, raw)
	require.NoError(t, err)
	require.NotNil(t, update.OrderBook)
	require.Equal(t, int64(42), update.Sequence)
	require.Len(t, update.OrderBook.Bids, 2)
	require.Len(t, update.OrderBook.Asks, 1)
	require.True(t, update.OrderBook.Bids[0].Price.Equal(decimal.RequireFromString("50000.1")))
	require.True(t, update.OrderBook.Asks[0].Quantity.Equal(decimal.RequireFromString("0.25")))
}

func TestParseStreamEvent_Trade(t *testing.T) {
	key := core.MarketDataKey{Exchange: name, Symbol: "BTC/USDT", DataType: core.DataTypeTrades}
	raw := []byte(`{"e":"trade","t":987,"p":"50000.5","q":"0.01","T":1700000001000,"m":true}`)

	update, err := parseStreamEvent(key, raw)
	require.NoError(t, err)
	require.NotNil(t, update.Trade)
	require.Equal(t, "987", update.Trade.ID)
	require.Equal(t, core.OrderSideSell, update.Trade.Side, "buyer-maker trades are taker sells")
	require.True(t, update.Trade.Quantity.Equal(decimal.RequireFromString("0.01")))
	require.Equal(t, int64(987), update.Sequence)
}

func TestParseStreamEvent_Kline(t *testing.T) {
	key := core.MarketDataKey{Exchange: name, Symbol: "BTC/USDT", DataType: core.DataTypeKlines, Interval: "1m"}
	raw := []byte(`{"e":"kline","E":1700000060000,"k":{"t":1700000000000,"T":1700000059999,"i":"1m","o":"50000","c":"50100","h":"50200","l":"49900","v":"12.5","x":true}}`)

	update, err := parseStreamEvent(key, raw)
	require.NoError(t, err)
	require.NotNil(t, update.Kline)
	require.Equal(t, "1m", update.Kline.Interval)
	require.True(t, update.Kline.IsClosed)
	require.True(t, update.Kline.Close.Equal(decimal.RequireFromString("50100")))
	require.Equal(t, int64(1700000000000), update.Kline.OpenTime.UnixMilli())
}

func TestParseStreamEvent_Malformed(t *testing.T) {
	key := core.MarketDataKey{Exchange: name, Symbol: "BTC/USDT", DataType: core.DataTypeTicker}
	_, err := parseStreamEvent(key, []byte(`{not json`))
	require.Error(t, err)
}
