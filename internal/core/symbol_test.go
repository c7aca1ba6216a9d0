package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSymbol_Spot(t *testing.T) {
	sym, err := ParseSymbol("BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC", sym.Base)
	assert.Equal(t, "USDT", sym.Quote)
	assert.Empty(t, sym.Settle)
	assert.Equal(t, MarketTypeSpot, sym.MarketType())
	assert.False(t, sym.IsPerpetual())
	assert.Equal(t, "BTC/USDT", sym.String())
}

func TestParseSymbol_Perpetual(t *testing.T) {
	sym, err := ParseSymbol("eth/usdt:usdt")
	require.NoError(t, err)
	assert.Equal(t, "ETH", sym.Base)
	assert.Equal(t, "USDT", sym.Quote)
	assert.Equal(t, "USDT", sym.Settle)
	assert.Equal(t, MarketTypePerpetual, sym.MarketType())
	assert.Equal(t, "ETH/USDT:USDT", sym.String())
}

func TestParseSymbol_Invalid(t *testing.T) {
	for _, s := range []string{"", "BTCUSDT", "BTC/", "/USDT", "BTC/USDT:"} {
		_, err := ParseSymbol(s)
		assert.Error(t, err, "symbol %q should not parse", s)
	}
}

func TestSymbol_ExchangeSymbol(t *testing.T) {
	spot, err := ParseSymbol("BTC/USDT")
	require.NoError(t, err)
	perp, err := ParseSymbol("BTC/USDT:USDT")
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", spot.ExchangeSymbol("binance"))
	assert.Equal(t, "BTC-USDT", spot.ExchangeSymbol("okx"))
	assert.Equal(t, "BTC-USDT-SWAP", perp.ExchangeSymbol("okx"))
	assert.Equal(t, "BTC_USDT", spot.ExchangeSymbol("gate"))
	assert.Equal(t, "BTCUSDT", spot.ExchangeSymbol("unknown"))
}
