package core

import (
	"fmt"
	"strings"
)

// MarketType classifies the market a symbol trades on. It is derived from the
// symbol suffix and nothing else.
type MarketType string

const (
	MarketTypeSpot      MarketType = "spot"
	MarketTypePerpetual MarketType = "perpetual"
)

// Symbol is the parsed form of the canonical internal symbol notation
// BASE/QUOTE[:SETTLE]. Presence of the settle suffix marks a perpetual.
type Symbol struct {
	Base   string
	Quote  string
	Settle string
}

// ParseSymbol parses the canonical notation, e.g. "BTC/USDT" or
// "BTC/USDT:USDT".
func ParseSymbol(s string) (Symbol, error) {
	var sym Symbol
	rest := s
	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		sym.Settle = rest[idx+1:]
		rest = rest[:idx]
		if sym.Settle == "" {
			return Symbol{}, fmt.Errorf("invalid symbol %q: empty settle suffix", s)
		}
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Symbol{}, fmt.Errorf("invalid symbol %q: want BASE/QUOTE[:SETTLE]", s)
	}
	sym.Base = strings.ToUpper(parts[0])
	sym.Quote = strings.ToUpper(parts[1])
	sym.Settle = strings.ToUpper(sym.Settle)
	return sym, nil
}

// String renders the canonical notation.
func (s Symbol) String() string {
	if s.Settle != "" {
		return s.Base + "/" + s.Quote + ":" + s.Settle
	}
	return s.Base + "/" + s.Quote
}

// MarketType derives the market type from the symbol form.
func (s Symbol) MarketType() MarketType {
	if s.Settle != "" {
		return MarketTypePerpetual
	}
	return MarketTypeSpot
}

// IsPerpetual reports whether the symbol denotes a perpetual contract.
func (s Symbol) IsPerpetual() bool {
	return s.Settle != ""
}

// ExchangeSymbol renders the venue-specific encoding for the given exchange.
// Unknown venues get the concatenated form, which matches most CEX REST APIs.
func (s Symbol) ExchangeSymbol(exchange string) string {
	switch strings.ToLower(exchange) {
	case "okx":
		if s.IsPerpetual() {
			return s.Base + "-" + s.Quote + "-SWAP"
		}
		return s.Base + "-" + s.Quote
	case "gate":
		return s.Base + "_" + s.Quote
	default: // binance, bybit, bitget, mock
		return s.Base + s.Quote
	}
}
