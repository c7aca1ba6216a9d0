// Package core defines the domain types and interfaces shared by the trading core.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeStopLoss        OrderType = "STOP_LOSS"
	OrderTypeStopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfit      OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
)

// TimeInForce enumerates order lifetimes.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transitions are accepted from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsOpen reports whether the order is still working on the exchange.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// Fill is a single execution against an order.
type Fill struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Commission decimal.Decimal `json:"commission"`
	Asset      string          `json:"asset,omitempty"`
	TradeID    string          `json:"trade_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Order is the canonical order record tracked by the order manager.
// ID is the exchange-assigned identifier; ClientOrderID is generated locally
// and is unique per process lifetime.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	StrategyID    string          `json:"strategy_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Exchange      string          `json:"exchange"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	TimeInForce   TimeInForce     `json:"time_in_force,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	Status        OrderStatus     `json:"status"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	CumQuoteQty   decimal.Decimal `json:"cum_quote_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Timestamp     time.Time       `json:"timestamp"`
	UpdateTime    time.Time       `json:"update_time"`
	Fills         []Fill          `json:"fills,omitempty"`
}

// Clone returns a deep copy so callers can hold the result outside locks.
func (o *Order) Clone() *Order {
	cp := *o
	if len(o.Fills) > 0 {
		cp.Fills = make([]Fill, len(o.Fills))
		copy(cp.Fills, o.Fills)
	}
	return &cp
}

// SignedExecutedQty returns the executed quantity signed by side
// (BUY positive, SELL negative).
func (o *Order) SignedExecutedQty() decimal.Decimal {
	if o.Side == OrderSideSell {
		return o.ExecutedQty.Neg()
	}
	return o.ExecutedQty
}

// OrderRequest is the intent handed to a connector to place an order.
type OrderRequest struct {
	Symbol        string
	Exchange      string
	Side          OrderSide
	Type          OrderType
	TimeInForce   TimeInForce
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	ClientOrderID string
	StrategyID    string
}

// PositionSide is the direction of a held position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
	PositionSideFlat  PositionSide = "flat"
)

// Position holds a venue-reported position. Quantity is always non-negative;
// direction is carried by Side. Use SignedQuantity for arithmetic.
type Position struct {
	Symbol        string          `json:"symbol"`
	Exchange      string          `json:"exchange"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Leverage      int             `json:"leverage,omitempty"`
	UpdateTime    time.Time       `json:"update_time"`
}

// SignedQuantity returns the quantity signed by side (long positive, short negative).
func (p *Position) SignedQuantity() decimal.Decimal {
	if p.Side == PositionSideShort {
		return p.Quantity.Neg()
	}
	return p.Quantity
}

// Balance is a per-asset account balance. Total must equal Free + Locked.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total returns Free + Locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Ticker carries last price and 24h aggregates for a symbol.
type Ticker struct {
	Symbol      string          `json:"symbol"`
	Exchange    string          `json:"exchange"`
	LastPrice   decimal.Decimal `json:"last_price"`
	BidPrice    decimal.Decimal `json:"bid_price"`
	AskPrice    decimal.Decimal `json:"ask_price"`
	High24h     decimal.Decimal `json:"high_24h"`
	Low24h      decimal.Decimal `json:"low_24h"`
	Volume24h   decimal.Decimal `json:"volume_24h"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	Change24h   decimal.Decimal `json:"change_24h"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PriceLevel is a single [price, quantity] rung on an order book ladder.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is a snapshot of bid/ask ladders for a symbol.
type OrderBook struct {
	Symbol    string       `json:"symbol"`
	Exchange  string       `json:"exchange"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Sequence  int64        `json:"sequence,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Trade is a public market trade.
type Trade struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Kline is a candlestick bar. Bars with IsClosed=false are still forming and
// must not drive irreversible decisions.
type Kline struct {
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Interval  string          `json:"interval"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	IsClosed  bool            `json:"is_closed"`
}

// AccountSnapshot is a point-in-time capture of balances and positions for
// one exchange, with derived aggregates.
type AccountSnapshot struct {
	Exchange           string          `json:"exchange"`
	Balances           []Balance       `json:"balances"`
	Positions          []Position      `json:"positions"`
	TotalPositionValue decimal.Decimal `json:"total_position_value"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	Timestamp          time.Time       `json:"timestamp"`
}

// StrategyAction is the decision produced by a strategy.
type StrategyAction string

const (
	ActionBuy  StrategyAction = "buy"
	ActionSell StrategyAction = "sell"
	ActionHold StrategyAction = "hold"
)

// StrategyResult is the outcome of a single Analyze call.
type StrategyResult struct {
	Action     StrategyAction
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Confidence float64
	Reason     string
	Metadata   map[string]string
}

// MarketData is the curated snapshot handed to a strategy's Analyze call.
type MarketData struct {
	Symbol      string
	Exchange    string
	Ticker      *Ticker
	OrderBook   *OrderBook
	Trades      []Trade
	Klines      map[string][]Kline // interval -> bars, oldest first
	OrderUpdate *Order             // set when the triggering event was an order update
	Timestamp   time.Time
}

// StrategyState is the durable snapshot a strategy resumes from. Snapshots
// are immutable once taken.
type StrategyState struct {
	StrategyID      string            `json:"strategy_id"`
	InternalState   map[string]string `json:"internal_state,omitempty"`
	IndicatorData   map[string]string `json:"indicator_data,omitempty"`
	LastSignal      StrategyAction    `json:"last_signal,omitempty"`
	SignalTime      time.Time         `json:"signal_time,omitempty"`
	CurrentPosition decimal.Decimal   `json:"current_position"`
	AveragePrice    decimal.Decimal   `json:"average_price"`
	LastUpdateTime  time.Time         `json:"last_update_time"`
}

// Clone returns a deep copy of the snapshot.
func (s *StrategyState) Clone() *StrategyState {
	cp := *s
	if s.InternalState != nil {
		cp.InternalState = make(map[string]string, len(s.InternalState))
		for k, v := range s.InternalState {
			cp.InternalState[k] = v
		}
	}
	if s.IndicatorData != nil {
		cp.IndicatorData = make(map[string]string, len(s.IndicatorData))
		for k, v := range s.IndicatorData {
			cp.IndicatorData[k] = v
		}
	}
	return &cp
}

// IssueSeverity grades recovery issues.
type IssueSeverity string

const (
	IssueInfo    IssueSeverity = "info"
	IssueWarning IssueSeverity = "warning"
	IssueError   IssueSeverity = "error"
)

// RecoveryIssue is one finding from startup reconciliation.
type RecoveryIssue struct {
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
	OrderID  string        `json:"order_id,omitempty"`
}

// StrategyRecoveryResult is the outcome of recovering one strategy at startup.
type StrategyRecoveryResult struct {
	StrategyID    string          `json:"strategy_id"`
	State         *StrategyState  `json:"state,omitempty"`
	OpenOrders    []*Order        `json:"open_orders"`
	TotalPosition decimal.Decimal `json:"total_position"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	Issues        []RecoveryIssue `json:"issues"`
	RecoveryTime  time.Duration   `json:"recovery_time"`
}

// RecoveryContext is handed to a strategy once before its first Analyze
// after a restart.
type RecoveryContext struct {
	Position     decimal.Decimal
	AveragePrice decimal.Decimal
	OpenOrders   []*Order
}

// MarketDataType identifies a market data slice.
type MarketDataType string

const (
	DataTypeTicker    MarketDataType = "ticker"
	DataTypeOrderBook MarketDataType = "orderbook"
	DataTypeTrades    MarketDataType = "trades"
	DataTypeKlines    MarketDataType = "klines"
)

// MarketDataKey identifies one upstream market data subscription.
type MarketDataKey struct {
	Exchange string
	Symbol   string
	DataType MarketDataType
	Interval string // klines only
	Depth    int    // orderbook only
	Limit    int    // trades/klines only
}

// MarketUpdate is one message from a market data stream. Exactly one of the
// payload pointers is set, matching Key.DataType.
type MarketUpdate struct {
	Key       MarketDataKey
	Ticker    *Ticker
	OrderBook *OrderBook
	Trade     *Trade
	Kline     *Kline
	Sequence  int64
	Timestamp time.Time
}
