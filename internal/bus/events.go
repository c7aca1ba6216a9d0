// Package bus implements the process-wide typed event hub.
package bus

import (
	"time"

	"trading_core/internal/core"

	"github.com/shopspring/decimal"
)

// EventKind identifies the type of a domain event.
type EventKind string

const (
	EventTickerUpdate    EventKind = "ticker_update"
	EventOrderBookUpdate EventKind = "orderbook_update"
	EventTradeUpdate     EventKind = "trade_update"
	EventKlineUpdate     EventKind = "kline_update"

	EventOrderCreated         EventKind = "order_created"
	EventOrderFilled          EventKind = "order_filled"
	EventOrderPartiallyFilled EventKind = "order_partially_filled"
	EventOrderCancelled       EventKind = "order_cancelled"
	EventOrderRejected        EventKind = "order_rejected"
	EventOrderExpired         EventKind = "order_expired"

	EventBalanceUpdate  EventKind = "balance_update"
	EventPositionUpdate EventKind = "position_update"

	EventStrategySignal EventKind = "strategy_signal"
	EventStrategyError  EventKind = "strategy_error"

	EventRiskLimitExceeded EventKind = "risk_limit_exceeded"
	EventEmergencyStop     EventKind = "emergency_stop"

	EventEngineStarted EventKind = "engine_started"
	EventEngineStopped EventKind = "engine_stopped"
	EventEngineError   EventKind = "engine_error"

	EventExchangeConnected    EventKind = "exchange_connected"
	EventExchangeDisconnected EventKind = "exchange_disconnected"
	EventExchangeError        EventKind = "exchange_error"
)

// Event is one bus message. Payload holds the kind-specific struct.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	Payload   interface{}
}

// MarketDataPayload carries market data events. Exactly one data pointer in
// Update is set.
type MarketDataPayload struct {
	Symbol   string
	Exchange string
	Update   core.MarketUpdate
}

// BalancePayload carries a balance_update event.
type BalancePayload struct {
	Exchange string
	Balances []core.Balance
}

// PositionPayload carries a position_update event.
type PositionPayload struct {
	Exchange  string
	Positions []core.Position
}

// SignalPayload carries a strategy_signal event.
type SignalPayload struct {
	StrategyID string
	Action     core.StrategyAction
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Confidence float64
	Reason     string
}

// StrategyErrorPayload carries a strategy_error event.
type StrategyErrorPayload struct {
	StrategyID string
	Reason     string
}

// RiskSeverity grades risk events.
type RiskSeverity string

const (
	RiskSeverityWarning  RiskSeverity = "warning"
	RiskSeverityCritical RiskSeverity = "critical"
)

// RiskPayload carries risk_limit_exceeded and emergency_stop events.
type RiskPayload struct {
	Type     string
	Severity RiskSeverity
	Reason   string
	Values   map[string]string
}

// EnginePayload carries engine lifecycle events.
type EnginePayload struct {
	Message  string
	Metadata map[string]string
}

// ExchangePayload carries exchange connectivity events.
type ExchangePayload struct {
	Exchange string
	Reason   string
}

// OrderEventKind maps an order status to the event kind announcing it.
func OrderEventKind(status core.OrderStatus) EventKind {
	switch status {
	case core.OrderStatusNew:
		return EventOrderCreated
	case core.OrderStatusPartiallyFilled:
		return EventOrderPartiallyFilled
	case core.OrderStatusFilled:
		return EventOrderFilled
	case core.OrderStatusCanceled:
		return EventOrderCancelled
	case core.OrderStatusRejected:
		return EventOrderRejected
	case core.OrderStatusExpired:
		return EventOrderExpired
	}
	return EventEngineError
}
