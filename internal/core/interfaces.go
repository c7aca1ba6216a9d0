package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger is the logging facade. The zap implementation lives in pkg/logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// ExchangeConnector is the uniform view the core holds over one venue.
// Implementations report failures as *apperrors.ExchangeError so callers can
// branch on kind and retryability.
type ExchangeConnector interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// SupportsStreaming reports whether the venue can push the given data
	// type over a stream; the subscription manager falls back to REST
	// polling when it cannot.
	SupportsStreaming(dataType MarketDataType) bool

	// SubscribeMarketData opens a stream for the key. The returned channel
	// is closed when ctx is cancelled or the upstream ends.
	SubscribeMarketData(ctx context.Context, key MarketDataKey) (<-chan MarketUpdate, error)

	// SubscribeOrderUpdates streams order state changes for this venue.
	SubscribeOrderUpdates(ctx context.Context) (<-chan *Order, error)

	// FetchMarketData performs a one-shot REST read for the key, used by
	// polling fallback.
	FetchMarketData(ctx context.Context, key MarketDataKey) (*MarketUpdate, error)

	GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*Order, error)
	PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (*Order, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]Kline, error)
}

// DataRequirement declares one market data slice a strategy needs.
type DataRequirement struct {
	DataType MarketDataType
	Interval string // klines only
	Depth    int    // orderbook only
	Limit    int    // history length kept for the strategy
	Method   string // "websocket", "rest" or "auto" (default)
}

// StrategyConfig is the declarative registration record for a strategy.
type StrategyConfig struct {
	ID         string
	Name       string
	Symbol     string
	Exchange   string
	Parameters map[string]string
	// Subscriptions the runtime must establish before dispatching events.
	Subscriptions []DataRequirement
	// InitialData to load during Initialize (e.g. kline history for
	// indicator priming).
	InitialData []DataRequirement
	// LongOnly marks strategies whose recovered position must never be
	// negative; violations surface as recovery warnings.
	LongOnly bool
}

// Strategy is the capability set every trading strategy implements.
// Analyze must be a pure function of its inputs and internal state; it must
// not perform I/O.
type Strategy interface {
	Initialize(ctx context.Context, cfg StrategyConfig) error
	Analyze(data *MarketData) (*StrategyResult, error)
	SaveState() (*StrategyState, error)
	RestoreState(state *StrategyState) error
	SetRecoveryContext(rc *RecoveryContext)
	Cleanup() error
}

// OrderFilter narrows order store queries. Zero-valued fields match all.
type OrderFilter struct {
	Status     OrderStatus
	StrategyID string
	Symbol     string
	Exchange   string
}

// OrderStore is durable order persistence.
type OrderStore interface {
	SaveOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error)
	DeleteOrder(ctx context.Context, id string) error
}

// StrategyStateStore is durable strategy snapshot persistence, keyed by
// strategy id. Writes replace the previous snapshot atomically.
type StrategyStateStore interface {
	SaveState(ctx context.Context, state *StrategyState) error
	LoadState(ctx context.Context, strategyID string) (*StrategyState, error)
	DeleteState(ctx context.Context, strategyID string) error
}

// SnapshotStore is append-only account snapshot persistence.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap *AccountSnapshot) error
	ListSnapshots(ctx context.Context, exchange string, since time.Time, limit int) ([]*AccountSnapshot, error)
}

// RiskLimits are the hard limits evaluated in front of the order manager.
type RiskLimits struct {
	MaxPositionSize  decimal.Decimal
	MaxDailyLoss     decimal.Decimal
	MaxDrawdown      decimal.Decimal
	MaxOpenPositions int
	MaxLeverage      int
}
