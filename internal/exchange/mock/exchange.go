// Package mock implements a scriptable in-memory exchange connector for
// tests. Market data and order updates are pushed by the test through
// PushMarketUpdate and PushOrderUpdate; REST reads serve whatever the test
// last seeded with the Set* methods.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading_core/internal/core"
	apperrors "trading_core/pkg/errors"

	"github.com/shopspring/decimal"
)

// Exchange implements core.ExchangeConnector for testing.
type Exchange struct {
	name string

	mu             sync.RWMutex
	connected      bool
	streaming      map[core.MarketDataType]bool
	orders         map[string]*core.Order
	clientOrderMap map[string]string
	orderIDCounter int64
	balances       []core.Balance
	positions      []core.Position
	tickers        map[string]*core.Ticker
	orderBooks     map[string]*core.OrderBook
	trades         map[string][]core.Trade
	klines         map[string][]core.Kline // symbol+interval

	// Failure injection. Each counter fails that many upcoming calls.
	failFetch    int
	failGetOrder int
	failPlace    int
	fetchCalls   int64
	getOrderCall int64

	marketSubs []chan core.MarketUpdate
	orderSubs  []chan *core.Order

	// Orders placed as MARKET fill immediately; LIMIT orders rest as NEW
	// until the test moves them.
	fillMarketOrders bool
}

// NewExchange creates a mock venue that streams every data type.
func NewExchange(name string) *Exchange {
	return &Exchange{
		name: name,
		streaming: map[core.MarketDataType]bool{
			core.DataTypeTicker:    true,
			core.DataTypeOrderBook: true,
			core.DataTypeTrades:    true,
			core.DataTypeKlines:    true,
		},
		orders:           make(map[string]*core.Order),
		clientOrderMap:   make(map[string]string),
		orderIDCounter:   1000,
		tickers:          make(map[string]*core.Ticker),
		orderBooks:       make(map[string]*core.OrderBook),
		trades:           make(map[string][]core.Trade),
		klines:           make(map[string][]core.Kline),
		fillMarketOrders: true,
	}
}

func (m *Exchange) Name() string { return m.name }

func (m *Exchange) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *Exchange) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	for _, ch := range m.marketSubs {
		close(ch)
	}
	for _, ch := range m.orderSubs {
		close(ch)
	}
	m.marketSubs = nil
	m.orderSubs = nil
	return nil
}

func (m *Exchange) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SetStreaming toggles stream support for one data type, forcing the
// subscription manager onto the REST path when disabled.
func (m *Exchange) SetStreaming(dt core.MarketDataType, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming[dt] = enabled
}

func (m *Exchange) SupportsStreaming(dt core.MarketDataType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streaming[dt]
}

// FailNextFetches makes the next n FetchMarketData calls fail.
func (m *Exchange) FailNextFetches(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFetch = n
}

// FailNextGetOrders makes the next n GetOrder calls fail.
func (m *Exchange) FailNextGetOrders(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGetOrder = n
}

// FailNextPlacements makes the next n PlaceOrder calls fail.
func (m *Exchange) FailNextPlacements(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPlace = n
}

// FetchCalls returns how many REST market data reads were served.
func (m *Exchange) FetchCalls() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetchCalls
}

func (m *Exchange) SetTicker(t *core.Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[t.Symbol] = t
}

func (m *Exchange) SetOrderBook(ob *core.OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderBooks[ob.Symbol] = ob
}

func (m *Exchange) SetTrades(symbol string, trades []core.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[symbol] = trades
}

func (m *Exchange) SetKlines(symbol, interval string, bars []core.Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[symbol+"|"+interval] = bars
}

func (m *Exchange) SetBalances(balances []core.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = balances
}

func (m *Exchange) SetPositions(positions []core.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SetOrder seeds or replaces the exchange-side view of an order, so the sync
// service can observe transitions the stream never announced.
func (m *Exchange) SetOrder(o *core.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
	if o.ClientOrderID != "" {
		m.clientOrderMap[o.ClientOrderID] = o.ID
	}
}

// SubscribeMarketData returns a channel the test feeds via PushMarketUpdate.
func (m *Exchange) SubscribeMarketData(ctx context.Context, key core.MarketDataKey) (<-chan core.MarketUpdate, error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil, apperrors.ErrNotConnected
	}
	ch := make(chan core.MarketUpdate, 64)
	m.marketSubs = append(m.marketSubs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, c := range m.marketSubs {
			if c == ch {
				m.marketSubs = append(m.marketSubs[:i], m.marketSubs[i+1:]...)
				close(c)
				break
			}
		}
		m.mu.Unlock()
	}()

	return ch, nil
}

// PushMarketUpdate delivers an update to every open market data stream.
func (m *Exchange) PushMarketUpdate(update core.MarketUpdate) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.marketSubs {
		select {
		case ch <- update:
		default:
		}
	}
}

func (m *Exchange) SubscribeOrderUpdates(ctx context.Context) (<-chan *core.Order, error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil, apperrors.ErrNotConnected
	}
	ch := make(chan *core.Order, 64)
	m.orderSubs = append(m.orderSubs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, c := range m.orderSubs {
			if c == ch {
				m.orderSubs = append(m.orderSubs[:i], m.orderSubs[i+1:]...)
				close(c)
				break
			}
		}
		m.mu.Unlock()
	}()

	return ch, nil
}

// PushOrderUpdate records the order exchange-side and delivers it to every
// open order stream.
func (m *Exchange) PushOrderUpdate(o *core.Order) {
	m.mu.Lock()
	m.orders[o.ID] = o.Clone()
	subs := make([]chan *core.Order, len(m.orderSubs))
	copy(subs, m.orderSubs)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- o.Clone():
		default:
		}
	}
}

func (m *Exchange) FetchMarketData(ctx context.Context, key core.MarketDataKey) (*core.MarketUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetchCalls++
	if m.failFetch > 0 {
		m.failFetch--
		return nil, apperrors.NewExchangeError(m.name, "fetch", apperrors.KindNetwork, true,
			fmt.Errorf("injected fetch failure"))
	}

	update := &core.MarketUpdate{Key: key, Timestamp: time.Now()}
	switch key.DataType {
	case core.DataTypeTicker:
		t, ok := m.tickers[key.Symbol]
		if !ok {
			return nil, apperrors.ErrInvalidSymbol
		}
		cp := *t
		update.Ticker = &cp
		update.Timestamp = t.Timestamp
	case core.DataTypeOrderBook:
		ob, ok := m.orderBooks[key.Symbol]
		if !ok {
			return nil, apperrors.ErrInvalidSymbol
		}
		cp := *ob
		update.OrderBook = &cp
		update.Sequence = ob.Sequence
		update.Timestamp = ob.Timestamp
	case core.DataTypeTrades:
		trades := m.trades[key.Symbol]
		if len(trades) == 0 {
			return nil, apperrors.ErrInvalidSymbol
		}
		last := trades[len(trades)-1]
		update.Trade = &last
		update.Timestamp = last.Timestamp
	case core.DataTypeKlines:
		bars := m.klines[key.Symbol+"|"+key.Interval]
		if len(bars) == 0 {
			return nil, apperrors.ErrInvalidSymbol
		}
		last := bars[len(bars)-1]
		update.Kline = &last
		update.Timestamp = last.CloseTime
	}
	return update, nil
}

func (m *Exchange) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrderCall++
	if m.failGetOrder > 0 {
		m.failGetOrder--
		return nil, apperrors.NewExchangeError(m.name, "get_order", apperrors.KindNetwork, true,
			fmt.Errorf("injected get order failure"))
	}

	id := orderID
	if id == "" && clientOrderID != "" {
		id = m.clientOrderMap[clientOrderID]
	}
	o, ok := m.orders[id]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	return o.Clone(), nil
}

// PlaceOrder accepts the request. With a known clientOrderID the existing
// order is returned unchanged, matching real venue idempotency.
func (m *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPlace > 0 {
		m.failPlace--
		return nil, apperrors.NewExchangeError(m.name, "place_order", apperrors.KindNetwork, true,
			fmt.Errorf("injected placement failure"))
	}

	if req.ClientOrderID != "" {
		if id, exists := m.clientOrderMap[req.ClientOrderID]; exists {
			if existing, ok := m.orders[id]; ok {
				return existing.Clone(), nil
			}
		}
	}

	m.orderIDCounter++
	now := time.Now()

	o := &core.Order{
		ID:            fmt.Sprintf("%s-%d", m.name, m.orderIDCounter),
		ClientOrderID: req.ClientOrderID,
		StrategyID:    req.StrategyID,
		Symbol:        req.Symbol,
		Exchange:      m.name,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Status:        core.OrderStatusNew,
		ExecutedQty:   decimal.Zero,
		Timestamp:     now,
		UpdateTime:    now,
	}

	if m.fillMarketOrders && req.Type == core.OrderTypeMarket {
		o.Status = core.OrderStatusFilled
		o.ExecutedQty = req.Quantity
		o.AvgPrice = req.Price
		if o.AvgPrice.IsZero() {
			if t, ok := m.tickers[req.Symbol]; ok {
				o.AvgPrice = t.LastPrice
			}
		}
		o.CumQuoteQty = o.ExecutedQty.Mul(o.AvgPrice)
	}

	m.orders[o.ID] = o.Clone()
	if o.ClientOrderID != "" {
		m.clientOrderMap[o.ClientOrderID] = o.ID
	}
	return o.Clone(), nil
}

func (m *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	if o.Status.IsTerminal() {
		return nil, fmt.Errorf("cannot cancel order in status %s", o.Status)
	}
	o.Status = core.OrderStatusCanceled
	o.UpdateTime = time.Now()
	return o.Clone(), nil
}

func (m *Exchange) GetBalances(ctx context.Context) ([]core.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Balance, len(m.balances))
	copy(out, m.balances)
	return out, nil
}

func (m *Exchange) GetPositions(ctx context.Context) ([]core.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Position, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

func (m *Exchange) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]core.Kline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bars := m.klines[symbol+"|"+interval]
	out := make([]core.Kline, 0, len(bars))
	for _, b := range bars {
		if !start.IsZero() && b.OpenTime.Before(start) {
			continue
		}
		if !end.IsZero() && b.OpenTime.After(end) {
			continue
		}
		out = append(out, b)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
