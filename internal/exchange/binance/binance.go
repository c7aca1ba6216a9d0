// Package binance adapts the Binance spot API to the exchange connector
// interface.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"trading_core/internal/core"
	apperrors "trading_core/pkg/errors"
	wsclient "trading_core/pkg/websocket"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	name               = "binance"
	restRateLimit      = 10 // requests per second
	restBurst          = 20
	listenKeyKeepalive = 30 * time.Minute
	defaultDepthLevels = 20

	streamBase        = "wss://stream.binance.com:9443/ws/"
	streamBaseTestnet = "wss://stream.testnet.binance.vision/ws/"
)

// Config holds the adapter settings.
type Config struct {
	APIKey    string
	SecretKey string
	BaseURL   string
	Testnet   bool
}

// Connector implements core.ExchangeConnector over the Binance spot API.
// REST calls go through a shared token-bucket limiter; market data rides the
// reconnecting stream client, order updates the user data stream.
type Connector struct {
	client    *binance.Client
	limiter   *rate.Limiter
	streamURL string
	logger    core.ILogger

	mu        sync.Mutex
	connected bool
	listenKey string
	// Exchange symbol back to canonical form, populated as symbols are used.
	symbolMap map[string]string
	stops     []chan struct{}
}

// New creates a Binance connector.
func New(cfg Config, logger core.ILogger) *Connector {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	streamURL := streamBase
	if cfg.Testnet {
		streamURL = streamBaseTestnet
	}
	return &Connector{
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(restRateLimit), restBurst),
		streamURL: streamURL,
		logger:    logger.WithField("component", "binance_connector"),
		symbolMap: make(map[string]string),
	}
}

func (c *Connector) Name() string { return name }

// Connect verifies API reachability.
func (c *Connector) Connect(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.client.NewPingService().Do(ctx); err != nil {
		return c.mapError(err, "connect")
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("Connected to Binance")
	return nil
}

// Disconnect stops all stream goroutines and closes the user stream.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	stops := c.stops
	c.stops = nil
	listenKey := c.listenKey
	c.listenKey = ""
	c.mu.Unlock()

	for _, stop := range stops {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}

	if listenKey != "" {
		if err := c.client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
			c.logger.Warn("Close user stream failed", "error", err)
		}
	}
	return nil
}

func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SupportsStreaming: spot streams exist for every data type we consume.
func (c *Connector) SupportsStreaming(core.MarketDataType) bool { return true }

// SubscribeMarketData opens the stream matching the key's data type over the
// reconnecting stream client, so a dropped connection is re-dialed without
// the subscriber noticing. The returned channel closes when ctx is cancelled.
func (c *Connector) SubscribeMarketData(ctx context.Context, key core.MarketDataKey) (<-chan core.MarketUpdate, error) {
	if !c.IsConnected() {
		return nil, apperrors.ErrNotConnected
	}
	symbol, err := c.exchangeSymbol(key.Symbol)
	if err != nil {
		return nil, err
	}
	stream, err := streamName(symbol, key)
	if err != nil {
		return nil, err
	}

	out := make(chan core.MarketUpdate, 64)
	client := wsclient.NewClient(c.streamURL+stream, func(message []byte) {
		update, perr := parseStreamEvent(key, message)
		if perr != nil {
			c.logger.Warn("Market stream decode failed",
				"symbol", key.Symbol, "data_type", string(key.DataType), "error", perr)
			return
		}
		update.Key = key
		select {
		case out <- *update:
		default:
			// Slow consumer; the bus layer counts its own drops.
		}
	}, c.logger)
	client.Start()

	go func() {
		defer close(out)
		<-ctx.Done()
		client.Stop()
	}()

	return out, nil
}

// streamName maps a subscription key to the venue's raw stream name.
func streamName(exSymbol string, key core.MarketDataKey) (string, error) {
	s := strings.ToLower(exSymbol)
	switch key.DataType {
	case core.DataTypeTicker:
		return s + "@ticker", nil
	case core.DataTypeOrderBook:
		levels := key.Depth
		if levels <= 0 {
			levels = defaultDepthLevels
		}
		return fmt.Sprintf("%s@depth%d", s, levels), nil
	case core.DataTypeTrades:
		return s + "@trade", nil
	case core.DataTypeKlines:
		if key.Interval == "" {
			return "", fmt.Errorf("klines subscription requires an interval")
		}
		return fmt.Sprintf("%s@kline_%s", s, key.Interval), nil
	}
	return "", fmt.Errorf("unsupported data type %q", key.DataType)
}

// SubscribeOrderUpdates opens the user data stream and forwards execution
// reports as canonical orders. The listen key is refreshed on the keepalive
// cadence Binance requires.
func (c *Connector) SubscribeOrderUpdates(ctx context.Context) (<-chan *core.Order, error) {
	if !c.IsConnected() {
		return nil, apperrors.ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	listenKey, err := c.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, c.mapError(err, "start_user_stream")
	}
	c.mu.Lock()
	c.listenKey = listenKey
	c.mu.Unlock()

	out := make(chan *core.Order, 64)
	doneC, stopC, err := binance.WsUserDataServe(listenKey, func(evt *binance.WsUserDataEvent) {
		if evt.Event != binance.UserDataEventTypeExecutionReport {
			return
		}
		order := c.orderFromUpdate(&evt.OrderUpdate)
		select {
		case out <- order:
		default:
		}
	}, func(err error) {
		c.logger.Warn("User data stream error", "error", err)
	})
	if err != nil {
		return nil, c.mapError(err, "subscribe_orders")
	}

	c.trackStop(stopC)
	go func() {
		defer close(out)
		ticker := time.NewTicker(listenKeyKeepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				select {
				case <-stopC:
				default:
					close(stopC)
				}
				<-doneC
				return
			case <-doneC:
				return
			case <-ticker.C:
				if err := c.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
					c.logger.Warn("Listen key keepalive failed", "error", err)
				}
			}
		}
	}()

	return out, nil
}

// FetchMarketData performs the one-shot REST read backing polling fallback.
func (c *Connector) FetchMarketData(ctx context.Context, key core.MarketDataKey) (*core.MarketUpdate, error) {
	symbol, err := c.exchangeSymbol(key.Symbol)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	update := &core.MarketUpdate{Key: key, Timestamp: time.Now()}
	switch key.DataType {
	case core.DataTypeTicker:
		stats, err := c.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, c.mapError(err, "fetch_ticker")
		}
		if len(stats) == 0 {
			return nil, apperrors.ErrInvalidSymbol
		}
		s := stats[0]
		update.Ticker = &core.Ticker{
			Symbol:      key.Symbol,
			Exchange:    name,
			LastPrice:   dec(s.LastPrice),
			BidPrice:    dec(s.BidPrice),
			AskPrice:    dec(s.AskPrice),
			High24h:     dec(s.HighPrice),
			Low24h:      dec(s.LowPrice),
			Volume24h:   dec(s.Volume),
			QuoteVolume: dec(s.QuoteVolume),
			Change24h:   dec(s.PriceChangePercent),
			Timestamp:   time.UnixMilli(s.CloseTime),
		}
		update.Timestamp = update.Ticker.Timestamp

	case core.DataTypeOrderBook:
		limit := key.Depth
		if limit <= 0 {
			limit = defaultDepthLevels
		}
		depth, err := c.client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
		if err != nil {
			return nil, c.mapError(err, "fetch_orderbook")
		}
		update.OrderBook = &core.OrderBook{
			Symbol:    key.Symbol,
			Exchange:  name,
			Bids:      levelsFromBids(depth.Bids),
			Asks:      levelsFromAsks(depth.Asks),
			Sequence:  depth.LastUpdateID,
			Timestamp: time.Now(),
		}
		update.Sequence = depth.LastUpdateID

	case core.DataTypeTrades:
		limit := key.Limit
		if limit <= 0 {
			limit = 1
		}
		trades, err := c.client.NewRecentTradesService().Symbol(symbol).Limit(limit).Do(ctx)
		if err != nil {
			return nil, c.mapError(err, "fetch_trades")
		}
		if len(trades) == 0 {
			return nil, apperrors.ErrInvalidSymbol
		}
		t := trades[len(trades)-1]
		side := core.OrderSideBuy
		if t.IsBuyerMaker {
			side = core.OrderSideSell
		}
		update.Trade = &core.Trade{
			ID:        strconv.FormatInt(t.ID, 10),
			Symbol:    key.Symbol,
			Exchange:  name,
			Side:      side,
			Price:     dec(t.Price),
			Quantity:  dec(t.Quantity),
			Timestamp: time.UnixMilli(t.Time),
		}
		update.Sequence = t.ID
		update.Timestamp = update.Trade.Timestamp

	case core.DataTypeKlines:
		bars, err := c.GetKlines(ctx, key.Symbol, key.Interval, time.Time{}, time.Time{}, 1)
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			return nil, apperrors.ErrInvalidSymbol
		}
		last := bars[len(bars)-1]
		update.Kline = &last
		update.Timestamp = last.CloseTime

	default:
		return nil, fmt.Errorf("unsupported data type %q", key.DataType)
	}
	return update, nil
}

// GetOrder queries one order by exchange id, falling back to client id.
func (c *Connector) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*core.Order, error) {
	exSymbol, err := c.exchangeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	svc := c.client.NewGetOrderService().Symbol(exSymbol)
	if orderID != "" {
		id, perr := strconv.ParseInt(orderID, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("invalid binance order id %q: %w", orderID, perr)
		}
		svc = svc.OrderID(id)
	} else if clientOrderID != "" {
		svc = svc.OrigClientOrderID(clientOrderID)
	} else {
		return nil, apperrors.ErrOrderNotFound
	}

	o, err := svc.Do(ctx)
	if err != nil {
		return nil, c.mapError(err, "get_order")
	}
	return c.orderFromREST(symbol, o), nil
}

// PlaceOrder submits the intent. The client order id rides along so resubmits
// after a timeout are idempotent venue-side.
func (c *Connector) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	exSymbol, err := c.exchangeSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	svc := c.client.NewCreateOrderService().
		Symbol(exSymbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		Quantity(req.Quantity.String())
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.Type != core.OrderTypeMarket {
		tif := req.TimeInForce
		if tif == "" {
			tif = core.TimeInForceGTC
		}
		svc = svc.TimeInForce(binance.TimeInForceType(tif)).Price(req.Price.String())
	}
	if !req.StopPrice.IsZero() {
		svc = svc.StopPrice(req.StopPrice.String())
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, c.mapError(err, "place_order")
	}

	order := &core.Order{
		ID:            strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		StrategyID:    req.StrategyID,
		Symbol:        req.Symbol,
		Exchange:      name,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Quantity:      dec(res.OrigQuantity),
		Price:         dec(res.Price),
		StopPrice:     req.StopPrice,
		Status:        core.OrderStatus(res.Status),
		ExecutedQty:   dec(res.ExecutedQuantity),
		CumQuoteQty:   dec(res.CummulativeQuoteQuantity),
		Timestamp:     time.UnixMilli(res.TransactTime),
		UpdateTime:    time.UnixMilli(res.TransactTime),
	}
	for _, f := range res.Fills {
		order.Fills = append(order.Fills, core.Fill{
			Price:      dec(f.Price),
			Quantity:   dec(f.Quantity),
			Commission: dec(f.Commission),
			Asset:      f.CommissionAsset,
			Timestamp:  order.Timestamp,
		})
	}
	if !order.ExecutedQty.IsZero() && !order.CumQuoteQty.IsZero() {
		order.AvgPrice = order.CumQuoteQty.Div(order.ExecutedQty)
	}
	return order, nil
}

// CancelOrder cancels one working order.
func (c *Connector) CancelOrder(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	exSymbol, err := c.exchangeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid binance order id %q: %w", orderID, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := c.client.NewCancelOrderService().Symbol(exSymbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, c.mapError(err, "cancel_order")
	}

	order := &core.Order{
		ID:            strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        symbol,
		Exchange:      name,
		Side:          core.OrderSide(res.Side),
		Type:          core.OrderType(res.Type),
		Quantity:      dec(res.OrigQuantity),
		Price:         dec(res.Price),
		Status:        core.OrderStatus(res.Status),
		ExecutedQty:   dec(res.ExecutedQuantity),
		CumQuoteQty:   dec(res.CummulativeQuoteQuantity),
		UpdateTime:    time.Now(),
	}
	if !order.ExecutedQty.IsZero() && !order.CumQuoteQty.IsZero() {
		order.AvgPrice = order.CumQuoteQty.Div(order.ExecutedQty)
	}
	return order, nil
}

// GetBalances returns the non-zero spot balances.
func (c *Connector) GetBalances(ctx context.Context) ([]core.Balance, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	account, err := c.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.mapError(err, "get_balances")
	}

	out := make([]core.Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		free := dec(b.Free)
		locked := dec(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, core.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// GetPositions returns nothing: spot accounts carry no venue-side positions.
// Strategy position tracking runs off the executed order trail instead.
func (c *Connector) GetPositions(ctx context.Context) ([]core.Position, error) {
	return nil, nil
}

// GetKlines fetches historical bars, oldest first.
func (c *Connector) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]core.Kline, error) {
	exSymbol, err := c.exchangeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	svc := c.client.NewKlinesService().Symbol(exSymbol).Interval(interval)
	if !start.IsZero() {
		svc = svc.StartTime(start.UnixMilli())
	}
	if !end.IsZero() {
		svc = svc.EndTime(end.UnixMilli())
	}
	if limit > 0 {
		svc = svc.Limit(limit)
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, c.mapError(err, "get_klines")
	}

	now := time.Now()
	out := make([]core.Kline, 0, len(klines))
	for _, k := range klines {
		closeTime := time.UnixMilli(k.CloseTime)
		out = append(out, core.Kline{
			Symbol:    symbol,
			Exchange:  name,
			Interval:  interval,
			OpenTime:  time.UnixMilli(k.OpenTime),
			CloseTime: closeTime,
			Open:      dec(k.Open),
			High:      dec(k.High),
			Low:       dec(k.Low),
			Close:     dec(k.Close),
			Volume:    dec(k.Volume),
			IsClosed:  closeTime.Before(now),
		})
	}
	return out, nil
}

// exchangeSymbol converts the canonical form to Binance's concatenated form
// and remembers the reverse mapping for stream handlers.
func (c *Connector) exchangeSymbol(canonical string) (string, error) {
	sym, err := core.ParseSymbol(canonical)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrInvalidSymbol, err)
	}
	ex := sym.ExchangeSymbol(name)
	c.mu.Lock()
	c.symbolMap[ex] = canonical
	c.mu.Unlock()
	return ex, nil
}

func (c *Connector) canonicalSymbol(exSymbol string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if canonical, ok := c.symbolMap[exSymbol]; ok {
		return canonical
	}
	return exSymbol
}

func (c *Connector) trackStop(stop chan struct{}) {
	c.mu.Lock()
	c.stops = append(c.stops, stop)
	c.mu.Unlock()
}

func (c *Connector) orderFromUpdate(u *binance.WsOrderUpdate) *core.Order {
	executed := dec(u.FilledVolume)
	cumQuote := dec(u.FilledQuoteVolume)
	order := &core.Order{
		ID:            strconv.FormatInt(u.Id, 10),
		ClientOrderID: u.ClientOrderId,
		Symbol:        c.canonicalSymbol(u.Symbol),
		Exchange:      name,
		Side:          core.OrderSide(u.Side),
		Type:          core.OrderType(u.Type),
		TimeInForce:   core.TimeInForce(u.TimeInForce),
		Quantity:      dec(u.Volume),
		Price:         dec(u.Price),
		StopPrice:     dec(u.StopPrice),
		Status:        core.OrderStatus(u.Status),
		ExecutedQty:   executed,
		CumQuoteQty:   cumQuote,
		Timestamp:     time.UnixMilli(u.CreateTime),
		UpdateTime:    time.UnixMilli(u.TransactionTime),
	}
	if !executed.IsZero() && !cumQuote.IsZero() {
		order.AvgPrice = cumQuote.Div(executed)
	}
	return order
}

func (c *Connector) orderFromREST(canonical string, o *binance.Order) *core.Order {
	executed := dec(o.ExecutedQuantity)
	cumQuote := dec(o.CummulativeQuoteQuantity)
	order := &core.Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        canonical,
		Exchange:      name,
		Side:          core.OrderSide(o.Side),
		Type:          core.OrderType(o.Type),
		TimeInForce:   core.TimeInForce(o.TimeInForce),
		Quantity:      dec(o.OrigQuantity),
		Price:         dec(o.Price),
		StopPrice:     dec(o.StopPrice),
		Status:        core.OrderStatus(o.Status),
		ExecutedQty:   executed,
		CumQuoteQty:   cumQuote,
		Timestamp:     time.UnixMilli(o.Time),
		UpdateTime:    time.UnixMilli(o.UpdateTime),
	}
	if !executed.IsZero() && !cumQuote.IsZero() {
		order.AvgPrice = cumQuote.Div(executed)
	}
	return order
}

// mapError translates Binance API errors into the typed taxonomy.
func (c *Connector) mapError(err error, op string) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003:
			return apperrors.NewExchangeError(name, op, apperrors.KindRateLimit, true,
				fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Message))
		case -1021, -1022, -2014, -2015:
			return apperrors.NewExchangeError(name, op, apperrors.KindAuth, false,
				fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, apiErr.Message))
		case -1121:
			return apperrors.NewExchangeError(name, op, apperrors.KindBadSymbol, false,
				fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, apiErr.Message))
		case -2013:
			return apperrors.NewExchangeError(name, op, apperrors.KindUnknown, false,
				fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Message))
		case -2010:
			return apperrors.NewExchangeError(name, op, apperrors.KindUnknown, false,
				fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, apiErr.Message))
		case -3005:
			return apperrors.NewExchangeError(name, op, apperrors.KindUnknown, false,
				fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Message))
		default:
			return apperrors.NewExchangeError(name, op, apperrors.KindUnknown, false, err)
		}
	}
	return apperrors.NewExchangeError(name, op, apperrors.KindNetwork, true,
		fmt.Errorf("%w: %v", apperrors.ErrNetwork, err))
}

// dec parses a Binance decimal string; the API never emits malformed values.
func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func levelsFromBids(bids []binance.Bid) []core.PriceLevel {
	out := make([]core.PriceLevel, 0, len(bids))
	for _, b := range bids {
		out = append(out, core.PriceLevel{Price: dec(b.Price), Quantity: dec(b.Quantity)})
	}
	return out
}

func levelsFromAsks(asks []binance.Ask) []core.PriceLevel {
	out := make([]core.PriceLevel, 0, len(asks))
	for _, a := range asks {
		out = append(out, core.PriceLevel{Price: dec(a.Price), Quantity: dec(a.Quantity)})
	}
	return out
}
