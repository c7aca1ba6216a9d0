// Package engine wires the trading core together: exchanges, event bus,
// order tracking, subscriptions, strategies, account polling, and risk.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"trading_core/internal/account"
	"trading_core/internal/bus"
	"trading_core/internal/config"
	"trading_core/internal/core"
	binanceex "trading_core/internal/exchange/binance"
	mockex "trading_core/internal/exchange/mock"
	"trading_core/internal/order"
	"trading_core/internal/risk"
	"trading_core/internal/store"
	"trading_core/internal/strategy"
	"trading_core/internal/subscription"
	apperrors "trading_core/pkg/errors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// StrategyFactory builds a strategy instance by its configured name.
type StrategyFactory func() core.Strategy

// builtinStrategies maps config strategy names to constructors.
var builtinStrategies = map[string]StrategyFactory{
	"moving_average": func() core.Strategy { return strategy.NewMovingAverage() },
}

// Status summarizes the running engine.
type Status struct {
	Running         bool
	Exchanges       map[string]bool
	Strategies      map[string]strategy.Status
	Orders          order.Stats
	EventsPublished int64
	EventsDropped   int64
	SyncStats       order.SyncStats
}

// Engine owns the component lifecycle. Start brings everything up in
// dependency order; Stop tears it down in reverse under the configured
// shutdown budget.
type Engine struct {
	cfg    *config.Config
	logger core.ILogger

	eventBus   *bus.Bus
	connectors map[string]core.ExchangeConnector
	orders     *order.Manager
	syncSvc    *order.SyncService
	subs       *subscription.Manager
	stateMgr   *strategy.StateManager
	runtime    *strategy.Runtime
	riskMgr    *risk.Manager
	poller     *account.Poller
	storage    io.Closer
	placement  failsafe.Executor[*core.Order]

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	streamWG   sync.WaitGroup
	stopOnce   sync.Once
	emergency  bool
	strategies map[string]core.StrategyConfig
}

// New builds the engine from configuration. Nothing is started yet.
func New(cfg *config.Config, logger core.ILogger) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		logger:     logger.WithField("component", "engine"),
		connectors: make(map[string]core.ExchangeConnector),
		strategies: make(map[string]core.StrategyConfig),
	}

	e.eventBus = bus.New(bus.Options{
		BufferSize:     cfg.EventBus.BufferSize,
		OverflowPolicy: bus.OverflowPolicy(cfg.EventBus.OverflowPolicy),
	}, logger)

	orderStore, stateStore, snapStore, err := e.openStorage()
	if err != nil {
		return nil, err
	}

	for name, exCfg := range cfg.Exchanges {
		conn, err := buildConnector(name, exCfg, logger)
		if err != nil {
			return nil, err
		}
		e.connectors[name] = conn
	}

	e.orders = order.NewManager(e.eventBus, orderStore, logger)
	e.syncSvc = order.NewSyncService(e.orders, e.connectors, order.SyncOptions{
		Interval:        cfg.OrderSync.SyncInterval,
		BatchSize:       cfg.OrderSync.BatchSize,
		MaxErrorRecords: cfg.OrderSync.MaxErrorRecords,
	}, logger)
	e.syncSvc.SetInvariantHandler(func(err error) {
		e.EmergencyStop(err.Error())
	})

	e.subs = subscription.NewManager(subscription.Options{
		PollIntervals: map[core.MarketDataType]time.Duration{
			core.DataTypeTicker:    cfg.Subscription.TickerPollInterval,
			core.DataTypeOrderBook: cfg.Subscription.OrderBookPollInterval,
			core.DataTypeTrades:    cfg.Subscription.TradesPollInterval,
			core.DataTypeKlines:    cfg.Subscription.KlinesPollInterval,
		},
		FailureThreshold: cfg.Subscription.FailureThreshold,
	}, e.connectors, e.eventBus, logger)

	e.stateMgr = strategy.NewStateManager(strategy.StateManagerOptions{
		CacheTTL:         cfg.StateManager.CacheTimeout,
		AutosaveInterval: cfg.StateManager.AutosaveInterval,
		MaxRecoveryTime:  cfg.StateManager.MaxRecoveryTime,
	}, stateStore, orderStore, e.orders, e.connectors, logger)

	limits, err := parseRiskLimits(cfg.Risk)
	if err != nil {
		return nil, err
	}
	e.riskMgr = risk.NewManager(limits, e.orders, e.eventBus, logger)
	e.riskMgr.SetEmergencyStop(e.EmergencyStop)

	e.runtime = strategy.NewRuntime(strategy.RuntimeOptions{}, e.eventBus, e.subs,
		e.stateMgr, e.connectors, e, logger)

	e.poller = account.NewPoller(cfg.AccountPoll.Interval, e.connectors, e.eventBus, snapStore, logger)

	retryPolicy := retrypolicy.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool {
			return err != nil && apperrors.IsRetryable(err)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()
	breaker := circuitbreaker.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool {
			return err != nil && apperrors.IsRetryable(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()
	e.placement = failsafe.With[*core.Order](retryPolicy, breaker)

	return e, nil
}

func (e *Engine) openStorage() (core.OrderStore, core.StrategyStateStore, core.SnapshotStore, error) {
	switch e.cfg.Storage.Driver {
	case "memory":
		mem := store.NewMemoryStore()
		return mem, mem, mem, nil
	default:
		db, err := store.NewSQLiteStore(e.cfg.Storage.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open storage: %w", err)
		}
		e.storage = db
		return db, db, db, nil
	}
}

func buildConnector(name string, cfg config.ExchangeConfig, logger core.ILogger) (core.ExchangeConnector, error) {
	switch cfg.Driver {
	case "binance":
		return binanceex.New(binanceex.Config{
			APIKey:    cfg.APIKey,
			SecretKey: cfg.SecretKey,
			BaseURL:   cfg.BaseURL,
			Testnet:   cfg.Testnet,
		}, logger), nil
	case "mock":
		return mockex.NewExchange(name), nil
	default:
		return nil, fmt.Errorf("unknown exchange driver %q for %s", cfg.Driver, name)
	}
}

func parseRiskLimits(cfg config.RiskConfig) (core.RiskLimits, error) {
	limits := core.RiskLimits{
		MaxOpenPositions: cfg.MaxOpenPositions,
		MaxLeverage:      cfg.MaxLeverage,
	}
	var err error
	if cfg.MaxPositionSize != "" {
		if limits.MaxPositionSize, err = decimal.NewFromString(cfg.MaxPositionSize); err != nil {
			return limits, fmt.Errorf("risk.max_position_size: %w", err)
		}
	}
	if cfg.MaxDailyLoss != "" {
		if limits.MaxDailyLoss, err = decimal.NewFromString(cfg.MaxDailyLoss); err != nil {
			return limits, fmt.Errorf("risk.max_daily_loss: %w", err)
		}
	}
	if cfg.MaxDrawdown != "" {
		if limits.MaxDrawdown, err = decimal.NewFromString(cfg.MaxDrawdown); err != nil {
			return limits, fmt.Errorf("risk.max_drawdown: %w", err)
		}
	}
	return limits, nil
}

// Start connects the exchanges and brings up every component, then registers
// the configured strategies. Strategy recovery runs inside Register.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	e.logger.Info("Starting trading engine")

	g, gctx := errgroup.WithContext(ctx)
	for name, conn := range e.connectors {
		name, conn := name, conn
		g.Go(func() error {
			if err := conn.Connect(gctx); err != nil {
				e.logger.Error("Exchange connection failed", "exchange", name, "error", err)
				e.eventBus.Publish(bus.EventExchangeError, bus.ExchangePayload{
					Exchange: name, Reason: err.Error(),
				})
				return nil
			}
			e.eventBus.Publish(bus.EventExchangeConnected, bus.ExchangePayload{Exchange: name})
			return nil
		})
	}
	_ = g.Wait()

	for _, conn := range e.connectors {
		if conn.IsConnected() {
			e.consumeOrderStream(runCtx, conn)
		}
	}

	e.syncSvc.Start(runCtx)
	e.poller.Start(runCtx)
	e.stateMgr.StartAutosave(runCtx)

	for _, sc := range e.cfg.Strategies {
		cfg := toStrategyConfig(sc)
		factory, ok := builtinStrategies[sc.Name]
		if !ok {
			e.logger.Error("Unknown strategy", "strategy_id", sc.ID, "name", sc.Name)
			continue
		}
		if err := e.runtime.Register(ctx, cfg, factory()); err != nil {
			e.logger.Error("Strategy registration failed", "strategy_id", sc.ID, "error", err)
			continue
		}
		e.mu.Lock()
		e.strategies[sc.ID] = cfg
		e.mu.Unlock()
	}

	e.eventBus.Publish(bus.EventEngineStarted, bus.EnginePayload{Message: "trading engine started"})
	e.logger.Info("Trading engine started",
		"exchanges", len(e.connectors), "strategies", len(e.cfg.Strategies))
	return nil
}

// Stop shuts the engine down under the configured timeout: strategies first
// so their final snapshots land, then the background loops, then the venues.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		cancel := e.cancel
		e.mu.Unlock()

		e.logger.Info("Stopping trading engine")
		ctx, cancelTimeout := context.WithTimeout(context.Background(), e.cfg.Engine.ShutdownTimeout)
		defer cancelTimeout()

		e.runtime.StopAll(ctx)
		e.subs.Close()
		e.syncSvc.Stop()
		e.poller.Stop()
		e.stateMgr.StopAutosave(e.cfg.Engine.FinalSaveBudget)

		if cancel != nil {
			cancel()
		}
		e.streamWG.Wait()

		for name, conn := range e.connectors {
			if err := conn.Disconnect(ctx); err != nil {
				e.logger.Warn("Exchange disconnect failed", "exchange", name, "error", err)
			}
			e.eventBus.Publish(bus.EventExchangeDisconnected, bus.ExchangePayload{Exchange: name})
		}

		e.eventBus.Publish(bus.EventEngineStopped, bus.EnginePayload{Message: "trading engine stopped"})
		e.eventBus.Close()

		if e.storage != nil {
			if err := e.storage.Close(); err != nil {
				e.logger.Warn("Storage close failed", "error", err)
			}
		}

		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.logger.Info("Trading engine stopped")
	})
}

// EmergencyStop halts all strategies and cancels every working order. Fired
// by the risk manager on critical violations; safe to call once more from
// operators.
func (e *Engine) EmergencyStop(reason string) {
	e.mu.Lock()
	if e.emergency {
		e.mu.Unlock()
		return
	}
	e.emergency = true
	e.mu.Unlock()

	e.logger.Error("EMERGENCY STOP", "reason", reason)
	e.eventBus.Publish(bus.EventEmergencyStop, bus.RiskPayload{
		Type:     "emergency_stop",
		Severity: bus.RiskSeverityCritical,
		Reason:   reason,
	})

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Engine.ShutdownTimeout)
	defer cancel()

	e.runtime.StopAll(ctx)

	// Best effort: cancel venue-side first, then mark local copies.
	for _, o := range e.orders.GetOpenOrders() {
		conn, ok := e.connectors[o.Exchange]
		if !ok || !conn.IsConnected() {
			continue
		}
		if _, err := conn.CancelOrder(ctx, o.Symbol, o.ID); err != nil {
			e.logger.Warn("Emergency cancel failed", "order_id", o.ID, "error", err)
		}
	}
	cancelled := e.orders.CancelAllOrders(ctx, "")
	e.logger.Warn("Emergency stop complete", "cancelled_orders", len(cancelled))
}

// HandleSignal turns a strategy decision into an exchange order. It is called
// on the strategy's own dispatch goroutine.
func (e *Engine) HandleSignal(ctx context.Context, cfg core.StrategyConfig, result *core.StrategyResult, data *core.MarketData) error {
	var side core.OrderSide
	switch result.Action {
	case core.ActionBuy:
		side = core.OrderSideBuy
	case core.ActionSell:
		side = core.OrderSideSell
	default:
		return nil
	}

	orderType := core.OrderTypeLimit
	tif := core.TimeInForceGTC
	if result.Price.IsZero() {
		orderType = core.OrderTypeMarket
		tif = ""
	}

	req := &core.OrderRequest{
		Symbol:        cfg.Symbol,
		Exchange:      cfg.Exchange,
		Side:          side,
		Type:          orderType,
		TimeInForce:   tif,
		Quantity:      result.Quantity,
		Price:         result.Price,
		ClientOrderID: uuid.NewString(),
		StrategyID:    cfg.ID,
	}

	if err := e.riskMgr.CheckOrder(req); err != nil {
		e.logger.Warn("Order rejected by risk check",
			"strategy_id", cfg.ID, "symbol", cfg.Symbol, "error", err)
		return err
	}

	conn, ok := e.connectors[cfg.Exchange]
	if !ok {
		return fmt.Errorf("exchange %q not configured", cfg.Exchange)
	}
	if !conn.IsConnected() {
		return apperrors.ErrNotConnected
	}

	placed, err := e.placement.WithContext(ctx).Get(func() (*core.Order, error) {
		return conn.PlaceOrder(ctx, req)
	})
	if err != nil {
		e.logger.Error("Order placement failed",
			"strategy_id", cfg.ID, "symbol", cfg.Symbol, "side", string(side), "error", err)
		return err
	}

	placed.StrategyID = cfg.ID
	if err := e.orders.AddOrder(ctx, placed); err != nil && !errors.Is(err, apperrors.ErrDuplicateOrder) {
		e.noteOrderFailure(err)
		return err
	}

	e.logger.Info("Order placed",
		"strategy_id", cfg.ID, "order_id", placed.ID, "symbol", placed.Symbol,
		"side", string(placed.Side), "type", string(placed.Type),
		"quantity", placed.Quantity.String(), "price", placed.Price.String())
	return nil
}

// consumeOrderStream funnels one venue's order updates into the manager so
// both paths share the duplicate-suppression gate.
func (e *Engine) consumeOrderStream(ctx context.Context, conn core.ExchangeConnector) {
	updates, err := conn.SubscribeOrderUpdates(ctx)
	if err != nil {
		e.logger.Warn("Order update stream unavailable, relying on sync",
			"exchange", conn.Name(), "error", err)
		return
	}

	e.streamWG.Add(1)
	go func() {
		defer e.streamWG.Done()
		for o := range updates {
			e.applyExchangeOrder(ctx, o)
		}
	}()
}

func (e *Engine) applyExchangeOrder(ctx context.Context, o *core.Order) {
	if existing, ok := e.orders.GetOrder(o.ID); ok {
		status := o.Status
		patch := order.Patch{
			Status:      &status,
			ExecutedQty: &o.ExecutedQty,
			CumQuoteQty: &o.CumQuoteQty,
			UpdateTime:  o.UpdateTime,
			Fills:       o.Fills,
		}
		if !o.AvgPrice.IsZero() {
			patch.AvgPrice = &o.AvgPrice
		}
		_, err := e.orders.UpdateOrder(ctx, existing.ID, patch)
		if err != nil && !errors.Is(err, order.ErrStaleUpdate) && !errors.Is(err, order.ErrTerminalOrder) {
			e.logger.Warn("Order stream update failed", "order_id", o.ID, "error", err)
			e.noteOrderFailure(err)
		}
		return
	}

	// Unknown id: backfill strategy attribution from the client order id if
	// the placement response raced the stream.
	if o.StrategyID == "" {
		if local, ok := e.orders.GetByClientOrderID(o.ClientOrderID); ok && o.ClientOrderID != "" {
			o.StrategyID = local.StrategyID
		}
	}
	if err := e.orders.AddOrder(ctx, o); err != nil && !errors.Is(err, apperrors.ErrDuplicateOrder) {
		e.logger.Warn("Order stream add failed", "order_id", o.ID, "error", err)
		e.noteOrderFailure(err)
	}
}

// noteOrderFailure escalates order invariant violations: the tracked set can
// no longer be trusted, which the risk model treats as a critical condition.
func (e *Engine) noteOrderFailure(err error) {
	var iv *apperrors.InvariantViolation
	if errors.As(err, &iv) {
		e.EmergencyStop(iv.Error())
	}
}

// Status reports a point-in-time summary.
func (e *Engine) Status() Status {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	exchanges := make(map[string]bool, len(e.connectors))
	for name, conn := range e.connectors {
		exchanges[name] = conn.IsConnected()
	}
	published, dropped, _ := e.eventBus.Stats()
	return Status{
		Running:         running,
		Exchanges:       exchanges,
		Strategies:      e.runtime.List(),
		Orders:          e.orders.Stats(),
		EventsPublished: published,
		EventsDropped:   dropped,
		SyncStats:       e.syncSvc.Stats(),
	}
}

// Bus exposes the event hub for operators and tests.
func (e *Engine) Bus() *bus.Bus { return e.eventBus }

// Orders exposes the order manager.
func (e *Engine) Orders() *order.Manager { return e.orders }

func toStrategyConfig(sc config.StrategyConfig) core.StrategyConfig {
	return core.StrategyConfig{
		ID:            sc.ID,
		Name:          sc.Name,
		Symbol:        sc.Symbol,
		Exchange:      sc.Exchange,
		LongOnly:      sc.LongOnly,
		Parameters:    sc.Parameters,
		Subscriptions: toRequirements(sc.Subscriptions),
		InitialData:   toRequirements(sc.InitialData),
	}
}

func toRequirements(in []config.DataRequirementConfig) []core.DataRequirement {
	out := make([]core.DataRequirement, 0, len(in))
	for _, r := range in {
		out = append(out, core.DataRequirement{
			DataType: core.MarketDataType(r.DataType),
			Interval: r.Interval,
			Depth:    r.Depth,
			Limit:    r.Limit,
			Method:   r.Method,
		})
	}
	return out
}
