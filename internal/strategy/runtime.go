package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading_core/internal/bus"
	"trading_core/internal/core"
	"trading_core/internal/subscription"
	apperrors "trading_core/pkg/errors"
	"trading_core/pkg/telemetry"
)

// Status is the lifecycle state of a registered strategy.
type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

const (
	defaultErrorThreshold = 5
	defaultErrorWindow    = 60 * time.Second
	defaultHistoryLimit   = 100
)

// SignalHandler receives non-hold results produced by Analyze. The engine
// implements it with the risk check and order placement.
type SignalHandler interface {
	HandleSignal(ctx context.Context, cfg core.StrategyConfig, result *core.StrategyResult, data *core.MarketData) error
}

// RuntimeOptions tunes the runtime. Zero values select defaults.
type RuntimeOptions struct {
	// ErrorThreshold errors within ErrorWindow pause the strategy.
	ErrorThreshold int
	ErrorWindow    time.Duration
}

// runner is the per-strategy dispatch state. Events for one strategy are
// handled on that strategy's bus consumer goroutine, so Analyze calls are
// serialized per strategy and concurrent across strategies.
type runner struct {
	cfg   core.StrategyConfig
	strat core.Strategy

	mu        sync.Mutex
	status    Status
	ticker    *core.Ticker
	orderBook *core.OrderBook
	trades    *core.RingBuffer[core.Trade]
	klines    map[string]*core.RingBuffer[core.Kline]
	// Error timestamps inside the pause window.
	errorTimes *core.RingBuffer[time.Time]
	lastResult *core.StrategyResult
}

// Runtime owns the registered strategies: initialization, recovery,
// subscription wiring, event dispatch, and the pause-on-errors policy.
type Runtime struct {
	opts       RuntimeOptions
	eventBus   *bus.Bus
	subs       *subscription.Manager
	stateMgr   *StateManager
	connectors map[string]core.ExchangeConnector
	handler    SignalHandler
	logger     core.ILogger

	mu      sync.RWMutex
	runners map[string]*runner
}

// NewRuntime creates the strategy runtime.
func NewRuntime(opts RuntimeOptions, eventBus *bus.Bus, subs *subscription.Manager, stateMgr *StateManager, connectors map[string]core.ExchangeConnector, handler SignalHandler, logger core.ILogger) *Runtime {
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = defaultErrorThreshold
	}
	if opts.ErrorWindow <= 0 {
		opts.ErrorWindow = defaultErrorWindow
	}
	return &Runtime{
		opts:       opts,
		eventBus:   eventBus,
		subs:       subs,
		stateMgr:   stateMgr,
		connectors: connectors,
		handler:    handler,
		logger:     logger.WithField("component", "strategy_runtime"),
		runners:    make(map[string]*runner),
	}
}

// Register brings one strategy online: recover its state, restore and
// initialize the strategy, prime initial data, establish subscriptions, and
// start dispatching events to it.
func (r *Runtime) Register(ctx context.Context, cfg core.StrategyConfig, strat core.Strategy) error {
	r.mu.Lock()
	if _, exists := r.runners[cfg.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("strategy %s already registered", cfg.ID)
	}
	r.mu.Unlock()

	recovery, err := r.stateMgr.RecoverStrategyState(ctx, cfg)
	if err != nil {
		return fmt.Errorf("recover strategy %s: %w", cfg.ID, err)
	}
	if recovery.State != nil {
		if err := strat.RestoreState(recovery.State); err != nil {
			return &apperrors.StateError{StrategyID: cfg.ID, Message: "restore failed", Err: err}
		}
	}
	strat.SetRecoveryContext(&core.RecoveryContext{
		Position:     recovery.TotalPosition,
		AveragePrice: recovery.AveragePrice,
		OpenOrders:   recovery.OpenOrders,
	})

	if err := strat.Initialize(ctx, cfg); err != nil {
		return fmt.Errorf("initialize strategy %s: %w", cfg.ID, err)
	}

	// An error-severity recovery issue means the resumable context could not
	// be trusted; the strategy comes up paused and waits for a manual Resume.
	startStatus := StatusRunning
	for _, issue := range recovery.Issues {
		if issue.Severity == core.IssueError {
			startStatus = StatusPaused
		}
	}

	run := &runner{
		cfg:        cfg,
		strat:      strat,
		status:     startStatus,
		trades:     core.NewRingBuffer[core.Trade](defaultHistoryLimit),
		klines:     make(map[string]*core.RingBuffer[core.Kline]),
		errorTimes: core.NewRingBuffer[time.Time](r.opts.ErrorThreshold),
	}
	for _, req := range cfg.Subscriptions {
		if req.DataType == core.DataTypeKlines {
			limit := req.Limit
			if limit <= 0 {
				limit = defaultHistoryLimit
			}
			run.klines[req.Interval] = core.NewRingBuffer[core.Kline](limit)
		}
		if req.DataType == core.DataTypeTrades && req.Limit > 0 {
			run.trades = core.NewRingBuffer[core.Trade](req.Limit)
		}
	}

	if err := r.primeInitialData(ctx, run); err != nil {
		return err
	}

	if err := r.subs.Subscribe(cfg.ID, cfg.Exchange, cfg.Symbol, cfg.Subscriptions); err != nil {
		return err
	}

	r.mu.Lock()
	r.runners[cfg.ID] = run
	r.mu.Unlock()

	r.stateMgr.Register(cfg.ID, strat.SaveState)
	r.eventBus.Subscribe(subscriberName(cfg.ID), bus.HandlerFunc(func(evt bus.Event) {
		r.dispatch(run, evt)
	}),
		bus.EventTickerUpdate, bus.EventOrderBookUpdate, bus.EventTradeUpdate, bus.EventKlineUpdate,
		bus.EventOrderCreated, bus.EventOrderPartiallyFilled, bus.EventOrderFilled,
		bus.EventOrderCancelled, bus.EventOrderRejected, bus.EventOrderExpired,
	)

	if startStatus == StatusPaused {
		r.logger.Warn("Strategy registered paused after recovery errors",
			"strategy_id", cfg.ID, "issues", len(recovery.Issues))
	} else {
		r.logger.Info("Strategy registered",
			"strategy_id", cfg.ID, "name", cfg.Name,
			"symbol", cfg.Symbol, "exchange", cfg.Exchange)
	}
	return nil
}

// Stop takes a strategy offline: stop dispatch, release subscriptions, save
// a final snapshot, and run Cleanup. State is retained for a later restart.
func (r *Runtime) Stop(ctx context.Context, strategyID string) error {
	r.mu.Lock()
	run, ok := r.runners[strategyID]
	if ok {
		delete(r.runners, strategyID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("strategy %s not registered", strategyID)
	}

	r.eventBus.Unsubscribe(subscriberName(strategyID))
	r.subs.Unsubscribe(strategyID)

	run.mu.Lock()
	run.status = StatusStopped
	run.mu.Unlock()

	if state, err := run.strat.SaveState(); err == nil && state != nil {
		state.StrategyID = strategyID
		if serr := r.stateMgr.SaveState(ctx, state); serr != nil {
			r.logger.Warn("Final snapshot failed", "strategy_id", strategyID, "error", serr)
		}
	}
	r.stateMgr.Unregister(strategyID)

	if err := run.strat.Cleanup(); err != nil {
		r.logger.Warn("Strategy cleanup failed", "strategy_id", strategyID, "error", err)
	}

	r.logger.Info("Strategy stopped", "strategy_id", strategyID)
	return nil
}

// Pause stops event delivery to a strategy while keeping its state.
func (r *Runtime) Pause(strategyID string) error {
	return r.setStatus(strategyID, StatusPaused)
}

// Resume restarts event delivery to a paused strategy and clears its error
// window.
func (r *Runtime) Resume(strategyID string) error {
	r.mu.RLock()
	run, ok := r.runners[strategyID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("strategy %s not registered", strategyID)
	}
	run.mu.Lock()
	run.status = StatusRunning
	run.errorTimes = core.NewRingBuffer[time.Time](r.opts.ErrorThreshold)
	run.mu.Unlock()
	r.logger.Info("Strategy resumed", "strategy_id", strategyID)
	return nil
}

// StopAll takes every strategy offline, used during engine shutdown and
// emergency stop.
func (r *Runtime) StopAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.runners))
	for id := range r.runners {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Stop(ctx, id); err != nil {
			r.logger.Warn("Stop failed during shutdown", "strategy_id", id, "error", err)
		}
	}
}

// Status reports the lifecycle state of one strategy.
func (r *Runtime) Status(strategyID string) (Status, bool) {
	r.mu.RLock()
	run, ok := r.runners[strategyID]
	r.mu.RUnlock()
	if !ok {
		return StatusStopped, false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.status, true
}

// List returns the registered strategy ids with their states.
func (r *Runtime) List() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.runners))
	for id, run := range r.runners {
		run.mu.Lock()
		out[id] = run.status
		run.mu.Unlock()
	}
	return out
}

// primeInitialData loads declared history (kline priming) before the first
// Analyze call.
func (r *Runtime) primeInitialData(ctx context.Context, run *runner) error {
	conn, ok := r.connectors[run.cfg.Exchange]
	if !ok {
		return fmt.Errorf("strategy %s: unknown exchange %q", run.cfg.ID, run.cfg.Exchange)
	}

	for _, req := range run.cfg.InitialData {
		if req.DataType != core.DataTypeKlines {
			continue
		}
		limit := req.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		bars, err := conn.GetKlines(ctx, run.cfg.Symbol, req.Interval, time.Time{}, time.Time{}, limit)
		if err != nil {
			return fmt.Errorf("strategy %s: prime %s klines: %w", run.cfg.ID, req.Interval, err)
		}
		ring, ok := run.klines[req.Interval]
		if !ok {
			ring = core.NewRingBuffer[core.Kline](limit)
			run.klines[req.Interval] = ring
		}
		for _, b := range bars {
			ring.Push(b)
		}
	}
	return nil
}

// dispatch runs on the strategy's bus consumer goroutine. It folds the event
// into the market snapshot and, when relevant, hands the snapshot to Analyze.
func (r *Runtime) dispatch(run *runner, evt bus.Event) {
	run.mu.Lock()
	if run.status != StatusRunning {
		run.mu.Unlock()
		return
	}

	data, relevant := r.applyEvent(run, evt)
	run.mu.Unlock()

	if !relevant {
		return
	}

	result, err := run.strat.Analyze(data)
	if err != nil {
		r.noteAnalyzeError(run, err)
		return
	}
	if result == nil {
		return
	}

	run.mu.Lock()
	run.lastResult = result
	run.mu.Unlock()

	if result.Action == core.ActionHold {
		return
	}

	r.eventBus.Publish(bus.EventStrategySignal, bus.SignalPayload{
		StrategyID: run.cfg.ID,
		Action:     result.Action,
		Quantity:   result.Quantity,
		Price:      result.Price,
		Confidence: result.Confidence,
		Reason:     result.Reason,
	})

	if r.handler != nil {
		if err := r.handler.HandleSignal(context.Background(), run.cfg, result, data); err != nil {
			r.logger.Warn("Signal handling failed",
				"strategy_id", run.cfg.ID, "action", string(result.Action), "error", err)
			return
		}
	}

	// The intent was accepted; persist the post-signal snapshot.
	if state, err := run.strat.SaveState(); err == nil && state != nil {
		state.StrategyID = run.cfg.ID
		state.LastSignal = result.Action
		state.SignalTime = time.Now()
		if serr := r.stateMgr.SaveState(context.Background(), state); serr != nil {
			r.logger.Warn("Post-signal snapshot failed", "strategy_id", run.cfg.ID, "error", serr)
		}
	}
}

// applyEvent folds one event into the runner's market snapshot under
// run.mu and reports whether it should trigger Analyze.
func (r *Runtime) applyEvent(run *runner, evt bus.Event) (*core.MarketData, bool) {
	switch evt.Kind {
	case bus.EventTickerUpdate, bus.EventOrderBookUpdate, bus.EventTradeUpdate, bus.EventKlineUpdate:
		payload, ok := evt.Payload.(bus.MarketDataPayload)
		if !ok || payload.Symbol != run.cfg.Symbol || payload.Exchange != run.cfg.Exchange {
			return nil, false
		}
		update := payload.Update
		switch {
		case update.Ticker != nil:
			run.ticker = update.Ticker
		case update.OrderBook != nil:
			run.orderBook = update.OrderBook
		case update.Trade != nil:
			run.trades.Push(*update.Trade)
		case update.Kline != nil:
			ring, ok := run.klines[update.Kline.Interval]
			if !ok {
				ring = core.NewRingBuffer[core.Kline](defaultHistoryLimit)
				run.klines[update.Kline.Interval] = ring
			}
			// A forming bar replaces the previous forming bar for the
			// same open time instead of appending.
			if last, ok := ring.Last(); ok && last.OpenTime.Equal(update.Kline.OpenTime) {
				ring.ReplaceLast(*update.Kline)
			} else {
				ring.Push(*update.Kline)
			}
		}
		return r.snapshot(run, nil, evt.Timestamp), true

	case bus.EventOrderCreated, bus.EventOrderPartiallyFilled, bus.EventOrderFilled,
		bus.EventOrderCancelled, bus.EventOrderRejected, bus.EventOrderExpired:
		o, ok := evt.Payload.(*core.Order)
		if !ok || o.StrategyID != run.cfg.ID {
			return nil, false
		}
		return r.snapshot(run, o, evt.Timestamp), true
	}
	return nil, false
}

// snapshot builds the MarketData handed to Analyze. Must run under run.mu.
func (r *Runtime) snapshot(run *runner, orderUpdate *core.Order, ts time.Time) *core.MarketData {
	klines := make(map[string][]core.Kline, len(run.klines))
	for interval, ring := range run.klines {
		klines[interval] = ring.Items()
	}
	return &core.MarketData{
		Symbol:      run.cfg.Symbol,
		Exchange:    run.cfg.Exchange,
		Ticker:      run.ticker,
		OrderBook:   run.orderBook,
		Trades:      run.trades.Items(),
		Klines:      klines,
		OrderUpdate: orderUpdate,
		Timestamp:   ts,
	}
}

// noteAnalyzeError publishes strategy_error and pauses the strategy when the
// error rate exceeds the threshold inside the window.
func (r *Runtime) noteAnalyzeError(run *runner, err error) {
	serr := &apperrors.StrategyError{StrategyID: run.cfg.ID, Err: err}
	r.logger.Error("Analyze failed", "strategy_id", run.cfg.ID, "error", err)
	if m := telemetry.GetGlobalMetrics(); m.Ready() {
		m.StrategyErrorsTotal.Add(context.Background(), 1)
	}

	r.eventBus.Publish(bus.EventStrategyError, bus.StrategyErrorPayload{
		StrategyID: run.cfg.ID,
		Reason:     serr.Error(),
	})

	now := time.Now()
	run.mu.Lock()
	run.errorTimes.Push(now)
	shouldPause := false
	if run.errorTimes.Len() >= r.opts.ErrorThreshold {
		oldest := run.errorTimes.At(0)
		shouldPause = now.Sub(oldest) <= r.opts.ErrorWindow
	}
	if shouldPause {
		run.status = StatusPaused
	}
	run.mu.Unlock()

	if shouldPause {
		r.logger.Warn("Strategy paused after repeated errors",
			"strategy_id", run.cfg.ID,
			"threshold", r.opts.ErrorThreshold,
			"window", r.opts.ErrorWindow.String())
	}
}

func (r *Runtime) setStatus(strategyID string, status Status) error {
	r.mu.RLock()
	run, ok := r.runners[strategyID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("strategy %s not registered", strategyID)
	}
	run.mu.Lock()
	run.status = status
	run.mu.Unlock()
	r.logger.Info("Strategy state changed", "strategy_id", strategyID, "status", string(status))
	return nil
}

func subscriberName(strategyID string) string {
	return "strategy:" + strategyID
}
