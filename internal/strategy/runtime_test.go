package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trading_core/internal/bus"
	"trading_core/internal/core"
	"trading_core/internal/exchange/mock"
	"trading_core/internal/order"
	"trading_core/internal/store"
	"trading_core/internal/subscription"
	"trading_core/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStrategy lets tests script Analyze and observe the contract calls the
// runtime makes.
type stubStrategy struct {
	mu        sync.Mutex
	analyzeFn func(*core.MarketData) (*core.StrategyResult, error)
	analyzed  int
	recovery  *core.RecoveryContext
	cleaned   bool
}

func (s *stubStrategy) Initialize(ctx context.Context, cfg core.StrategyConfig) error { return nil }

func (s *stubStrategy) Analyze(data *core.MarketData) (*core.StrategyResult, error) {
	s.mu.Lock()
	s.analyzed++
	fn := s.analyzeFn
	s.mu.Unlock()
	if fn == nil {
		return &core.StrategyResult{Action: core.ActionHold}, nil
	}
	return fn(data)
}

func (s *stubStrategy) SaveState() (*core.StrategyState, error) {
	return &core.StrategyState{InternalState: map[string]string{"stub": "yes"}}, nil
}

func (s *stubStrategy) RestoreState(state *core.StrategyState) error { return nil }

func (s *stubStrategy) SetRecoveryContext(rc *core.RecoveryContext) {
	s.mu.Lock()
	s.recovery = rc
	s.mu.Unlock()
}

func (s *stubStrategy) Cleanup() error {
	s.mu.Lock()
	s.cleaned = true
	s.mu.Unlock()
	return nil
}

func (s *stubStrategy) analyzeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analyzed
}

type stubHandler struct {
	mu      sync.Mutex
	calls   int
	lastCfg core.StrategyConfig
	err     error
}

func (h *stubHandler) HandleSignal(ctx context.Context, cfg core.StrategyConfig, result *core.StrategyResult, data *core.MarketData) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.lastCfg = cfg
	return h.err
}

func (h *stubHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type runtimeFixture struct {
	runtime  *Runtime
	stateMgr *StateManager
	subs     *subscription.Manager
	bus      *bus.Bus
	handler  *stubHandler
	exchange *mock.Exchange
}

func newRuntimeFixture(t *testing.T, opts RuntimeOptions) *runtimeFixture {
	t.Helper()
	b := bus.New(bus.DefaultOptions(), logging.NewNop())
	t.Cleanup(b.Close)

	ex := mock.NewExchange("mock")
	require.NoError(t, ex.Connect(context.Background()))
	connectors := map[string]core.ExchangeConnector{"mock": ex}

	orders := order.NewManager(b, nil, logging.NewNop())
	subs := subscription.NewManager(subscription.Options{}, connectors, b, logging.NewNop())
	t.Cleanup(subs.Close)
	sm := NewStateManager(StateManagerOptions{}, store.NewMemoryStore(), nil, orders, connectors, logging.NewNop())
	handler := &stubHandler{}

	return &runtimeFixture{
		runtime:  NewRuntime(opts, b, subs, sm, connectors, handler, logging.NewNop()),
		stateMgr: sm,
		subs:     subs,
		bus:      b,
		handler:  handler,
		exchange: ex,
	}
}

func runtimeCfg(id string) core.StrategyConfig {
	return core.StrategyConfig{
		ID:            id,
		Name:          "stub",
		Symbol:        "BTC/USDT",
		Exchange:      "mock",
		Subscriptions: []core.DataRequirement{{DataType: core.DataTypeTicker}},
	}
}

func publishTicker(b *bus.Bus, symbol string, price int64) {
	b.Publish(bus.EventTickerUpdate, bus.MarketDataPayload{
		Exchange: "mock",
		Symbol:   symbol,
		Update: core.MarketUpdate{
			Ticker:    &core.Ticker{Symbol: symbol, Exchange: "mock", LastPrice: decimal.NewFromInt(price)},
			Timestamp: time.Now(),
		},
	})
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}

func TestRuntime_RegisterWiresStrategy(t *testing.T) {
	fx := newRuntimeFixture(t, RuntimeOptions{})
	strat := &stubStrategy{}
	ctx := context.Background()

	require.NoError(t, fx.runtime.Register(ctx, runtimeCfg("s1"), strat))

	status, ok := fx.runtime.Status("s1")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, status)
	assert.Equal(t, 1, fx.subs.ActiveFeeds())
	assert.NotNil(t, strat.recovery, "recovery context handed over before first event")

	err := fx.runtime.Register(ctx, runtimeCfg("s1"), &stubStrategy{})
	assert.Error(t, err)
}

func TestRuntime_RecoveryBudgetOverrunStartsPaused(t *testing.T) {
	b := bus.New(bus.DefaultOptions(), logging.NewNop())
	t.Cleanup(b.Close)
	ex := mock.NewExchange("mock")
	require.NoError(t, ex.Connect(context.Background()))
	connectors := map[string]core.ExchangeConnector{"mock": ex}
	orders := order.NewManager(b, nil, logging.NewNop())
	subs := subscription.NewManager(subscription.Options{}, connectors, b, logging.NewNop())
	t.Cleanup(subs.Close)

	// A nanosecond budget guarantees the recovery overruns it.
	sm := NewStateManager(StateManagerOptions{MaxRecoveryTime: time.Nanosecond},
		store.NewMemoryStore(), nil, orders, connectors, logging.NewNop())
	rt := NewRuntime(RuntimeOptions{}, b, subs, sm, connectors, &stubHandler{}, logging.NewNop())

	strat := &stubStrategy{}
	require.NoError(t, rt.Register(context.Background(), runtimeCfg("s1"), strat))

	status, ok := rt.Status("s1")
	require.True(t, ok)
	assert.Equal(t, StatusPaused, status, "untrusted recovery must not start the strategy")

	// Nothing is delivered until someone resumes it.
	publishTicker(b, "BTC/USDT", 100)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, strat.analyzeCount())

	require.NoError(t, rt.Resume("s1"))
	publishTicker(b, "BTC/USDT", 101)
	waitUntil(t, func() bool { return strat.analyzeCount() == 1 }, "delivery after manual resume")
}

func TestRuntime_MarketEventsReachAnalyze(t *testing.T) {
	fx := newRuntimeFixture(t, RuntimeOptions{})
	strat := &stubStrategy{}
	require.NoError(t, fx.runtime.Register(context.Background(), runtimeCfg("s1"), strat))

	for i := 0; i < 5; i++ {
		publishTicker(fx.bus, "BTC/USDT", 100+int64(i))
	}
	waitUntil(t, func() bool { return strat.analyzeCount() == 5 }, "all ticker events analyzed")
}

func TestRuntime_ForeignSymbolFilteredOut(t *testing.T) {
	fx := newRuntimeFixture(t, RuntimeOptions{})
	strat := &stubStrategy{}
	require.NoError(t, fx.runtime.Register(context.Background(), runtimeCfg("s1"), strat))

	publishTicker(fx.bus, "ETH/USDT", 100)
	publishTicker(fx.bus, "BTC/USDT", 100)

	waitUntil(t, func() bool { return strat.analyzeCount() == 1 }, "only own symbol analyzed")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, strat.analyzeCount())
}

func TestRuntime_SignalFlowsToHandlerAndSnapshot(t *testing.T) {
	fx := newRuntimeFixture(t, RuntimeOptions{})
	ctx := context.Background()

	strat := &stubStrategy{
		analyzeFn: func(data *core.MarketData) (*core.StrategyResult, error) {
			return &core.StrategyResult{
				Action:   core.ActionBuy,
				Quantity: decimal.NewFromInt(1),
				Price:    decimal.NewFromInt(100),
				Reason:   "test signal",
			}, nil
		},
	}
	require.NoError(t, fx.runtime.Register(ctx, runtimeCfg("s1"), strat))

	publishTicker(fx.bus, "BTC/USDT", 100)
	waitUntil(t, func() bool { return fx.handler.callCount() == 1 }, "handler invoked")

	// The accepted intent is followed by a persisted snapshot.
	waitUntil(t, func() bool {
		state, err := fx.stateMgr.GetState(ctx, "s1")
		return err == nil && state != nil && state.LastSignal == core.ActionBuy
	}, "post-signal snapshot saved")
}

func TestRuntime_RejectedSignalSkipsSnapshot(t *testing.T) {
	fx := newRuntimeFixture(t, RuntimeOptions{})
	ctx := context.Background()
	fx.handler.err = errors.New("risk limit breached")

	strat := &stubStrategy{
		analyzeFn: func(data *core.MarketData) (*core.StrategyResult, error) {
			return &core.StrategyResult{Action: core.ActionBuy, Quantity: decimal.NewFromInt(1)}, nil
		},
	}
	require.NoError(t, fx.runtime.Register(ctx, runtimeCfg("s1"), strat))

	publishTicker(fx.bus, "BTC/USDT", 100)
	waitUntil(t, func() bool { return fx.handler.callCount() == 1 }, "handler invoked")
	time.Sleep(20 * time.Millisecond)

	state, err := fx.stateMgr.GetState(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, state, "rejected intent must not persist a snapshot")
}

func TestRuntime_PausesAfterRepeatedAnalyzeErrors(t *testing.T) {
	fx := newRuntimeFixture(t, RuntimeOptions{ErrorThreshold: 3, ErrorWindow: time.Minute})

	strat := &stubStrategy{
		analyzeFn: func(data *core.MarketData) (*core.StrategyResult, error) {
			return nil, errors.New("indicator blew up")
		},
	}
	require.NoError(t, fx.runtime.Register(context.Background(), runtimeCfg("s1"), strat))

	for i := 0; i < 3; i++ {
		publishTicker(fx.bus, "BTC/USDT", 100)
	}
	waitUntil(t, func() bool {
		status, _ := fx.runtime.Status("s1")
		return status == StatusPaused
	}, "strategy paused at error threshold")

	// A paused strategy receives nothing further.
	before := strat.analyzeCount()
	publishTicker(fx.bus, "BTC/USDT", 101)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, strat.analyzeCount())

	// Resume clears the error window and restores delivery.
	require.NoError(t, fx.runtime.Resume("s1"))
	publishTicker(fx.bus, "BTC/USDT", 102)
	waitUntil(t, func() bool { return strat.analyzeCount() == before+1 }, "delivery resumed")
}

func TestRuntime_PauseAndResume(t *testing.T) {
	fx := newRuntimeFixture(t, RuntimeOptions{})
	strat := &stubStrategy{}
	require.NoError(t, fx.runtime.Register(context.Background(), runtimeCfg("s1"), strat))

	require.NoError(t, fx.runtime.Pause("s1"))
	publishTicker(fx.bus, "BTC/USDT", 100)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, strat.analyzeCount())

	require.NoError(t, fx.runtime.Resume("s1"))
	publishTicker(fx.bus, "BTC/USDT", 101)
	waitUntil(t, func() bool { return strat.analyzeCount() == 1 }, "resumed delivery")

	assert.Error(t, fx.runtime.Pause("ghost"))
}

func TestRuntime_StopSavesStateAndCleansUp(t *testing.T) {
	fx := newRuntimeFixture(t, RuntimeOptions{})
	ctx := context.Background()
	strat := &stubStrategy{}
	require.NoError(t, fx.runtime.Register(ctx, runtimeCfg("s1"), strat))

	require.NoError(t, fx.runtime.Stop(ctx, "s1"))

	_, ok := fx.runtime.Status("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, fx.subs.ActiveFeeds())
	assert.True(t, strat.cleaned)

	// The final snapshot survives for the next restart.
	state, err := fx.stateMgr.GetState(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "yes", state.InternalState["stub"])

	assert.Error(t, fx.runtime.Stop(ctx, "s1"))
}

func TestRuntime_StopAllDrainsEveryStrategy(t *testing.T) {
	fx := newRuntimeFixture(t, RuntimeOptions{})
	ctx := context.Background()
	require.NoError(t, fx.runtime.Register(ctx, runtimeCfg("s1"), &stubStrategy{}))
	require.NoError(t, fx.runtime.Register(ctx, runtimeCfg("s2"), &stubStrategy{}))

	fx.runtime.StopAll(ctx)
	assert.Empty(t, fx.runtime.List())
	assert.Equal(t, 0, fx.subs.ActiveFeeds())
}
