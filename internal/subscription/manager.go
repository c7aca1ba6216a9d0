// Package subscription manages refcounted market data feeds over the
// exchange connectors, streaming where the venue supports it and polling
// REST otherwise.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading_core/internal/bus"
	"trading_core/internal/core"
	"trading_core/pkg/retry"
)

// Default poll intervals per data type for the REST fallback.
var defaultPollIntervals = map[core.MarketDataType]time.Duration{
	core.DataTypeTicker:    1 * time.Second,
	core.DataTypeOrderBook: 500 * time.Millisecond,
	core.DataTypeTrades:    2 * time.Second,
	core.DataTypeKlines:    60 * time.Second,
}

// Options tunes the manager. Zero values fall back to defaults.
type Options struct {
	// PollIntervals overrides the per-type REST polling cadence.
	PollIntervals map[core.MarketDataType]time.Duration
	// FailureThreshold is the consecutive failure count that triggers an
	// exchange_error event. Default 5.
	FailureThreshold int
}

func (o *Options) pollInterval(dt core.MarketDataType) time.Duration {
	if d, ok := o.PollIntervals[dt]; ok && d > 0 {
		return d
	}
	if d, ok := defaultPollIntervals[dt]; ok {
		return d
	}
	return time.Second
}

// feed is one upstream subscription shared by all strategies that need the
// same key.
type feed struct {
	key    core.MarketDataKey
	method string // "websocket" or "rest"
	refs   int
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	lastTS  time.Time
	lastSeq int64
	primed  bool
}

// dedup reports whether an update repeats the previous (timestamp, sequence)
// pair for this feed. The stream and poll paths can race on reconnect, so
// the same snapshot may arrive twice.
func (f *feed) dedup(ts time.Time, seq int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.primed && ts.Equal(f.lastTS) && seq == f.lastSeq {
		return true
	}
	f.lastTS, f.lastSeq, f.primed = ts, seq, true
	return false
}

// Manager owns the upstream market data subscriptions. Strategies declare
// requirements; the manager refcounts the resulting keys so that two
// strategies needing the same feed share one upstream subscription, and the
// feed is torn down when the last strategy unsubscribes.
type Manager struct {
	opts       Options
	connectors map[string]core.ExchangeConnector
	eventBus   *bus.Bus
	logger     core.ILogger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	feeds map[core.MarketDataKey]*feed
	// Per-strategy refcounts so Unsubscribe releases exactly what was
	// acquired, even when the same strategy declares a key twice.
	byStrategy map[string]map[core.MarketDataKey]int
}

// NewManager creates a subscription manager over the given connectors,
// keyed by exchange name.
func NewManager(opts Options, connectors map[string]core.ExchangeConnector, eventBus *bus.Bus, logger core.ILogger) *Manager {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:       opts,
		connectors: connectors,
		eventBus:   eventBus,
		logger:     logger.WithField("component", "subscription_manager"),
		ctx:        ctx,
		cancel:     cancel,
		feeds:      make(map[core.MarketDataKey]*feed),
		byStrategy: make(map[string]map[core.MarketDataKey]int),
	}
}

// Key builds the subscription key for a requirement.
func Key(exchange, symbol string, req core.DataRequirement) core.MarketDataKey {
	key := core.MarketDataKey{
		Exchange: exchange,
		Symbol:   symbol,
		DataType: req.DataType,
	}
	switch req.DataType {
	case core.DataTypeKlines:
		key.Interval = req.Interval
		key.Limit = req.Limit
	case core.DataTypeOrderBook:
		key.Depth = req.Depth
	case core.DataTypeTrades:
		key.Limit = req.Limit
	}
	return key
}

// Subscribe acquires feeds for every requirement of a strategy. Feeds
// already running for other strategies are shared; new keys start an
// upstream goroutine. Partially applied subscriptions are rolled back on
// error.
func (m *Manager) Subscribe(strategyID, exchange, symbol string, reqs []core.DataRequirement) error {
	conn, ok := m.connectors[exchange]
	if !ok {
		return fmt.Errorf("subscribe %s: unknown exchange %q", strategyID, exchange)
	}

	acquired := make([]core.MarketDataKey, 0, len(reqs))
	for _, req := range reqs {
		key := Key(exchange, symbol, req)
		if err := m.acquire(strategyID, key, req.Method, conn); err != nil {
			for _, k := range acquired {
				m.release(strategyID, k)
			}
			return err
		}
		acquired = append(acquired, key)
	}
	return nil
}

// Unsubscribe releases every feed held by a strategy. Feeds reaching zero
// references are stopped and their goroutines joined.
func (m *Manager) Unsubscribe(strategyID string) {
	m.mu.Lock()
	held := m.byStrategy[strategyID]
	delete(m.byStrategy, strategyID)
	m.mu.Unlock()

	for key, n := range held {
		for i := 0; i < n; i++ {
			m.release(strategyID, key)
		}
	}
}

// ActiveFeeds returns the number of live upstream subscriptions.
func (m *Manager) ActiveFeeds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.feeds)
}

// Refs returns the reference count for a key, zero when the feed is not
// running.
func (m *Manager) Refs(key core.MarketDataKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.feeds[key]; ok {
		return f.refs
	}
	return 0
}

// Close stops all feeds and waits for their goroutines.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	feeds := make([]*feed, 0, len(m.feeds))
	for _, f := range m.feeds {
		feeds = append(feeds, f)
	}
	m.feeds = make(map[core.MarketDataKey]*feed)
	m.byStrategy = make(map[string]map[core.MarketDataKey]int)
	m.mu.Unlock()

	for _, f := range feeds {
		f.cancel()
		<-f.done
	}
}

func (m *Manager) acquire(strategyID string, key core.MarketDataKey, method string, conn core.ExchangeConnector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.feeds[key]; ok {
		f.refs++
		m.track(strategyID, key)
		return nil
	}

	resolved, err := resolveMethod(method, key.DataType, conn)
	if err != nil {
		return fmt.Errorf("subscribe %s %s/%s: %w", strategyID, key.Exchange, key.Symbol, err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	f := &feed{
		key:    key,
		method: resolved,
		refs:   1,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.feeds[key] = f
	m.track(strategyID, key)

	m.logger.Info("Feed started",
		"exchange", key.Exchange, "symbol", key.Symbol,
		"data_type", string(key.DataType), "method", resolved)

	go m.run(ctx, f, conn)
	return nil
}

func (m *Manager) release(strategyID string, key core.MarketDataKey) {
	m.mu.Lock()
	f, ok := m.feeds[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	if held := m.byStrategy[strategyID]; held != nil {
		if held[key] > 1 {
			held[key]--
		} else {
			delete(held, key)
			if len(held) == 0 {
				delete(m.byStrategy, strategyID)
			}
		}
	}
	f.refs--
	stop := f.refs <= 0
	if stop {
		delete(m.feeds, key)
	}
	m.mu.Unlock()

	if stop {
		f.cancel()
		<-f.done
		m.logger.Info("Feed stopped",
			"exchange", key.Exchange, "symbol", key.Symbol, "data_type", string(key.DataType))
	}
}

// track must run under m.mu.
func (m *Manager) track(strategyID string, key core.MarketDataKey) {
	if m.byStrategy[strategyID] == nil {
		m.byStrategy[strategyID] = make(map[core.MarketDataKey]int)
	}
	m.byStrategy[strategyID][key]++
}

// resolveMethod picks the transport for a feed. "auto" prefers the stream
// when the venue supports it for this data type.
func resolveMethod(method string, dt core.MarketDataType, conn core.ExchangeConnector) (string, error) {
	switch method {
	case "websocket":
		if !conn.SupportsStreaming(dt) {
			return "", fmt.Errorf("exchange %s does not stream %s", conn.Name(), dt)
		}
		return "websocket", nil
	case "rest":
		return "rest", nil
	case "", "auto":
		if conn.SupportsStreaming(dt) {
			return "websocket", nil
		}
		return "rest", nil
	}
	return "", fmt.Errorf("unknown subscription method %q", method)
}

func (m *Manager) run(ctx context.Context, f *feed, conn core.ExchangeConnector) {
	defer close(f.done)
	if f.method == "websocket" {
		m.runStream(ctx, f, conn)
	} else {
		m.runPoll(ctx, f, conn)
	}
}

// runStream consumes the connector stream, re-establishing it with jittered
// backoff when it ends.
func (m *Manager) runStream(ctx context.Context, f *feed, conn core.ExchangeConnector) {
	backoff := retry.PollerPolicy.InitialBackoff
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		ch, err := conn.SubscribeMarketData(ctx, f.key)
		if err != nil {
			failures++
			m.noteFailure(f, failures, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry.Jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		failures = 0
		backoff = retry.PollerPolicy.InitialBackoff

		for update := range ch {
			m.forward(f, update)
		}
		// Channel closed; either ctx is done or the upstream dropped.
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry.Jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

// runPoll fetches the key on a fixed cadence, switching to jittered backoff
// while the venue is failing.
func (m *Manager) runPoll(ctx context.Context, f *feed, conn core.ExchangeConnector) {
	interval := m.opts.pollInterval(f.key.DataType)
	backoff := retry.PollerPolicy.InitialBackoff
	failures := 0

	for {
		update, err := conn.FetchMarketData(ctx, f.key)
		wait := interval
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			m.noteFailure(f, failures, err)
			wait = retry.Jitter(backoff)
			backoff = nextBackoff(backoff)
		} else {
			failures = 0
			backoff = retry.PollerPolicy.InitialBackoff
			if update != nil {
				m.forward(f, *update)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// noteFailure logs every failure and announces exchange_error each time the
// streak reaches a multiple of the threshold, so a persisting outage keeps
// being re-announced. The feed keeps retrying throughout.
func (m *Manager) noteFailure(f *feed, failures int, err error) {
	m.logger.Warn("Feed fetch failed",
		"exchange", f.key.Exchange, "symbol", f.key.Symbol,
		"data_type", string(f.key.DataType), "failures", failures, "error", err)

	if failures > 0 && failures%m.opts.FailureThreshold == 0 {
		m.eventBus.Publish(bus.EventExchangeError, bus.ExchangePayload{
			Exchange: f.key.Exchange,
			Reason: fmt.Sprintf("%d consecutive failures on %s %s: %v",
				failures, f.key.Symbol, f.key.DataType, err),
		})
	}
}

// forward publishes a market update, dropping duplicates by
// (timestamp, sequence) per feed.
func (m *Manager) forward(f *feed, update core.MarketUpdate) {
	if f.dedup(update.Timestamp, update.Sequence) {
		return
	}
	m.eventBus.Publish(marketEventKind(f.key.DataType), bus.MarketDataPayload{
		Symbol:   f.key.Symbol,
		Exchange: f.key.Exchange,
		Update:   update,
	})
}

func marketEventKind(dt core.MarketDataType) bus.EventKind {
	switch dt {
	case core.DataTypeOrderBook:
		return bus.EventOrderBookUpdate
	case core.DataTypeTrades:
		return bus.EventTradeUpdate
	case core.DataTypeKlines:
		return bus.EventKlineUpdate
	default:
		return bus.EventTickerUpdate
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > retry.PollerPolicy.MaxBackoff {
		return retry.PollerPolicy.MaxBackoff
	}
	return d
}
