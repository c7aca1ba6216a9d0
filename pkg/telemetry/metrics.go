package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricEventsPublishedTotal = "trading_core_events_published_total"
	MetricEventsDroppedTotal   = "trading_core_events_dropped_total"
	MetricOrdersPlacedTotal    = "trading_core_orders_placed_total"
	MetricOrdersFilledTotal    = "trading_core_orders_filled_total"
	MetricOrdersOpen           = "trading_core_orders_open"
	MetricSyncPassesTotal      = "trading_core_sync_passes_total"
	MetricSyncOrdersUpdated    = "trading_core_sync_orders_updated_total"
	MetricStrategyErrorsTotal  = "trading_core_strategy_errors_total"
	MetricPositionSize         = "trading_core_position_size"
	MetricAccountEquity        = "trading_core_account_equity"
)

// MetricsHolder holds initialized instruments.
type MetricsHolder struct {
	EventsPublishedTotal metric.Int64Counter
	EventsDroppedTotal   metric.Int64Counter
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrdersOpen           metric.Int64ObservableGauge
	SyncPassesTotal      metric.Int64Counter
	SyncOrdersUpdated    metric.Int64Counter
	StrategyErrorsTotal  metric.Int64Counter
	PositionSize         metric.Float64ObservableGauge
	AccountEquity        metric.Float64ObservableGauge

	mu              sync.RWMutex
	initialized     bool
	openOrdersMap   map[string]int64
	positionSizeMap map[string]float64
	equityMap       map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openOrdersMap:   make(map[string]int64),
			positionSizeMap: make(map[string]float64),
			equityMap:       make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.EventsPublishedTotal, err = meter.Int64Counter(MetricEventsPublishedTotal, metric.WithDescription("Total events published on the bus"))
	if err != nil {
		return err
	}

	m.EventsDroppedTotal, err = meter.Int64Counter(MetricEventsDroppedTotal, metric.WithDescription("Events dropped by subscriber back-pressure"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.SyncPassesTotal, err = meter.Int64Counter(MetricSyncPassesTotal, metric.WithDescription("Order sync reconciliation passes"))
	if err != nil {
		return err
	}

	m.SyncOrdersUpdated, err = meter.Int64Counter(MetricSyncOrdersUpdated, metric.WithDescription("Orders updated by the sync service"))
	if err != nil {
		return err
	}

	m.StrategyErrorsTotal, err = meter.Int64Counter(MetricStrategyErrorsTotal, metric.WithDescription("Strategy analyze failures"))
	if err != nil {
		return err
	}

	m.OrdersOpen, err = meter.Int64ObservableGauge(MetricOrdersOpen, metric.WithDescription("Currently open orders"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current position size per symbol"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.AccountEquity, err = meter.Float64ObservableGauge(MetricAccountEquity, metric.WithDescription("Account equity per exchange"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ex, val := range m.equityMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("exchange", ex)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Ready reports whether InitMetrics has run; counters are nil before that.
func (m *MetricsHolder) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

func (m *MetricsHolder) SetOpenOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[symbol] = count
}

func (m *MetricsHolder) SetPositionSize(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = size
}

func (m *MetricsHolder) SetAccountEquity(exchange string, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equityMap[exchange] = equity
}
