package strategy

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"trading_core/internal/core"

	"github.com/shopspring/decimal"
)

// MovingAverage is a simple crossover strategy over closed klines: buy when
// the fast average crosses above the slow one, sell when it crosses below.
// It doubles as the reference implementation of the strategy contract,
// including snapshot round-tripping and recovery.
type MovingAverage struct {
	mu sync.Mutex

	cfg        core.StrategyConfig
	fastPeriod int
	slowPeriod int
	interval   string
	orderQty   decimal.Decimal

	closes      *core.RingBuffer[decimal.Decimal]
	lastBarTime time.Time

	position decimal.Decimal
	avgPrice decimal.Decimal
	// Cumulative executed quantity already folded into position, per order.
	appliedQty map[string]decimal.Decimal

	lastSignal core.StrategyAction
	signalTime time.Time
	// Previous relation of fast to slow, -1 below, 0 unknown, 1 above.
	prevRelation int
}

// NewMovingAverage creates an uninitialized crossover strategy.
func NewMovingAverage() *MovingAverage {
	return &MovingAverage{}
}

// Initialize validates parameters: fast_period, slow_period, interval,
// order_quantity.
func (s *MovingAverage) Initialize(ctx context.Context, cfg core.StrategyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fast, err := intParam(cfg.Parameters, "fast_period")
	if err != nil {
		return err
	}
	slow, err := intParam(cfg.Parameters, "slow_period")
	if err != nil {
		return err
	}
	if fast >= slow {
		return fmt.Errorf("fast_period %d must be below slow_period %d", fast, slow)
	}
	interval, ok := cfg.Parameters["interval"]
	if !ok || interval == "" {
		return fmt.Errorf("missing required parameter interval")
	}
	qtyStr, ok := cfg.Parameters["order_quantity"]
	if !ok {
		return fmt.Errorf("missing required parameter order_quantity")
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil || !qty.IsPositive() {
		return fmt.Errorf("order_quantity %q must be a positive decimal", qtyStr)
	}

	s.cfg = cfg
	s.fastPeriod = fast
	s.slowPeriod = slow
	s.interval = interval
	s.orderQty = qty
	if s.closes == nil {
		s.closes = core.NewRingBuffer[decimal.Decimal](slow + 1)
	}
	if s.appliedQty == nil {
		s.appliedQty = make(map[string]decimal.Decimal)
	}
	return nil
}

// Analyze folds closed bars into the close history and signals on crossover.
// Forming bars never move the averages.
func (s *MovingAverage) Analyze(data *core.MarketData) (*core.StrategyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closes == nil {
		return nil, fmt.Errorf("strategy not initialized")
	}

	if data.OrderUpdate != nil {
		s.applyFill(data.OrderUpdate)
		return &core.StrategyResult{Action: core.ActionHold, Reason: "order update"}, nil
	}

	bars := data.Klines[s.interval]
	if len(bars) == 0 {
		return &core.StrategyResult{Action: core.ActionHold, Reason: "no klines"}, nil
	}
	latest := bars[len(bars)-1]
	if !latest.IsClosed {
		return &core.StrategyResult{Action: core.ActionHold, Reason: "bar still forming"}, nil
	}
	if latest.OpenTime.After(s.lastBarTime) {
		s.closes.Push(latest.Close)
		s.lastBarTime = latest.OpenTime
	}

	if s.closes.Len() < s.slowPeriod {
		return &core.StrategyResult{Action: core.ActionHold, Reason: "warming up"}, nil
	}

	fast := s.sma(s.fastPeriod)
	slow := s.sma(s.slowPeriod)

	relation := fast.Cmp(slow)
	prev := s.prevRelation
	s.prevRelation = relation

	if prev == 0 || relation == prev || relation == 0 {
		return &core.StrategyResult{Action: core.ActionHold, Reason: "no crossover"}, nil
	}

	if relation > 0 {
		if s.cfg.LongOnly && s.position.IsPositive() {
			return &core.StrategyResult{Action: core.ActionHold, Reason: "already long"}, nil
		}
		return &core.StrategyResult{
			Action:     core.ActionBuy,
			Quantity:   s.orderQty,
			Price:      latest.Close,
			Confidence: confidence(fast, slow),
			Reason:     fmt.Sprintf("fast %s crossed above slow %s", fast, slow),
		}, nil
	}

	if s.position.IsPositive() || !s.cfg.LongOnly {
		qty := s.orderQty
		if s.position.IsPositive() && s.position.LessThan(qty) {
			qty = s.position
		}
		return &core.StrategyResult{
			Action:     core.ActionSell,
			Quantity:   qty,
			Price:      latest.Close,
			Confidence: confidence(slow, fast),
			Reason:     fmt.Sprintf("fast %s crossed below slow %s", fast, slow),
		}, nil
	}
	return &core.StrategyResult{Action: core.ActionHold, Reason: "flat, long-only"}, nil
}

// SaveState snapshots position, averages, and the close history.
func (s *MovingAverage) SaveState() (*core.StrategyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	internal := map[string]string{
		"prev_relation": strconv.Itoa(s.prevRelation),
		"last_bar_time": s.lastBarTime.Format(time.RFC3339Nano),
	}
	indicators := make(map[string]string)
	if s.closes != nil {
		for i, c := range s.closes.Items() {
			indicators["close_"+strconv.Itoa(i)] = c.String()
		}
		indicators["close_count"] = strconv.Itoa(s.closes.Len())
	}

	return &core.StrategyState{
		StrategyID:      s.cfg.ID,
		InternalState:   internal,
		IndicatorData:   indicators,
		LastSignal:      s.lastSignal,
		SignalTime:      s.signalTime,
		CurrentPosition: s.position,
		AveragePrice:    s.avgPrice,
		LastUpdateTime:  time.Now(),
	}, nil
}

// RestoreState rebuilds the strategy from a snapshot produced by SaveState.
func (s *MovingAverage) RestoreState(state *core.StrategyState) error {
	if state == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.position = state.CurrentPosition
	s.avgPrice = state.AveragePrice
	s.lastSignal = state.LastSignal
	s.signalTime = state.SignalTime

	if v, ok := state.InternalState["prev_relation"]; ok {
		rel, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("bad prev_relation %q: %w", v, err)
		}
		s.prevRelation = rel
	}
	if v, ok := state.InternalState["last_bar_time"]; ok {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("bad last_bar_time %q: %w", v, err)
		}
		s.lastBarTime = ts
	}

	countStr, ok := state.IndicatorData["close_count"]
	if !ok {
		return nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return fmt.Errorf("bad close_count %q: %w", countStr, err)
	}
	capacity := count + 1
	if s.closes != nil && s.closes.Cap() > capacity {
		capacity = s.closes.Cap()
	}
	closes := core.NewRingBuffer[decimal.Decimal](capacity)
	for i := 0; i < count; i++ {
		v, ok := state.IndicatorData["close_"+strconv.Itoa(i)]
		if !ok {
			return fmt.Errorf("missing close_%d in snapshot", i)
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("bad close_%d %q: %w", i, v, err)
		}
		closes.Push(d)
	}
	s.closes = closes
	return nil
}

// SetRecoveryContext adopts the reconciled position computed at startup. The
// executed quantity of each recovered open order is already inside that
// position, so it is recorded as applied to keep later updates delta-only.
func (s *MovingAverage) SetRecoveryContext(rc *core.RecoveryContext) {
	if rc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = rc.Position
	s.avgPrice = rc.AveragePrice
	s.appliedQty = make(map[string]decimal.Decimal, len(rc.OpenOrders))
	for _, o := range rc.OpenOrders {
		if !o.ExecutedQty.IsZero() {
			s.appliedQty[o.ID] = o.ExecutedQty
		}
	}
}

// Cleanup releases nothing; the strategy holds no external resources.
func (s *MovingAverage) Cleanup() error { return nil }

// applyFill tracks position from the strategy's own order updates. ExecutedQty
// is cumulative per order, so only the delta since the last update for that
// order moves the position. Must run under s.mu.
func (s *MovingAverage) applyFill(o *core.Order) {
	if s.appliedQty == nil {
		s.appliedQty = make(map[string]decimal.Decimal)
	}
	delta := o.ExecutedQty.Sub(s.appliedQty[o.ID])
	if o.Status.IsTerminal() {
		delete(s.appliedQty, o.ID)
	} else if delta.IsPositive() {
		s.appliedQty[o.ID] = o.ExecutedQty
	}
	if !delta.IsPositive() {
		return
	}

	signed := delta
	if o.Side == core.OrderSideSell {
		signed = signed.Neg()
	}
	next := s.position.Add(signed)
	if s.position.Sign() >= 0 && signed.Sign() > 0 {
		notional := s.position.Mul(s.avgPrice).Add(delta.Mul(o.AvgPrice))
		if !next.IsZero() {
			s.avgPrice = notional.Div(next)
		}
	} else if next.IsZero() {
		s.avgPrice = decimal.Zero
	}
	s.position = next
	s.signalTime = time.Now()
}

// sma averages the last n closes. Must run under s.mu with Len() >= n.
func (s *MovingAverage) sma(n int) decimal.Decimal {
	sum := decimal.Zero
	total := s.closes.Len()
	for i := total - n; i < total; i++ {
		sum = sum.Add(s.closes.At(i))
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

func confidence(above, below decimal.Decimal) float64 {
	if below.IsZero() {
		return 0.5
	}
	spread, _ := above.Sub(below).Div(below).Abs().Float64()
	c := 0.5 + spread*10
	if c > 1 {
		c = 1
	}
	return c
}

func intParam(params map[string]string, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing required parameter %s", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("parameter %s must be a positive integer, got %q", key, v)
	}
	return n, nil
}
