// Package risk implements the hard-limit filter in front of the order
// manager and the account-level loss monitors.
package risk

import (
	"fmt"
	"sync"
	"time"

	"trading_core/internal/bus"
	"trading_core/internal/core"
	"trading_core/internal/order"

	"github.com/shopspring/decimal"
)

// Violation is a rejected order intent or a tripped account limit.
type Violation struct {
	Limit    string
	Severity bus.RiskSeverity
	Reason   string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("risk limit %s (%s): %s", v.Limit, v.Severity, v.Reason)
}

// Manager evaluates order intents against the configured limits and watches
// account equity for daily-loss and drawdown breaches. Intent violations are
// warnings that reject the order; equity breaches are critical and trigger
// the emergency stop.
type Manager struct {
	limits   core.RiskLimits
	orders   *order.Manager
	eventBus *bus.Bus
	logger   core.ILogger

	mu sync.Mutex
	// Net signed position per symbol, maintained from position updates.
	positions map[string]decimal.Decimal
	dayStart  time.Time
	dayEquity decimal.Decimal
	peak      decimal.Decimal
	equity    decimal.Decimal
	primed    bool
	tripped   bool

	emergencyStop func(reason string)
}

// NewManager creates the risk manager. The emergency stop hook is wired by
// the engine after construction.
func NewManager(limits core.RiskLimits, orders *order.Manager, eventBus *bus.Bus, logger core.ILogger) *Manager {
	m := &Manager{
		limits:    limits,
		orders:    orders,
		eventBus:  eventBus,
		logger:    logger.WithField("component", "risk_manager"),
		positions: make(map[string]decimal.Decimal),
		dayStart:  startOfDay(time.Now()),
	}
	eventBus.Subscribe("risk_manager", bus.HandlerFunc(m.handleEvent),
		bus.EventPositionUpdate, bus.EventBalanceUpdate)
	return m
}

// SetEmergencyStop wires the engine's stop hook.
func (m *Manager) SetEmergencyStop(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyStop = fn
}

// CheckOrder evaluates an intent before it reaches the exchange. A returned
// *Violation means the order must be rejected; one risk_limit_exceeded event
// is published per violation.
func (m *Manager) CheckOrder(req *core.OrderRequest) error {
	if v := m.evaluateOrder(req); v != nil {
		m.publish(v)
		return v
	}
	return nil
}

func (m *Manager) evaluateOrder(req *core.OrderRequest) *Violation {
	signed := req.Quantity
	if req.Side == core.OrderSideSell {
		signed = signed.Neg()
	}

	m.mu.Lock()
	current, held := m.positions[req.Symbol]
	openCount := 0
	for _, qty := range m.positions {
		if !qty.IsZero() {
			openCount++
		}
	}
	m.mu.Unlock()

	if !held {
		// No venue-reported position yet; fall back to the executed trail.
		current = m.orders.NetExecuted(req.Symbol)
	}
	projected := current.Add(signed)

	if !m.limits.MaxPositionSize.IsZero() && projected.Abs().GreaterThan(m.limits.MaxPositionSize) {
		return &Violation{
			Limit:    "max_position_size",
			Severity: bus.RiskSeverityWarning,
			Reason: fmt.Sprintf("projected position %s for %s exceeds limit %s",
				projected, req.Symbol, m.limits.MaxPositionSize),
		}
	}

	if m.limits.MaxOpenPositions > 0 && current.IsZero() && !projected.IsZero() && openCount >= m.limits.MaxOpenPositions {
		return &Violation{
			Limit:    "max_open_positions",
			Severity: bus.RiskSeverityWarning,
			Reason: fmt.Sprintf("opening %s would exceed %d open positions",
				req.Symbol, m.limits.MaxOpenPositions),
		}
	}
	return nil
}

// handleEvent runs on the bus consumer goroutine for position and balance
// updates.
func (m *Manager) handleEvent(evt bus.Event) {
	switch payload := evt.Payload.(type) {
	case bus.PositionPayload:
		m.onPositions(payload.Positions)
	case bus.BalancePayload:
		m.onBalances(payload.Balances)
	}
}

func (m *Manager) onPositions(positions []core.Position) {
	var leverageViolation *Violation

	m.mu.Lock()
	for _, pos := range positions {
		m.positions[pos.Symbol] = pos.SignedQuantity()
		if m.limits.MaxLeverage > 0 && pos.Leverage > m.limits.MaxLeverage && leverageViolation == nil {
			leverageViolation = &Violation{
				Limit:    "max_leverage",
				Severity: bus.RiskSeverityWarning,
				Reason: fmt.Sprintf("position %s at %dx exceeds max leverage %dx",
					pos.Symbol, pos.Leverage, m.limits.MaxLeverage),
			}
		}
	}
	m.mu.Unlock()

	if leverageViolation != nil {
		m.publish(leverageViolation)
	}
}

// onBalances folds balances into an equity figure and checks daily loss and
// drawdown. The first observation of a day seeds the daily baseline; the
// running peak seeds drawdown.
func (m *Manager) onBalances(balances []core.Balance) {
	equity := decimal.Zero
	for _, b := range balances {
		equity = equity.Add(b.Total())
	}

	var critical *Violation

	m.mu.Lock()
	now := time.Now()
	if day := startOfDay(now); day.After(m.dayStart) {
		m.dayStart = day
		m.dayEquity = equity
	}
	if !m.primed {
		m.primed = true
		m.dayEquity = equity
		m.peak = equity
	}
	m.equity = equity
	if equity.GreaterThan(m.peak) {
		m.peak = equity
	}

	if !m.tripped {
		if !m.limits.MaxDailyLoss.IsZero() {
			loss := m.dayEquity.Sub(equity)
			if loss.GreaterThan(m.limits.MaxDailyLoss) {
				critical = &Violation{
					Limit:    "max_daily_loss",
					Severity: bus.RiskSeverityCritical,
					Reason:   fmt.Sprintf("daily loss %s exceeds limit %s", loss, m.limits.MaxDailyLoss),
				}
			}
		}
		if critical == nil && !m.limits.MaxDrawdown.IsZero() && m.peak.IsPositive() {
			drawdown := m.peak.Sub(equity).Div(m.peak)
			if drawdown.GreaterThan(m.limits.MaxDrawdown) {
				critical = &Violation{
					Limit:    "max_drawdown",
					Severity: bus.RiskSeverityCritical,
					Reason:   fmt.Sprintf("drawdown %s exceeds limit %s", drawdown, m.limits.MaxDrawdown),
				}
			}
		}
		if critical != nil {
			m.tripped = true
		}
	}
	stop := m.emergencyStop
	m.mu.Unlock()

	if critical != nil {
		m.publish(critical)
		if stop != nil {
			stop(critical.Reason)
		}
	}
}

func (m *Manager) publish(v *Violation) {
	m.logger.Warn("Risk limit exceeded", "limit", v.Limit, "severity", string(v.Severity), "reason", v.Reason)
	m.eventBus.Publish(bus.EventRiskLimitExceeded, bus.RiskPayload{
		Type:     v.Limit,
		Severity: v.Severity,
		Reason:   v.Reason,
	})
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
