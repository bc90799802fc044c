package paper

import (
	"time"

	"github.com/quantmill/tradelab/internal/engine"
	"github.com/quantmill/tradelab/pkg/models"
)

// timeExitBeforeClose closes intraday positions this long before the
// session close, matching the backtester's end-of-day behavior.
const timeExitBeforeClose = 5 * time.Minute

// Monitor applies a template's exit policy to open positions on each
// incoming bar and emits close orders through the executor.
type Monitor struct {
	exec *Executor
	tmpl engine.Template
}

// NewMonitor creates a monitor enforcing one exit template.
func NewMonitor(exec *Executor, tmpl engine.Template) *Monitor {
	return &Monitor{exec: exec, tmpl: tmpl}
}

// ExitOrder is a close request produced by the monitor; the caller
// places it so ordering with scan-driven orders stays serialized.
type ExitOrder struct {
	Order  models.PaperOrder
	Reason models.ExitReason
}

// Check marks the position for the bar's ticker to market and returns a
// close order when an exit rule fires. sessionClose is the UTC close of
// the bar's trading session.
func (m *Monitor) Check(bar models.Bar, sessionClose time.Time) *ExitOrder {
	a := m.exec.Account()
	a.MarkToMarket(bar.Ticker, bar.Close, bar.Timestamp)
	p := a.Position(bar.Ticker)
	if p == nil {
		return nil
	}

	preClose := timeExitBeforeClose
	if m.tmpl.TimeExitPreClose > preClose {
		preClose = m.tmpl.TimeExitPreClose
	}
	if !bar.Timestamp.Before(sessionClose.Add(-preClose)) {
		return m.closeOrder(p, models.ExitTimeExit)
	}

	long := p.Quantity > 0
	entry := p.AvgEntryPrice
	price := bar.Close

	if m.tmpl.StopLossPct > 0 {
		if long && price <= entry*(1-m.tmpl.StopLossPct) {
			return m.closeOrder(p, models.ExitStopLoss)
		}
		if !long && price >= entry*(1+m.tmpl.StopLossPct) {
			return m.closeOrder(p, models.ExitStopLoss)
		}
	}

	if m.tmpl.TakeProfitPct > 0 {
		if long && price >= entry*(1+m.tmpl.TakeProfitPct) {
			return m.closeOrder(p, models.ExitTakeProfit)
		}
		if !long && price <= entry*(1-m.tmpl.TakeProfitPct) {
			return m.closeOrder(p, models.ExitTakeProfit)
		}
	}

	if m.tmpl.TrailingPct > 0 && m.trailArmed(p, long) {
		if long && price <= p.HighWaterMark*(1-m.tmpl.TrailingPct) {
			return m.closeOrder(p, models.ExitTrailingStop)
		}
		if !long && price >= p.LowWaterMark*(1+m.tmpl.TrailingPct) {
			return m.closeOrder(p, models.ExitTrailingStop)
		}
	}
	return nil
}

// trailArmed reports whether the water mark has moved far enough past
// entry to activate the trailing stop.
func (m *Monitor) trailArmed(p *models.PaperPosition, long bool) bool {
	if m.tmpl.TrailingActivatePct == 0 {
		return true
	}
	if long {
		return p.HighWaterMark >= p.AvgEntryPrice*(1+m.tmpl.TrailingActivatePct)
	}
	return p.LowWaterMark <= p.AvgEntryPrice*(1-m.tmpl.TrailingActivatePct)
}

func (m *Monitor) closeOrder(p *models.PaperPosition, reason models.ExitReason) *ExitOrder {
	side := models.Sell
	if p.Quantity < 0 {
		side = models.Buy
	}
	return &ExitOrder{
		Order: models.PaperOrder{
			Ticker:   p.Ticker,
			Side:     side,
			Type:     models.Market,
			Quantity: abs(p.Quantity),
			Tag:      string(reason),
		},
		Reason: reason,
	}
}
