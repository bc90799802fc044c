// Package paper simulates live trading against real bars: a virtual
// executor fills orders on the next bar after placement, a per-agent
// account tracks cash, positions and equity, and the orchestrator fans
// live bars out to agent supervisors running the same bar-by-bar scan
// loop as the backtester.
package paper

import (
	"fmt"
	"sort"
	"time"

	"github.com/quantmill/tradelab/pkg/models"
)

// Account is the in-memory working state of one paper account. It is
// owned by exactly one agent supervisor, so it carries no lock; the
// store row is the durable copy.
type Account struct {
	models.PaperAccount
	positions map[string]*models.PaperPosition
}

// NewAccount wraps a stored account row and its open positions.
func NewAccount(row *models.PaperAccount, positions []models.PaperPosition) *Account {
	a := &Account{PaperAccount: *row, positions: make(map[string]*models.PaperPosition)}
	for i := range positions {
		p := positions[i]
		a.positions[p.Ticker] = &p
	}
	a.remark()
	return a
}

// Position returns the open position for a ticker, or nil.
func (a *Account) Position(ticker string) *models.PaperPosition {
	return a.positions[ticker]
}

// Positions returns open positions sorted by ticker.
func (a *Account) Positions() []models.PaperPosition {
	out := make([]models.PaperPosition, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// OpenPositionCount returns the number of open positions.
func (a *Account) OpenPositionCount() int { return len(a.positions) }

// MarkToMarket updates a ticker's position to the latest price and
// re-derives equity. Water marks feed the trailing-stop monitor.
func (a *Account) MarkToMarket(ticker string, price float64, at time.Time) {
	p, ok := a.positions[ticker]
	if !ok {
		return
	}
	p.CurrentPrice = price
	p.UnrealizedPnL = float64(p.Quantity) * (price - p.AvgEntryPrice)
	if price > p.HighWaterMark {
		p.HighWaterMark = price
	}
	if price < p.LowWaterMark || p.LowWaterMark == 0 {
		p.LowWaterMark = price
	}
	a.remark()
}

// remark re-establishes equity = cash + Σ position market value and
// buying power = cash (no leverage in paper mode).
func (a *Account) remark() {
	equity := a.Cash
	for _, p := range a.positions {
		equity += p.MarketValue()
	}
	a.Equity = equity
	a.BuyingPower = a.Cash
}

// apply mutates the account for one fill: signed fill quantity against
// cash and the position book, averaging in on same-direction adds and
// realizing P&L on closes. Returns the realized P&L of any closed
// quantity (commission included).
func (a *Account) apply(ticker string, qty int, price, commission float64, at time.Time) float64 {
	a.Cash -= float64(qty)*price + commission

	p, ok := a.positions[ticker]
	if !ok {
		a.positions[ticker] = &models.PaperPosition{
			AccountID:     a.ID,
			Ticker:        ticker,
			Quantity:      qty,
			AvgEntryPrice: price,
			CurrentPrice:  price,
			HighWaterMark: price,
			LowWaterMark:  price,
			OpenedAt:      at,
		}
		a.remark()
		return -commission
	}

	realized := -commission
	sameDirection := (p.Quantity > 0) == (qty > 0)
	if sameDirection {
		total := p.AvgEntryPrice*float64(abs(p.Quantity)) + price*float64(abs(qty))
		p.Quantity += qty
		p.AvgEntryPrice = total / float64(abs(p.Quantity))
	} else {
		closed := min(abs(qty), abs(p.Quantity))
		if p.Quantity > 0 {
			realized += (price - p.AvgEntryPrice) * float64(closed)
		} else {
			realized += (p.AvgEntryPrice - price) * float64(closed)
		}
		p.Quantity += qty
		if p.Quantity == 0 {
			delete(a.positions, ticker)
		} else if (p.Quantity > 0) != (qty < 0) {
			// Flipped through zero: the remainder is a fresh position at
			// the fill price.
			p.AvgEntryPrice = price
			p.HighWaterMark = price
			p.LowWaterMark = price
			p.OpenedAt = at
		}
	}
	if p, ok := a.positions[ticker]; ok {
		p.CurrentPrice = price
	}
	a.RealizedPnL += realized
	a.remark()
	return realized
}

// CheckIdentity verifies the accounting identity within a tolerance and
// returns an error describing any drift. Used by tests and the daily
// snapshot pass.
func (a *Account) CheckIdentity(tolerance float64) error {
	expected := a.Cash
	for _, p := range a.positions {
		expected += p.MarketValue()
	}
	drift := a.Equity - expected
	if drift < -tolerance || drift > tolerance {
		return fmt.Errorf("paper: equity %.4f drifts from cash+positions %.4f", a.Equity, expected)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
