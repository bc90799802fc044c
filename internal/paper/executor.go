package paper

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantmill/tradelab/pkg/models"
)

// Fill and risk parameters. Slippage applies to market orders only;
// limit and stop fills are pinned to their trigger prices.
const (
	DefaultSlippagePct = 0.0001 // 0.01% of the open
	Commission         = 0.50   // flat per fill

	maxPositionFraction = 0.20 // position notional vs equity
	minCashFraction     = 0.05 // post-fill cash vs equity
	maxOpenPositions    = 10
)

// ErrOrderRejected wraps every pre-fill risk rejection.
var ErrOrderRejected = errors.New("paper: order rejected")

// Limits are the pre-fill risk limits. Zero fields keep the package
// defaults.
type Limits struct {
	MaxPositionFraction float64 // position notional vs equity
	MinCashFraction     float64 // post-fill cash vs equity
	MaxOpenPositions    int
	Commission          float64 // flat per fill
}

func (l *Limits) fill() {
	if l.MaxPositionFraction <= 0 {
		l.MaxPositionFraction = maxPositionFraction
	}
	if l.MinCashFraction <= 0 {
		l.MinCashFraction = minCashFraction
	}
	if l.MaxOpenPositions <= 0 {
		l.MaxOpenPositions = maxOpenPositions
	}
	if l.Commission <= 0 {
		l.Commission = Commission
	}
}

// Executor simulates order fills for one account against incoming
// bars. Orders placed while processing bar N fill no earlier than
// bar N+1.
type Executor struct {
	account  *Account
	slippage float64
	limits   Limits
	pending  []*models.PaperOrder
}

// NewExecutor creates an executor over an account with default limits.
func NewExecutor(account *Account, slippagePct float64) *Executor {
	if slippagePct <= 0 {
		slippagePct = DefaultSlippagePct
	}
	var limits Limits
	limits.fill()
	return &Executor{account: account, slippage: slippagePct, limits: limits}
}

// SetLimits overrides the risk limits; zero fields keep defaults.
func (e *Executor) SetLimits(l Limits) {
	l.fill()
	e.limits = l
}

// Account exposes the executor's account for monitoring and snapshots.
func (e *Executor) Account() *Account { return e.account }

// PendingOrders returns copies of the unfilled orders.
func (e *Executor) PendingOrders() []models.PaperOrder {
	out := make([]models.PaperOrder, len(e.pending))
	for i, o := range e.pending {
		out[i] = *o
	}
	return out
}

// PlaceOrder runs the pre-fill risk checks and queues the order for the
// next fill pass. Rejected orders are returned with status REJECTED and
// the rejection reason; the error wraps ErrOrderRejected.
func (e *Executor) PlaceOrder(req models.PaperOrder, refPrice float64, placedAt time.Time) (*models.PaperOrder, error) {
	o := req
	o.ID = uuid.NewString()
	o.AccountID = e.account.ID
	o.Status = models.OrderPending
	o.PlacedAt = placedAt
	o.UpdatedAt = placedAt

	if o.Quantity <= 0 {
		return e.reject(&o, "quantity must be positive")
	}
	if refPrice <= 0 {
		return e.reject(&o, "no reference price for risk checks")
	}

	if reason := e.riskCheck(&o, refPrice); reason != "" {
		return e.reject(&o, reason)
	}

	e.pending = append(e.pending, &o)
	return &o, nil
}

// riskCheck returns a rejection reason, or "" when the order passes.
// Orders that only reduce an existing position skip the sizing checks:
// closing exposure is always allowed.
func (e *Executor) riskCheck(o *models.PaperOrder, refPrice float64) string {
	a := e.account
	signed := signedQty(o)
	pos := a.Position(o.Ticker)
	if pos != nil && (pos.Quantity > 0) != (signed > 0) && abs(signed) <= abs(pos.Quantity) {
		return ""
	}

	notional := float64(o.Quantity) * refPrice
	if notional > a.BuyingPower {
		return fmt.Sprintf("insufficient buying power: need %.2f, have %.2f", notional, a.BuyingPower)
	}

	existing := 0.0
	if pos != nil {
		existing = float64(abs(pos.Quantity)) * refPrice
	}
	if a.Equity > 0 && existing+notional > e.limits.MaxPositionFraction*a.Equity {
		return fmt.Sprintf("position notional %.2f exceeds %.0f%% of equity %.2f",
			existing+notional, e.limits.MaxPositionFraction*100, a.Equity)
	}

	if pos == nil && a.OpenPositionCount() >= e.limits.MaxOpenPositions {
		return fmt.Sprintf("open position limit of %d reached", e.limits.MaxOpenPositions)
	}

	if o.Side == models.Buy {
		cashAfter := a.Cash - notional - e.limits.Commission
		if a.Equity > 0 && cashAfter < e.limits.MinCashFraction*a.Equity {
			return fmt.Sprintf("post-fill cash %.2f below %.0f%% of equity %.2f",
				cashAfter, e.limits.MinCashFraction*100, a.Equity)
		}
	}
	return ""
}

func (e *Executor) reject(o *models.PaperOrder, reason string) (*models.PaperOrder, error) {
	o.Status = models.OrderRejected
	o.StatusMessage = reason
	return o, fmt.Errorf("%w: %s", ErrOrderRejected, reason)
}

// Fill is one simulated execution produced by a fill pass.
type Fill struct {
	Order    models.PaperOrder
	Price    float64
	At       time.Time
	Realized float64 // realized P&L of closed quantity, net of commission
}

// FillPass tries every pending order against a new bar and returns the
// fills. Orders placed at or after the bar's timestamp wait for the
// next one.
func (e *Executor) FillPass(bar models.Bar) []Fill {
	var fills []Fill
	remaining := e.pending[:0]
	for _, o := range e.pending {
		if o.Ticker != bar.Ticker || !o.PlacedAt.Before(bar.Timestamp) {
			remaining = append(remaining, o)
			continue
		}
		price, filled := e.tryFill(o, bar)
		if !filled {
			remaining = append(remaining, o)
			continue
		}
		o.Status = models.OrderFilled
		o.FillPrice = price
		o.UpdatedAt = bar.Timestamp
		realized := e.account.apply(bar.Ticker, signedQty(o), price, e.limits.Commission, bar.Timestamp)
		fills = append(fills, Fill{Order: *o, Price: price, At: bar.Timestamp, Realized: realized})
	}
	e.pending = remaining
	return fills
}

// tryFill applies the per-type fill rule against one bar.
func (e *Executor) tryFill(o *models.PaperOrder, bar models.Bar) (float64, bool) {
	switch o.Type {
	case models.Market:
		if o.Side == models.Buy {
			return bar.Open * (1 + e.slippage), true
		}
		return bar.Open * (1 - e.slippage), true

	case models.Limit:
		return limitFill(o, bar)

	case models.Stop:
		if o.Side == models.Buy {
			if bar.High >= o.StopPrice {
				return o.StopPrice, true
			}
		} else if bar.Low <= o.StopPrice {
			return o.StopPrice, true
		}
		return 0, false

	case models.StopLimit:
		if !o.StopTriggered {
			triggered := (o.Side == models.Buy && bar.High >= o.StopPrice) ||
				(o.Side == models.Sell && bar.Low <= o.StopPrice)
			if triggered {
				o.StopTriggered = true
				o.UpdatedAt = bar.Timestamp
			}
			// The limit leg starts on the bar after the trigger.
			return 0, false
		}
		return limitFill(o, bar)
	}
	return 0, false
}

// limitFill fills a limit order at the limit or better.
func limitFill(o *models.PaperOrder, bar models.Bar) (float64, bool) {
	if o.Side == models.Buy {
		if bar.Low <= o.LimitPrice {
			return minFloat(o.LimitPrice, bar.Open), true
		}
		return 0, false
	}
	if bar.High >= o.LimitPrice {
		return maxFloat(o.LimitPrice, bar.Open), true
	}
	return 0, false
}

// CancelTicker cancels all pending orders for a ticker, returning the
// cancelled orders.
func (e *Executor) CancelTicker(ticker string, reason string, at time.Time) []models.PaperOrder {
	var cancelled []models.PaperOrder
	remaining := e.pending[:0]
	for _, o := range e.pending {
		if o.Ticker != ticker {
			remaining = append(remaining, o)
			continue
		}
		o.Status = models.OrderCancelled
		o.StatusMessage = reason
		o.UpdatedAt = at
		cancelled = append(cancelled, *o)
	}
	e.pending = remaining
	return cancelled
}

func signedQty(o *models.PaperOrder) int {
	if o.Side == models.Sell {
		return -o.Quantity
	}
	return o.Quantity
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
