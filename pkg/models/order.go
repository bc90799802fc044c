package models

import "time"

// OrderSide represents buy or sell.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType represents the type of paper order.
type OrderType string

const (
	Market    OrderType = "MARKET"
	Limit     OrderType = "LIMIT"
	Stop      OrderType = "STOP"
	StopLimit OrderType = "STOP_LIMIT"
)

// OrderStatus represents the current state of a paper order.
// Orders transition PENDING → (FILLED | PARTIAL | CANCELLED | REJECTED).
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// PaperOrder is a virtual order held against a paper account. Fills are
// simulated against the next bar after placement.
type PaperOrder struct {
	ID            string      `json:"id"`
	AccountID     string      `json:"account_id"`
	Ticker        string      `json:"ticker"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Quantity      int         `json:"quantity"`
	LimitPrice    float64     `json:"limit_price,omitempty"`
	StopPrice     float64     `json:"stop_price,omitempty"`
	Status        OrderStatus `json:"status"`
	StatusMessage string      `json:"status_message,omitempty"`
	// StopTriggered marks a STOP_LIMIT whose stop leg has fired; it then
	// behaves as a plain limit order on subsequent bars.
	StopTriggered bool      `json:"stop_triggered,omitempty"`
	FillPrice     float64   `json:"fill_price,omitempty"`
	Tag           string    `json:"tag,omitempty"`
	PlacedAt      time.Time `json:"placed_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PaperPosition is an open virtual position. Quantity is signed:
// positive for long, negative for short.
type PaperPosition struct {
	AccountID     string  `json:"account_id"`
	Ticker        string  `json:"ticker"`
	Quantity      int     `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	// Trailing-stop bookkeeping for the position monitor.
	HighWaterMark float64   `json:"high_water_mark,omitempty"`
	LowWaterMark  float64   `json:"low_water_mark,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
}

// MarketValue returns the signed market value of the position.
func (p PaperPosition) MarketValue() float64 {
	return float64(p.Quantity) * p.CurrentPrice
}

// PaperAccount is the virtual per-agent portfolio used for simulated
// live trading. The accounting identity
// equity = cash + Σ(position quantity × current price)
// holds after every fill and mark-to-market pass.
type PaperAccount struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	InitialBalance float64   `json:"initial_balance"`
	Cash           float64   `json:"cash"`
	Equity         float64   `json:"equity"`
	BuyingPower    float64   `json:"buying_power"`
	RealizedPnL    float64   `json:"realized_pnl"`
	CreatedAt      time.Time `json:"created_at"`
}

// EquitySnapshot is the daily end-of-session account equity sample used
// for drawdown and Sharpe tracking.
type EquitySnapshot struct {
	AccountID string    `json:"account_id"`
	Date      string    `json:"date"` // 2006-01-02
	Equity    float64   `json:"equity"`
	Cash      float64   `json:"cash"`
	TakenAt   time.Time `json:"taken_at"`
}

// MaxDrawdown returns the largest peak-to-trough equity decline as a
// fraction of the peak. Snapshots must be in date order.
func MaxDrawdown(snaps []EquitySnapshot) float64 {
	var peak, maxDD float64
	for _, s := range snaps {
		if s.Equity > peak {
			peak = s.Equity
		}
		if peak > 0 {
			if dd := (peak - s.Equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
