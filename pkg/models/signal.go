package models

import "time"

// Direction is the intended trade direction of a signal.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Signal is a time-stamped intent to trade, produced by a scanner from a
// prefix of the day's bars. In real-time mode at most one signal is kept
// per (agent, ticker, day).
type Signal struct {
	Ticker          string             `json:"ticker"`
	SignalDate      string             `json:"signal_date"`           // 2006-01-02, exchange date
	SignalTime      string             `json:"signal_time"`           // HH:MM:SS in exchange time
	Direction       Direction          `json:"direction"`
	PatternStrength float64            `json:"pattern_strength"`      // 0..100
	Metrics         map[string]float64 `json:"metrics,omitempty"`
}

// Valid reports whether the signal carries the minimum required fields.
func (s Signal) Valid() bool {
	if s.Ticker == "" || s.SignalDate == "" || s.SignalTime == "" {
		return false
	}
	if s.Direction != Long && s.Direction != Short {
		return false
	}
	return s.PatternStrength >= 0 && s.PatternStrength <= 100
}

// ExitReason identifies why a trade was closed.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitTimeExit     ExitReason = "TIME_EXIT"
	ExitEndOfDay     ExitReason = "END_OF_DAY"
	ExitManual       ExitReason = "MANUAL"
)

// Trade is a completed round trip produced by applying an execution
// template to a signal (backtest) or by the virtual executor (paper).
type Trade struct {
	Ticker     string     `json:"ticker"`
	SignalDate string     `json:"signal_date"`
	SignalTime string     `json:"signal_time"`
	Direction  Direction  `json:"direction"`
	EntryTime  time.Time  `json:"entry_time"`
	EntryPrice float64    `json:"entry_price"`
	ExitTime   time.Time  `json:"exit_time"`
	ExitPrice  float64    `json:"exit_price"`
	Quantity   int        `json:"quantity"`
	PnL        float64    `json:"pnl"`
	PnLPct     float64    `json:"pnl_pct"`
	ExitReason ExitReason `json:"exit_reason"`
}
