// Package models defines the shared domain entities of the trading
// laboratory: bars, signals, trades, agents, scanner versions, backtests,
// paper accounts and the knowledge rows agents accumulate across
// learning iterations.
package models

import "time"

// Timeframe identifies the bar aggregation interval.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1min"
	Timeframe5Min  Timeframe = "5min"
	Timeframe15Min Timeframe = "15min"
	Timeframe1Day  Timeframe = "1day"
)

// Minutes returns the timeframe length in minutes (0 for daily).
func (tf Timeframe) Minutes() int {
	switch tf {
	case Timeframe1Min:
		return 1
	case Timeframe5Min:
		return 5
	case Timeframe15Min:
		return 15
	default:
		return 0
	}
}

// Bar is a single OHLCV observation. Bars are keyed uniquely by
// (ticker, timeframe, timestamp) and are immutable once written.
// Timestamps are stored in UTC; conversion to exchange time happens
// only at regular-hours filter sites.
type Bar struct {
	Ticker    string    `json:"ticker"`
	Timestamp time.Time `json:"timestamp"`
	Timeframe Timeframe `json:"timeframe"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Valid reports whether the bar is well-formed enough to persist.
func (b Bar) Valid() bool {
	if b.Ticker == "" || b.Timeframe == "" || b.Timestamp.IsZero() {
		return false
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return false
	}
	if b.High < b.Low || b.Volume < 0 {
		return false
	}
	return true
}

// Day returns the UTC calendar date of the bar formatted as 2006-01-02.
func (b Bar) Day() string {
	return b.Timestamp.UTC().Format("2006-01-02")
}

// EquityPoint is one sample of an account or backtest equity curve.
type EquityPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}
