package models

import "time"

// BacktestStatus is the lifecycle state of a backtest run.
type BacktestStatus string

const (
	BacktestRunning   BacktestStatus = "running"
	BacktestCompleted BacktestStatus = "completed"
	BacktestFailed    BacktestStatus = "failed"
)

// ExecutionTemplate is a deterministic exit policy, stored content-addressed:
// CodeHash is the SHA-256 of the normalized code bytes and is unique, so
// identical code shares one row across backtests.
type ExecutionTemplate struct {
	ID           string    `json:"id"`
	CodeHash     string    `json:"code_hash"`
	TemplateName string    `json:"template_name"`
	Code         string    `json:"code"`
	CreatedAt    time.Time `json:"created_at"`
}

// TemplateScore is the scorecard of one execution template over a set of
// signals. The winning template maximizes profit factor; ties break by
// win rate, then total return.
type TemplateScore struct {
	TemplateName  string  `json:"template_name"`
	TradeCount    int     `json:"trade_count"`
	WinRate       float64 `json:"win_rate"`      // 0..1
	TotalReturn   float64 `json:"total_return"`  // fraction, e.g. 0.02 = +2%
	ProfitFactor  float64 `json:"profit_factor"` // Σ wins / |Σ losses|
	AvgWinPct     float64 `json:"avg_win_pct"`
	AvgLossPct    float64 `json:"avg_loss_pct"`
	SharpeRatio   float64 `json:"sharpe_ratio"` // daily returns, annualized (252d)
	SortinoRatio  float64 `json:"sortino_ratio"`
	Expectancy    float64 `json:"expectancy"` // mean PnL fraction per trade
	MaxWinStreak  int     `json:"max_win_streak"`
	MaxLossStreak int     `json:"max_loss_streak"`
	Trades        []Trade `json:"trades,omitempty"`
}

// TickerStats records per-ticker day accounting for a backtest, so data
// gaps and worker failures surface to the user instead of being silently
// swallowed.
type TickerStats struct {
	Ticker             string `json:"ticker"`
	DaysProcessed      int    `json:"days_processed"`
	DaysSkippedDataGap int    `json:"days_skipped_data_gap"`
	DaysFailedWorker   int    `json:"days_failed_worker"`
	DuplicateSignals   int    `json:"duplicate_signals"`
}

// Backtest is one immutable-once-completed run of a scanner version over
// a date range and ticker set, scored through an execution template.
type Backtest struct {
	ID                  string          `json:"id"`
	ScannerVersionID    string          `json:"scanner_version_id"`
	StartDate           string          `json:"start_date"` // 2006-01-02
	EndDate             string          `json:"end_date"`
	Tickers             []string        `json:"tickers"`
	ExecutionTemplateID string          `json:"execution_template_id"`
	Signals             []Signal        `json:"signals"`
	Trades              []Trade         `json:"trades"`
	Scores              []TemplateScore `json:"scores,omitempty"`
	Winner              string          `json:"winner,omitempty"` // winning template name
	TickerStats         []TickerStats   `json:"ticker_stats,omitempty"`
	Status              BacktestStatus  `json:"status"`
	Error               string          `json:"error,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// WinnerScore returns the scorecard of the winning template, or nil when
// no template produced a trade.
func (b *Backtest) WinnerScore() *TemplateScore {
	for i := range b.Scores {
		if b.Scores[i].TemplateName == b.Winner {
			return &b.Scores[i]
		}
	}
	return nil
}

// WalkForwardPeriod is one train/test window pair. The test range is
// strictly after, and disjoint from, the train range.
type WalkForwardPeriod struct {
	Index      int     `json:"index"`
	TrainStart string  `json:"train_start"`
	TrainEnd   string  `json:"train_end"`
	TestStart  string  `json:"test_start"`
	TestEnd    string  `json:"test_end"`
	Return     float64 `json:"return"`
	TradeCount int     `json:"trade_count"`
	WinRate    float64 `json:"win_rate"`
}

// WalkForwardResult aggregates test-period metrics across all periods.
type WalkForwardResult struct {
	AgentID        string              `json:"agent_id"`
	ScannerVersion string              `json:"scanner_version_id"`
	Periods        []WalkForwardPeriod `json:"periods"`
	MeanReturn     float64             `json:"mean_return"`
	StdDevReturn   float64             `json:"stddev_return"`
	TStatistic     float64             `json:"t_statistic"`
	PValue         float64             `json:"p_value"`
	CILow          float64             `json:"ci_low"`  // 95% confidence interval
	CIHigh         float64             `json:"ci_high"`
	Consistency    float64             `json:"consistency"` // fraction of periods with positive return
}
