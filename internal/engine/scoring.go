package engine

import (
	"math"
	"sort"

	"github.com/quantmill/tradelab/pkg/models"
)

// tradingDaysPerYear annualizes daily-return ratios.
const tradingDaysPerYear = 252

// maxProfitFactor caps the profit factor when a template took no
// losses, keeping scorecards JSON-representable.
const maxProfitFactor = 999.0

// Score computes the scorecard for one template's trades.
func Score(name string, trades []models.Trade) models.TemplateScore {
	s := models.TemplateScore{TemplateName: name, TradeCount: len(trades), Trades: trades}
	if len(trades) == 0 {
		return s
	}

	var grossWin, grossLoss, total float64
	var wins, losses int
	winStreak, lossStreak := 0, 0
	for _, t := range trades {
		total += t.PnLPct
		if t.PnLPct > 0 {
			wins++
			grossWin += t.PnLPct
			winStreak++
			lossStreak = 0
		} else if t.PnLPct < 0 {
			losses++
			grossLoss += -t.PnLPct
			lossStreak++
			winStreak = 0
		} else {
			winStreak, lossStreak = 0, 0
		}
		if winStreak > s.MaxWinStreak {
			s.MaxWinStreak = winStreak
		}
		if lossStreak > s.MaxLossStreak {
			s.MaxLossStreak = lossStreak
		}
	}

	s.WinRate = float64(wins) / float64(len(trades))
	s.TotalReturn = total
	switch {
	case grossLoss > 0:
		s.ProfitFactor = math.Min(grossWin/grossLoss, maxProfitFactor)
	case grossWin > 0:
		s.ProfitFactor = maxProfitFactor
	}
	if wins > 0 {
		s.AvgWinPct = grossWin / float64(wins)
	}
	if losses > 0 {
		s.AvgLossPct = -grossLoss / float64(losses)
	}
	s.Expectancy = total / float64(len(trades))

	daily := dailyReturns(trades)
	s.SharpeRatio = sharpe(daily)
	s.SortinoRatio = sortino(daily)
	return s
}

// PickWinner returns the name of the template maximizing profit factor
// among templates with at least one trade; ties break by win rate, then
// total return. Empty string when no template traded.
func PickWinner(scores []models.TemplateScore) string {
	winner := ""
	var best models.TemplateScore
	for _, sc := range scores {
		if sc.TradeCount == 0 {
			continue
		}
		if winner == "" || better(sc, best) {
			winner, best = sc.TemplateName, sc
		}
	}
	return winner
}

func better(a, b models.TemplateScore) bool {
	if a.ProfitFactor != b.ProfitFactor {
		return a.ProfitFactor > b.ProfitFactor
	}
	if a.WinRate != b.WinRate {
		return a.WinRate > b.WinRate
	}
	return a.TotalReturn > b.TotalReturn
}

// dailyReturns sums trade returns per signal date, ordered by date.
func dailyReturns(trades []models.Trade) []float64 {
	byDay := make(map[string]float64)
	for _, t := range trades {
		byDay[t.SignalDate] += t.PnLPct
	}
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)
	out := make([]float64, len(days))
	for i, d := range days {
		out[i] = byDay[d]
	}
	return out
}

func sharpe(daily []float64) float64 {
	if len(daily) < 2 {
		return 0
	}
	mean, sd := meanStd(daily)
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(tradingDaysPerYear)
}

// sortino penalizes only downside deviation.
func sortino(daily []float64) float64 {
	if len(daily) < 2 {
		return 0
	}
	mean, _ := meanStd(daily)
	var downSq float64
	n := 0
	for _, r := range daily {
		if r < 0 {
			downSq += r * r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	dd := math.Sqrt(downSq / float64(n))
	if dd == 0 {
		return 0
	}
	return mean / dd * math.Sqrt(tradingDaysPerYear)
}

// meanStd returns the mean and sample standard deviation.
func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	if len(xs) < 2 {
		return mean, 0
	}
	return mean, math.Sqrt(sq / float64(len(xs)-1))
}
