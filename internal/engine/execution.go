package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

// Simulate applies one execution template to one signal over the day's
// bars. Entry is at the open of the bar following signal_time. Exit
// detection evaluates the bar's high/low, but the exit fills at the
// stop or target level itself, never at bar close. When a single bar
// touches both stop and target, the stop is assumed to fill first.
//
// Returns nil when the signal cannot produce a trade (entry past the
// exit cutoff, or no bar after the signal).
func Simulate(tmpl Template, sig models.Signal, bars []models.Bar) (*models.Trade, error) {
	if len(bars) == 0 {
		return nil, nil
	}
	date, err := utils.ParseDate(sig.SignalDate)
	if err != nil {
		return nil, fmt.Errorf("engine.Simulate: bad signal date %q: %w", sig.SignalDate, err)
	}
	sigAt, err := utils.ParseClock(date, sig.SignalTime)
	if err != nil {
		return nil, fmt.Errorf("engine.Simulate: bad signal time %q: %w", sig.SignalTime, err)
	}

	cutoff := utils.SessionClose(sigAt)
	if tmpl.TimeExitPreClose > 0 {
		cutoff = cutoff.Add(-tmpl.TimeExitPreClose)
	}
	if !sigAt.Before(cutoff) {
		return nil, nil
	}

	entryIdx := -1
	for i, b := range bars {
		if b.Timestamp.After(sigAt) {
			entryIdx = i
			break
		}
	}
	if entryIdx < 0 {
		return nil, nil
	}

	long := sig.Direction == models.Long
	entry := bars[entryIdx].Open
	if entry <= 0 {
		return nil, nil
	}

	stop, target := tmpl.levels(entry, long, bars[:entryIdx])
	initialStop := stop

	// Water mark for trailing starts at entry; profitable-close streak
	// drives the prior-bar trail.
	mark := entry
	profitStreak := 0
	trailArmed := tmpl.TrailingActivatePct == 0

	exitAt := func(i int, price float64, reason models.ExitReason) *models.Trade {
		return buildTrade(sig, bars[entryIdx].Timestamp, entry, bars[i].Timestamp, price, reason)
	}

	for i := entryIdx; i < len(bars); i++ {
		b := bars[i]

		// Time rules fire at the bar boundary, before intrabar levels.
		if tmpl.TimeExitBars > 0 && i-entryIdx >= tmpl.TimeExitBars {
			return exitAt(i, b.Open, models.ExitTimeExit), nil
		}
		if tmpl.TimeExitPreClose > 0 {
			preClose := utils.SessionClose(b.Timestamp).Add(-tmpl.TimeExitPreClose)
			if !b.Timestamp.In(utils.ET).Before(preClose) {
				return exitAt(i, b.Open, models.ExitTimeExit), nil
			}
		}

		stopHit := (long && b.Low <= stop) || (!long && b.High >= stop)
		targetHit := target > 0 && ((long && b.High >= target) || (!long && b.Low <= target))
		switch {
		case stopHit: // stop-first when both levels are touched in one bar
			reason := models.ExitStopLoss
			if (long && stop > initialStop) || (!long && stop < initialStop) {
				reason = models.ExitTrailingStop
			}
			return exitAt(i, stop, reason), nil
		case targetHit:
			return exitAt(i, target, models.ExitTakeProfit), nil
		}

		// Update trailing state from this bar, effective next bar.
		if long && b.High > mark {
			mark = b.High
		}
		if !long && b.Low < mark {
			mark = b.Low
		}
		if !trailArmed {
			profit := (mark - entry) / entry
			if !long {
				profit = (entry - mark) / entry
			}
			trailArmed = profit >= tmpl.TrailingActivatePct
		}
		if trailArmed {
			if trail, ok := tmpl.trailLevel(mark, long, bars[:entryIdx]); ok {
				stop = tighten(stop, trail, long)
			}
		}
		if tmpl.PriorBarTrail {
			profitable := (long && b.Close > entry) || (!long && b.Close < entry)
			if profitable {
				profitStreak++
			} else {
				profitStreak = 0
			}
			if profitStreak >= tmpl.PriorBarAfter {
				if long {
					stop = tighten(stop, b.Low, true)
				} else {
					stop = tighten(stop, b.High, false)
				}
			}
		}
	}

	last := bars[len(bars)-1]
	return buildTrade(sig, bars[entryIdx].Timestamp, entry, last.Timestamp, last.Close, models.ExitEndOfDay), nil
}

// levels computes the initial stop and target. ATR templates derive
// them from the average true range of the bars before entry.
func (t Template) levels(entry float64, long bool, before []models.Bar) (stop, target float64) {
	if t.ATRPeriod > 0 {
		atr := averageTrueRange(before, t.ATRPeriod)
		if atr <= 0 {
			atr = entry * 0.005 // degenerate warm-up, fall back to 0.5%
		}
		if long {
			return entry - t.ATRStopMult*atr, entry + t.ATRTargetMult*atr
		}
		return entry + t.ATRStopMult*atr, entry - t.ATRTargetMult*atr
	}
	if long {
		return entry * (1 - t.StopLossPct), entry * (1 + t.TakeProfitPct)
	}
	return entry * (1 + t.StopLossPct), entry * (1 - t.TakeProfitPct)
}

// trailLevel computes the trailing stop for the current water mark.
func (t Template) trailLevel(mark float64, long bool, before []models.Bar) (float64, bool) {
	switch {
	case t.ATRPeriod > 0 && t.ATRTrailMult > 0:
		atr := averageTrueRange(before, t.ATRPeriod)
		if atr <= 0 {
			return 0, false
		}
		if long {
			return mark - t.ATRTrailMult*atr, true
		}
		return mark + t.ATRTrailMult*atr, true
	case t.TrailingPct > 0:
		if long {
			return mark * (1 - t.TrailingPct), true
		}
		return mark * (1 + t.TrailingPct), true
	}
	return 0, false
}

// tighten moves the stop only in the protective direction.
func tighten(stop, candidate float64, long bool) float64 {
	if long {
		return math.Max(stop, candidate)
	}
	return math.Min(stop, candidate)
}

// averageTrueRange is a simple mean of the last `period` true ranges.
func averageTrueRange(bars []models.Bar, period int) float64 {
	if len(bars) < 2 {
		return 0
	}
	start := len(bars) - period
	if start < 1 {
		start = 1
	}
	var sum float64
	n := 0
	for i := start; i < len(bars); i++ {
		tr := bars[i].High - bars[i].Low
		tr = math.Max(tr, math.Abs(bars[i].High-bars[i-1].Close))
		tr = math.Max(tr, math.Abs(bars[i].Low-bars[i-1].Close))
		sum += tr
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func buildTrade(sig models.Signal, entryTime time.Time, entry float64, exitTime time.Time, exit float64, reason models.ExitReason) *models.Trade {
	pnl := exit - entry
	if sig.Direction == models.Short {
		pnl = entry - exit
	}
	return &models.Trade{
		Ticker:     sig.Ticker,
		SignalDate: sig.SignalDate,
		SignalTime: sig.SignalTime,
		Direction:  sig.Direction,
		EntryTime:  entryTime.UTC(),
		EntryPrice: entry,
		ExitTime:   exitTime.UTC(),
		ExitPrice:  exit,
		Quantity:   1,
		PnL:        pnl,
		PnLPct:     pnl / entry,
		ExitReason: reason,
	}
}
