package worker

import (
	"context"

	"github.com/quantmill/tradelab/internal/barstore"
	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

// ScanFunc is in-process scanner logic: given the visible bar prefix
// (everything in the snapshot, nothing after the current bar) it returns
// a signal or nil.
type ScanFunc func(bars []models.Bar, req Request) (*models.Signal, error)

// Func wraps a ScanFunc behind the Worker interface. It reads the same
// snapshot a subprocess would, so engine behavior is identical across
// both implementations.
type Func struct {
	fn ScanFunc
}

// NewFunc creates an in-process worker from a ScanFunc.
func NewFunc(fn ScanFunc) *Func { return &Func{fn: fn} }

// Scan loads the snapshot and applies the scanner function.
func (f *Func) Scan(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, ErrTimeout
	}
	bars, err := barstore.ReadSnapshot(req.DatabasePath)
	if err != nil {
		return Response{RequestID: req.RequestID, Success: false, Error: err.Error()}, nil
	}
	sig, err := f.fn(bars, req)
	if err != nil {
		return Response{RequestID: req.RequestID, Success: false, Error: err.Error()}, nil
	}
	return Response{RequestID: req.RequestID, Success: true, Data: sig}, nil
}

// Close is a no-op for in-process workers.
func (f *Func) Close() error { return nil }

// FuncSpawner returns a Spawner that produces in-process workers.
func FuncSpawner(fn ScanFunc) Spawner {
	return func(context.Context) (Worker, error) { return NewFunc(fn), nil }
}

// ════════════════════════════════════════════════════════════════════
// Built-in Scanners
// ════════════════════════════════════════════════════════════════════

// Builtin returns a named built-in scanner. These let the lab run
// end-to-end without an LLM key and give tests deterministic scanners.
func Builtin(name string) (ScanFunc, bool) {
	switch name {
	case "orb-breakout":
		return ORBBreakout(6, 0.001), true
	case "vwap-reversion":
		return VWAPReversion(0.005), true
	case "every-bar":
		return EveryBar(), true
	default:
		return nil, false
	}
}

// BuiltinNames lists the available built-in scanners.
func BuiltinNames() []string {
	return []string{"orb-breakout", "vwap-reversion", "every-bar"}
}

// ORBBreakout signals LONG when the close breaks above the opening-range
// high (first rangeBars bars of the visible prefix) by margin, SHORT on
// a symmetric break below the range low.
func ORBBreakout(rangeBars int, margin float64) ScanFunc {
	return func(bars []models.Bar, _ Request) (*models.Signal, error) {
		if len(bars) <= rangeBars {
			return nil, nil
		}
		rangeHigh, rangeLow := bars[0].High, bars[0].Low
		for _, b := range bars[1:rangeBars] {
			if b.High > rangeHigh {
				rangeHigh = b.High
			}
			if b.Low < rangeLow {
				rangeLow = b.Low
			}
		}

		last := bars[len(bars)-1]
		switch {
		case last.Close > rangeHigh*(1+margin):
			return signalFrom(last, models.Long, strength(last.Close, rangeHigh), map[string]float64{
				"range_high": rangeHigh,
				"range_low":  rangeLow,
			}), nil
		case last.Close < rangeLow*(1-margin):
			return signalFrom(last, models.Short, strength(rangeLow, last.Close), map[string]float64{
				"range_high": rangeHigh,
				"range_low":  rangeLow,
			}), nil
		}
		return nil, nil
	}
}

// VWAPReversion signals LONG when price stretches below the running VWAP
// of the visible prefix by more than threshold, SHORT when above.
func VWAPReversion(threshold float64) ScanFunc {
	return func(bars []models.Bar, _ Request) (*models.Signal, error) {
		if len(bars) < 2 {
			return nil, nil
		}
		var pv, vol float64
		for _, b := range bars {
			typical := (b.High + b.Low + b.Close) / 3
			pv += typical * float64(b.Volume)
			vol += float64(b.Volume)
		}
		if vol == 0 {
			return nil, nil
		}
		vwap := pv / vol

		last := bars[len(bars)-1]
		dev := (last.Close - vwap) / vwap
		metrics := map[string]float64{"vwap": vwap, "deviation": dev}
		switch {
		case dev < -threshold:
			return signalFrom(last, models.Long, strength(vwap, last.Close), metrics), nil
		case dev > threshold:
			return signalFrom(last, models.Short, strength(last.Close, vwap), metrics), nil
		}
		return nil, nil
	}
}

// EveryBar signals LONG on every visible bar. Only useful for verifying
// the engine's at-most-one-signal-per-day rule.
func EveryBar() ScanFunc {
	return func(bars []models.Bar, _ Request) (*models.Signal, error) {
		if len(bars) == 0 {
			return nil, nil
		}
		return signalFrom(bars[len(bars)-1], models.Long, 50, nil), nil
	}
}

func signalFrom(bar models.Bar, dir models.Direction, pct float64, metrics map[string]float64) *models.Signal {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return &models.Signal{
		Ticker:          bar.Ticker,
		SignalDate:      utils.SignalDate(bar.Timestamp),
		SignalTime:      utils.SignalClock(bar.Timestamp),
		Direction:       dir,
		PatternStrength: pct,
		Metrics:         metrics,
	}
}

// strength maps a price break magnitude into the 0..100 pattern-strength
// scale: 1% beyond the reference level scores 100.
func strength(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	pct := (a - b) / b * 100 * 100
	if pct < 0 {
		pct = -pct
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

var _ Worker = (*Func)(nil)
var _ Worker = (*Subprocess)(nil)
