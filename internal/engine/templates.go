package engine

import (
	"fmt"
	"strings"
	"time"
)

// Template is one deterministic exit policy. Percentages are fractions
// (0.01 = 1%). A zero value disables the corresponding rule.
type Template struct {
	Key  string // catalogue key used on the CLI and in requests
	Name string // display name

	StopLossPct   float64
	TakeProfitPct float64

	// Percent trailing stop. TrailingActivatePct is the open profit
	// required before the trail arms (0 arms immediately).
	TrailingPct         float64
	TrailingActivatePct float64

	// ATR-based levels override the percent levels when ATRPeriod > 0.
	ATRPeriod     int
	ATRStopMult   float64
	ATRTargetMult float64
	ATRTrailMult  float64

	// Prior-bar trailing: after PriorBarAfter consecutive bars closed in
	// profit, the stop trails the previous bar's low (high for shorts).
	PriorBarTrail bool
	PriorBarAfter int

	// Time exits. TimeExitBars closes after holding that many bars;
	// TimeExitPreClose closes on the first bar at or after
	// session close minus the duration.
	TimeExitBars     int
	TimeExitPreClose time.Duration
}

// Catalogue returns the fixed set of execution templates, ordered as
// presented to users.
func Catalogue() []Template {
	return []Template{
		{
			Key: "conservative", Name: "Conservative Scalper",
			StopLossPct: 0.010, TakeProfitPct: 0.015,
			TrailingPct:  0.005,
			TimeExitBars: 12,
		},
		{
			Key: "aggressive", Name: "Aggressive Swing",
			StopLossPct: 0.025, TakeProfitPct: 0.050,
			TrailingPct: 0.015, TrailingActivatePct: 0.020,
		},
		{
			Key: "time-based", Name: "Time-Based Intraday",
			StopLossPct: 0.020, TakeProfitPct: 0.030,
			TimeExitPreClose: 30 * time.Minute,
		},
		{
			Key: "atr", Name: "ATR Adaptive",
			ATRPeriod: 14, ATRStopMult: 2.0, ATRTargetMult: 3.0, ATRTrailMult: 1.5,
		},
		{
			Key: "price-action", Name: "Price-Action Trailing",
			StopLossPct: 0.020, TakeProfitPct: 0.040,
			PriorBarTrail: true, PriorBarAfter: 2,
		},
	}
}

// ByKey resolves a catalogue template by its key.
func ByKey(key string) (Template, bool) {
	for _, t := range Catalogue() {
		if t.Key == strings.ToLower(strings.TrimSpace(key)) {
			return t, true
		}
	}
	return Template{}, false
}

// Keys lists the catalogue keys.
func Keys() []string {
	cat := Catalogue()
	out := make([]string, len(cat))
	for i, t := range cat {
		out[i] = t.Key
	}
	return out
}

// CanonicalCode renders the template as a stable textual form. The
// SHA-256 of this text is the template's content address, so two
// backtests using the same catalogue entry share one stored template.
func (t Template) CanonicalCode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "template %s\n", t.Key)
	fmt.Fprintf(&b, "stop_loss_pct=%.4f\n", t.StopLossPct)
	fmt.Fprintf(&b, "take_profit_pct=%.4f\n", t.TakeProfitPct)
	fmt.Fprintf(&b, "trailing_pct=%.4f activate_pct=%.4f\n", t.TrailingPct, t.TrailingActivatePct)
	fmt.Fprintf(&b, "atr_period=%d stop_mult=%.2f target_mult=%.2f trail_mult=%.2f\n",
		t.ATRPeriod, t.ATRStopMult, t.ATRTargetMult, t.ATRTrailMult)
	fmt.Fprintf(&b, "prior_bar_trail=%t after=%d\n", t.PriorBarTrail, t.PriorBarAfter)
	fmt.Fprintf(&b, "time_exit_bars=%d pre_close_min=%d\n",
		t.TimeExitBars, int(t.TimeExitPreClose.Minutes()))
	return b.String()
}
