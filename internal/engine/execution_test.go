package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

func sigAt(ticker, date, clock string, dir models.Direction) models.Signal {
	return models.Signal{
		Ticker:          ticker,
		SignalDate:      date,
		SignalTime:      clock,
		Direction:       dir,
		PatternStrength: 70,
	}
}

// dayBarsFlat builds a full 78-bar RTH day at a constant price, then
// lets the caller shape individual bars.
func dayBarsFlat(price float64) []models.Bar {
	return rthBars("XYZ", 2025, time.October, 15, 78, price)
}

func barIndexAt(clock string) int {
	open := time.Date(2025, time.October, 15, 9, 30, 0, 0, utils.ET)
	at, _ := utils.ParseClock(open, clock)
	return int(at.Sub(open) / (5 * time.Minute))
}

func TestSimulate_EntryAtNextBarOpen(t *testing.T) {
	bars := dayBarsFlat(100)
	i := barIndexAt("10:00:00")
	bars[i+1].Open = 100.40

	tmpl, _ := ByKey("time-based")
	trade, err := Simulate(tmpl, sigAt("XYZ", "2025-10-15", "10:00:00", models.Long), bars)
	require.NoError(t, err)
	require.NotNil(t, trade)
	require.Equal(t, 100.40, trade.EntryPrice)
	require.Equal(t, bars[i+1].Timestamp, trade.EntryTime)
}

func TestSimulate_StopFillsAtLevelNotClose(t *testing.T) {
	bars := dayBarsFlat(100)
	i := barIndexAt("10:00:00")
	// Bar dips through the 2% stop but closes well below it.
	bars[i+3].Low = 96.00
	bars[i+3].Close = 96.50

	tmpl, _ := ByKey("time-based") // 2.0% stop
	trade, err := Simulate(tmpl, sigAt("XYZ", "2025-10-15", "10:00:00", models.Long), bars)
	require.NoError(t, err)
	require.NotNil(t, trade)
	require.Equal(t, models.ExitStopLoss, trade.ExitReason)
	require.InDelta(t, 98.00, trade.ExitPrice, 1e-9) // the level, not 96.50
}

func TestSimulate_StopFirstWhenBothTouched(t *testing.T) {
	bars := dayBarsFlat(100)
	i := barIndexAt("10:00:00")
	// One wide bar through both the 2% stop and the 3% target.
	bars[i+2].Low = 97.50
	bars[i+2].High = 103.50

	tmpl, _ := ByKey("time-based")
	trade, err := Simulate(tmpl, sigAt("XYZ", "2025-10-15", "10:00:00", models.Long), bars)
	require.NoError(t, err)
	require.NotNil(t, trade)
	require.Equal(t, models.ExitStopLoss, trade.ExitReason)
	require.InDelta(t, 98.00, trade.ExitPrice, 1e-9)
}

func TestSimulate_TakeProfitAtLevel(t *testing.T) {
	bars := dayBarsFlat(100)
	i := barIndexAt("10:00:00")
	bars[i+4].High = 103.60

	tmpl, _ := ByKey("time-based")
	trade, err := Simulate(tmpl, sigAt("XYZ", "2025-10-15", "10:00:00", models.Long), bars)
	require.NoError(t, err)
	require.NotNil(t, trade)
	require.Equal(t, models.ExitTakeProfit, trade.ExitReason)
	require.InDelta(t, 103.00, trade.ExitPrice, 1e-9)
	require.InDelta(t, 0.03, trade.PnLPct, 1e-9)
}

func TestSimulate_TimeExitThirtyMinutesPreClose(t *testing.T) {
	// Long at 10:00 ET, flat tape, bars run to 15:55. The time-based
	// template must exit on the first bar at or after 15:30 ET.
	bars := dayBarsFlat(100)

	tmpl, _ := ByKey("time-based")
	trade, err := Simulate(tmpl, sigAt("XYZ", "2025-10-15", "10:00:00", models.Long), bars)
	require.NoError(t, err)
	require.NotNil(t, trade)
	require.Equal(t, models.ExitTimeExit, trade.ExitReason)
	require.Equal(t, "15:30:00", trade.ExitTime.In(utils.ET).Format("15:04:05"))
}

func TestSimulate_SignalPastCutoffSkipped(t *testing.T) {
	bars := dayBarsFlat(100)
	tmpl, _ := ByKey("time-based") // cutoff 15:30 ET
	trade, err := Simulate(tmpl, sigAt("XYZ", "2025-10-15", "15:35:00", models.Long), bars)
	require.NoError(t, err)
	require.Nil(t, trade)
}

func TestSimulate_BarCountTimeExit(t *testing.T) {
	bars := dayBarsFlat(100)
	tmpl, _ := ByKey("conservative") // 12-bar hold

	trade, err := Simulate(tmpl, sigAt("XYZ", "2025-10-15", "10:00:00", models.Long), bars)
	require.NoError(t, err)
	require.NotNil(t, trade)
	require.Equal(t, models.ExitTimeExit, trade.ExitReason)
	require.Equal(t, 12, int(trade.ExitTime.Sub(trade.EntryTime)/(5*time.Minute)))
}

func TestSimulate_TrailingStopAfterActivation(t *testing.T) {
	bars := dayBarsFlat(100)
	i := barIndexAt("10:00:00")
	entryIdx := i + 1
	// Run up 3% (past the 2% activation), then fall back.
	bars[entryIdx+1].High = 103.00
	bars[entryIdx+1].Close = 102.80
	bars[entryIdx+2].Low = 100.50
	bars[entryIdx+2].Close = 100.60

	tmpl, _ := ByKey("aggressive") // 2.5%/5.0%, 1.5% trail arming at +2%
	trade, err := Simulate(tmpl, sigAt("XYZ", "2025-10-15", "10:00:00", models.Long), bars)
	require.NoError(t, err)
	require.NotNil(t, trade)
	require.Equal(t, models.ExitTrailingStop, trade.ExitReason)
	require.InDelta(t, 103.00*0.985, trade.ExitPrice, 1e-9)
	require.Greater(t, trade.PnLPct, 0.0)
}

func TestSimulate_ShortDirectionMirrors(t *testing.T) {
	bars := dayBarsFlat(100)
	i := barIndexAt("10:00:00")
	bars[i+3].Low = 96.80 // through the 3% short target

	tmpl, _ := ByKey("time-based")
	trade, err := Simulate(tmpl, sigAt("XYZ", "2025-10-15", "10:00:00", models.Short), bars)
	require.NoError(t, err)
	require.NotNil(t, trade)
	require.Equal(t, models.ExitTakeProfit, trade.ExitReason)
	require.InDelta(t, 97.00, trade.ExitPrice, 1e-9)
	require.InDelta(t, 0.03, trade.PnLPct, 1e-9)
}

func TestSimulate_EndOfDayFallback(t *testing.T) {
	bars := dayBarsFlat(100)
	tmpl, _ := ByKey("aggressive") // no time rule, flat tape hits nothing
	trade, err := Simulate(tmpl, sigAt("XYZ", "2025-10-15", "10:00:00", models.Long), bars)
	require.NoError(t, err)
	require.NotNil(t, trade)
	require.Equal(t, models.ExitEndOfDay, trade.ExitReason)
	require.Equal(t, bars[len(bars)-1].Timestamp, trade.ExitTime)
}

func TestCanonicalCode_StableAcrossCalls(t *testing.T) {
	a, _ := ByKey("aggressive")
	b, _ := ByKey("aggressive")
	require.Equal(t, a.CanonicalCode(), b.CanonicalCode())

	c, _ := ByKey("conservative")
	require.NotEqual(t, a.CanonicalCode(), c.CanonicalCode())
}
