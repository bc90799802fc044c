package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantmill/tradelab/internal/barstore"
	"github.com/quantmill/tradelab/internal/worker"
	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

// rthBars builds n regular-hours 5-minute bars starting at 09:30 ET on
// the given day, at a constant price.
func rthBars(ticker string, year int, month time.Month, day, n int, price float64) []models.Bar {
	ts := time.Date(year, month, day, 9, 30, 0, 0, utils.ET)
	bars := make([]models.Bar, n)
	for i := 0; i < n; i++ {
		bars[i] = models.Bar{
			Ticker:    ticker,
			Timestamp: ts.UTC(),
			Timeframe: models.Timeframe5Min,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    10000,
		}
		ts = ts.Add(5 * time.Minute)
	}
	return bars
}

func newTestEngine(t *testing.T, bars []models.Bar, fn worker.ScanFunc, allowMultiple bool) *Engine {
	t.Helper()
	store, err := barstore.Open(t.TempDir() + "/bars.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.WriteBars(context.Background(), bars))

	return New(store, worker.FuncSpawner(fn), Options{
		WarmupBars:           30,
		SnapshotDir:          t.TempDir(),
		AllowMultipleSignals: allowMultiple,
	})
}

func TestScan_AtMostOneSignalPerDay(t *testing.T) {
	// A scanner that fires on every bar must still yield exactly one
	// signal, timed at the first post-warm-up bar.
	fn, _ := worker.Builtin("every-bar")
	bars := rthBars("AAA", 2025, time.October, 15, 78, 100)
	eng := newTestEngine(t, bars, fn, false)

	res, err := eng.Scan(context.Background(), []string{"AAA"}, "2025-10-15", "2025-10-15")
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	require.Equal(t, "12:00:00", res.Signals[0].SignalTime) // 09:30 + 30 bars
	require.Equal(t, "2025-10-15", res.Signals[0].SignalDate)

	require.Len(t, res.Stats, 1)
	require.Equal(t, 1, res.Stats[0].DaysProcessed)
}

func TestScan_OneSignalPerDayAcrossDays(t *testing.T) {
	fn, _ := worker.Builtin("every-bar")
	var bars []models.Bar
	for d := 13; d <= 15; d++ { // Mon..Wed
		bars = append(bars, rthBars("AAA", 2025, time.October, d, 78, 100)...)
	}
	eng := newTestEngine(t, bars, fn, false)

	res, err := eng.Scan(context.Background(), []string{"AAA"}, "2025-10-13", "2025-10-15")
	require.NoError(t, err)
	require.Len(t, res.Signals, 3)
	seen := map[string]bool{}
	for _, s := range res.Signals {
		require.False(t, seen[s.SignalDate], "two signals on %s", s.SignalDate)
		seen[s.SignalDate] = true
	}
}

func TestScan_WorkerNeverSeesFutureBars(t *testing.T) {
	var (
		mu       sync.Mutex
		requests int
		leaks    int
	)
	fn := func(bars []models.Bar, req worker.Request) (*models.Signal, error) {
		mu.Lock()
		defer mu.Unlock()
		requests++
		for _, b := range bars {
			if b.Timestamp.UTC().Unix() > req.CurrentBarTimestamp {
				leaks++
			}
		}
		return nil, nil
	}

	bars := rthBars("XYZ", 2025, time.October, 15, 78, 100)
	eng := newTestEngine(t, bars, fn, false)

	_, err := eng.Scan(context.Background(), []string{"XYZ"}, "2025-10-15", "2025-10-15")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 48, requests) // 78 bars, 30 warm-up
	require.Zero(t, leaks, "worker observed bars after currentBarTimestamp")
}

func TestScan_ConflictingDuplicateDropped(t *testing.T) {
	var calls int
	fn := func(bars []models.Bar, _ worker.Request) (*models.Signal, error) {
		calls++
		dir := models.Long
		if calls == 2 {
			dir = models.Short
		}
		last := bars[len(bars)-1]
		return &models.Signal{
			Ticker:          last.Ticker,
			SignalDate:      utils.SignalDate(last.Timestamp),
			SignalTime:      utils.SignalClock(last.Timestamp),
			Direction:       dir,
			PatternStrength: 50,
		}, nil
	}

	bars := rthBars("AAA", 2025, time.October, 15, 34, 100)
	eng := newTestEngine(t, bars, fn, true)

	res, err := eng.Scan(context.Background(), []string{"AAA"}, "2025-10-15", "2025-10-15")
	require.NoError(t, err)
	// Four scannable bars: LONG, SHORT (conflict, dropped), LONG, LONG.
	require.Len(t, res.Signals, 3)
	for _, s := range res.Signals {
		require.Equal(t, models.Long, s.Direction)
	}
	require.Equal(t, 1, res.Stats[0].DuplicateSignals)
}

func TestScan_RejectsSignalOutsideRegularHours(t *testing.T) {
	fn := func(bars []models.Bar, _ worker.Request) (*models.Signal, error) {
		last := bars[len(bars)-1]
		return &models.Signal{
			Ticker:          last.Ticker,
			SignalDate:      utils.SignalDate(last.Timestamp),
			SignalTime:      "17:45:00", // after the close
			Direction:       models.Long,
			PatternStrength: 50,
		}, nil
	}
	bars := rthBars("AAA", 2025, time.October, 15, 40, 100)
	eng := newTestEngine(t, bars, fn, false)

	res, err := eng.Scan(context.Background(), []string{"AAA"}, "2025-10-15", "2025-10-15")
	require.NoError(t, err)
	require.Empty(t, res.Signals)
}

func TestScan_SkipsShortDays(t *testing.T) {
	fn, _ := worker.Builtin("every-bar")
	bars := rthBars("AAA", 2025, time.October, 15, 20, 100) // below warm-up
	eng := newTestEngine(t, bars, fn, false)

	res, err := eng.Scan(context.Background(), []string{"AAA"}, "2025-10-15", "2025-10-15")
	require.NoError(t, err)
	require.Empty(t, res.Signals)
	require.Equal(t, 1, res.Stats[0].DaysSkippedDataGap)
}

func TestScan_FailedDayIsCountedNotFatal(t *testing.T) {
	fn := func([]models.Bar, worker.Request) (*models.Signal, error) {
		return nil, errors.New("scanner blew up")
	}
	bars := rthBars("AAA", 2025, time.October, 15, 40, 100)
	eng := newTestEngine(t, bars, fn, false)

	res, err := eng.Scan(context.Background(), []string{"AAA"}, "2025-10-15", "2025-10-15")
	require.NoError(t, err)
	require.Empty(t, res.Signals)
	require.Equal(t, 1, res.Stats[0].DaysFailedWorker)
	require.Equal(t, 0, res.Stats[0].DaysProcessed)
}

func TestScan_TickerWithoutBarsSkippedSilently(t *testing.T) {
	fn, _ := worker.Builtin("every-bar")
	bars := rthBars("AAA", 2025, time.October, 15, 78, 100)
	eng := newTestEngine(t, bars, fn, false)

	res, err := eng.Scan(context.Background(), []string{"AAA", "NODATA"}, "2025-10-15", "2025-10-15")
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
}

func TestBacktest_EndToEnd(t *testing.T) {
	fn, _ := worker.Builtin("every-bar")
	bars := rthBars("AAA", 2025, time.October, 15, 78, 100)
	eng := newTestEngine(t, bars, fn, false)

	bt, err := eng.Backtest(context.Background(), []string{"AAA"}, "2025-10-15", "2025-10-15", nil)
	require.NoError(t, err)
	require.Equal(t, models.BacktestCompleted, bt.Status)
	require.Len(t, bt.Signals, 1)
	require.Len(t, bt.Scores, len(Catalogue()))
}
