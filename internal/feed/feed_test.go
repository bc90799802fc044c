package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/quantmill/tradelab/internal/barstore"
	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

func openBars(t *testing.T) *barstore.Store {
	t.Helper()
	st, err := barstore.Open(t.TempDir() + "/bars.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedDay(t *testing.T, st *barstore.Store, ticker string, day time.Time, n int, price float64) {
	t.Helper()
	ts := time.Date(day.Year(), day.Month(), day.Day(), 9, 30, 0, 0, utils.ET)
	bars := make([]models.Bar, n)
	for i := range bars {
		bars[i] = models.Bar{
			Ticker:    ticker,
			Timestamp: ts.UTC(),
			Timeframe: models.Timeframe5Min,
			Open:      price,
			High:      price + 0.5,
			Low:       price - 0.5,
			Close:     price,
			Volume:    5000,
		}
		ts = ts.Add(5 * time.Minute)
	}
	require.NoError(t, st.WriteBars(context.Background(), bars))
}

func TestReplay_MergesTickersInTimestampOrder(t *testing.T) {
	ctx := context.Background()
	st := openBars(t)
	day := time.Date(2025, time.October, 15, 0, 0, 0, 0, time.UTC)
	seedDay(t, st, "AAA", day, 6, 100)
	seedDay(t, st, "BBB", day, 6, 50)

	replay := NewReplay(st, models.Timeframe5Min, day, day.AddDate(0, 0, 1), 0)
	ch, err := replay.Subscribe(ctx, []string{"AAA", "BBB", "MISSING"})
	require.NoError(t, err)

	var got []models.Bar
	for b := range ch {
		got = append(got, b)
	}
	require.Len(t, got, 12)
	for i := 1; i < len(got); i++ {
		require.False(t, got[i].Timestamp.Before(got[i-1].Timestamp))
	}
	// Both tickers share each timestamp slot.
	require.NotEqual(t, got[0].Ticker, got[1].Ticker)
}

func TestReplay_StopsOnContextCancel(t *testing.T) {
	st := openBars(t)
	day := time.Date(2025, time.October, 15, 0, 0, 0, 0, time.UTC)
	seedDay(t, st, "AAA", day, 50, 100)

	ctx, cancel := context.WithCancel(context.Background())
	replay := NewReplay(st, models.Timeframe5Min, day, day.AddDate(0, 0, 1), 0)
	ch, err := replay.Subscribe(ctx, []string{"AAA"})
	require.NoError(t, err)

	<-ch
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // channel closed after cancel
			}
		case <-deadline:
			t.Fatal("replay channel did not close after cancel")
		}
	}
}

// fakeFetcher returns a canned bar set and records requests.
type fakeFetcher struct {
	bars  []marketdata.Bar
	calls []marketdata.GetBarsRequest
}

func (f *fakeFetcher) GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	f.calls = append(f.calls, req)
	return f.bars, nil
}

func newTestIngester(st *barstore.Store, fetcher barFetcher, now time.Time) *Ingester {
	return &Ingester{
		client:  fetcher,
		store:   st,
		limiter: rate.NewLimiter(rate.Inf, 1),
		feed:    marketdata.IEX,
		now:     func() time.Time { return now },
	}
}

func TestBackfill_WritesFetchedBars(t *testing.T) {
	ctx := context.Background()
	st := openBars(t)
	ts := time.Date(2025, time.October, 15, 13, 30, 0, 0, time.UTC)
	fetcher := &fakeFetcher{bars: []marketdata.Bar{
		{Timestamp: ts, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 12000},
		{Timestamp: ts.Add(5 * time.Minute), Open: 100.5, High: 102, Low: 100, Close: 101.5, Volume: 9000},
	}}
	in := newTestIngester(st, fetcher, time.Date(2025, time.October, 20, 12, 0, 0, 0, time.UTC))

	n, err := in.Backfill(ctx, []string{"AAPL"}, models.Timeframe5Min,
		time.Date(2025, time.October, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, time.October, 16, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	stored, err := st.GetBars(ctx, "AAPL", models.Timeframe5Min,
		time.Date(2025, time.October, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, time.October, 16, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, 101.5, stored[1].Close)
}

func TestBackfill_RejectsFutureRange(t *testing.T) {
	st := openBars(t)
	fetcher := &fakeFetcher{}
	in := newTestIngester(st, fetcher, time.Date(2025, time.October, 20, 12, 0, 0, 0, time.UTC))

	_, err := in.Backfill(context.Background(), []string{"AAPL"}, models.Timeframe5Min,
		time.Date(2025, time.October, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, time.October, 25, 0, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, barstore.ErrFutureDate)
	require.Empty(t, fetcher.calls) // rejected before any fetch
}

func TestAlpacaTimeframe_Mapping(t *testing.T) {
	frame, err := alpacaTimeframe(models.Timeframe5Min)
	require.NoError(t, err)
	require.Equal(t, marketdata.NewTimeFrame(5, marketdata.Min), frame)

	frame, err = alpacaTimeframe(models.Timeframe1Day)
	require.NoError(t, err)
	require.Equal(t, marketdata.NewTimeFrame(1, marketdata.Day), frame)

	_, err = alpacaTimeframe(models.Timeframe("3h"))
	require.Error(t, err)
}
