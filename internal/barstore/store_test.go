package barstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantmill/tradelab/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bars.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fiveMinBars(ticker string, day time.Time, n int, startPrice float64) []models.Bar {
	bars := make([]models.Bar, n)
	price := startPrice
	ts := day
	for i := 0; i < n; i++ {
		price *= 1.001
		bars[i] = models.Bar{
			Ticker:    ticker,
			Timestamp: ts,
			Timeframe: models.Timeframe5Min,
			Open:      price * 0.999,
			High:      price * 1.002,
			Low:       price * 0.998,
			Close:     price,
			Volume:    10000 + int64(i),
		}
		ts = ts.Add(5 * time.Minute)
	}
	return bars
}

func TestWriteAndGetBars(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 10, 1, 13, 30, 0, 0, time.UTC)

	bars := fiveMinBars("XYZ", day, 20, 100)
	require.NoError(t, s.WriteBars(ctx, bars))

	got, err := s.GetBars(ctx, "XYZ", models.Timeframe5Min, day, day.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 20)

	// Ascending order.
	for i := 1; i < len(got); i++ {
		require.True(t, got[i].Timestamp.After(got[i-1].Timestamp))
	}
}

func TestWriteBars_UpsertReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 10, 1, 13, 30, 0, 0, time.UTC)

	bars := fiveMinBars("XYZ", day, 1, 100)
	require.NoError(t, s.WriteBars(ctx, bars))

	bars[0].Close = 123.45
	bars[0].High = 124
	require.NoError(t, s.WriteBars(ctx, bars))

	got, err := s.GetBars(ctx, "XYZ", models.Timeframe5Min, day, day)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.InDelta(t, 123.45, got[0].Close, 1e-9)
}

func TestWriteBars_RejectsMalformed(t *testing.T) {
	s := openTestStore(t)
	err := s.WriteBars(context.Background(), []models.Bar{{Ticker: "XYZ"}})
	require.ErrorIs(t, err, ErrWriteRejected)
}

func TestGetBars_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetBars(context.Background(), "NOPE", models.Timeframe5Min,
		time.Now().Add(-time.Hour), time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHasDataAndAvailableRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 10, 1, 13, 30, 0, 0, time.UTC)
	bars := fiveMinBars("XYZ", day, 10, 100)
	require.NoError(t, s.WriteBars(ctx, bars))

	ok, err := s.HasData(ctx, "XYZ", models.Timeframe5Min, day, day.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.HasData(ctx, "XYZ", models.Timeframe5Min, day.Add(24*time.Hour), day.Add(25*time.Hour))
	require.NoError(t, err)
	require.False(t, ok)

	lo, hi, err := s.AvailableRange(ctx, "XYZ", models.Timeframe5Min)
	require.NoError(t, err)
	require.Equal(t, bars[0].Timestamp.Unix(), lo.Unix())
	require.Equal(t, bars[len(bars)-1].Timestamp.Unix(), hi.Unix())

	_, _, err = s.AvailableRange(ctx, "NOPE", models.Timeframe5Min)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDistinctDays(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d1 := time.Date(2025, 10, 1, 13, 30, 0, 0, time.UTC)
	d2 := time.Date(2025, 10, 3, 13, 30, 0, 0, time.UTC)
	require.NoError(t, s.WriteBars(ctx, fiveMinBars("XYZ", d1, 5, 100)))
	require.NoError(t, s.WriteBars(ctx, fiveMinBars("XYZ", d2, 5, 100)))

	days, err := s.DistinctDays(ctx, "XYZ", models.Timeframe5Min,
		d1.Add(-time.Hour), d2.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"2025-10-01", "2025-10-03"}, days)
}

func TestDayBars(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d1 := time.Date(2025, 10, 1, 13, 30, 0, 0, time.UTC)
	d2 := time.Date(2025, 10, 2, 13, 30, 0, 0, time.UTC)
	require.NoError(t, s.WriteBars(ctx, fiveMinBars("XYZ", d1, 5, 100)))
	require.NoError(t, s.WriteBars(ctx, fiveMinBars("XYZ", d2, 7, 100)))

	got, err := s.DayBars(ctx, "XYZ", models.Timeframe5Min, "2025-10-02")
	require.NoError(t, err)
	require.Len(t, got, 7)
}
