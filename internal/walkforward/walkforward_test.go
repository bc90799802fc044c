package walkforward

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantmill/tradelab/internal/barstore"
	"github.com/quantmill/tradelab/internal/engine"
	"github.com/quantmill/tradelab/internal/pipeline"
	"github.com/quantmill/tradelab/internal/store"
	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

func TestPartition_ExpandingWindow(t *testing.T) {
	periods, err := Partition("2025-01-01", "2025-06-30",
		Options{TrainMonths: 3, TestMonths: 1})
	require.NoError(t, err)
	require.Len(t, periods, 3)

	// Training always reaches back to the range start and grows.
	for _, p := range periods {
		require.Equal(t, "2025-01-01", p.TrainStart)
	}
	require.Equal(t, "2025-03-31", periods[0].TrainEnd)
	require.Equal(t, "2025-04-01", periods[0].TestStart)
	require.Equal(t, "2025-04-30", periods[0].TestEnd)
	require.Equal(t, "2025-04-30", periods[1].TrainEnd)
	require.Equal(t, "2025-06-30", periods[2].TestEnd)
}

func TestPartition_RollingWindow(t *testing.T) {
	periods, err := Partition("2025-01-01", "2025-06-30",
		Options{TrainMonths: 3, TestMonths: 1, OverlapMonths: 2})
	require.NoError(t, err)
	require.Len(t, periods, 3)

	// Fixed-size training window sliding one month per period.
	require.Equal(t, "2025-01-01", periods[0].TrainStart)
	require.Equal(t, "2025-02-01", periods[1].TrainStart)
	require.Equal(t, "2025-03-01", periods[2].TrainStart)
	require.Equal(t, "2025-05-31", periods[2].TrainEnd)
	require.Equal(t, "2025-06-30", periods[2].TestEnd)
}

func TestPartition_TestStrictlyAfterTrain(t *testing.T) {
	for _, opts := range []Options{
		{TrainMonths: 3, TestMonths: 1},
		{TrainMonths: 3, TestMonths: 2, OverlapMonths: 1},
		{TrainMonths: 6, TestMonths: 3},
	} {
		periods, err := Partition("2024-01-01", "2025-12-31", opts)
		require.NoError(t, err)
		require.NotEmpty(t, periods)
		for _, p := range periods {
			// ISO dates compare lexicographically.
			require.Greater(t, p.TestStart, p.TrainEnd, "opts %+v period %d", opts, p.Index)
			require.Greater(t, p.TestEnd, p.TestStart, "opts %+v period %d", opts, p.Index)
		}
	}
}

func TestPartition_RangeTooShort(t *testing.T) {
	_, err := Partition("2025-01-01", "2025-02-28",
		Options{TrainMonths: 3, TestMonths: 1})
	require.ErrorIs(t, err, ErrRangeTooShort)
}

func TestPartition_RejectsOverlapAtLeastTrain(t *testing.T) {
	_, err := Partition("2025-01-01", "2025-12-31",
		Options{TrainMonths: 3, TestMonths: 1, OverlapMonths: 3})
	require.Error(t, err)
}

func TestAggregate_MixedReturns(t *testing.T) {
	res := Aggregate([]float64{0.01, -0.02, 0.03})

	require.InDelta(t, 0.006667, res.MeanReturn, 1e-4)
	require.InDelta(t, 2.0/3.0, res.Consistency, 1e-9)
	require.Greater(t, res.TStatistic, 0.0)
	require.Greater(t, res.PValue, 0.0)
	require.Less(t, res.PValue, 1.0)
	require.Less(t, res.CILow, res.MeanReturn)
	require.Greater(t, res.CIHigh, res.MeanReturn)
}

func TestAggregate_DegenerateInputs(t *testing.T) {
	empty := Aggregate(nil)
	require.Zero(t, empty.MeanReturn)
	require.Equal(t, 1.0, empty.PValue)

	single := Aggregate([]float64{0.02})
	require.Equal(t, 0.02, single.MeanReturn)
	require.Equal(t, 0.02, single.CILow)
	require.Equal(t, 0.02, single.CIHigh)

	flat := Aggregate([]float64{0.01, 0.01, 0.01})
	require.Zero(t, flat.StdDevReturn)
	require.Zero(t, flat.PValue) // constant nonzero mean is trivially significant
}

func TestStudentT_ReferenceValues(t *testing.T) {
	require.InDelta(t, 0.5, studentTCDF(0, 5), 1e-9)
	// Classic table values: t_{0.975} for 1 and 10 degrees of freedom.
	require.InDelta(t, 12.706, studentTQuantile(0.975, 1), 0.01)
	require.InDelta(t, 2.228, studentTQuantile(0.975, 10), 0.005)
	// Large dof converges on the normal quantile.
	require.InDelta(t, 1.96, studentTQuantile(0.975, 1000), 0.01)
}

// ════════════════════════════════════════════════════════════════════
// End-to-end run over builtin scanners
// ════════════════════════════════════════════════════════════════════

type stubCollaborator struct{ code string }

func (s stubCollaborator) GenerateScanner(context.Context, string, string, string) (string, error) {
	return s.code, nil
}

func (s stubCollaborator) AnalyzeResults(context.Context, models.TemplateScore, int, models.Personality) (*models.ExpertAnalysis, error) {
	return &models.ExpertAnalysis{Summary: "n/a"}, nil
}

func (s stubCollaborator) ExplainZeroSignals(context.Context, string, models.Personality) (*models.ExpertAnalysis, error) {
	return &models.ExpertAnalysis{Summary: "n/a"}, nil
}

func (s stubCollaborator) ModelTag() string { return "stub" }

func flatDay(ticker string, year int, month time.Month, day int) []models.Bar {
	ts := time.Date(year, month, day, 9, 30, 0, 0, utils.ET)
	bars := make([]models.Bar, 78)
	for i := range bars {
		bars[i] = models.Bar{
			Ticker:    ticker,
			Timestamp: ts.UTC(),
			Timeframe: models.Timeframe5Min,
			Open:      100,
			High:      100,
			Low:       100,
			Close:     100,
			Volume:    10000,
		}
		ts = ts.Add(5 * time.Minute)
	}
	return bars
}

func TestRun_SingleScannerAcrossPeriods(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(t.TempDir() + "/lab.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bars, err := barstore.Open(t.TempDir() + "/bars.db")
	require.NoError(t, err)
	t.Cleanup(func() { bars.Close() })

	// Two training days in October, two test days in November.
	for _, d := range []int{14, 15} {
		require.NoError(t, bars.WriteBars(ctx, flatDay("AAA", 2025, time.October, d)))
	}
	for _, d := range []int{11, 12} {
		require.NoError(t, bars.WriteBars(ctx, flatDay("AAA", 2025, time.November, d)))
	}

	agent := &models.Agent{Name: "wf", Instructions: "trade everything", Status: models.StatusLearning}
	require.NoError(t, st.CreateAgent(ctx, agent))

	factory, err := pipeline.BuiltinFactory("every-bar")
	require.NoError(t, err)
	engOpts := engine.Options{WarmupBars: 30, SnapshotDir: t.TempDir()}
	pipe := pipeline.New(st, bars, stubCollaborator{code: "function scan(bars) { return null; }"},
		factory, pipeline.Options{Engine: engOpts})

	c := New(st, bars, pipe, factory, engOpts)
	res, err := c.Run(ctx, Request{
		AgentID:   agent.ID,
		StartDate: "2025-10-01",
		EndDate:   "2025-11-30",
		Tickers:   []string{"AAA"},
		Options:   Options{TrainMonths: 1, TestMonths: 1},
	})
	require.NoError(t, err)
	require.Len(t, res.Periods, 1)

	p := res.Periods[0]
	require.Equal(t, "2025-11-01", p.TestStart)
	require.Equal(t, "2025-11-30", p.TestEnd)
	require.Equal(t, 2, p.TradeCount) // one flat trade per test day
	require.Zero(t, p.Return)
	require.Zero(t, res.MeanReturn)

	// Exactly one scanner version exists: trained once, reused per period.
	versions, err := st.ListScannerVersions(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, versions[0].ID, res.ScannerVersion)
}
