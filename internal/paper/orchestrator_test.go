package paper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantmill/tradelab/internal/pipeline"
	"github.com/quantmill/tradelab/internal/store"
	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

// chanFeed replays a fixed bar sequence and closes.
type chanFeed struct {
	bars []models.Bar
}

func (f chanFeed) Subscribe(ctx context.Context, _ []string) (<-chan models.Bar, error) {
	ch := make(chan models.Bar)
	go func() {
		defer close(ch)
		for _, b := range f.bars {
			select {
			case ch <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func liveBars(ticker string, n int, price float64) []models.Bar {
	ts := time.Date(2025, time.October, 15, 9, 30, 0, 0, utils.ET)
	bars := make([]models.Bar, n)
	for i := range bars {
		bars[i] = models.Bar{
			Ticker:    ticker,
			Timestamp: ts.UTC(),
			Timeframe: models.Timeframe5Min,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    8000,
		}
		ts = ts.Add(5 * time.Minute)
	}
	return bars
}

func TestOrchestrator_SignalToFilledPosition(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(t.TempDir() + "/lab.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	agent := &models.Agent{Name: "live-momo", Instructions: "momentum", Status: models.StatusLearning}
	require.NoError(t, st.CreateAgent(ctx, agent))
	require.NoError(t, st.CreateScannerVersion(ctx, &models.ScannerVersion{
		AgentID:  agent.ID,
		Code:     `const TICKERS = ["AAA"]; function scan(bars) { return null; }`,
		ModelTag: "test",
	}))
	account, err := st.GraduateAgent(ctx, agent.ID, models.StatusPaperTrading, 100_000)
	require.NoError(t, err)

	factory, err := pipeline.BuiltinFactory("every-bar")
	require.NoError(t, err)

	orch := New(st, chanFeed{bars: liveBars("AAA", 20, 100)}, factory, nil, Options{
		MinBarsToScan: 5,
		SnapshotDir:   t.TempDir(),
	})
	require.NoError(t, orch.Run(ctx))

	// The first scannable bar produced a signal; the entry filled on the
	// following bar at 10% of equity.
	positions, err := st.ListPositions(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, "AAA", positions[0].Ticker)
	require.Equal(t, 100, positions[0].Quantity) // 10% of 100k at ~100/share

	row, err := st.GetPaperAccount(ctx, agent.ID)
	require.NoError(t, err)
	require.Less(t, row.Cash, 100_000.0)
	require.InDelta(t, 100_000, row.Equity, 15) // slippage + commission only

	trades, err := st.ListPaperTrades(ctx, account.ID)
	require.NoError(t, err)
	require.Empty(t, trades) // nothing closed on a flat tape
}

func TestOrchestrator_NoPaperAgents(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(t.TempDir() + "/lab.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	factory, err := pipeline.BuiltinFactory("every-bar")
	require.NoError(t, err)
	orch := New(st, chanFeed{}, factory, nil, Options{})
	require.Error(t, orch.Run(ctx))
}
