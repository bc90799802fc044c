package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantmill/tradelab/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/lab.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestAgent(t *testing.T, s *Store) *models.Agent {
	t.Helper()
	a := &models.Agent{
		Name:         "momentum-alpha",
		Instructions: "find intraday momentum breakouts",
		Personality:  models.Personality{RiskTolerance: "moderate", TradingStyle: "momentum"},
	}
	require.NoError(t, s.CreateAgent(context.Background(), a))
	return a
}

func TestAgent_CreateGetList(t *testing.T) {
	s := openTestStore(t)
	a := newTestAgent(t, s)

	got, err := s.GetAgent(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, a.Name, got.Name)
	require.Equal(t, models.StatusLearning, got.Status)
	require.Equal(t, "momentum", got.Personality.TradingStyle)

	all, err := s.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = s.GetAgent(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestScannerVersions_MonotoneNoGaps(t *testing.T) {
	s := openTestStore(t)
	a := newTestAgent(t, s)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		v := &models.ScannerVersion{AgentID: a.ID, Code: "function scan(bars) { return null; }"}
		require.NoError(t, s.CreateScannerVersion(ctx, v))
	}

	versions, err := s.ListScannerVersions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, versions, 5)
	for i, v := range versions {
		require.Equal(t, i+1, v.VersionNumber)
	}

	// A second agent gets its own sequence starting at 1.
	b := newTestAgent(t, s)
	v := &models.ScannerVersion{AgentID: b.ID, Code: "x;"}
	require.NoError(t, s.CreateScannerVersion(ctx, v))
	require.Equal(t, 1, v.VersionNumber)
}

func TestScannerVersion_DefaultName(t *testing.T) {
	s := openTestStore(t)
	a := newTestAgent(t, s)

	v := &models.ScannerVersion{AgentID: a.ID, Code: "x;"}
	require.NoError(t, s.CreateScannerVersion(context.Background(), v))
	require.Equal(t, "Scanner v1", v.Name)
}

func TestExecutionTemplates_ContentAddressed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	code := "stop_loss_pct=0.0250\ntake_profit_pct=0.0500\n"

	first, err := s.SaveExecutionTemplate(ctx, "Aggressive Swing", code)
	require.NoError(t, err)
	second, err := s.SaveExecutionTemplate(ctx, "Aggressive Swing", code)
	require.NoError(t, err)

	// Identical code bytes share exactly one row.
	require.Equal(t, first.ID, second.ID)
	n, err := s.CountExecutionTemplates(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Different code gets its own row; the original ID is untouched.
	third, err := s.SaveExecutionTemplate(ctx, "Aggressive Swing", code+"trailing_pct=0.0150\n")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)

	reread, err := s.GetExecutionTemplate(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, first.CodeHash, reread.CodeHash)
}

func TestHashCode_NormalizesWhitespace(t *testing.T) {
	require.Equal(t, HashCode("a = 1;\nb = 2;"), HashCode("a = 1;  \r\nb = 2;\n"))
	require.NotEqual(t, HashCode("a = 1;"), HashCode("a = 2;"))
}

func TestBacktest_RoundTripAndImmutability(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bt := &models.Backtest{
		StartDate: "2025-10-01",
		EndDate:   "2025-10-05",
		Tickers:   []string{"XYZ"},
		Signals: []models.Signal{{
			Ticker: "XYZ", SignalDate: "2025-10-01", SignalTime: "10:00:00",
			Direction: models.Long, PatternStrength: 70,
		}},
		Winner: "Aggressive Swing",
		Status: models.BacktestCompleted,
	}
	require.NoError(t, s.SaveBacktest(ctx, bt))

	got, err := s.GetBacktest(ctx, bt.ID)
	require.NoError(t, err)
	require.Len(t, got.Signals, 1)
	require.Equal(t, "Aggressive Swing", got.Winner)

	// Completed backtests reject rewrites.
	bt.Winner = "Conservative Scalper"
	require.ErrorIs(t, s.SaveBacktest(ctx, bt), ErrConflict)
}

func TestIterations_NumberingAndImmutability(t *testing.T) {
	s := openTestStore(t)
	a := newTestAgent(t, s)
	ctx := context.Background()

	first := &models.Iteration{AgentID: a.ID, Status: models.IterationCompleted}
	require.NoError(t, s.CreateIteration(ctx, first))
	require.Equal(t, 1, first.IterationNumber)

	second := &models.Iteration{AgentID: a.ID, Status: models.IterationFailed}
	require.NoError(t, s.CreateIteration(ctx, second))
	require.Equal(t, 2, second.IterationNumber)

	// Terminal iterations are immutable.
	first.TradesExecuted = 99
	require.ErrorIs(t, s.UpdateIteration(ctx, first), ErrConflict)
}

func TestRecentIterations_TrailingWindowOldestFirst(t *testing.T) {
	s := openTestStore(t)
	a := newTestAgent(t, s)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		it := &models.Iteration{AgentID: a.ID, Status: models.IterationCompleted, WinRate: float64(i)}
		require.NoError(t, s.CreateIteration(ctx, it))
	}

	last5, err := s.RecentIterations(ctx, a.ID, 5)
	require.NoError(t, err)
	require.Len(t, last5, 5)
	require.Equal(t, 3, last5[0].IterationNumber)
	require.Equal(t, 7, last5[4].IterationNumber)
}

func TestKnowledge_UpsertByIdentity(t *testing.T) {
	s := openTestStore(t)
	a := newTestAgent(t, s)
	ctx := context.Background()

	k := &models.AgentKnowledge{
		AgentID:       a.ID,
		KnowledgeType: models.KnowledgePatternRule,
		PatternType:   "breakout",
		InsightText:   "Volume confirmation above 2x average improves win rate.",
		Confidence:    0.75,
	}
	require.NoError(t, s.UpsertKnowledge(ctx, k))

	// Same insight, different casing and spacing: must dedupe.
	dup := &models.AgentKnowledge{
		AgentID:       a.ID,
		KnowledgeType: models.KnowledgePatternRule,
		PatternType:   "breakout",
		InsightText:   "volume confirmation above 2x  average improves win rate",
		Confidence:    0.60,
	}
	require.NoError(t, s.UpsertKnowledge(ctx, dup))

	rows, err := s.ListKnowledge(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 2, rows[0].TimesValidated)
	require.InDelta(t, 0.75, rows[0].Confidence, 1e-9) // original confidence kept
}

func TestKnowledge_DecayAndPrune(t *testing.T) {
	s := openTestStore(t)
	a := newTestAgent(t, s)
	ctx := context.Background()

	weak := &models.AgentKnowledge{
		AgentID: a.ID, KnowledgeType: models.KnowledgeInsight,
		InsightText: "late-day entries underperform", Confidence: 0.15,
		LearnedFromIteration: "iter-1",
	}
	strong := &models.AgentKnowledge{
		AgentID: a.ID, KnowledgeType: models.KnowledgeInsight,
		InsightText: "morning breakouts carry", Confidence: 0.9,
		LearnedFromIteration: "iter-1",
	}
	require.NoError(t, s.UpsertKnowledge(ctx, weak))
	require.NoError(t, s.UpsertKnowledge(ctx, strong))

	require.NoError(t, s.DecayKnowledge(ctx, a.ID, "iter-1", 0.1))

	rows, err := s.ListKnowledge(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1) // 0.15-0.1 < floor, deleted
	require.InDelta(t, 0.8, rows[0].Confidence, 1e-9)
}

func TestGraduateAgent_AtomicAccountCreation(t *testing.T) {
	s := openTestStore(t)
	a := newTestAgent(t, s)
	ctx := context.Background()

	acct, err := s.GraduateAgent(ctx, a.ID, models.StatusPaperTrading, 100000)
	require.NoError(t, err)
	require.NotNil(t, acct)
	require.Equal(t, 100000.0, acct.Cash)

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPaperTrading, got.Status)

	// A second graduation must not fund a second account, and the failed
	// transaction must not flip the status either.
	_, err = s.GraduateAgent(ctx, a.ID, models.StatusPaperTrading, 100000)
	require.Error(t, err)
	got, err = s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPaperTrading, got.Status)
}

func TestKnowledgeSummary_Format(t *testing.T) {
	s := openTestStore(t)
	a := newTestAgent(t, s)
	ctx := context.Background()

	require.NoError(t, s.UpsertKnowledge(ctx, &models.AgentKnowledge{
		AgentID: a.ID, KnowledgeType: models.KnowledgeParameterPref,
		InsightText: "range_bars: 6 -> 8", Confidence: 0.7,
	}))

	summary, err := s.KnowledgeSummary(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Contains(t, summary, "PARAMETER_PREF")
	require.Contains(t, summary, "range_bars: 6 -> 8")
}
