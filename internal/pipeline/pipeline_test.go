package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantmill/tradelab/internal/barstore"
	"github.com/quantmill/tradelab/internal/engine"
	"github.com/quantmill/tradelab/internal/llm"
	"github.com/quantmill/tradelab/internal/store"
	"github.com/quantmill/tradelab/pkg/models"
	"github.com/quantmill/tradelab/pkg/utils"
)

const cleanScanner = `
function scan(bars) {
  if (bars.length < 7) return null;
  let rangeHigh = bars[0].high;
  for (let i = 1; i < 6; i++) {
    if (bars[i].high > rangeHigh) rangeHigh = bars[i].high;
  }
  const last = bars[bars.length - 1];
  if (last.close > rangeHigh * 1.001) {
    return { direction: "LONG", time: last.timestamp, strength: 70 };
  }
  return null;
}
`

const lookaheadScanner = `
function scan(bars) {
  const sorted = bars.sort((a, b) => b.high - a.high);
  const peak = sorted[0];
  return { direction: "SHORT", time: peak.timestamp, strength: 90 };
}
`

// fakeCollaborator scripts GenerateScanner responses and records which
// analysis path was taken.
type fakeCollaborator struct {
	codes    []string // consumed one per GenerateScanner call
	genErrs  []error  // parallel to codes; nil entries mean success
	genCalls int

	analysis     *models.ExpertAnalysis
	analyzeCalls int
	zeroCalls    int
}

func (f *fakeCollaborator) GenerateScanner(_ context.Context, _, _, _ string) (string, error) {
	i := f.genCalls
	f.genCalls++
	if i < len(f.genErrs) && f.genErrs[i] != nil {
		return "", f.genErrs[i]
	}
	if i >= len(f.codes) {
		i = len(f.codes) - 1
	}
	return f.codes[i], nil
}

func (f *fakeCollaborator) AnalyzeResults(_ context.Context, _ models.TemplateScore, _ int, _ models.Personality) (*models.ExpertAnalysis, error) {
	f.analyzeCalls++
	return f.analysis, nil
}

func (f *fakeCollaborator) ExplainZeroSignals(_ context.Context, _ string, _ models.Personality) (*models.ExpertAnalysis, error) {
	f.zeroCalls++
	return f.analysis, nil
}

func (f *fakeCollaborator) ModelTag() string { return "fake" }

func flatWeek(ticker string) []models.Bar {
	var bars []models.Bar
	for d := 13; d <= 17; d++ { // Mon..Fri
		ts := time.Date(2025, time.October, d, 9, 30, 0, 0, utils.ET)
		for i := 0; i < 78; i++ {
			bars = append(bars, models.Bar{
				Ticker:    ticker,
				Timestamp: ts.UTC(),
				Timeframe: models.Timeframe5Min,
				Open:      100,
				High:      100,
				Low:       100,
				Close:     100,
				Volume:    10000,
			})
			ts = ts.Add(5 * time.Minute)
		}
	}
	return bars
}

func newTestPipeline(t *testing.T, collab Collaborator, builtin string) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/lab.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bars, err := barstore.Open(t.TempDir() + "/bars.db")
	require.NoError(t, err)
	t.Cleanup(func() { bars.Close() })
	require.NoError(t, bars.WriteBars(context.Background(), flatWeek("AAA")))

	factory, err := BuiltinFactory(builtin)
	require.NoError(t, err)

	return New(st, bars, collab, factory, Options{
		Engine: engine.Options{WarmupBars: 30, SnapshotDir: t.TempDir()},
	}), st
}

func createTestAgent(t *testing.T, st *store.Store, discovery bool) *models.Agent {
	t.Helper()
	a := &models.Agent{
		Name:          "momo",
		Instructions:  "Trade opening range breakouts on liquid names",
		Personality:   models.Personality{RiskTolerance: "moderate", TradingStyle: "momentum"},
		Status:        models.StatusLearning,
		DiscoveryMode: discovery,
	}
	require.NoError(t, st.CreateAgent(context.Background(), a))
	return a
}

func testRequest(agentID string) Request {
	return Request{
		AgentID:   agentID,
		StartDate: "2025-10-13",
		EndDate:   "2025-10-17",
		Tickers:   []string{"AAA"},
	}
}

func TestRun_CompletedIteration(t *testing.T) {
	fake := &fakeCollaborator{
		codes:    []string{cleanScanner},
		analysis: &models.ExpertAnalysis{Summary: "flat tape, nothing to learn"},
	}
	p, st := newTestPipeline(t, fake, "every-bar")
	agent := createTestAgent(t, st, false)

	it, err := p.Run(context.Background(), testRequest(agent.ID))
	require.NoError(t, err)
	require.Equal(t, models.IterationCompleted, it.Status)
	require.Equal(t, 1, it.IterationNumber)
	require.Equal(t, 5, it.SignalsFound) // one per trading day
	require.Equal(t, 1, fake.genCalls)
	require.Equal(t, 1, fake.analyzeCalls)

	// The scanner version and backtest were persisted and linked.
	v, err := st.GetScannerVersion(context.Background(), it.ScannerVersionID)
	require.NoError(t, err)
	require.Equal(t, "Trade Opening Range Breakouts On Liquid Scanner", v.Name)
	require.Equal(t, "fake", v.ModelTag)

	bt, err := st.GetBacktest(context.Background(), it.BacktestID)
	require.NoError(t, err)
	require.Equal(t, models.BacktestCompleted, bt.Status)
	require.Equal(t, v.ID, bt.ScannerVersionID)
}

func TestRun_LookaheadScannerFailsIteration(t *testing.T) {
	fake := &fakeCollaborator{codes: []string{lookaheadScanner}}
	p, st := newTestPipeline(t, fake, "every-bar")
	agent := createTestAgent(t, st, false)

	it, err := p.Run(context.Background(), testRequest(agent.ID))
	require.NoError(t, err)
	require.Equal(t, models.IterationFailed, it.Status)
	require.NotEmpty(t, it.FailureReasons)
	require.Contains(t, it.FailureReasons[0], "violation=LOOKAHEAD")
	require.Equal(t, 3, fake.genCalls) // retried to the cap

	// No scanner version is recorded for rejected code.
	versions, err := st.ListScannerVersions(context.Background(), agent.ID)
	require.NoError(t, err)
	require.Empty(t, versions)
}

func TestRun_TruncationRetriedThenSucceeds(t *testing.T) {
	fake := &fakeCollaborator{
		codes:    []string{"", cleanScanner},
		genErrs:  []error{llm.ErrTruncated, nil},
		analysis: &models.ExpertAnalysis{Summary: "ok"},
	}
	p, st := newTestPipeline(t, fake, "every-bar")
	agent := createTestAgent(t, st, false)

	it, err := p.Run(context.Background(), testRequest(agent.ID))
	require.NoError(t, err)
	require.Equal(t, models.IterationCompleted, it.Status)
	require.Equal(t, 2, fake.genCalls)
}

func TestRun_DiscoveryModeSkipsAnalysis(t *testing.T) {
	fake := &fakeCollaborator{codes: []string{cleanScanner}}
	p, st := newTestPipeline(t, fake, "every-bar")
	agent := createTestAgent(t, st, true)

	it, err := p.Run(context.Background(), testRequest(agent.ID))
	require.NoError(t, err)
	require.Equal(t, models.IterationCompleted, it.Status)
	require.Zero(t, fake.analyzeCalls)
	require.Zero(t, fake.zeroCalls)

	// Discovery mode runs the single conservative template.
	bt, err := st.GetBacktest(context.Background(), it.BacktestID)
	require.NoError(t, err)
	require.Len(t, bt.Scores, 1)
}

func TestRun_ZeroTradesExplainedOnRequest(t *testing.T) {
	fake := &fakeCollaborator{
		codes:    []string{cleanScanner},
		analysis: &models.ExpertAnalysis{Summary: "breakout filter never satisfied on a flat tape"},
	}
	// Flat prices never break the opening range, so no signals fire.
	p, st := newTestPipeline(t, fake, "orb-breakout")
	agent := createTestAgent(t, st, false)

	req := testRequest(agent.ID)
	req.ExplainZero = true
	it, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.IterationCompleted, it.Status)
	require.Zero(t, it.SignalsFound)
	require.Equal(t, 1, fake.zeroCalls)
	require.Zero(t, fake.analyzeCalls)
}

func TestRun_KnowledgeExtractedFromAnalysis(t *testing.T) {
	fake := &fakeCollaborator{
		codes: []string{cleanScanner},
		analysis: &models.ExpertAnalysis{
			Summary: "volume filter carries the edge",
			WorkingElements: []models.AnalysisElement{
				{PatternType: "breakout", Description: "volume confirmation reduces false breaks", Confidence: 0.8},
			},
			FailurePoints: []models.AnalysisElement{
				{PatternType: "reversal", Description: "fading strong trends loses", Confidence: 0.6},
			},
			MissingContext: []string{"sector relative strength"},
			ParameterRecommendations: []models.ParameterRec{
				{Parameter: "range_bars", Current: "6", Suggested: "8", Rationale: "fewer false breaks"},
			},
			ProjectedPerformance: models.ProjectedPerformance{WinRate: 0.6, Confidence: 0.7},
		},
	}
	p, st := newTestPipeline(t, fake, "every-bar")
	agent := createTestAgent(t, st, false)

	it, err := p.Run(context.Background(), testRequest(agent.ID))
	require.NoError(t, err)
	require.Equal(t, models.IterationCompleted, it.Status)
	require.NotNil(t, it.Analysis)
	require.Len(t, it.Refinements, 1)
	require.Contains(t, it.Refinements[0], "range_bars")

	rows, err := st.ListKnowledge(context.Background(), agent.ID)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	byType := map[models.KnowledgeType]int{}
	var avoid bool
	for _, k := range rows {
		byType[k.KnowledgeType]++
		if strings.HasPrefix(k.InsightText, "AVOID:") {
			avoid = true
		}
	}
	require.Equal(t, 1, byType[models.KnowledgeParameterPref])
	require.Equal(t, 2, byType[models.KnowledgePatternRule])
	require.Equal(t, 1, byType[models.KnowledgeInsight])
	require.True(t, avoid)
}

func TestApproved_ThresholdsAndImprovement(t *testing.T) {
	fake := &fakeCollaborator{codes: []string{cleanScanner}}
	p, st := newTestPipeline(t, fake, "every-bar")
	agent := createTestAgent(t, st, false)
	ctx := context.Background()

	good := &models.Iteration{
		Status:         models.IterationCompleted,
		WinRate:        0.60,
		SharpeRatio:    2.0,
		TotalReturn:    0.05,
		TradesExecuted: 20,
	}
	require.True(t, p.approved(ctx, agent, good), "first viable strategy auto-approves")

	weak := *good
	weak.WinRate = 0.50
	require.False(t, p.approved(ctx, agent, &weak), "below win-rate threshold")

	// Record a baseline; the next candidate must beat it on 2 of 3 metrics.
	baseline := *good
	baseline.AgentID = agent.ID
	baseline.Status = models.IterationApproved
	require.NoError(t, st.CreateIteration(ctx, &baseline))

	worse := *good
	worse.SharpeRatio = 1.8
	worse.TotalReturn = 0.04
	require.False(t, p.approved(ctx, agent, &worse), "improves 0 of 3 metrics")

	better := *good
	better.WinRate = 0.62
	better.SharpeRatio = 2.2
	require.True(t, p.approved(ctx, agent, &better), "improves 2 of 3 metrics")
}

func TestDeriveScannerName(t *testing.T) {
	cases := []struct {
		prompt, want string
	}{
		{"Trade opening range breakouts. Focus on tech.", "Trade Opening Range Breakouts Scanner"},
		{"vwap reversion", "Vwap Reversion Scanner"},
		{"", ""},
		{"one two three four five six seven", "One Two Three Four Five Six Scanner"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, DeriveScannerName(c.prompt), "prompt %q", c.prompt)
	}
}
