// Package pipeline runs one learning iteration end to end: generate a
// scanner with the LLM collaborator, gate it through the static
// validator, back-test it bar by bar, score the execution templates,
// extract knowledge from the analysis, and decide approval.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/quantmill/tradelab/internal/engine"
	"github.com/quantmill/tradelab/internal/llm"
	"github.com/quantmill/tradelab/internal/store"
	"github.com/quantmill/tradelab/internal/validator"
	"github.com/quantmill/tradelab/pkg/models"

	"github.com/quantmill/tradelab/internal/barstore"
)

// ErrValidation is returned when generated code failed the static
// validator on every attempt.
var ErrValidation = errors.New("pipeline: scanner failed validation")

// Collaborator is the slice of the LLM layer the pipeline consumes.
type Collaborator interface {
	GenerateScanner(ctx context.Context, instructions, knowledgeSummary, guidance string) (string, error)
	AnalyzeResults(ctx context.Context, score models.TemplateScore, signalsFound int, p models.Personality) (*models.ExpertAnalysis, error)
	ExplainZeroSignals(ctx context.Context, scannerCode string, p models.Personality) (*models.ExpertAnalysis, error)
	ModelTag() string
}

// Options configure iteration behavior.
type Options struct {
	MaxGenerationRetries int           // attempts before the iteration fails
	IterationTimeout     time.Duration // soft overall deadline
	ConfidenceDecayStep  float64

	// Auto-approval thresholds.
	ApprovalWinRate float64
	ApprovalSharpe  float64
	ApprovalReturn  float64
	ApprovalTrades  int

	Engine engine.Options
}

func (o *Options) fill() {
	if o.MaxGenerationRetries <= 0 {
		o.MaxGenerationRetries = 3
	}
	if o.IterationTimeout <= 0 {
		o.IterationTimeout = 15 * time.Minute
	}
	if o.ConfidenceDecayStep <= 0 {
		o.ConfidenceDecayStep = 0.1
	}
	if o.ApprovalWinRate == 0 {
		o.ApprovalWinRate = 0.55
	}
	if o.ApprovalSharpe == 0 {
		o.ApprovalSharpe = 1.5
	}
	if o.ApprovalReturn == 0 {
		o.ApprovalReturn = 0.02
	}
	if o.ApprovalTrades == 0 {
		o.ApprovalTrades = 10
	}
}

// Pipeline executes learning iterations for agents.
type Pipeline struct {
	store   *store.Store
	bars    *barstore.Store
	collab  Collaborator
	factory SpawnerFactory
	opts    Options
}

// New creates a pipeline.
func New(st *store.Store, bars *barstore.Store, collab Collaborator, factory SpawnerFactory, opts Options) *Pipeline {
	opts.fill()
	return &Pipeline{store: st, bars: bars, collab: collab, factory: factory, opts: opts}
}

// Request describes one iteration run.
type Request struct {
	AgentID   string
	Guidance  string
	StartDate string
	EndDate   string
	Tickers   []string

	// TemplateKey names a catalogue template; CustomCode overrides it.
	TemplateKey string
	CustomCode  string

	// ExplainZero requests the constrained zero-signal analysis when the
	// backtest produces no trades.
	ExplainZero bool
}

// Run executes one full iteration for an agent. The returned iteration
// is persisted in its terminal status; Run itself only errors on
// infrastructure failures, not on strategy outcomes.
func (p *Pipeline) Run(ctx context.Context, req Request) (*models.Iteration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.IterationTimeout)
	defer cancel()

	agent, err := p.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	it := &models.Iteration{AgentID: agent.ID, Status: models.IterationCompleted}

	code, violations, err := p.generateValidated(ctx, agent, req.Guidance)
	if err != nil {
		if errors.Is(err, ErrValidation) || errors.Is(err, llm.ErrTruncated) {
			it.Status = models.IterationFailed
			it.FailureReasons = violations
			if perr := p.store.CreateIteration(ctx, it); perr != nil {
				return nil, perr
			}
			return it, nil
		}
		return nil, err
	}

	version := &models.ScannerVersion{
		AgentID:          agent.ID,
		Name:             DeriveScannerName(agent.Instructions),
		Code:             code,
		ModelTag:         p.collab.ModelTag(),
		GenerationPrompt: agent.Instructions,
	}
	if err := p.store.CreateScannerVersion(ctx, version); err != nil {
		return nil, err
	}
	it.ScannerVersionID = version.ID

	templates, execName, execCode, err := p.resolveExecution(agent, req)
	if err != nil {
		return nil, err
	}
	tmplRow, err := p.store.SaveExecutionTemplate(ctx, execName, execCode)
	if err != nil {
		return nil, err
	}

	eng := engine.New(p.bars, p.factory(code), p.engineOptions(agent))
	bt, err := eng.Backtest(ctx, req.Tickers, req.StartDate, req.EndDate, templates)
	bt.ScannerVersionID = version.ID
	bt.ExecutionTemplateID = tmplRow.ID
	if serr := p.store.SaveBacktest(ctx, bt); serr != nil {
		return nil, serr
	}
	if err != nil {
		it.Status = models.IterationFailed
		it.BacktestID = bt.ID
		it.FailureReasons = []string{bt.Error}
		if perr := p.store.CreateIteration(ctx, it); perr != nil {
			return nil, perr
		}
		return it, nil
	}

	it.BacktestID = bt.ID
	it.SignalsFound = len(bt.Signals)
	if ws := bt.WinnerScore(); ws != nil {
		it.TradesExecuted = ws.TradeCount
		it.WinRate = ws.WinRate
		it.SharpeRatio = ws.SharpeRatio
		it.TotalReturn = ws.TotalReturn
	}

	// Discovery mode trades analysis depth for iteration speed.
	if !agent.DiscoveryMode {
		if err := p.analyzeAndLearn(ctx, agent, it, bt, code, req.ExplainZero); err != nil {
			log.Printf("pipeline: analysis for agent %s failed: %v", agent.ID, err)
			it.FailureReasons = append(it.FailureReasons, "analysis: "+err.Error())
		}
	}

	p.decayUnderDelivered(ctx, agent, it)

	if it.Status == models.IterationCompleted && p.approved(ctx, agent, it) {
		it.Status = models.IterationApproved
	}

	if err := p.store.CreateIteration(ctx, it); err != nil {
		return nil, err
	}
	return it, nil
}

// generateValidated loops generate → validate up to the retry cap,
// feeding violations back into the next attempt's guidance.
func (p *Pipeline) generateValidated(ctx context.Context, agent *models.Agent, guidance string) (string, []string, error) {
	summary, err := p.store.KnowledgeSummary(ctx, agent.ID, 20)
	if err != nil {
		return "", nil, err
	}

	var lastViolations []string
	for attempt := 1; attempt <= p.opts.MaxGenerationRetries; attempt++ {
		code, err := p.collab.GenerateScanner(ctx, agent.Instructions, summary, guidance)
		if errors.Is(err, llm.ErrTruncated) {
			lastViolations = []string{"generation truncated at token limit"}
			continue
		}
		if err != nil {
			return "", nil, err
		}

		res := validator.Check(code)
		if res.IsValid {
			return code, nil, nil
		}

		lastViolations = lastViolations[:0]
		for _, v := range res.Violations {
			lastViolations = append(lastViolations, fmt.Sprintf("violation=%s: %s", v.Rule, v.Message))
		}
		log.Printf("pipeline: agent %s attempt %d rejected: %s",
			agent.ID, attempt, strings.Join(lastViolations, "; "))
		guidance = guidance + "\nPrevious attempt was rejected: " +
			strings.Join(lastViolations, "; ") + ". Fix these without look-ahead."
	}
	return "", lastViolations, ErrValidation
}

// resolveExecution picks the template set and the code to be
// content-addressed. Discovery mode forces the Conservative template.
func (p *Pipeline) resolveExecution(agent *models.Agent, req Request) ([]engine.Template, string, string, error) {
	if agent.DiscoveryMode {
		t, _ := engine.ByKey("conservative")
		return []engine.Template{t}, t.Name, t.CanonicalCode(), nil
	}
	if req.CustomCode != "" {
		return engine.Catalogue(), "custom", req.CustomCode, nil
	}
	if req.TemplateKey != "" {
		t, ok := engine.ByKey(req.TemplateKey)
		if !ok {
			return nil, "", "", fmt.Errorf("pipeline: unknown template %q", req.TemplateKey)
		}
		return engine.Catalogue(), t.Name, t.CanonicalCode(), nil
	}
	t, _ := engine.ByKey("conservative")
	return engine.Catalogue(), t.Name, t.CanonicalCode(), nil
}

func (p *Pipeline) engineOptions(agent *models.Agent) engine.Options {
	opts := p.opts.Engine
	opts.AllowMultipleSignals = agent.AllowMultipleSignals
	return opts
}

// analyzeAndLearn runs expert analysis and maps it into knowledge rows.
func (p *Pipeline) analyzeAndLearn(ctx context.Context, agent *models.Agent, it *models.Iteration, bt *models.Backtest, code string, explainZero bool) error {
	var analysis *models.ExpertAnalysis
	var err error

	if it.TradesExecuted == 0 {
		if !explainZero {
			return nil
		}
		analysis, err = p.collab.ExplainZeroSignals(ctx, code, agent.Personality)
	} else {
		analysis, err = p.collab.AnalyzeResults(ctx, *bt.WinnerScore(), it.SignalsFound, agent.Personality)
	}
	if err != nil {
		return err
	}

	it.Analysis = analysis
	for _, rec := range analysis.ParameterRecommendations {
		it.Refinements = append(it.Refinements,
			fmt.Sprintf("%s: %s -> %s (%s)", rec.Parameter, rec.Current, rec.Suggested, rec.Rationale))
	}

	return p.extractKnowledge(ctx, agent.ID, it.ID, analysis)
}

// extractKnowledge maps the structured analysis into knowledge rows.
func (p *Pipeline) extractKnowledge(ctx context.Context, agentID, iterationID string, a *models.ExpertAnalysis) error {
	projected := a.ProjectedPerformance.Confidence
	if projected <= 0 {
		projected = 0.5
	}
	for _, rec := range a.ParameterRecommendations {
		if err := p.store.UpsertKnowledge(ctx, &models.AgentKnowledge{
			AgentID:              agentID,
			KnowledgeType:        models.KnowledgeParameterPref,
			PatternType:          rec.Parameter,
			InsightText:          fmt.Sprintf("%s: prefer %s over %s. %s", rec.Parameter, rec.Suggested, rec.Current, rec.Rationale),
			Confidence:           projected,
			LearnedFromIteration: iterationID,
		}); err != nil {
			return err
		}
	}
	for _, el := range a.WorkingElements {
		if err := p.store.UpsertKnowledge(ctx, &models.AgentKnowledge{
			AgentID:              agentID,
			KnowledgeType:        models.KnowledgePatternRule,
			PatternType:          el.PatternType,
			InsightText:          el.Description,
			Confidence:           el.Confidence,
			LearnedFromIteration: iterationID,
		}); err != nil {
			return err
		}
	}
	for _, el := range a.FailurePoints {
		if err := p.store.UpsertKnowledge(ctx, &models.AgentKnowledge{
			AgentID:              agentID,
			KnowledgeType:        models.KnowledgePatternRule,
			PatternType:          el.PatternType,
			InsightText:          "AVOID: " + el.Description,
			Confidence:           0.8,
			LearnedFromIteration: iterationID,
		}); err != nil {
			return err
		}
	}
	for _, note := range a.MissingContext {
		if err := p.store.UpsertKnowledge(ctx, &models.AgentKnowledge{
			AgentID:              agentID,
			KnowledgeType:        models.KnowledgeInsight,
			InsightText:          note,
			Confidence:           0.7,
			LearnedFromIteration: iterationID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// decayUnderDelivered lowers confidence in knowledge learned from the
// previous iteration when its projected win rate did not materialize.
func (p *Pipeline) decayUnderDelivered(ctx context.Context, agent *models.Agent, it *models.Iteration) {
	prev, err := p.store.RecentIterations(ctx, agent.ID, 1)
	if err != nil || len(prev) == 0 {
		return
	}
	last := prev[len(prev)-1]
	if last.Analysis == nil {
		return
	}
	projected := last.Analysis.ProjectedPerformance.WinRate
	if projected > 0 && it.WinRate < projected {
		if err := p.store.DecayKnowledge(ctx, agent.ID, last.ID, p.opts.ConfidenceDecayStep); err != nil {
			log.Printf("pipeline: decay for agent %s: %v", agent.ID, err)
		}
	}
}

// approved applies the auto-approval rule: absolute thresholds plus
// improvement in at least two of the three headline metrics over the
// strategy of record (the latest approved iteration, falling back to
// the latest completed one).
func (p *Pipeline) approved(ctx context.Context, agent *models.Agent, it *models.Iteration) bool {
	if it.WinRate < p.opts.ApprovalWinRate ||
		it.SharpeRatio < p.opts.ApprovalSharpe ||
		it.TotalReturn < p.opts.ApprovalReturn ||
		it.TradesExecuted < p.opts.ApprovalTrades {
		return false
	}

	baseline := p.strategyOfRecord(ctx, agent.ID)
	if baseline == nil {
		return true // first viable strategy
	}

	improved := 0
	if it.WinRate > baseline.WinRate {
		improved++
	}
	if it.SharpeRatio > baseline.SharpeRatio {
		improved++
	}
	if it.TotalReturn > baseline.TotalReturn {
		improved++
	}
	return improved >= 2
}

func (p *Pipeline) strategyOfRecord(ctx context.Context, agentID string) *models.Iteration {
	its, err := p.store.ListIterations(ctx, agentID)
	if err != nil {
		return nil
	}
	var lastCompleted *models.Iteration
	for i := len(its) - 1; i >= 0; i-- {
		switch its[i].Status {
		case models.IterationApproved:
			return &its[i]
		case models.IterationCompleted:
			if lastCompleted == nil {
				lastCompleted = &its[i]
			}
		}
	}
	return lastCompleted
}
