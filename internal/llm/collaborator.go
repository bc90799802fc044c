package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quantmill/tradelab/pkg/models"
)

// Collaborator wraps a Provider with the lab's prompt contracts:
// natural-language instructions in, scanner code or structured analysis
// out. It is stateless; all memory lives in the knowledge store.
type Collaborator struct {
	provider  Provider
	maxTokens int
}

// NewCollaborator creates a collaborator. maxTokens caps each
// generation and must be high enough to avoid truncating scanner code.
func NewCollaborator(p Provider, maxTokens int) *Collaborator {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Collaborator{provider: p, maxTokens: maxTokens}
}

// ModelTag names the backing provider for scanner version records.
func (c *Collaborator) ModelTag() string { return c.provider.Name() }

const scannerSystemPrompt = `You write intraday stock scanners as a single JavaScript function:

    function scan(bars) { ... }

bars is an ordered array of OHLCV objects {timestamp, open, high, low, close, volume}
containing ONLY the bars up to the current moment. Return null for no signal, or
{direction: "LONG"|"SHORT", time: <timestamp of the current bar>, strength: 0..100}.

Hard rules:
- Never use information from bars after the current one. The array already ends
  at the current bar; do not sort the whole array by price, precompute the day's
  high or low, or index past the current position.
- Emit at most one signal per invocation.
- Output ONLY the function in a single fenced code block.`

// GenerateScanner produces scanner source from agent instructions, the
// accumulated knowledge summary, and optional manual guidance.
func (c *Collaborator) GenerateScanner(ctx context.Context, instructions, knowledgeSummary, guidance string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Strategy instructions:\n%s\n", instructions)
	if knowledgeSummary != "" {
		fmt.Fprintf(&b, "\nAccumulated knowledge from prior iterations:\n%s\n", knowledgeSummary)
	}
	if guidance != "" {
		fmt.Fprintf(&b, "\nAdditional guidance for this iteration:\n%s\n", guidance)
	}
	b.WriteString("\nWrite the scanner now.")

	resp, err := c.provider.Complete(ctx, Request{
		System:      scannerSystemPrompt,
		Prompt:      b.String(),
		MaxTokens:   c.maxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}

	code := ExtractCodeBlock(resp.Content)
	if code == "" {
		return "", fmt.Errorf("llm: no code block in generation")
	}
	return code, nil
}

const analysisSystemPrompt = `You are a quantitative trading analyst reviewing backtest results.
Respond with ONLY a JSON object of this exact shape:
{
  "summary": string,
  "working_elements": [{"pattern_type": string, "description": string, "confidence": number}],
  "failure_points": [{"pattern_type": string, "description": string, "confidence": number}],
  "missing_context": [string],
  "parameter_recommendations": [{"parameter": string, "current": string, "suggested": string, "rationale": string}],
  "projected_performance": {"win_rate": number, "total_return": number, "confidence": number}
}`

// AnalyzeResults asks for a structured expert analysis of a backtest's
// winning scorecard.
func (c *Collaborator) AnalyzeResults(ctx context.Context, score models.TemplateScore, signalsFound int, personality models.Personality) (*models.ExpertAnalysis, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent personality: risk tolerance %s, style %s.\n",
		personality.RiskTolerance, personality.TradingStyle)
	fmt.Fprintf(&b, "Signals found: %d\n", signalsFound)
	fmt.Fprintf(&b, "Winning template: %s\n", score.TemplateName)
	fmt.Fprintf(&b, "Trades: %d, win rate %.2f, total return %.4f, profit factor %.2f, Sharpe %.2f\n",
		score.TradeCount, score.WinRate, score.TotalReturn, score.ProfitFactor, score.SharpeRatio)
	for i, t := range score.Trades {
		if i >= 25 { // sample, not the full blotter
			break
		}
		fmt.Fprintf(&b, "  %s %s %s entry %.2f exit %.2f pnl %.2f%% (%s)\n",
			t.SignalDate, t.Ticker, t.Direction, t.EntryPrice, t.ExitPrice,
			t.PnLPct*100, t.ExitReason)
	}

	return c.requestAnalysis(ctx, b.String())
}

// ExplainZeroSignals runs the constrained "why zero?" analysis: the
// refinements must focus on loosening the scanner's filters.
func (c *Collaborator) ExplainZeroSignals(ctx context.Context, scannerCode string, personality models.Personality) (*models.ExpertAnalysis, error) {
	var b strings.Builder
	b.WriteString("This scanner produced ZERO signals over the whole backtest range.\n")
	b.WriteString("Explain specifically why it never fires and recommend which filters to loosen.\n\n")
	fmt.Fprintf(&b, "Agent personality: risk tolerance %s, style %s.\n\n",
		personality.RiskTolerance, personality.TradingStyle)
	fmt.Fprintf(&b, "Scanner code:\n%s\n", scannerCode)

	return c.requestAnalysis(ctx, b.String())
}

func (c *Collaborator) requestAnalysis(ctx context.Context, prompt string) (*models.ExpertAnalysis, error) {
	resp, err := c.provider.Complete(ctx, Request{
		System:      analysisSystemPrompt,
		Prompt:      prompt,
		MaxTokens:   c.maxTokens,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, err
	}

	var analysis models.ExpertAnalysis
	if err := json.Unmarshal([]byte(ExtractJSON(resp.Content)), &analysis); err != nil {
		return nil, fmt.Errorf("llm: bad analysis JSON: %w", err)
	}
	return &analysis, nil
}

// ExtractCodeBlock returns the contents of the first fenced code block,
// or the trimmed input when no fence is present.
func ExtractCodeBlock(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return strings.TrimSpace(s)
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line.
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// ExtractJSON strips any fencing or prose around the outermost JSON
// object in a response.
func ExtractJSON(s string) string {
	if fenced := ExtractCodeBlock(s); strings.HasPrefix(fenced, "{") {
		s = fenced
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
