package models

import "time"

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	StatusLearning     AgentStatus = "learning"
	StatusPaperTrading AgentStatus = "paper_trading"
	StatusLiveTrading  AgentStatus = "live_trading"
)

// Personality shapes how analysis prompts and refinements are framed.
type Personality struct {
	RiskTolerance string `json:"risk_tolerance"` // "conservative", "moderate", "aggressive"
	TradingStyle  string `json:"trading_style"`  // "scalper", "swing", "momentum", ...
}

// Agent is a named strategy context with persistent knowledge and a
// lifecycle status. Each agent owns its scanner versions, iterations,
// knowledge rows and (once promoted) a paper account.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Instructions string      `json:"instructions"`
	Personality  Personality `json:"personality"`
	Status       AgentStatus `json:"status"`
	// DiscoveryMode skips analysis/knowledge extraction and runs a single
	// execution template, used while searching for signal-producing scanners.
	DiscoveryMode bool `json:"discovery_mode"`
	// AllowMultipleSignals overrides the at-most-one-signal-per-day rule.
	AllowMultipleSignals bool      `json:"allow_multiple_signals"`
	CreatedAt            time.Time `json:"created_at"`
}

// ScannerVersion is one immutable generation of scanner code for an agent.
// Version numbers are unique per agent and grow by exactly one per
// generation.
type ScannerVersion struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	VersionNumber    int       `json:"version_number"`
	Name             string    `json:"name"`
	Code             string    `json:"code"`
	ModelTag         string    `json:"model_tag"`
	GenerationPrompt string    `json:"generation_prompt"`
	CreatedAt        time.Time `json:"created_at"`
}

// IterationStatus is the terminal or in-flight state of an iteration.
type IterationStatus string

const (
	IterationCompleted IterationStatus = "completed"
	IterationFailed    IterationStatus = "failed"
	IterationApproved  IterationStatus = "approved"
	IterationRejected  IterationStatus = "rejected"
)

// Iteration records one closed round of generate → backtest → score →
// analyze → learn. Immutable once status is completed or failed.
type Iteration struct {
	ID               string          `json:"id"`
	AgentID          string          `json:"agent_id"`
	IterationNumber  int             `json:"iteration_number"`
	ScannerVersionID string          `json:"scanner_version_id"`
	BacktestID       string          `json:"backtest_id"`
	Analysis         *ExpertAnalysis `json:"analysis,omitempty"`
	Refinements      []string        `json:"refinements,omitempty"`
	Status           IterationStatus `json:"status"`
	SignalsFound     int             `json:"signals_found"`
	TradesExecuted   int             `json:"trades_executed"`
	// Winner-template metrics copied from the backtest, used by the
	// lifecycle manager's graduation checks.
	WinRate        float64   `json:"win_rate"`
	SharpeRatio    float64   `json:"sharpe_ratio"`
	TotalReturn    float64   `json:"total_return"`
	FailureReasons []string  `json:"failure_reasons,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// KnowledgeType classifies an agent knowledge row.
type KnowledgeType string

const (
	KnowledgeInsight       KnowledgeType = "INSIGHT"
	KnowledgeParameterPref KnowledgeType = "PARAMETER_PREF"
	KnowledgePatternRule   KnowledgeType = "PATTERN_RULE"
)

// AgentKnowledge is one accumulated insight. Rows are upserted by
// identity (agent, type, pattern type, canonical insight text); repeat
// encounters bump TimesValidated instead of duplicating.
type AgentKnowledge struct {
	ID                   string        `json:"id"`
	AgentID              string        `json:"agent_id"`
	KnowledgeType        KnowledgeType `json:"knowledge_type"`
	PatternType          string        `json:"pattern_type,omitempty"`
	InsightText          string        `json:"insight_text"`
	SupportingData       string        `json:"supporting_data,omitempty"`
	Confidence           float64       `json:"confidence"` // 0..1
	LearnedFromIteration string        `json:"learned_from_iteration"`
	TimesValidated       int           `json:"times_validated"`
	LastValidated        time.Time     `json:"last_validated"`
}

// ExpertAnalysis is the structured result of LLM analysis of a backtest.
type ExpertAnalysis struct {
	Summary                  string              `json:"summary"`
	WorkingElements          []AnalysisElement   `json:"working_elements"`
	FailurePoints            []AnalysisElement   `json:"failure_points"`
	MissingContext           []string            `json:"missing_context"`
	ParameterRecommendations []ParameterRec      `json:"parameter_recommendations"`
	ProjectedPerformance     ProjectedPerformance `json:"projected_performance"`
}

// AnalysisElement is one working or failing element of a strategy.
type AnalysisElement struct {
	PatternType string  `json:"pattern_type"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// ParameterRec is a recommended parameter adjustment.
type ParameterRec struct {
	Parameter string `json:"parameter"`
	Current   string `json:"current"`
	Suggested string `json:"suggested"`
	Rationale string `json:"rationale"`
}

// ProjectedPerformance is the analysis's forward estimate.
type ProjectedPerformance struct {
	WinRate     float64 `json:"win_rate"`
	TotalReturn float64 `json:"total_return"`
	Confidence  float64 `json:"confidence"`
}
