// Package lifecycle moves agents through learning → paper_trading →
// live_trading. Promotion is gated on accumulated iteration metrics;
// an explicit force flag overrides the gates but never the atomic
// account funding.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quantmill/tradelab/internal/store"
	"github.com/quantmill/tradelab/pkg/models"
)

// DefaultInitialBalance funds a freshly promoted paper account.
const DefaultInitialBalance = 100_000

// ErrNotEligible is returned when an agent fails the graduation gates.
var ErrNotEligible = errors.New("lifecycle: agent not eligible for graduation")

// Thresholds gate one promotion step.
type Thresholds struct {
	MinIterations   int
	MeanWinRate     float64
	MeanSharpe      float64
	MeanReturn      float64
	MinTotalSignals int
	// The trailing RecentCount iterations must each clear RecentWinRate.
	RecentCount   int
	RecentWinRate float64
}

// PaperThresholds gates learning → paper_trading.
func PaperThresholds() Thresholds {
	return Thresholds{
		MinIterations:   20,
		MeanWinRate:     0.60,
		MeanSharpe:      2.0,
		MeanReturn:      0.05,
		MinTotalSignals: 50,
		RecentCount:     5,
		RecentWinRate:   0.55,
	}
}

// LiveThresholds gates paper_trading → live_trading. Every bar is
// raised relative to the paper gate.
func LiveThresholds() Thresholds {
	return Thresholds{
		MinIterations:   50,
		MeanWinRate:     0.60,
		MeanSharpe:      2.5,
		MeanReturn:      0.10,
		MinTotalSignals: 200,
		RecentCount:     10,
		RecentWinRate:   0.60,
	}
}

// Manager evaluates and applies agent status transitions.
type Manager struct {
	store          *store.Store
	initialBalance float64
}

// New creates a manager. initialBalance ≤ 0 selects the default.
func New(st *store.Store, initialBalance float64) *Manager {
	if initialBalance <= 0 {
		initialBalance = DefaultInitialBalance
	}
	return &Manager{store: st, initialBalance: initialBalance}
}

// Report is the outcome of one eligibility evaluation.
type Report struct {
	Eligible bool
	Failures []string

	Iterations   int
	MeanWinRate  float64
	MeanSharpe   float64
	MeanReturn   float64
	TotalSignals int
}

// Evaluate checks an agent against the thresholds for its next status
// without changing anything. Only completed and approved iterations
// count toward the record.
func (m *Manager) Evaluate(ctx context.Context, agentID string, th Thresholds) (*Report, error) {
	all, err := m.store.ListIterations(ctx, agentID)
	if err != nil {
		return nil, err
	}
	var its []models.Iteration
	for _, it := range all {
		if it.Status == models.IterationCompleted || it.Status == models.IterationApproved {
			its = append(its, it)
		}
	}

	r := &Report{Iterations: len(its)}
	for _, it := range its {
		r.MeanWinRate += it.WinRate
		r.MeanSharpe += it.SharpeRatio
		r.MeanReturn += it.TotalReturn
		r.TotalSignals += it.SignalsFound
	}
	if n := float64(len(its)); n > 0 {
		r.MeanWinRate /= n
		r.MeanSharpe /= n
		r.MeanReturn /= n
	}

	fail := func(format string, args ...interface{}) {
		r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
	}
	if r.Iterations < th.MinIterations {
		fail("iterations %d < %d", r.Iterations, th.MinIterations)
	}
	if r.MeanWinRate < th.MeanWinRate {
		fail("mean win rate %.3f < %.2f", r.MeanWinRate, th.MeanWinRate)
	}
	if r.MeanSharpe < th.MeanSharpe {
		fail("mean Sharpe %.2f < %.2f", r.MeanSharpe, th.MeanSharpe)
	}
	if r.MeanReturn < th.MeanReturn {
		fail("mean return %.4f < %.2f", r.MeanReturn, th.MeanReturn)
	}
	if r.TotalSignals < th.MinTotalSignals {
		fail("total signals %d < %d", r.TotalSignals, th.MinTotalSignals)
	}
	if len(its) >= th.RecentCount {
		recent := its[len(its)-th.RecentCount:]
		for _, it := range recent {
			if it.WinRate <= th.RecentWinRate {
				fail("iteration %d win rate %.3f not above %.2f",
					it.IterationNumber, it.WinRate, th.RecentWinRate)
				break
			}
		}
	} else if th.RecentCount > 0 {
		fail("fewer than %d iterations for the recent-form check", th.RecentCount)
	}

	r.Eligible = len(r.Failures) == 0
	return r, nil
}

// Graduate promotes an agent one step. force skips the eligibility
// gates; the promotion itself, including paper-account funding, stays
// atomic either way.
func (m *Manager) Graduate(ctx context.Context, agentID string, force bool) (*Report, error) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var (
		next models.AgentStatus
		th   Thresholds
	)
	switch agent.Status {
	case models.StatusLearning:
		next, th = models.StatusPaperTrading, PaperThresholds()
	case models.StatusPaperTrading:
		next, th = models.StatusLiveTrading, LiveThresholds()
	default:
		return nil, fmt.Errorf("lifecycle: agent %s is already %s", agent.Name, agent.Status)
	}

	report, err := m.Evaluate(ctx, agentID, th)
	if err != nil {
		return nil, err
	}
	if !report.Eligible && !force {
		return report, fmt.Errorf("%w: %s", ErrNotEligible, strings.Join(report.Failures, "; "))
	}

	if next == models.StatusPaperTrading {
		if _, err := m.store.GraduateAgent(ctx, agentID, next, m.initialBalance); err != nil {
			return report, err
		}
		return report, nil
	}
	if err := m.store.UpdateAgentStatus(ctx, agentID, next); err != nil {
		return report, err
	}
	return report, nil
}

// Demote moves an agent back one step. Paper accounts are kept so a
// re-promotion resumes the same book.
func (m *Manager) Demote(ctx context.Context, agentID string) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	var prev models.AgentStatus
	switch agent.Status {
	case models.StatusLiveTrading:
		prev = models.StatusPaperTrading
	case models.StatusPaperTrading:
		prev = models.StatusLearning
	default:
		return fmt.Errorf("lifecycle: agent %s is already %s", agent.Name, agent.Status)
	}
	return m.store.UpdateAgentStatus(ctx, agentID, prev)
}
