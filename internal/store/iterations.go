package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantmill/tradelab/pkg/models"
)

// CreateIteration opens a new iteration for an agent, assigning the
// next iteration number transactionally.
func (s *Store) CreateIteration(ctx context.Context, it *models.Iteration) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	it.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.CreateIteration: begin: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(iteration_number), 0) + 1 FROM iterations WHERE agent_id = ?`,
		it.AgentID).Scan(&it.IterationNumber); err != nil {
		return fmt.Errorf("store.CreateIteration: next number: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO iterations (id, agent_id, iteration_number, scanner_version_id,
		                        backtest_id, analysis, refinements, status,
		                        signals_found, trades_executed, win_rate, sharpe_ratio,
		                        total_return, failure_reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.AgentID, it.IterationNumber, it.ScannerVersionID,
		it.BacktestID, analysisJSON(it.Analysis), marshalJSON(it.Refinements),
		string(it.Status), it.SignalsFound, it.TradesExecuted, it.WinRate,
		it.SharpeRatio, it.TotalReturn, marshalJSON(it.FailureReasons),
		it.CreatedAt.Format(timeLayout)); err != nil {
		return fmt.Errorf("store.CreateIteration: insert: %w", err)
	}
	return tx.Commit()
}

// UpdateIteration rewrites an iteration's mutable fields. Completed and
// failed iterations are immutable.
func (s *Store) UpdateIteration(ctx context.Context, it *models.Iteration) error {
	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM iterations WHERE id = ?`, it.ID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: iteration %s", ErrNotFound, it.ID)
	}
	if err != nil {
		return fmt.Errorf("store.UpdateIteration: %w", err)
	}
	if existing == string(models.IterationCompleted) || existing == string(models.IterationFailed) {
		return fmt.Errorf("%w: iteration %s is %s and immutable", ErrConflict, it.ID, existing)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE iterations SET
			scanner_version_id = ?, backtest_id = ?, analysis = ?, refinements = ?,
			status = ?, signals_found = ?, trades_executed = ?, win_rate = ?,
			sharpe_ratio = ?, total_return = ?, failure_reasons = ?
		WHERE id = ?`,
		it.ScannerVersionID, it.BacktestID, analysisJSON(it.Analysis),
		marshalJSON(it.Refinements), string(it.Status), it.SignalsFound,
		it.TradesExecuted, it.WinRate, it.SharpeRatio, it.TotalReturn,
		marshalJSON(it.FailureReasons), it.ID)
	if err != nil {
		return fmt.Errorf("store.UpdateIteration: %w", err)
	}
	return nil
}

// MarkIterationStatus is a terminal status transition that also records
// failure reasons; used for approved/rejected verdicts too.
func (s *Store) MarkIterationStatus(ctx context.Context, id string, status models.IterationStatus, reasons []string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE iterations SET status = ?, failure_reasons = ? WHERE id = ?`,
		string(status), marshalJSON(reasons), id)
	if err != nil {
		return fmt.Errorf("store.MarkIterationStatus: %w", err)
	}
	return nil
}

// GetIteration loads one iteration by ID.
func (s *Store) GetIteration(ctx context.Context, id string) (*models.Iteration, error) {
	row := s.db.QueryRowContext(ctx, iterationSelect+` WHERE id = ?`, id)
	return scanIteration(row)
}

// ListIterations returns an agent's iterations in creation order.
func (s *Store) ListIterations(ctx context.Context, agentID string) ([]models.Iteration, error) {
	rows, err := s.db.QueryContext(ctx,
		iterationSelect+` WHERE agent_id = ? ORDER BY iteration_number ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store.ListIterations: %w", err)
	}
	defer rows.Close()
	return collectIterations(rows)
}

// RecentIterations returns the last n iterations for an agent, oldest
// first, for the lifecycle manager's trailing-window checks.
func (s *Store) RecentIterations(ctx context.Context, agentID string, n int) ([]models.Iteration, error) {
	rows, err := s.db.QueryContext(ctx,
		iterationSelect+` WHERE agent_id = ? ORDER BY iteration_number DESC LIMIT ?`,
		agentID, n)
	if err != nil {
		return nil, fmt.Errorf("store.RecentIterations: %w", err)
	}
	defer rows.Close()

	its, err := collectIterations(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(its)-1; i < j; i, j = i+1, j-1 {
		its[i], its[j] = its[j], its[i]
	}
	return its, nil
}

const iterationSelect = `
	SELECT id, agent_id, iteration_number, scanner_version_id, backtest_id,
	       analysis, refinements, status, signals_found, trades_executed,
	       win_rate, sharpe_ratio, total_return, failure_reasons, created_at
	FROM iterations`

func collectIterations(rows *sql.Rows) ([]models.Iteration, error) {
	var out []models.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func scanIteration(r rowScanner) (*models.Iteration, error) {
	var (
		it                         models.Iteration
		analysis, refinements      string
		status, reasons, createdAt string
	)
	err := r.Scan(&it.ID, &it.AgentID, &it.IterationNumber, &it.ScannerVersionID,
		&it.BacktestID, &analysis, &refinements, &status, &it.SignalsFound,
		&it.TradesExecuted, &it.WinRate, &it.SharpeRatio, &it.TotalReturn,
		&reasons, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan iteration: %w", err)
	}
	it.Status = models.IterationStatus(status)
	if analysis != "" {
		var ea models.ExpertAnalysis
		if json.Unmarshal([]byte(analysis), &ea) == nil {
			it.Analysis = &ea
		}
	}
	unmarshalJSON(refinements, &it.Refinements)
	unmarshalJSON(reasons, &it.FailureReasons)
	it.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &it, nil
}

func analysisJSON(a *models.ExpertAnalysis) string {
	if a == nil {
		return ""
	}
	b, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	return string(b)
}
