package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantmill/tradelab/pkg/models"
)

// SaveBacktest persists a backtest run. Completed and failed backtests
// are immutable; saving the same ID twice replaces the row only while
// the run is still in `running` status.
func (s *Store) SaveBacktest(ctx context.Context, b *models.Backtest) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM backtests WHERE id = ?`, b.ID).Scan(&existing)
	switch {
	case err == nil:
		if existing != string(models.BacktestRunning) {
			return fmt.Errorf("%w: backtest %s is %s and immutable", ErrConflict, b.ID, existing)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("store.SaveBacktest: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backtests (id, scanner_version_id, start_date, end_date, tickers,
		                       execution_template_id, signals, trades, scores, winner,
		                       ticker_stats, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			signals = excluded.signals,
			trades = excluded.trades,
			scores = excluded.scores,
			winner = excluded.winner,
			ticker_stats = excluded.ticker_stats,
			status = excluded.status,
			error = excluded.error`,
		b.ID, b.ScannerVersionID, b.StartDate, b.EndDate, marshalJSON(b.Tickers),
		b.ExecutionTemplateID, marshalJSON(b.Signals), marshalJSON(b.Trades),
		marshalJSON(b.Scores), b.Winner, marshalJSON(b.TickerStats),
		string(b.Status), b.Error, b.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store.SaveBacktest: %w", err)
	}
	return nil
}

// GetBacktest loads one backtest by ID.
func (s *Store) GetBacktest(ctx context.Context, id string) (*models.Backtest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scanner_version_id, start_date, end_date, tickers,
		       execution_template_id, signals, trades, scores, winner,
		       ticker_stats, status, error, created_at
		FROM backtests WHERE id = ?`, id)
	return scanBacktest(row)
}

// ListBacktests returns the most recent backtests, newest first.
func (s *Store) ListBacktests(ctx context.Context, limit int) ([]models.Backtest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scanner_version_id, start_date, end_date, tickers,
		       execution_template_id, signals, trades, scores, winner,
		       ticker_stats, status, error, created_at
		FROM backtests ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store.ListBacktests: %w", err)
	}
	defer rows.Close()

	var out []models.Backtest
	for rows.Next() {
		b, err := scanBacktest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanBacktest(r rowScanner) (*models.Backtest, error) {
	var (
		b                                       models.Backtest
		tickers, signals, trades, scores, stats string
		status, createdAt                       string
	)
	err := r.Scan(&b.ID, &b.ScannerVersionID, &b.StartDate, &b.EndDate, &tickers,
		&b.ExecutionTemplateID, &signals, &trades, &scores, &b.Winner,
		&stats, &status, &b.Error, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan backtest: %w", err)
	}
	b.Status = models.BacktestStatus(status)
	unmarshalJSON(tickers, &b.Tickers)
	unmarshalJSON(signals, &b.Signals)
	unmarshalJSON(trades, &b.Trades)
	unmarshalJSON(scores, &b.Scores)
	unmarshalJSON(stats, &b.TickerStats)
	b.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &b, nil
}
