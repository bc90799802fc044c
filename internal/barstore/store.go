// Package barstore persists OHLCV bars keyed by (ticker, timeframe,
// timestamp) and answers the point and range queries the backtest engine
// and paper orchestrator need. It also builds per-day prefix snapshots —
// the restricted read surface handed to scanner workers so that no bar
// after the current one is ever visible.
package barstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quantmill/tradelab/pkg/models"
)

var (
	// ErrNotFound is returned when a range query matches no bars.
	ErrNotFound = errors.New("barstore: no bars in range")
	// ErrWriteRejected is returned when a bar fails validation.
	ErrWriteRejected = errors.New("barstore: malformed bar")
	// ErrFutureDate is returned when a backfill reaches past today.
	ErrFutureDate = errors.New("barstore: date range extends into the future")
)

const schema = `
CREATE TABLE IF NOT EXISTS bars (
    ticker    TEXT    NOT NULL,
    timeframe TEXT    NOT NULL,
    ts        INTEGER NOT NULL,  -- unix seconds, UTC
    open      REAL    NOT NULL,
    high      REAL    NOT NULL,
    low       REAL    NOT NULL,
    close     REAL    NOT NULL,
    volume    INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (ticker, timeframe, ts)
);

CREATE INDEX IF NOT EXISTS idx_bars_ticker_tf ON bars(ticker, timeframe, ts);
`

// Store is a SQLite-backed bar store. Many readers, serialized writers;
// readers see snapshots consistent with completed writes.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the bar database at the given path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("barstore.Open: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("barstore.Open: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// WriteBars upserts bars; duplicates by (ticker, timeframe, timestamp)
// are replaced. The write is per-bar atomic inside one transaction.
func (s *Store) WriteBars(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	for _, b := range bars {
		if !b.Valid() {
			return fmt.Errorf("%w: %s %s @ %s", ErrWriteRejected, b.Ticker, b.Timeframe, b.Timestamp)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("barstore.WriteBars: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (ticker, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker, timeframe, ts) DO UPDATE SET
			open   = excluded.open,
			high   = excluded.high,
			low    = excluded.low,
			close  = excluded.close,
			volume = excluded.volume`)
	if err != nil {
		return fmt.Errorf("barstore.WriteBars: prepare: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx,
			b.Ticker, string(b.Timeframe), b.Timestamp.UTC().Unix(),
			b.Open, b.High, b.Low, b.Close, b.Volume,
		); err != nil {
			return fmt.Errorf("barstore.WriteBars: upsert %s@%s: %w", b.Ticker, b.Timestamp, err)
		}
	}
	return tx.Commit()
}

// GetBars returns bars in [from, to] sorted ascending by timestamp.
// Returns ErrNotFound when the range is empty.
func (s *Store) GetBars(ctx context.Context, ticker string, tf models.Timeframe, from, to time.Time) ([]models.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticker, timeframe, ts, open, high, low, close, volume
		FROM bars
		WHERE ticker = ? AND timeframe = ? AND ts BETWEEN ? AND ?
		ORDER BY ts ASC`,
		ticker, string(tf), from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("barstore.GetBars: query: %w", err)
	}
	defer rows.Close()

	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s %s %s..%s", ErrNotFound, ticker, tf,
			from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	return bars, nil
}

// HasData reports whether at least one bar exists in [from, to].
func (s *Store) HasData(ctx context.Context, ticker string, tf models.Timeframe, from, to time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM (
			SELECT 1 FROM bars
			WHERE ticker = ? AND timeframe = ? AND ts BETWEEN ? AND ?
			LIMIT 1
		)`,
		ticker, string(tf), from.UTC().Unix(), to.UTC().Unix()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("barstore.HasData: %w", err)
	}
	return n > 0, nil
}

// AvailableRange returns the min and max bar timestamps for a
// (ticker, timeframe). Returns ErrNotFound when no bars exist.
func (s *Store) AvailableRange(ctx context.Context, ticker string, tf models.Timeframe) (time.Time, time.Time, error) {
	var minTs, maxTs sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(ts), MAX(ts) FROM bars WHERE ticker = ? AND timeframe = ?`,
		ticker, string(tf)).Scan(&minTs, &maxTs)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("barstore.AvailableRange: %w", err)
	}
	if !minTs.Valid || !maxTs.Valid {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s %s", ErrNotFound, ticker, tf)
	}
	return time.Unix(minTs.Int64, 0).UTC(), time.Unix(maxTs.Int64, 0).UTC(), nil
}

// DistinctDays returns the sorted list of distinct UTC calendar dates in
// [from, to] that have at least one bar for the ticker.
func (s *Store) DistinctDays(ctx context.Context, ticker string, tf models.Timeframe, from, to time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT date(ts, 'unixepoch') AS day
		FROM bars
		WHERE ticker = ? AND timeframe = ? AND ts BETWEEN ? AND ?
		ORDER BY day ASC`,
		ticker, string(tf), from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("barstore.DistinctDays: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("barstore.DistinctDays: scan: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// DayBars returns all bars for a (ticker, timeframe) on a UTC calendar
// date, sorted ascending.
func (s *Store) DayBars(ctx context.Context, ticker string, tf models.Timeframe, day string) ([]models.Bar, error) {
	start, err := time.Parse("2006-01-02", day)
	if err != nil {
		return nil, fmt.Errorf("barstore.DayBars: bad day %q: %w", day, err)
	}
	end := start.Add(24*time.Hour - time.Second)
	return s.GetBars(ctx, ticker, tf, start, end)
}

func scanBars(rows *sql.Rows) ([]models.Bar, error) {
	var bars []models.Bar
	for rows.Next() {
		var (
			b  models.Bar
			tf string
			ts int64
		)
		if err := rows.Scan(&b.Ticker, &tf, &ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("barstore: scan bar: %w", err)
		}
		b.Timeframe = models.Timeframe(tf)
		b.Timestamp = time.Unix(ts, 0).UTC()
		bars = append(bars, b)
	}
	return bars, rows.Err()
}
