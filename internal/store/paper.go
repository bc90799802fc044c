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

// CreatePaperAccount funds a new paper account for an agent. One
// account per agent; a second create is a conflict.
func (s *Store) CreatePaperAccount(ctx context.Context, agentID string, initialBalance float64) (*models.PaperAccount, error) {
	a := &models.PaperAccount{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		InitialBalance: initialBalance,
		Cash:           initialBalance,
		Equity:         initialBalance,
		BuyingPower:    initialBalance,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_accounts (id, agent_id, initial_balance, cash, equity,
		                            buying_power, realized_pnl, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		a.ID, a.AgentID, a.InitialBalance, a.Cash, a.Equity, a.BuyingPower,
		a.CreatedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("%w: paper account for agent %s: %v", ErrConflict, agentID, err)
	}
	return a, nil
}

// GraduateAgent atomically transitions an agent's status and, when the
// target is paper trading, funds its account in the same transaction.
func (s *Store) GraduateAgent(ctx context.Context, agentID string, to models.AgentStatus, initialBalance float64) (*models.PaperAccount, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store.GraduateAgent: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE id = ?`, string(to), agentID)
	if err != nil {
		return nil, fmt.Errorf("store.GraduateAgent: status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}

	var acct *models.PaperAccount
	if to == models.StatusPaperTrading {
		acct = &models.PaperAccount{
			ID:             uuid.NewString(),
			AgentID:        agentID,
			InitialBalance: initialBalance,
			Cash:           initialBalance,
			Equity:         initialBalance,
			BuyingPower:    initialBalance,
			CreatedAt:      time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO paper_accounts (id, agent_id, initial_balance, cash, equity,
			                            buying_power, realized_pnl, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			acct.ID, acct.AgentID, acct.InitialBalance, acct.Cash, acct.Equity,
			acct.BuyingPower, acct.CreatedAt.Format(timeLayout)); err != nil {
			return nil, fmt.Errorf("%w: paper account for agent %s: %v", ErrConflict, agentID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store.GraduateAgent: commit: %w", err)
	}
	return acct, nil
}

// GetPaperAccount loads the account owned by an agent.
func (s *Store) GetPaperAccount(ctx context.Context, agentID string) (*models.PaperAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, initial_balance, cash, equity, buying_power, realized_pnl, created_at
		FROM paper_accounts WHERE agent_id = ?`, agentID)

	var (
		a         models.PaperAccount
		createdAt string
	)
	err := row.Scan(&a.ID, &a.AgentID, &a.InitialBalance, &a.Cash, &a.Equity,
		&a.BuyingPower, &a.RealizedPnL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetPaperAccount: %w", err)
	}
	a.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &a, nil
}

// UpdatePaperAccount rewrites the account balances.
func (s *Store) UpdatePaperAccount(ctx context.Context, a *models.PaperAccount) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE paper_accounts SET cash = ?, equity = ?, buying_power = ?, realized_pnl = ?
		WHERE id = ?`,
		a.Cash, a.Equity, a.BuyingPower, a.RealizedPnL, a.ID)
	if err != nil {
		return fmt.Errorf("store.UpdatePaperAccount: %w", err)
	}
	return nil
}

// SavePosition upserts one open position; a zero quantity deletes it.
func (s *Store) SavePosition(ctx context.Context, p *models.PaperPosition) error {
	if p.Quantity == 0 {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM paper_positions WHERE account_id = ? AND ticker = ?`,
			p.AccountID, p.Ticker)
		if err != nil {
			return fmt.Errorf("store.SavePosition: delete: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_positions (account_id, ticker, quantity, avg_entry_price,
		                             current_price, unrealized_pnl, high_water_mark,
		                             low_water_mark, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, ticker) DO UPDATE SET
			quantity = excluded.quantity,
			avg_entry_price = excluded.avg_entry_price,
			current_price = excluded.current_price,
			unrealized_pnl = excluded.unrealized_pnl,
			high_water_mark = excluded.high_water_mark,
			low_water_mark = excluded.low_water_mark`,
		p.AccountID, p.Ticker, p.Quantity, p.AvgEntryPrice, p.CurrentPrice,
		p.UnrealizedPnL, p.HighWaterMark, p.LowWaterMark,
		p.OpenedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store.SavePosition: %w", err)
	}
	return nil
}

// ListPositions returns all open positions for an account.
func (s *Store) ListPositions(ctx context.Context, accountID string) ([]models.PaperPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, ticker, quantity, avg_entry_price, current_price,
		       unrealized_pnl, high_water_mark, low_water_mark, opened_at
		FROM paper_positions WHERE account_id = ? ORDER BY ticker`, accountID)
	if err != nil {
		return nil, fmt.Errorf("store.ListPositions: %w", err)
	}
	defer rows.Close()

	var out []models.PaperPosition
	for rows.Next() {
		var (
			p        models.PaperPosition
			openedAt string
		)
		if err := rows.Scan(&p.AccountID, &p.Ticker, &p.Quantity, &p.AvgEntryPrice,
			&p.CurrentPrice, &p.UnrealizedPnL, &p.HighWaterMark, &p.LowWaterMark,
			&openedAt); err != nil {
			return nil, fmt.Errorf("store: scan position: %w", err)
		}
		p.OpenedAt, _ = time.Parse(timeLayout, openedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveOrder upserts a paper order.
func (s *Store) SaveOrder(ctx context.Context, o *models.PaperOrder) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.UpdatedAt = time.Now().UTC()
	if o.PlacedAt.IsZero() {
		o.PlacedAt = o.UpdatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_orders (id, account_id, ticker, side, type, quantity,
		                          limit_price, stop_price, status, status_message,
		                          stop_triggered, fill_price, tag, placed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			status_message = excluded.status_message,
			stop_triggered = excluded.stop_triggered,
			fill_price = excluded.fill_price,
			updated_at = excluded.updated_at`,
		o.ID, o.AccountID, o.Ticker, string(o.Side), string(o.Type), o.Quantity,
		o.LimitPrice, o.StopPrice, string(o.Status), o.StatusMessage,
		boolInt(o.StopTriggered), o.FillPrice, o.Tag,
		o.PlacedAt.Format(timeLayout), o.UpdatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store.SaveOrder: %w", err)
	}
	return nil
}

// PendingOrders returns an account's PENDING orders in placement order.
func (s *Store) PendingOrders(ctx context.Context, accountID string) ([]models.PaperOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, ticker, side, type, quantity, limit_price, stop_price,
		       status, status_message, stop_triggered, fill_price, tag, placed_at, updated_at
		FROM paper_orders WHERE account_id = ? AND status = ?
		ORDER BY placed_at ASC`, accountID, string(models.OrderPending))
	if err != nil {
		return nil, fmt.Errorf("store.PendingOrders: %w", err)
	}
	defer rows.Close()

	var out []models.PaperOrder
	for rows.Next() {
		var (
			o                  models.PaperOrder
			side, typ, status  string
			trig               int
			placedAt, updateAt string
		)
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Ticker, &side, &typ, &o.Quantity,
			&o.LimitPrice, &o.StopPrice, &status, &o.StatusMessage, &trig,
			&o.FillPrice, &o.Tag, &placedAt, &updateAt); err != nil {
			return nil, fmt.Errorf("store: scan order: %w", err)
		}
		o.Side = models.OrderSide(side)
		o.Type = models.OrderType(typ)
		o.Status = models.OrderStatus(status)
		o.StopTriggered = trig != 0
		o.PlacedAt, _ = time.Parse(timeLayout, placedAt)
		o.UpdatedAt, _ = time.Parse(timeLayout, updateAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// SavePaperTrade appends one completed round trip to the account ledger.
func (s *Store) SavePaperTrade(ctx context.Context, accountID string, t *models.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_trades (account_id, ticker, signal_date, signal_time,
		                          direction, entry_time, entry_price, exit_time,
		                          exit_price, quantity, pnl, pnl_pct, exit_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		accountID, t.Ticker, t.SignalDate, t.SignalTime, string(t.Direction),
		t.EntryTime.UTC().Format(timeLayout), t.EntryPrice,
		t.ExitTime.UTC().Format(timeLayout), t.ExitPrice,
		t.Quantity, t.PnL, t.PnLPct, string(t.ExitReason))
	if err != nil {
		return fmt.Errorf("store.SavePaperTrade: %w", err)
	}
	return nil
}

// ListPaperTrades returns an account's trades, oldest first.
func (s *Store) ListPaperTrades(ctx context.Context, accountID string) ([]models.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticker, signal_date, signal_time, direction, entry_time, entry_price,
		       exit_time, exit_price, quantity, pnl, pnl_pct, exit_reason
		FROM paper_trades WHERE account_id = ? ORDER BY id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("store.ListPaperTrades: %w", err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var (
			t                         models.Trade
			dir, entryAt, exitAt, why string
		)
		if err := rows.Scan(&t.Ticker, &t.SignalDate, &t.SignalTime, &dir,
			&entryAt, &t.EntryPrice, &exitAt, &t.ExitPrice, &t.Quantity,
			&t.PnL, &t.PnLPct, &why); err != nil {
			return nil, fmt.Errorf("store: scan trade: %w", err)
		}
		t.Direction = models.Direction(dir)
		t.ExitReason = models.ExitReason(why)
		t.EntryTime, _ = time.Parse(timeLayout, entryAt)
		t.ExitTime, _ = time.Parse(timeLayout, exitAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveEquitySnapshot records the end-of-session equity sample. One row
// per account per day; later writes on the same day replace the sample.
func (s *Store) SaveEquitySnapshot(ctx context.Context, snap *models.EquitySnapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equity_snapshots (account_id, date, equity, cash, taken_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, date) DO UPDATE SET
			equity = excluded.equity,
			cash = excluded.cash,
			taken_at = excluded.taken_at`,
		snap.AccountID, snap.Date, snap.Equity, snap.Cash,
		snap.TakenAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store.SaveEquitySnapshot: %w", err)
	}
	return nil
}

// ListEquitySnapshots returns an account's daily equity curve.
func (s *Store) ListEquitySnapshots(ctx context.Context, accountID string) ([]models.EquitySnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, date, equity, cash, taken_at
		FROM equity_snapshots WHERE account_id = ? ORDER BY date ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("store.ListEquitySnapshots: %w", err)
	}
	defer rows.Close()

	var out []models.EquitySnapshot
	for rows.Next() {
		var (
			e       models.EquitySnapshot
			takenAt string
		)
		if err := rows.Scan(&e.AccountID, &e.Date, &e.Equity, &e.Cash, &takenAt); err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}
		e.TakenAt, _ = time.Parse(timeLayout, takenAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
