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

const timeLayout = time.RFC3339Nano

// CreateAgent persists a new agent, assigning its ID and creation time.
func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.StatusLearning
	}
	a.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, instructions, risk_tolerance, trading_style,
		                    status, discovery_mode, allow_multiple_signals, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Instructions, a.Personality.RiskTolerance, a.Personality.TradingStyle,
		string(a.Status), boolInt(a.DiscoveryMode), boolInt(a.AllowMultipleSignals),
		a.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store.CreateAgent: %w", err)
	}
	return nil
}

// GetAgent loads one agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, instructions, risk_tolerance, trading_style,
		       status, discovery_mode, allow_multiple_signals, created_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ListAgents returns all agents, newest first.
func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, instructions, risk_tolerance, trading_style,
		       status, discovery_mode, allow_multiple_signals, created_at
		FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store.ListAgents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAgentStatus transitions an agent's lifecycle status.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("store.UpdateAgentStatus: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(r rowScanner) (*models.Agent, error) {
	var (
		a                 models.Agent
		status, createdAt string
		discovery, multi  int
	)
	err := r.Scan(&a.ID, &a.Name, &a.Instructions,
		&a.Personality.RiskTolerance, &a.Personality.TradingStyle,
		&status, &discovery, &multi, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan agent: %w", err)
	}
	a.Status = models.AgentStatus(status)
	a.DiscoveryMode = discovery != 0
	a.AllowMultipleSignals = multi != 0
	a.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &a, nil
}

// CreateScannerVersion stores a new scanner generation, assigning the
// next version number for the agent inside one transaction so the
// sequence 1, 2, 3, … never gaps or repeats.
func (s *Store) CreateScannerVersion(ctx context.Context, v *models.ScannerVersion) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.CreateScannerVersion: begin: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM scanner_versions WHERE agent_id = ?`,
		v.AgentID).Scan(&v.VersionNumber); err != nil {
		return fmt.Errorf("store.CreateScannerVersion: next version: %w", err)
	}
	if v.Name == "" {
		v.Name = fmt.Sprintf("Scanner v%d", v.VersionNumber)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scanner_versions (id, agent_id, version_number, name, code,
		                              model_tag, generation_prompt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.AgentID, v.VersionNumber, v.Name, v.Code,
		v.ModelTag, v.GenerationPrompt, v.CreatedAt.Format(timeLayout)); err != nil {
		return fmt.Errorf("store.CreateScannerVersion: insert: %w", err)
	}
	return tx.Commit()
}

// GetScannerVersion loads one scanner version by ID.
func (s *Store) GetScannerVersion(ctx context.Context, id string) (*models.ScannerVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, version_number, name, code, model_tag, generation_prompt, created_at
		FROM scanner_versions WHERE id = ?`, id)
	return scanScannerVersion(row)
}

// ListScannerVersions returns an agent's scanner versions in order.
func (s *Store) ListScannerVersions(ctx context.Context, agentID string) ([]models.ScannerVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, version_number, name, code, model_tag, generation_prompt, created_at
		FROM scanner_versions WHERE agent_id = ? ORDER BY version_number ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store.ListScannerVersions: %w", err)
	}
	defer rows.Close()

	var out []models.ScannerVersion
	for rows.Next() {
		v, err := scanScannerVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// LatestScannerVersion returns the newest scanner version for an agent.
func (s *Store) LatestScannerVersion(ctx context.Context, agentID string) (*models.ScannerVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, version_number, name, code, model_tag, generation_prompt, created_at
		FROM scanner_versions WHERE agent_id = ?
		ORDER BY version_number DESC LIMIT 1`, agentID)
	return scanScannerVersion(row)
}

func scanScannerVersion(r rowScanner) (*models.ScannerVersion, error) {
	var (
		v         models.ScannerVersion
		createdAt string
	)
	err := r.Scan(&v.ID, &v.AgentID, &v.VersionNumber, &v.Name, &v.Code,
		&v.ModelTag, &v.GenerationPrompt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan scanner version: %w", err)
	}
	v.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
