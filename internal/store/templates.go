package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantmill/tradelab/pkg/models"
)

// HashCode returns the content address of execution code: SHA-256 over
// the normalized bytes (CRLF folded, trailing whitespace stripped).
func HashCode(code string) string {
	norm := strings.ReplaceAll(code, "\r\n", "\n")
	lines := strings.Split(norm, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	norm = strings.TrimSpace(strings.Join(lines, "\n"))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// SaveExecutionTemplate stores execution code content-addressed.
// Identical code bytes always resolve to the same row, so retries and
// repeat backtests are idempotent and old backtests keep pointing at
// the exact code that produced them.
func (s *Store) SaveExecutionTemplate(ctx context.Context, name, code string) (*models.ExecutionTemplate, error) {
	hash := HashCode(code)

	if t, err := s.templateByHash(ctx, hash); err == nil {
		return t, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	t := &models.ExecutionTemplate{
		ID:           uuid.NewString(),
		CodeHash:     hash,
		TemplateName: name,
		Code:         code,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_templates (id, code_hash, template_name, code, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code_hash) DO NOTHING`,
		t.ID, t.CodeHash, t.TemplateName, t.Code, t.CreatedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("store.SaveExecutionTemplate: %w", err)
	}

	// A concurrent writer may have won the insert; the hash row is
	// authoritative either way.
	return s.templateByHash(ctx, hash)
}

// GetExecutionTemplate loads one template by ID.
func (s *Store) GetExecutionTemplate(ctx context.Context, id string) (*models.ExecutionTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code_hash, template_name, code, created_at
		FROM execution_templates WHERE id = ?`, id)
	return scanTemplate(row)
}

// CountExecutionTemplates returns the number of stored templates.
func (s *Store) CountExecutionTemplates(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_templates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store.CountExecutionTemplates: %w", err)
	}
	return n, nil
}

func (s *Store) templateByHash(ctx context.Context, hash string) (*models.ExecutionTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code_hash, template_name, code, created_at
		FROM execution_templates WHERE code_hash = ?`, hash)
	return scanTemplate(row)
}

func scanTemplate(r rowScanner) (*models.ExecutionTemplate, error) {
	var (
		t         models.ExecutionTemplate
		createdAt string
	)
	err := r.Scan(&t.ID, &t.CodeHash, &t.TemplateName, &t.Code, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan template: %w", err)
	}
	t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &t, nil
}
